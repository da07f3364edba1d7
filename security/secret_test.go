package security

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(version string, fill byte) SecretKey {
	return SecretKey{Version: version, Key: bytes.Repeat([]byte{fill}, 32)}
}

func flipLast(s string) string {
	last := s[len(s)-1]
	repl := byte('A')
	if last == 'A' {
		repl = 'B'
	}
	return s[:len(s)-1] + string(repl)
}

func TestNewSecretDeriver_Validation(t *testing.T) {
	tests := []struct {
		name    string
		keys    []SecretKey
		wantErr bool
	}{
		{name: "no keys", keys: nil, wantErr: true},
		{name: "short key", keys: []SecretKey{{Version: "v1", Key: []byte("short")}}, wantErr: true},
		{name: "missing version", keys: []SecretKey{{Key: bytes.Repeat([]byte{1}, 32)}}, wantErr: true},
		{name: "duplicate version", keys: []SecretKey{testKey("v1", 1), testKey("v1", 2)}, wantErr: true},
		{name: "valid rotation set", keys: []SecretKey{testKey("v2", 2), testKey("v1", 1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSecretDeriver(tt.keys...)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSecretDeriver() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSecretDeriver_DeriveAndVerify(t *testing.T) {
	d, err := NewSecretDeriver(testKey("v1", 1))
	if err != nil {
		t.Fatalf("NewSecretDeriver() error = %v", err)
	}

	secret := d.Derive("secret-id-1")
	if !strings.HasPrefix(secret, "v1.") {
		t.Errorf("secret %q should carry its key version", secret)
	}
	if secret != d.Derive("secret-id-1") {
		t.Error("derivation must be deterministic")
	}
	if secret == d.Derive("secret-id-2") {
		t.Error("different secret ids must yield different secrets")
	}

	tests := []struct {
		name      string
		secretID  string
		presented string
		want      bool
	}{
		{"correct secret", "secret-id-1", secret, true},
		{"wrong secret id", "secret-id-2", secret, false},
		{"tampered secret", "secret-id-1", flipLast(secret), false},
		{"unknown version", "secret-id-1", "v9" + secret[2:], false},
		{"no version", "secret-id-1", strings.TrimPrefix(secret, "v1."), false},
		{"empty secret", "secret-id-1", "", false},
		{"empty secret id", "", secret, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Verify(tt.secretID, tt.presented); got != tt.want {
				t.Errorf("Verify(%q, %q) = %v, want %v", tt.secretID, tt.presented, got, tt.want)
			}
		})
	}
}

func TestSecretDeriver_Rotation(t *testing.T) {
	old, err := NewSecretDeriver(testKey("v1", 1))
	if err != nil {
		t.Fatalf("NewSecretDeriver() error = %v", err)
	}
	oldSecret := old.Derive("client-secret-id")

	rotated, err := NewSecretDeriver(testKey("v2", 2), testKey("v1", 1))
	if err != nil {
		t.Fatalf("NewSecretDeriver() error = %v", err)
	}
	if rotated.CurrentVersion() != "v2" {
		t.Errorf("CurrentVersion() = %q, want v2", rotated.CurrentVersion())
	}
	if !rotated.Verify("client-secret-id", oldSecret) {
		t.Error("secret under the previous key must verify during rotation")
	}

	newSecret := rotated.Derive("client-secret-id")
	if newSecret == oldSecret {
		t.Error("rotation must change the derived secret")
	}

	retired, err := NewSecretDeriver(testKey("v2", 2))
	if err != nil {
		t.Fatalf("NewSecretDeriver() error = %v", err)
	}
	if retired.Verify("client-secret-id", oldSecret) {
		t.Error("secret under a removed key must not verify")
	}
	if !retired.Verify("client-secret-id", newSecret) {
		t.Error("secret under the current key must verify")
	}
}

func TestParseSecretKey(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, 32)

	tests := []struct {
		name    string
		input   string
		wantVer string
		wantErr bool
	}{
		{"std base64", "v1:" + base64.StdEncoding.EncodeToString(raw), "v1", false},
		{"url base64 no padding", "k2:" + base64.RawURLEncoding.EncodeToString(raw), "k2", false},
		{"missing separator", base64.StdEncoding.EncodeToString(raw), "", true},
		{"empty version", ":" + base64.StdEncoding.EncodeToString(raw), "", true},
		{"dotted version", "v.1:" + base64.StdEncoding.EncodeToString(raw), "", true},
		{"bad base64", "v1:!!!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := ParseSecretKey(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSecretKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if k.Version != tt.wantVer {
				t.Errorf("Version = %q, want %q", k.Version, tt.wantVer)
			}
			if !bytes.Equal(k.Key, raw) {
				t.Error("decoded key does not match")
			}
		})
	}
}
