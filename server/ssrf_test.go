package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testPublicIP = "93.184.216.34"

// stubResolver answers from a fixed table and counts lookups.
type stubResolver struct {
	answers map[string][]string
	calls   atomic.Int32
}

func (r *stubResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	r.calls.Add(1)
	ips, ok := r.answers[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out, nil
}

// metadataServer is an httptest TLS server reachable as example.com through
// a stub resolver and a dialer that redirects every connection to it.
type metadataServer struct {
	*httptest.Server

	mu      sync.Mutex
	dialed  []string
	fetches atomic.Int32
}

func newMetadataServer(t *testing.T, handler http.HandlerFunc) *metadataServer {
	t.Helper()
	ms := &metadataServer{}
	ms.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.fetches.Add(1)
		handler(w, r)
	}))
	t.Cleanup(ms.Close)
	return ms
}

func (ms *metadataServer) options(resolver Resolver) FetcherOptions {
	rootCAs := ms.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs
	return FetcherOptions{
		Resolver: resolver,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			ms.mu.Lock()
			ms.dialed = append(ms.dialed, addr)
			ms.mu.Unlock()
			var d net.Dialer
			return d.DialContext(ctx, network, ms.Listener.Addr().String())
		},
		TLSConfig: &tls.Config{RootCAs: rootCAs, MinVersion: tls.VersionTLS12},
	}
}

func (ms *metadataServer) dialedAddrs() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.dialed...)
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestSSRFFetcher_Fetch(t *testing.T) {
	ms := newMetadataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	resolver := &stubResolver{answers: map[string][]string{"example.com": {testPublicIP}}}
	f := newSSRFFetcher(ms.options(resolver))

	body, err := f.Fetch(context.Background(), "https://example.com/client.json")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}

	// The connection goes to the address that was checked, never a host name.
	dialed := ms.dialedAddrs()
	if len(dialed) != 1 || dialed[0] != net.JoinHostPort(testPublicIP, "443") {
		t.Errorf("dialed = %v, want [%s:443]", dialed, testPublicIP)
	}
}

func TestSSRFFetcher_BlocksInternalAddresses(t *testing.T) {
	ms := newMetadataServer(t, jsonHandler(`{}`))

	tests := []struct {
		name    string
		url     string
		answers map[string][]string
		wantErr error
	}{
		{
			name:    "loopback",
			url:     "https://example.com/client.json",
			answers: map[string][]string{"example.com": {"127.0.0.1"}},
			wantErr: errBlockedAddress,
		},
		{
			name:    "private",
			url:     "https://example.com/client.json",
			answers: map[string][]string{"example.com": {"10.0.0.5"}},
			wantErr: errBlockedAddress,
		},
		{
			name:    "unique local ipv6",
			url:     "https://example.com/client.json",
			answers: map[string][]string{"example.com": {"fc00::1"}},
			wantErr: errBlockedAddress,
		},
		{
			name:    "link local metadata service",
			url:     "https://example.com/client.json",
			answers: map[string][]string{"example.com": {"169.254.169.254"}},
			wantErr: errBlockedAddress,
		},
		{
			name:    "any private answer blocks",
			url:     "https://example.com/client.json",
			answers: map[string][]string{"example.com": {testPublicIP, "192.168.1.10"}},
			wantErr: errBlockedAddress,
		},
		{
			name:    "ip literal",
			url:     "https://127.0.0.1/client.json",
			wantErr: errBlockedAddress,
		},
		{
			name:    "unspecified literal",
			url:     "https://[::]/client.json",
			wantErr: errBlockedAddress,
		},
		{
			name:    "no addresses",
			url:     "https://example.com/client.json",
			answers: map[string][]string{"example.com": {}},
			wantErr: errNoAddresses,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &stubResolver{answers: tt.answers}
			f := newSSRFFetcher(ms.options(resolver))

			before := ms.fetches.Load()
			_, err := f.Fetch(context.Background(), tt.url)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Fetch() error = %v, want %v", err, tt.wantErr)
			}
			if ms.fetches.Load() != before {
				t.Error("blocked fetch must not reach the server")
			}
		})
	}
}

func TestSSRFFetcher_ResponsePolicy(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		maxBytes int64
		wantErr  error
		wantMsg  string
	}{
		{
			name: "non-200",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantMsg: "HTTP 404",
		},
		{
			name: "redirect is not followed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "https://169.254.169.254/latest/meta-data", http.StatusFound)
			},
			wantMsg: "HTTP 302",
		},
		{
			name: "html content type",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte(`{}`))
			},
			wantErr: errContentType,
		},
		{
			name:     "too large",
			handler:  jsonHandler(`{"padding":"` + strings.Repeat("x", 200) + `"}`),
			maxBytes: 100,
			wantErr:  errResponseSize,
		},
		{
			name:     "exactly at limit",
			handler:  jsonHandler(`{"a":"` + strings.Repeat("x", 92) + `"}`),
			maxBytes: 100,
		},
		{
			name:    "json suffix media type",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.Header().Set("Content-Type", "application/vnd.client+json"); _, _ = w.Write([]byte(`{}`)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := newMetadataServer(t, tt.handler)
			opts := ms.options(&stubResolver{answers: map[string][]string{"example.com": {testPublicIP}}})
			opts.MaxBytes = tt.maxBytes
			f := newSSRFFetcher(opts)

			_, err := f.Fetch(context.Background(), "https://example.com/client.json")
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Fetch() error = %v, want %v", err, tt.wantErr)
				}
			case tt.wantMsg != "":
				if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
					t.Fatalf("Fetch() error = %v, want %q", err, tt.wantMsg)
				}
			default:
				if err != nil {
					t.Fatalf("Fetch() error = %v", err)
				}
			}
		})
	}
}

func TestSSRFFetcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	ms := newMetadataServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	opts := ms.options(&stubResolver{answers: map[string][]string{"example.com": {testPublicIP}}})
	opts.Timeout = 100 * time.Millisecond
	f := newSSRFFetcher(opts)

	start := time.Now()
	if _, err := f.Fetch(context.Background(), "https://example.com/client.json"); err == nil {
		t.Fatal("Fetch() should time out")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Fetch() took %v, timeout not enforced", elapsed)
	}
}

func TestIsJSONContentType(t *testing.T) {
	tests := map[string]bool{
		"application/json":                true,
		"application/json; charset=utf-8": true,
		"Application/JSON":                true,
		"application/ld+json":             true,
		"text/json":                       false,
		"text/plain":                      false,
		"":                                false,
	}
	for ct, want := range tests {
		if got := isJSONContentType(ct); got != want {
			t.Errorf("isJSONContentType(%q) = %v, want %v", ct, got, want)
		}
	}
}
