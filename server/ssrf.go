package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/mcp-oauth-core/internal/helpers"
)

// Resolver resolves host names for the metadata fetcher. *net.Resolver
// satisfies it; tests substitute a stub.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DialContextFunc dials a network address. The fetcher always passes a
// resolved "ip:port", never a host name.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// FetcherOptions configures the SSRF-safe metadata fetcher. Zero values
// select the configured or built-in defaults.
type FetcherOptions struct {
	Resolver    Resolver
	DialContext DialContextFunc
	TLSConfig   *tls.Config

	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	Timeout               time.Duration
	MaxBytes              int64
	UserAgent             string
}

var (
	errBlockedAddress = errors.New("host resolves to a private or internal address")
	errNoAddresses    = errors.New("host did not resolve to any address")
	errResponseSize   = errors.New("response exceeds size limit")
	errContentType    = errors.New("response is not JSON")
)

// ssrfFetcher fetches documents from untrusted HTTPS URLs. It resolves the
// host itself, refuses if any address is private, loopback, link-local or
// unspecified, and connects to the checked address so a second DNS answer
// cannot redirect the connection.
type ssrfFetcher struct {
	opts FetcherOptions
}

func newSSRFFetcher(opts FetcherOptions) *ssrfFetcher {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultClientMetadataConnectTimeout
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = opts.ConnectTimeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultClientMetadataFetchTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultClientMetadataMaxBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "mcp-oauth-core"
	}
	if opts.DialContext == nil {
		opts.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext
	}
	return &ssrfFetcher{opts: opts}
}

// Fetch returns the body of a 200 JSON response from rawURL.
func (f *ssrfFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	target, err := f.resolve(ctx, u)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return f.opts.DialContext(ctx, network, target)
		},
		TLSClientConfig:        f.tlsConfig(),
		TLSHandshakeTimeout:    f.opts.ConnectTimeout,
		ResponseHeaderTimeout:  f.opts.ResponseHeaderTimeout,
		DisableKeepAlives:      true,
		MaxResponseHeaderBytes: 64 << 10,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   f.opts.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata fetch returned HTTP %d", resp.StatusCode)
	}
	if !isJSONContentType(resp.Header.Get("Content-Type")) {
		return nil, fmt.Errorf("%w: %q", errContentType, resp.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	if int64(len(body)) > f.opts.MaxBytes {
		return nil, fmt.Errorf("%w of %d bytes", errResponseSize, f.opts.MaxBytes)
	}
	return body, nil
}

// resolve returns the "ip:port" to connect to after checking every address
// the host resolves to.
func (f *ssrfFetcher) resolve(ctx context.Context, u *url.URL) (string, error) {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := f.opts.Resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", host, err)
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("%w: %s", errNoAddresses, host)
	}

	for _, ip := range ips {
		if helpers.IsPrivateOrInternal(ip) {
			return "", fmt.Errorf("%w: %s -> %s (%s)", errBlockedAddress, host, ip, helpers.ClassifyIP(ip))
		}
	}
	return net.JoinHostPort(ips[0].String(), port), nil
}

func (f *ssrfFetcher) tlsConfig() *tls.Config {
	if f.opts.TLSConfig != nil {
		return f.opts.TLSConfig.Clone()
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
