// Package httpclient builds the outbound HTTP clients used by the native
// recon tools.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig configures an outbound client.
type ClientConfig struct {
	Timeout         time.Duration
	BlockPrivate    bool // refuse to dial private, loopback and link-local addresses
	FollowRedirects bool
	MaxRedirects    int
	UserAgent       string
	// InsecureTLS skips certificate verification. Probes want to reach
	// hosts with broken chains and still record them as live.
	InsecureTLS bool
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:         30 * time.Second,
		BlockPrivate:    true,
		FollowRedirects: true,
		MaxRedirects:    10,
		UserAgent:       "Mozilla/5.0 (compatible; autoscan/1.0)",
	}
}

// New creates an HTTP client with a context-aware dialer, bounded
// timeouts and an optional private address guard.
func New(config ClientConfig) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if config.BlockPrivate {
				if err := validateAddress(ctx, addr); err != nil {
					return nil, fmt.Errorf("private address blocked: %w", err)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.InsecureTLS, //nolint:gosec // probes record hosts with invalid certificates
		},
	}

	client := &http.Client{
		Timeout:   config.Timeout,
		Transport: &userAgentTransport{base: transport, userAgent: config.UserAgent},
	}

	switch {
	case !config.FollowRedirects:
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case config.MaxRedirects > 0:
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", config.MaxRedirects)
			}
			if config.BlockPrivate {
				if err := validateURL(req.Context(), req.URL); err != nil {
					return fmt.Errorf("private address blocked on redirect: %w", err)
				}
			}
			return nil
		}
	}

	return client
}

// NewReconClient is used against in-scope targets. Private addresses are
// allowed because a public name may legitimately resolve into them.
func NewReconClient(timeout time.Duration, userAgent string) *http.Client {
	return New(ClientConfig{
		Timeout:         timeout,
		FollowRedirects: true,
		MaxRedirects:    5,
		UserAgent:       userAgent,
		InsecureTLS:     true,
	})
}

// NewProbeClient does not follow redirects so the first response of each
// host is what gets recorded.
func NewProbeClient(timeout time.Duration, followRedirects bool) *http.Client {
	return New(ClientConfig{
		Timeout:         timeout,
		FollowRedirects: followRedirects,
		MaxRedirects:    3,
		UserAgent:       DefaultConfig().UserAgent,
		InsecureTLS:     true,
	})
}

// NewAPIClient talks to third-party data sources such as crt.sh.
func NewAPIClient(timeout time.Duration) *http.Client {
	cfg := DefaultConfig()
	cfg.Timeout = timeout
	return New(cfg)
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

func validateAddress(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("%s is not a public address", ip)
		}
		return nil
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip.IP) {
			return fmt.Errorf("%s resolves to non-public address %s", host, ip.IP)
		}
	}
	return nil
}

func validateURL(ctx context.Context, u *url.URL) error {
	if u == nil || u.Hostname() == "" {
		return fmt.Errorf("URL has no host")
	}
	return validateAddress(ctx, u.Hostname())
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// Get issues a GET bound to ctx.
func Get(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}

// ReadBody reads at most limit bytes of the body.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// CloseBody drains and closes the body so the connection can be reused.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
