package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

const (
	defaultUA = "Mozilla/5.0 (X11; Linux x86_64; rv:133.0) Gecko/20100101 Firefox/133.0"

	defaultFetchTimeout     = 20 * time.Second
	defaultMaxResponseBytes = 16 * 1024 * 1024
)

// fetchOptions configures the HTTP layer shared by both source fetchers
// and the EPUB image downloader.
type fetchOptions struct {
	timeout      time.Duration
	userAgent    string
	maxBytes     int64  // 0 means unlimited
	allowPrivate bool   // skip the private-address dial guard
	proxyURL     string // when set, requests go through the proxy with standard TLS
}

// httpFetcher issues GET requests with a bounded timeout and body size.
// https requests use a browser TLS fingerprint unless a proxy is configured.
type httpFetcher struct {
	opts    fetchOptions
	browser *http.Client
	plain   *http.Client
	logger  *slog.Logger
}

func newHTTPFetcher(opts fetchOptions, logger *slog.Logger) *httpFetcher {
	if opts.timeout <= 0 {
		opts.timeout = defaultFetchTimeout
	}
	if opts.userAgent == "" {
		opts.userAgent = defaultUA
	}
	guard := newDialGuard(&net.Dialer{Timeout: opts.timeout}, opts.allowPrivate)
	f := &httpFetcher{
		opts:   opts,
		plain:  newPlainClient(guard, opts.proxyURL, opts.timeout),
		logger: logger,
	}
	if opts.proxyURL == "" {
		f.browser = newBrowserClient(guard, opts.timeout)
	}
	return f
}

// newPlainClient creates a standard-TLS client. If proxyAddr is non-empty
// all requests are routed through it.
func newPlainClient(guard *dialGuard, proxyAddr string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext:         guard.DialContext,
		TLSHandshakeTimeout: timeout,
	}
	if proxyAddr != "" {
		if proxyURL, err := url.Parse(proxyAddr); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

func (f *httpFetcher) clientFor(u *url.URL) *http.Client {
	if u.Scheme == "https" && f.browser != nil {
		return f.browser
	}
	return f.plain
}

// get downloads rawURL with the given extra headers. Every failure wraps ErrFetch.
func (f *httpFetcher) get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL %q: %v", ErrFetch, rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme in %q", ErrFetch, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("User-Agent", f.opts.userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := f.clientFor(parsed).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d for %s", ErrFetch, resp.StatusCode, redactQuery(parsed))
	}

	body, err := readLimited(resp.Body, f.opts.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrFetch, err)
	}

	f.logger.Debug("fetched",
		"url", redactQuery(parsed),
		"status", resp.StatusCode,
		"size", humanSize(int64(len(body))),
		"elapsed_ms", time.Since(start).Milliseconds())
	return body, nil
}

// documentHeaders are the headers a browser sends for a top-level page load.
func documentHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "lv,en-US;q=0.7,en;q=0.3")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	return h
}

// redactQuery drops the query string from log output; the delfi query
// embeds the persisted-query hash.
func redactQuery(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	return c.String()
}

// readLimited reads up to limit bytes from r. If the body is larger it
// returns an error. A limit of 0 or less reads without limit.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	// Read limit+1 bytes so overflow is detectable without a custom reader.
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds maximum allowed size (%s)", humanSize(limit))
	}
	return data, nil
}

func humanSize(n int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	f := float64(n)
	for _, u := range units {
		if math.Abs(f) < 1024 {
			return fmt.Sprintf("%.1f%s", f, u)
		}
		f /= 1024
	}
	return fmt.Sprintf("%.1f%s", f, units[len(units)-1])
}

// utlsConn wraps a utls.UConn and satisfies net.Conn + the
// ConnectionState interface that net/http2 needs.
type utlsConn struct {
	*utls.UConn
}

func (c *utlsConn) ConnectionState() tls.ConnectionState {
	cs := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version:                    cs.Version,
		HandshakeComplete:          cs.HandshakeComplete,
		CipherSuite:                cs.CipherSuite,
		NegotiatedProtocol:         cs.NegotiatedProtocol,
		NegotiatedProtocolIsMutual: cs.NegotiatedProtocolIsMutual,
		ServerName:                 cs.ServerName,
		PeerCertificates:           cs.PeerCertificates,
		VerifiedChains:             cs.VerifiedChains,
		OCSPResponse:               cs.OCSPResponse,
		TLSUnique:                  cs.TLSUnique,
	}
}

// newBrowserClient creates a client whose TLS handshake looks like Firefox.
// Both news sites sit behind bot protection that rejects Go's default
// ClientHello.
func newBrowserClient(guard *dialGuard, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &browserTransport{
			guard: guard,
			h1:    &http.Transport{DialContext: guard.DialContext},
			h2:    &http2.Transport{},
		},
	}
}

type browserTransport struct {
	guard *dialGuard
	h1    *http.Transport
	h2    *http2.Transport
}

func (bt *browserTransport) dialUTLS(ctx context.Context, network, addr string) (net.Conn, string, error) {
	conn, err := bt.guard.DialContext(ctx, network, addr)
	if err != nil {
		return nil, "", err
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	tlsConn := utls.UClient(conn, &utls.Config{ServerName: host}, utls.HelloFirefox_120)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, "", err
	}

	return &utlsConn{tlsConn}, tlsConn.ConnectionState().NegotiatedProtocol, nil
}

func (bt *browserTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return bt.h1.RoundTrip(req)
	}

	addr := req.URL.Host
	if !hasPort(addr) {
		addr = addr + ":443"
	}

	conn, alpn, err := bt.dialUTLS(req.Context(), "tcp", addr)
	if err != nil {
		return nil, err
	}

	if alpn == "h2" {
		h2conn, err := bt.h2.NewClientConn(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return h2conn.RoundTrip(req)
	}

	// HTTP/1.1: hand the established TLS conn to a one-shot transport.
	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return conn, nil
		},
		DisableKeepAlives: true,
	}
	return transport.RoundTrip(req)
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
