package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFetcher(maxBytes int64) *httpFetcher {
	return newHTTPFetcher(fetchOptions{
		timeout:      5 * time.Second,
		userAgent:    defaultUA,
		maxBytes:     maxBytes,
		allowPrivate: true,
	}, discardLogger())
}

func TestFetcherGet_Success(t *testing.T) {
	expected := "<html><body>Hello</body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(expected))
	}))
	defer srv.Close()

	body, err := testFetcher(0).get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != expected {
		t.Errorf("got %q, want %q", string(body), expected)
	}
}

func TestFetcherGet_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer srv.Close()

	_, err := testFetcher(0).get(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !errors.Is(err, ErrFetch) {
		t.Errorf("expected ErrFetch, got: %v", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("expected 404 in error, got: %v", err)
	}
}

func TestFetcherGet_UserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newHTTPFetcher(fetchOptions{userAgent: "my-custom-agent/2.0", allowPrivate: true}, discardLogger())
	if _, err := f.get(context.Background(), srv.URL, nil); err != nil {
		t.Fatal(err)
	}
	if gotUA != "my-custom-agent/2.0" {
		t.Errorf("User-Agent = %q, want %q", gotUA, "my-custom-agent/2.0")
	}
}

func TestFetcherGet_DocumentHeaders(t *testing.T) {
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	if _, err := testFetcher(0).get(context.Background(), srv.URL, documentHeaders()); err != nil {
		t.Fatal(err)
	}

	required := map[string]string{
		"Sec-Fetch-Dest": "document",
		"Sec-Fetch-Mode": "navigate",
		"Sec-Fetch-Site": "none",
		"Accept":         "text/html",
	}
	for header, wantSubstr := range required {
		got := headers.Get(header)
		if got == "" {
			t.Errorf("missing header %s", header)
		} else if !strings.Contains(got, wantSubstr) {
			t.Errorf("%s = %q, want substring %q", header, got, wantSubstr)
		}
	}
}

func TestFetcherGet_Timeout(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-done:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(done)

	f := newHTTPFetcher(fetchOptions{timeout: 100 * time.Millisecond, allowPrivate: true}, discardLogger())
	_, err := f.get(context.Background(), srv.URL, nil)
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch on timeout, got: %v", err)
	}
}

func TestFetcherGet_BlocksPrivateByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("should not reach"))
	}))
	defer srv.Close()

	f := newHTTPFetcher(fetchOptions{timeout: 2 * time.Second}, discardLogger())
	_, err := f.get(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected loopback fetch to be blocked")
	}
	if !strings.Contains(err.Error(), "blocked") {
		t.Errorf("expected blocked error, got: %v", err)
	}
}

func TestFetcherGet_InvalidURL(t *testing.T) {
	for _, raw := range []string{"://bad-url", "ftp://example.com/file"} {
		_, err := testFetcher(0).get(context.Background(), raw, nil)
		if !errors.Is(err, ErrFetch) {
			t.Errorf("get(%q) = %v, want ErrFetch", raw, err)
		}
	}
}

func TestFetcherGet_ExceedsSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 200))
	}))
	defer srv.Close()

	_, err := testFetcher(100).get(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected error when response exceeds size limit")
	}
	if !errors.Is(err, ErrFetch) || !strings.Contains(err.Error(), "exceeds maximum allowed size") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetcherGet_WithinSizeLimit(t *testing.T) {
	expected := "<html><body>Small page</body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(expected))
	}))
	defer srv.Close()

	body, err := testFetcher(1000).get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != expected {
		t.Errorf("got %q, want %q", string(body), expected)
	}
}

func TestRedactQuery(t *testing.T) {
	u, _ := url.Parse("https://content.api.delfi.lv/content/v3/graphql?operationName=x&extensions=secret")
	got := redactQuery(u)
	if got != "https://content.api.delfi.lv/content/v3/graphql" {
		t.Errorf("redactQuery = %q", got)
	}
	if u.RawQuery == "" {
		t.Error("redactQuery must not modify its argument")
	}
}

func TestNewHTTPFetcher_ProxyDisablesBrowserClient(t *testing.T) {
	f := newHTTPFetcher(fetchOptions{proxyURL: "http://127.0.0.1:8080"}, discardLogger())
	if f.browser != nil {
		t.Error("expected no browser client when proxy is set")
	}
	transport, ok := f.plain.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if transport.Proxy == nil {
		t.Error("expected proxy to be configured")
	}
	u, _ := url.Parse("https://www.tvnet.lv/1")
	if f.clientFor(u) != f.plain {
		t.Error("https requests should use the plain client behind a proxy")
	}
}

func TestNewHTTPFetcher_Defaults(t *testing.T) {
	f := newHTTPFetcher(fetchOptions{}, discardLogger())
	if f.opts.timeout != defaultFetchTimeout {
		t.Errorf("timeout = %v, want %v", f.opts.timeout, defaultFetchTimeout)
	}
	if f.opts.userAgent != defaultUA {
		t.Errorf("userAgent = %q, want default", f.opts.userAgent)
	}
	if f.browser.Timeout != defaultFetchTimeout {
		t.Errorf("browser client timeout = %v", f.browser.Timeout)
	}
}

func TestHasPort(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"example.com:443", true},
		{"example.com:80", true},
		{"[::1]:8080", true},
		{"example.com", false},
		{"localhost", false},
	}
	for _, tt := range tests {
		got := hasPort(tt.host)
		if got != tt.want {
			t.Errorf("hasPort(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

// --- readLimited tests ---

func TestReadLimited(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		limit   int64
		wantErr bool
	}{
		{"under limit", 100, 200, false},
		{"exactly at limit", 200, 200, false},
		{"exceeds limit", 201, 200, true},
		{"zero means unlimited", 10000, 0, false},
		{"negative means unlimited", 5000, -1, false},
		{"empty reader", 0, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readLimited(bytes.NewReader(bytes.Repeat([]byte("a"), tt.size)), tt.limit)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "exceeds maximum allowed size") {
					t.Fatalf("expected size error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.size {
				t.Errorf("got %d bytes, want %d", len(got), tt.size)
			}
		})
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0.0B"},
		{512, "512.0B"},
		{2048, "2.0KB"},
		{16 * 1024 * 1024, "16.0MB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.n); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
