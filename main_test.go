package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// delfiUpstream serves delfiFixture for every id except 999, which fails.
func delfiUpstream(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.Contains(r.URL.Query().Get("variables"), "999") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, delfiFixture)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// tvnetUpstream serves tvnetFixture; article URLs look like
// <srv.URL>/tvnet.lv/<id>/slug so the identifier extractor accepts them.
func tvnetUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, tvnetFixture)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testCLIConfig(t *testing.T, delfiEndpoint string) *appConfig {
	t.Helper()
	cfg := defaultConfig()
	cfg.Delfi.Endpoint = delfiEndpoint
	cfg.Delfi.Token = "tok"
	cfg.Delfi.Hash = "hash"
	cfg.Cache = filepath.Join(t.TempDir(), "articles.db")
	cfg.AllowPrivateHosts = true
	cfg.Log.Level = "error"
	return cfg
}

func silenceLogs(t *testing.T) {
	t.Helper()
	saved := logOut
	logOut = io.Discard
	t.Cleanup(func() { logOut = saved })
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

const delfiArticleURL = "https://www.delfi.lv/193/politics/120045678/storm-hits-capital"

func TestRun_SingleHTML(t *testing.T) {
	silenceLogs(t)
	var hits atomic.Int32
	up := delfiUpstream(t, &hits)
	out := filepath.Join(t.TempDir(), "out.html")

	cfg := cliConfig{app: testCLIConfig(t, up.URL), output: out, args: []string{delfiArticleURL}}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	html := readFile(t, out)
	for _, want := range []string{"<!DOCTYPE html>", "<h1>Storm hits capital</h1>", `>Breaking News Today</h3>`, `rel="canonical"`} {
		if !strings.Contains(html, want) {
			t.Errorf("output missing %q", want)
		}
	}

	// Second run is served from the cache.
	if err := run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("upstream hits = %d, want 1", n)
	}
}

func TestRun_TitleOverride(t *testing.T) {
	silenceLogs(t)
	var hits atomic.Int32
	up := delfiUpstream(t, &hits)
	out := filepath.Join(t.TempDir(), "out.html")

	cfg := cliConfig{app: testCLIConfig(t, up.URL), output: out, titleOverride: "Mans virsraksts", args: []string{delfiArticleURL}}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if html := readFile(t, out); !strings.Contains(html, "<h1>Mans virsraksts</h1>") {
		t.Error("title override not applied")
	}
}

func TestRun_SingleMarkdownTvnet(t *testing.T) {
	silenceLogs(t)
	tv := tvnetUpstream(t)
	out := filepath.Join(t.TempDir(), "out.md")

	cfg := cliConfig{app: testCLIConfig(t, "http://127.0.0.1:1/graphql"), output: out, markdownMode: true,
		args: []string{tv.URL + "/tvnet.lv/8012345/storm"}}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	md := readFile(t, out)
	if !strings.HasPrefix(md, "# Storm hits capital") {
		t.Errorf("markdown should start with the title:\n%s", md)
	}
	if !strings.Contains(md, "Closing words") {
		t.Errorf("body missing:\n%s", md)
	}
}

func TestRun_SingleFailure(t *testing.T) {
	silenceLogs(t)
	var hits atomic.Int32
	up := delfiUpstream(t, &hits)

	cfg := cliConfig{app: testCLIConfig(t, up.URL), args: []string{"https://www.delfi.lv/193/x/999/gone"}}
	if err := run(context.Background(), cfg); err == nil {
		t.Fatal("expected error for failing upstream")
	}
}

func TestRun_MultipleMarkdown(t *testing.T) {
	silenceLogs(t)
	var hits atomic.Int32
	up := delfiUpstream(t, &hits)
	tv := tvnetUpstream(t)
	out := filepath.Join(t.TempDir(), "digest.md")

	cfg := cliConfig{app: testCLIConfig(t, up.URL), output: out, markdownMode: true, args: []string{
		delfiArticleURL,
		"https://www.delfi.lv/193/x/999/gone",
		tv.URL + "/tvnet.lv/8012345/storm",
	}}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	md := readFile(t, out)
	if strings.Count(md, "\n---\n") != 1 {
		t.Errorf("expected two articles separated once:\n%s", md)
	}
	if !strings.Contains(md, "Breaking News Today") || !strings.Contains(md, "Closing words") {
		t.Errorf("missing article content:\n%s", md)
	}
}

func TestRun_MultipleRequiresMode(t *testing.T) {
	silenceLogs(t)
	cfg := cliConfig{app: testCLIConfig(t, "http://127.0.0.1:1/graphql"), args: []string{delfiArticleURL, delfiArticleURL}}
	err := run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "-epub or -markdown") {
		t.Errorf("err = %v", err)
	}
}

func TestRun_Epub(t *testing.T) {
	silenceLogs(t)
	var hits atomic.Int32
	up := delfiUpstream(t, &hits)
	images := imageServer(t, nil)
	cfg := testCLIConfig(t, up.URL)

	// Seed the cache so nothing but the test servers is contacted.
	store, err := openSQLiteStore(context.Background(), cfg.Cache, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	img := images.URL + "/wide.png"
	seeded := []*Article{
		{
			Source:      sourceDelfi,
			ID:          "120045678",
			Title:       "Storm hits capital",
			TextContent: "<p>Trees fell.</p>",
			FullURL:     delfiArticleURL,
		},
		{
			Source:       sourceTvnet,
			ID:           "8012345",
			Title:        "Ostā ienāk kuģis",
			TextContent:  `<p class="mb-4 text-lg leading-relaxed">Kuģis ieradās.</p>`,
			MetaImageURL: &img,
			FullURL:      "https://www.tvnet.lv/8012345/osta",
		},
	}
	for _, a := range seeded {
		if err := store.upsert(context.Background(), a); err != nil {
			t.Fatal(err)
		}
	}
	store.Close()

	dir := t.TempDir()
	list := filepath.Join(dir, "Rita ziņas.txt")
	content := "# morning\n" + delfiArticleURL + "\n\nhttps://www.tvnet.lv/8012345/osta\nhttps://www.delfi.lv/193/x/999/gone\n"
	if err := os.WriteFile(list, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "digest.epub")

	if err := run(context.Background(), cliConfig{app: cfg, output: out, epubMode: true, args: []string{list}}); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("upstream hits = %d, want 1 (only the uncached article)", n)
	}

	files := readZip(t, out)
	toc := files["EPUB/xhtml/contents.xhtml"]
	if !strings.Contains(toc, "Storm hits capital") || !strings.Contains(toc, "Ostā ienāk kuģis") {
		t.Errorf("TOC missing articles:\n%s", toc)
	}
	if strings.Index(toc, "Storm hits capital") > strings.Index(toc, "Ostā ienāk kuģis") {
		t.Error("articles should keep input order")
	}
	if _, ok := files["EPUB/xhtml/article003.xhtml"]; ok {
		t.Error("failed article should be skipped")
	}
	if !hasFileContaining(files, "ch002_img000.jpg") {
		t.Error("seeded article image not embedded")
	}
	if !hasFileContaining(files, "cover.png") {
		t.Error("missing cover")
	}
}

func TestRun_EpubAllFailed(t *testing.T) {
	silenceLogs(t)
	var hits atomic.Int32
	up := delfiUpstream(t, &hits)
	out := filepath.Join(t.TempDir(), "none.epub")

	cfg := cliConfig{app: testCLIConfig(t, up.URL), output: out, epubMode: true, args: []string{"https://www.delfi.lv/1/999/x"}}
	err := run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "no articles") {
		t.Errorf("err = %v", err)
	}
	if _, statErr := os.Stat(out); statErr == nil {
		t.Error("no epub should be written")
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	silenceLogs(t)
	bad := defaultConfig()
	bad.Timeout = 0

	tests := []struct {
		name string
		cfg  cliConfig
		want string
	}{
		{"epub and markdown", cliConfig{app: defaultConfig(), epubMode: true, markdownMode: true, output: "x.epub", args: []string{"a"}}, "mutually exclusive"},
		{"epub without output", cliConfig{app: defaultConfig(), epubMode: true, args: []string{"a"}}, "requires -o"},
		{"serve with urls", cliConfig{app: defaultConfig(), serveMode: true, args: []string{"a"}}, "-serve"},
		{"invalid config", cliConfig{app: bad, args: []string{"a"}}, "invalid configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_NoURLs(t *testing.T) {
	silenceLogs(t)
	cfg := testCLIConfig(t, "http://127.0.0.1:1/graphql")
	empty := filepath.Join(t.TempDir(), "empty.txt")
	os.WriteFile(empty, []byte("# nothing\n"), 0644)

	for _, args := range [][]string{nil, {empty}} {
		if err := run(context.Background(), cliConfig{app: cfg, args: args}); err == nil || !strings.Contains(err.Error(), "no URLs") {
			t.Errorf("args %v: err = %v", args, err)
		}
	}
}

// freeAddr returns a loopback address nothing is listening on.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestRun_Serve(t *testing.T) {
	silenceLogs(t)
	cfg := testCLIConfig(t, "http://127.0.0.1:1/graphql")
	cfg.Listen = freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cliConfig{app: cfg, serveMode: true}) }()

	healthz := "http://" + cfg.Listen + "/healthz"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(healthz)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		select {
		case err := <-done:
			t.Fatalf("serve exited before ready: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became ready: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v after shutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

// A cancel that lands before the server is up aborts startup with the
// context error instead of reporting a clean shutdown.
func TestRun_ServeCancelledBeforeStart(t *testing.T) {
	silenceLogs(t)
	cfg := testCLIConfig(t, "http://127.0.0.1:1/graphql")
	cfg.Listen = freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := run(ctx, cliConfig{app: cfg, serveMode: true})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("run = %v, want context.Canceled", err)
	}
}

func TestReadURLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	content := "# comment\n\n  https://www.delfi.lv/1/2/x  \nhttps://www.tvnet.lv/3/y\n#https://skipped\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	urls, err := readURLFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 2 || urls[0] != "https://www.delfi.lv/1/2/x" || urls[1] != "https://www.tvnet.lv/3/y" {
		t.Errorf("urls = %q", urls)
	}

	if _, err := readURLFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCollectURLs(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "weekend.txt")
	os.WriteFile(list, []byte("https://www.tvnet.lv/1/a\n"), 0644)

	urls, name, err := collectURLs([]string{"https://www.delfi.lv/1/2/x", list})
	if err != nil {
		t.Fatal(err)
	}
	if name != "weekend" {
		t.Errorf("name = %q", name)
	}
	if len(urls) != 2 || urls[1] != "https://www.tvnet.lv/1/a" {
		t.Errorf("urls = %q", urls)
	}

	if _, _, err := collectURLs([]string{filepath.Join(dir, "nope.txt")}); err == nil {
		t.Error("expected error for missing list")
	}
}

func TestBookTitle(t *testing.T) {
	one := []*Article{{Title: "First"}}
	two := []*Article{{Title: "First"}, {Title: "Second"}}
	tests := []struct {
		name     string
		override string
		txt      string
		output   string
		articles []*Article
		want     string
	}{
		{"override", "Custom", "list", "out.epub", two, "Custom"},
		{"txt name", "", "list", "out.epub", two, "list"},
		{"single", "", "", "out.epub", one, "First"},
		{"more", "", "", "out.epub", two, "First & more"},
		{"output name", "", "", "books/digest.epub", []*Article{{}}, "digest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bookTitle(tt.override, tt.txt, tt.output, tt.articles); got != tt.want {
				t.Errorf("bookTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.html")
	if err := writeOutput(path, "<p>hi</p>"); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, path); got != "<p>hi</p>" {
		t.Errorf("got %q", got)
	}
	if err := writeOutput(filepath.Join(t.TempDir(), "no", "such", "dir.html"), "x"); err == nil {
		t.Error("expected error for missing directory")
	}
}
