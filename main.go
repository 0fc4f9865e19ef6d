// lvreader: read delfi.lv and tvnet.lv articles as clean HTML, Markdown or
// EPUB, from the command line or through a small web front end.
//
// Single article mode:
//
//	lvreader [options] <URL>
//
// Digest modes (multiple articles):
//
//	lvreader [options] -epub -o digest.epub <URL|file.txt> [...]
//	lvreader [options] -markdown <URL|file.txt> [...]
//
// Web front end:
//
//	lvreader [options] -serve
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// logOut is the writer for informational/progress output.
// In silent mode it is set to io.Discard so only errors reach the user.
var logOut io.Writer = os.Stderr

// readURLFile reads a file containing one URL per line, skipping blanks and comments.
func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}

// collectURLs expands .txt arguments into their URLs. name is the base name
// of the first .txt file, used as a book title.
func collectURLs(args []string) (urls []string, name string, err error) {
	for _, arg := range args {
		if !strings.HasSuffix(arg, ".txt") {
			urls = append(urls, arg)
			continue
		}
		fileURLs, err := readURLFile(arg)
		if err != nil {
			return nil, "", fmt.Errorf("reading %s: %w", arg, err)
		}
		urls = append(urls, fileURLs...)
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(arg), ".txt")
		}
	}
	return urls, name, nil
}

// cliConfig holds parsed command-line options.
type cliConfig struct {
	app           *appConfig
	output        string
	titleOverride string
	epubMode      bool
	markdownMode  bool
	serveMode     bool
	args          []string
}

// app is everything one run shares: cache, fetcher and retriever.
type app struct {
	cfg       *appConfig
	logger    *slog.Logger
	store     articleStore
	fetcher   *httpFetcher
	retriever *retriever
}

func newApp(ctx context.Context, cfg *appConfig) (*app, error) {
	logger, err := newLogger(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	fetcher := newHTTPFetcher(cfg.fetchOptions(), logger)
	sources := map[Source]articleSource{
		sourceDelfi: newDelfiSource(cfg.Delfi, fetcher),
		sourceTvnet: newTvnetSource(cfg.Tvnet, fetcher),
	}
	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		fetcher:   fetcher,
		retriever: newRetriever(store, sources, logger),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// fetchAll retrieves urls concurrently, preserving input order. Articles
// that cannot be obtained are skipped; a cache failure aborts the batch.
func (a *app) fetchAll(ctx context.Context, urls []string) ([]*Article, error) {
	results := make([]*Article, len(urls))
	progress := newBatchProgress(len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, rawURL := range urls {
		g.Go(func() error {
			art, err := a.retriever.resolve(gctx, rawURL)
			progress.report(rawURL, art, err)
			if errors.Is(err, ErrPersistence) {
				return err
			}
			if err != nil {
				fmt.Fprintf(logOut, "  Error: %s: %v (skipping)\n", shortURL(rawURL), err)
				return nil
			}
			results[i] = art
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var articles []*Article
	for _, art := range results {
		if art != nil {
			articles = append(articles, art)
		}
	}
	return articles, nil
}

// bookTitle picks the EPUB title: -title flag > .txt filename > first
// article title > output filename.
func bookTitle(override, txtName, output string, articles []*Article) string {
	if override != "" {
		return override
	}
	if txtName != "" {
		return txtName
	}
	if len(articles) > 0 && articles[0].Title != "" {
		if len(articles) > 1 {
			return articles[0].Title + " & more"
		}
		return articles[0].Title
	}
	return strings.TrimSuffix(filepath.Base(output), ".epub")
}

// writeOutput writes content to path, or to stdout when path is empty.
func writeOutput(path, content string) error {
	if path == "" {
		_, err := io.WriteString(os.Stdout, content)
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}

// run executes the main application logic, returning any error.
func run(ctx context.Context, cfg cliConfig) error {
	if cfg.epubMode && cfg.markdownMode {
		return errors.New("-epub and -markdown are mutually exclusive")
	}
	if cfg.serveMode && (cfg.epubMode || cfg.markdownMode || len(cfg.args) > 0) {
		return errors.New("-serve takes no URLs and no output mode")
	}
	if cfg.epubMode && cfg.output == "" {
		return errors.New("-epub requires -o output.epub")
	}
	if err := cfg.app.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := newApp(ctx, cfg.app)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, w := range cfg.app.warnings() {
		a.logger.Warn(w)
	}

	if cfg.serveMode {
		return newServer(a.retriever, cfg.app, a.logger).serve(ctx, cfg.app.Listen)
	}

	urls, txtName, err := collectURLs(cfg.args)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return errors.New("no URLs provided")
	}

	if !cfg.epubMode && len(urls) == 1 && txtName == "" {
		return a.runSingle(ctx, cfg, urls[0])
	}
	if !cfg.epubMode && !cfg.markdownMode {
		return errors.New("multiple URLs require -epub or -markdown")
	}

	articles, err := a.fetchAll(ctx, urls)
	if err != nil {
		return err
	}
	if len(articles) == 0 {
		return errors.New("no articles converted")
	}

	if cfg.markdownMode {
		md, err := articlesToMarkdown(articles)
		if err != nil {
			return err
		}
		return writeOutput(cfg.output, md)
	}

	title := bookTitle(cfg.titleOverride, txtName, cfg.output, articles)
	embedder := newImageEmbedder(a.fetcher, optimizeOpts{
		maxWidth:  cfg.app.EPUB.MaxWidth,
		quality:   cfg.app.EPUB.Quality,
		grayscale: cfg.app.EPUB.Grayscale,
	}, cfg.app.Concurrency)

	fmt.Fprintf(logOut, "Building epub from %d articles...\n", len(articles))
	if err := buildEpub(ctx, articles, title, cfg.output, embedder); err != nil {
		return fmt.Errorf("building epub: %w", err)
	}
	fmt.Fprintf(logOut, "✓ %s (%d articles)\n", cfg.output, len(articles))
	return nil
}

// runSingle writes one article as an HTML page or Markdown.
func (a *app) runSingle(ctx context.Context, cfg cliConfig, rawURL string) error {
	art, err := a.retriever.resolve(ctx, rawURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(logOut, "Title: %s\n", art.Title)

	if cfg.titleOverride != "" {
		copied := *art
		copied.Title = cfg.titleOverride
		art = &copied
	}

	if cfg.markdownMode {
		md, err := articleToMarkdown(art)
		if err != nil {
			return err
		}
		return writeOutput(cfg.output, md)
	}
	return writeOutput(cfg.output, renderArticlePage(art))
}

func main() {
	configPath := flag.String("config", "", "YAML config file")
	output := flag.String("o", "", "Output file (default: stdout)")
	titleOverride := flag.String("title", "", "Override article/book title")
	epubMode := flag.Bool("epub", false, "Generate epub (requires -o, accepts multiple URLs or a .txt file)")
	markdownMode := flag.Bool("markdown", false, "Output Markdown instead of HTML")
	serveMode := flag.Bool("serve", false, "Run the web front end")
	silent := flag.Bool("silent", false, "Suppress all output except errors (for pipeline use)")

	// Flags below override the config file and environment when given.
	listen := flag.String("listen", defaultListenAddr, "Address for -serve")
	cache := flag.String("cache", defaultCachePath, "SQLite path or redis:// URL of the article cache")
	timeout := flag.Duration("timeout", defaultFetchTimeout, "HTTP fetch timeout")
	userAgent := flag.String("user-agent", defaultUA, "HTTP User-Agent header")
	maxWidth := flag.Int("max-width", 800, "Max epub image width in pixels (height scales proportionally)")
	quality := flag.Int("quality", 60, "Epub JPEG quality 1-100")
	grayscale := flag.Bool("grayscale", false, "Convert epub images to grayscale")
	allowPrivate := flag.Bool("allow-private", false, "Allow fetching from private and loopback addresses")
	proxy := flag.String("proxy", "", "Outbound proxy URL (http, https or socks5)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	concurrency := flag.Int("concurrency", defaultConcurrency, "Parallel fetches in digest modes")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lvreader [options] <URL>\n")
		fmt.Fprintf(os.Stderr, "       lvreader [options] -epub -o out.epub <URL|file.txt> [...]\n")
		fmt.Fprintf(os.Stderr, "       lvreader [options] -markdown <URL|file.txt> [...]\n")
		fmt.Fprintf(os.Stderr, "       lvreader [options] -serve\n\n")
		fmt.Fprintf(os.Stderr, "Read delfi.lv and tvnet.lv articles as clean HTML, Markdown or epub.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *silent {
		logOut = io.Discard
	} else if *output != "" {
		progressOut = os.Stdout
	}

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	appCfg, err := loadConfig(*configPath, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			appCfg.Listen = *listen
		case "cache":
			appCfg.Cache = *cache
		case "timeout":
			appCfg.Timeout = *timeout
		case "user-agent":
			appCfg.UserAgent = *userAgent
		case "max-width":
			appCfg.EPUB.MaxWidth = *maxWidth
		case "quality":
			appCfg.EPUB.Quality = *quality
		case "grayscale":
			appCfg.EPUB.Grayscale = *grayscale
		case "allow-private":
			appCfg.AllowPrivateHosts = *allowPrivate
		case "proxy":
			appCfg.Proxy = *proxy
		case "log-level":
			appCfg.Log.Level = *logLevel
		case "log-format":
			appCfg.Log.Format = *logFormat
		case "concurrency":
			appCfg.Concurrency = *concurrency
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := cliConfig{
		app:           appCfg,
		output:        *output,
		titleOverride: *titleOverride,
		epubMode:      *epubMode,
		markdownMode:  *markdownMode,
		serveMode:     *serveMode,
		args:          flag.Args(),
	}

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
