package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	errMissingCache       = errors.New("cache location is required")
	errMissingListen      = errors.New("listen address is required")
	errInvalidTimeout     = errors.New("timeout must be positive")
	errInvalidMaxBytes    = errors.New("max response bytes must be positive")
	errInvalidEndpoint    = errors.New("delfi endpoint must be an http(s) URL")
	errInvalidProxy       = errors.New("proxy must be an http, https or socks5 URL")
	errInvalidLogLevel    = errors.New("log level must be debug, info, warn or error")
	errInvalidLogFormat   = errors.New("log format must be text or json")
	errInvalidMaxWidth    = errors.New("epub image max width must be positive")
	errInvalidQuality     = errors.New("epub jpeg quality must be between 1 and 100")
	errInvalidConcurrency = errors.New("concurrency must be positive")
)

const (
	defaultListenAddr   = ":5000"
	defaultErrorMessage = "The article could not be loaded."
	defaultConcurrency  = 4
)

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type epubConfig struct {
	MaxWidth  int  `yaml:"max_width"`
	Quality   int  `yaml:"quality"`
	Grayscale bool `yaml:"grayscale"`
}

// appConfig is the runtime configuration. Values are layered: defaults,
// then the YAML file, then the environment (.env included), then flags.
type appConfig struct {
	Delfi delfiConfig `yaml:"delfi"`
	Tvnet tvnetConfig `yaml:"tvnet"`

	Cache  string `yaml:"cache"`
	Listen string `yaml:"listen"`

	UserAgent         string        `yaml:"user_agent"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxResponseBytes  int64         `yaml:"max_response_bytes"`
	AllowPrivateHosts bool          `yaml:"allow_private_hosts"`
	Proxy             string        `yaml:"proxy"`
	Concurrency       int           `yaml:"concurrency"`

	ErrorMessage string `yaml:"error_message"`
	InfoText     string `yaml:"info_text"`

	Log  logConfig  `yaml:"log"`
	EPUB epubConfig `yaml:"epub"`
}

func defaultConfig() *appConfig {
	return &appConfig{
		Delfi:            delfiConfig{Endpoint: defaultDelfiEndpoint},
		Cache:            defaultCachePath,
		Listen:           defaultListenAddr,
		UserAgent:        defaultUA,
		Timeout:          defaultFetchTimeout,
		MaxResponseBytes: defaultMaxResponseBytes,
		Concurrency:      defaultConcurrency,
		ErrorMessage:     defaultErrorMessage,
		Log:              logConfig{Level: "info", Format: "text"},
		EPUB:             epubConfig{MaxWidth: 800, Quality: 60},
	}
}

// loadConfig layers the YAML file at path (if any) and the environment over
// the defaults. Flags are applied by the caller.
func loadConfig(path string, getenv func(string) string) (*appConfig, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv exports variables from a .env file without overriding the
// process environment. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func (c *appConfig) applyEnv(getenv func(string) string) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"DELFI_ENDPOINT", &c.Delfi.Endpoint},
		{"DELFI_TOKEN", &c.Delfi.Token},
		{"DELFI_HASH", &c.Delfi.Hash},
		{"TVNET_COOKIE", &c.Tvnet.Cookie},
		{"USER_AGENT", &c.UserAgent},
		{"ERROR_MSG", &c.ErrorMessage},
		{"INFO_TEXT", &c.InfoText},
		{"LVREADER_CACHE", &c.Cache},
		{"LVREADER_LISTEN", &c.Listen},
		{"LVREADER_PROXY", &c.Proxy},
		{"LVREADER_LOG_LEVEL", &c.Log.Level},
		{"LVREADER_LOG_FORMAT", &c.Log.Format},
	}
	for _, s := range strs {
		if v := getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	if v := getenv("LVREADER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: LVREADER_TIMEOUT=%q", errInvalidTimeout, v)
		}
		c.Timeout = d
	}
	if v := getenv("LVREADER_ALLOW_PRIVATE_HOSTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LVREADER_ALLOW_PRIVATE_HOSTS=%q: %w", v, err)
		}
		c.AllowPrivateHosts = b
	}
	return nil
}

// validate reports the first invalid setting.
func (c *appConfig) validate() error {
	if strings.TrimSpace(c.Cache) == "" {
		return errMissingCache
	}
	if strings.TrimSpace(c.Listen) == "" {
		return errMissingListen
	}
	if c.Timeout <= 0 {
		return errInvalidTimeout
	}
	if c.MaxResponseBytes <= 0 {
		return errInvalidMaxBytes
	}
	if u, err := url.Parse(c.Delfi.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", errInvalidEndpoint, c.Delfi.Endpoint)
	}
	if c.Proxy != "" {
		u, err := url.Parse(c.Proxy)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: %q", errInvalidProxy, c.Proxy)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("%w: %q", errInvalidProxy, c.Proxy)
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: %q", errInvalidLogFormat, c.Log.Format)
	}
	if c.EPUB.MaxWidth < 1 {
		return errInvalidMaxWidth
	}
	if c.EPUB.Quality < 1 || c.EPUB.Quality > 100 {
		return errInvalidQuality
	}
	if c.Concurrency < 1 {
		return errInvalidConcurrency
	}
	return nil
}

// warnings lists settings that are valid but leave a source unusable.
func (c *appConfig) warnings() []string {
	var w []string
	if c.Delfi.Token == "" {
		w = append(w, "DELFI_TOKEN is not set; delfi requests will be rejected")
	}
	if c.Delfi.Hash == "" {
		w = append(w, "DELFI_HASH is not set; delfi requests will fail")
	}
	if c.Tvnet.Cookie == "" {
		w = append(w, "TVNET_COOKIE is not set; paywalled tvnet articles may be truncated")
	}
	return w
}

func (c *appConfig) fetchOptions() fetchOptions {
	return fetchOptions{
		timeout:      c.Timeout,
		userAgent:    c.UserAgent,
		maxBytes:     c.MaxResponseBytes,
		allowPrivate: c.AllowPrivateHosts,
		proxyURL:     c.Proxy,
	}
}
