package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	defaultDelfiEndpoint = "https://content.api.delfi.lv/content/v3/graphql"
	delfiImageURLFormat  = "https://images.delfi.lv/media-api-image-cropper/v1/%s.jpg?w=720"

	// Body lines with fewer words than this are rendered as subheadings.
	headingWordLimit = 10
)

// delfiConfig holds the content API location and credentials.
type delfiConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
	Hash     string `yaml:"hash"` // sha256 of the persisted getArticleByID query
}

// delfiSource reads articles from the delfi GraphQL content API.
type delfiSource struct {
	cfg  delfiConfig
	http *httpFetcher
}

func newDelfiSource(cfg delfiConfig, fetcher *httpFetcher) *delfiSource {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultDelfiEndpoint
	}
	return &delfiSource{cfg: cfg, http: fetcher}
}

// fetch calls the persisted getArticleByID query. fullURL is unused; the API
// returns the public URL itself.
func (d *delfiSource) fetch(ctx context.Context, id, fullURL string) ([]byte, error) {
	reqURL, err := delfiQueryURL(d.cfg.Endpoint, id, d.cfg.Hash)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+d.cfg.Token)
	h.Set("Accept", "application/json")
	return d.http.get(ctx, reqURL, h)
}

func (d *delfiSource) normalize(raw []byte, id, fullURL string) (*Article, error) {
	return normalizeDelfi(raw, id)
}

type persistedQuery struct {
	Version    int    `json:"version"`
	SHA256Hash string `json:"sha256Hash"`
}

type delfiExtensions struct {
	PersistedQuery persistedQuery `json:"persistedQuery"`
}

// delfiQueryURL builds the GET URL for a persisted GraphQL query. The id is
// embedded as a JSON number, so it must be all digits.
func delfiQueryURL(endpoint, id, hash string) (string, error) {
	if !isNumericID(id) {
		return "", fmt.Errorf("%w: delfi id %q is not numeric", ErrIdentifier, id)
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: invalid endpoint %q: %v", ErrFetch, endpoint, err)
	}
	ext, err := json.Marshal(delfiExtensions{PersistedQuery: persistedQuery{Version: 1, SHA256Hash: hash}})
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("operationName", "getArticleByID")
	q.Set("variables", `{"id":`+id+`}`)
	q.Set("extensions", string(ext))
	base.RawQuery = q.Encode()
	return base.String(), nil
}

const delfiArticlePath = "data.article.data.0."

// normalizeDelfi maps a getArticleByID response to an Article.
func normalizeDelfi(raw []byte, id string) (*Article, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: delfi response is not valid JSON", ErrNormalize)
	}

	str := func(path string) (string, error) {
		r := gjson.GetBytes(raw, delfiArticlePath+path)
		if !r.Exists() {
			return "", fmt.Errorf("%w: missing %s", ErrNormalize, path)
		}
		if r.Type != gjson.String {
			return "", fmt.Errorf("%w: %s is %s, not a string", ErrNormalize, path, r.Type)
		}
		return r.String(), nil
	}

	title, err := str("content.title.text")
	if err != nil {
		return nil, err
	}
	lead, err := str("content.lead.text")
	if err != nil {
		return nil, err
	}
	body, err := str("content.body.text")
	if err != nil {
		return nil, err
	}
	pageURL, err := str("url")
	if err != nil {
		return nil, err
	}

	img := gjson.GetBytes(raw, delfiArticlePath+"metaImage.id")
	if img.Type != gjson.String && img.Type != gjson.Number {
		return nil, fmt.Errorf("%w: missing metaImage.id", ErrNormalize)
	}
	imageURL := fmt.Sprintf(delfiImageURLFormat, img.String())

	return &Article{
		Source:       sourceDelfi,
		ID:           id,
		Title:        strings.TrimSpace(title),
		Lead:         lead,
		TextContent:  formatDelfiBody(body),
		MetaImageURL: &imageURL,
		FullURL:      "https://" + pageURL,
	}, nil
}

// formatDelfiBody turns the API's newline separated plain text into markup.
// Short lines become subheadings, the rest paragraphs. Line text is inserted
// as delivered.
func formatDelfiBody(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(strings.Fields(line)) < headingWordLimit {
			fmt.Fprintf(&b, `<h3 class="text-2xl font-semibold mb-4">%s</h3>`, line)
		} else {
			fmt.Fprintf(&b, `<p class="mb-4 text-lg leading-relaxed">%s</p>`, line)
		}
	}
	return b.String()
}
