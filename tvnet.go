package main

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// tvnet marks article parts with fixed class lists. Lead and body blocks
// are matched on the whole class list, not on individual classes.
const (
	tvnetHeadlineSelector   = "h1.article-superheader__headline"
	tvnetBackgroundSelector = "div.article-superheader__background"
	tvnetLeadClasses        = "article-body__item article-body__item--htmlElement article-body__item--lead"
)

var tvnetBodyClassLists = []string{
	"article-body__item article-body__item--htmlElement",
	"article-body__item article-body__item--highlightedContent",
}

// findByClassList selects elements whose class attribute, with whitespace
// normalized, equals one of lists exactly. Document order is kept.
func findByClassList(doc *goquery.Document, lists ...string) *goquery.Selection {
	return doc.Find("[class]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		return slices.Contains(lists, collapseSpace(class))
	})
}

// appendClasses adds classes after the existing ones, single-spaced.
func appendClasses(sel *goquery.Selection, classes string) {
	sel.Each(func(_ int, s *goquery.Selection) {
		existing, _ := s.Attr("class")
		s.SetAttr("class", strings.Join(append(strings.Fields(existing), strings.Fields(classes)...), " "))
	})
}

// Classes appended to body elements so the markup matches the delfi output.
var tvnetBodyClasses = []struct {
	selector string
	classes  string
}{
	{"p", "mb-4 text-lg leading-relaxed"},
	{"ul", "list-disc pl-5 mb-4"},
	{"li", "mb-2"},
}

// tvnetConfig holds the session cookie sent with page requests.
type tvnetConfig struct {
	Cookie string `yaml:"cookie"`
}

// tvnetSource scrapes articles from tvnet.lv HTML pages.
type tvnetSource struct {
	cfg  tvnetConfig
	http *httpFetcher
}

func newTvnetSource(cfg tvnetConfig, fetcher *httpFetcher) *tvnetSource {
	return &tvnetSource{cfg: cfg, http: fetcher}
}

// fetch downloads the article page. tvnet has no id based endpoint, so the
// public URL is required.
func (t *tvnetSource) fetch(ctx context.Context, id, fullURL string) ([]byte, error) {
	if strings.TrimSpace(fullURL) == "" {
		return nil, fmt.Errorf("%w: tvnet article %s", ErrURLRequired, id)
	}
	h := documentHeaders()
	if t.cfg.Cookie != "" {
		h.Set("Cookie", t.cfg.Cookie)
	}
	return t.http.get(ctx, fullURL, h)
}

func (t *tvnetSource) normalize(raw []byte, id, fullURL string) (*Article, error) {
	return normalizeTvnet(raw, id, fullURL)
}

// normalizeTvnet extracts an Article from a tvnet article page.
func normalizeTvnet(raw []byte, id, fullURL string) (*Article, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing page: %v", ErrNormalize, err)
	}

	headline := doc.Find(tvnetHeadlineSelector).First()
	if headline.Length() == 0 {
		return nil, fmt.Errorf("%w: no headline", ErrNormalize)
	}
	title := cleanTitle(collapseSpace(headline.Text()))
	if title == "" {
		return nil, fmt.Errorf("%w: empty headline", ErrNormalize)
	}

	lead := findByClassList(doc, tvnetLeadClasses).First()
	if lead.Length() == 0 {
		return nil, fmt.Errorf("%w: no lead", ErrNormalize)
	}

	body, err := tvnetBody(doc)
	if err != nil {
		return nil, err
	}

	return &Article{
		Source:       sourceTvnet,
		ID:           id,
		Title:        title,
		Lead:         collapseSpace(lead.Text()),
		TextContent:  body,
		MetaImageURL: tvnetImageURL(doc),
		FullURL:      fullURL,
	}, nil
}

// tvnetImageURL reads the protocol-relative image URL out of the header's
// inline background style, e.g. background-image: url('//f.tvnet.lv/x.jpg').
func tvnetImageURL(doc *goquery.Document) *string {
	style, ok := doc.Find(tvnetBackgroundSelector).First().Attr("style")
	if !ok {
		return nil
	}
	_, rest, found := strings.Cut(style, "url('")
	if !found {
		return nil
	}
	src, _, found := strings.Cut(rest, "')")
	if !found || src == "" {
		return nil
	}
	u := "https:" + src
	return &u
}

// tvnetBody collects the element children of every body block in document
// order and restyles them on a fresh fragment, leaving doc untouched.
func tvnetBody(doc *goquery.Document) (string, error) {
	var buf strings.Builder
	var renderErr error
	findByClassList(doc, tvnetBodyClassLists...).Children().Each(func(_ int, child *goquery.Selection) {
		if renderErr != nil {
			return
		}
		s, err := goquery.OuterHtml(child)
		if err != nil {
			renderErr = err
			return
		}
		buf.WriteString(s)
	})
	if renderErr != nil {
		return "", fmt.Errorf("%w: rendering body: %v", ErrNormalize, renderErr)
	}

	frag, err := newFragmentDocument(buf.String())
	if err != nil {
		return "", fmt.Errorf("%w: reparsing body: %v", ErrNormalize, err)
	}

	frag.Find("a").Each(func(_ int, a *goquery.Selection) {
		a.ReplaceWithSelection(a.Contents())
	})
	for _, bc := range tvnetBodyClasses {
		appendClasses(frag.Find(bc.selector), bc.classes)
	}

	out, err := frag.Html()
	if err != nil {
		return "", fmt.Errorf("%w: rendering body: %v", ErrNormalize, err)
	}
	return out, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
