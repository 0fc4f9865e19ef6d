// Markdown export: renders articles as CommonMark.
package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/dom"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"golang.org/x/net/html"
)

var (
	mdConverter     *converter.Converter
	mdConverterOnce sync.Once
)

// getMarkdownConverter returns a shared converter that replaces data URI
// images with alt-text placeholders.
func getMarkdownConverter() *converter.Converter {
	mdConverterOnce.Do(func() {
		mdConverter = converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		)
		// PriorityEarly runs before the commonmark img renderer.
		mdConverter.Register.RendererFor("img", converter.TagTypeInline,
			func(ctx converter.Context, w converter.Writer, n *html.Node) converter.RenderStatus {
				src := dom.GetAttributeOr(n, "src", "")
				if !strings.HasPrefix(src, "data:") {
					return converter.RenderTryNext
				}
				if alt := strings.TrimSpace(dom.GetAttributeOr(n, "alt", "")); alt != "" {
					w.WriteString("[Image: " + alt + "]")
				}
				return converter.RenderSuccess
			},
			converter.PriorityEarly,
		)
	})
	return mdConverter
}

// htmlToMarkdown converts an HTML fragment to trimmed CommonMark.
func htmlToMarkdown(fragment string) (string, error) {
	md, err := getMarkdownConverter().ConvertString(fragment)
	if err != nil {
		return "", fmt.Errorf("markdown conversion: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// articleToMarkdown renders the same layout as the HTML page: title,
// byline, image, lead and body.
func articleToMarkdown(a *Article) (string, error) {
	return htmlToMarkdown(renderArticleFragment(a))
}

// articlesToMarkdown joins several articles with horizontal rules. An
// article that fails to convert is skipped with a warning.
func articlesToMarkdown(articles []*Article) (string, error) {
	var parts []string
	for _, a := range articles {
		md, err := articleToMarkdown(a)
		if err != nil {
			fmt.Fprintf(logOut, "Warning: markdown conversion failed for %q: %v\n", a.Title, err)
			continue
		}
		parts = append(parts, md)
	}
	if len(parts) == 0 {
		return "", errors.New("no articles converted to markdown")
	}
	return strings.Join(parts, "\n\n---\n\n"), nil
}
