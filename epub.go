// EPUB generation: one chapter per article behind a generated cover and a
// table of contents.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	epub "github.com/go-shiori/go-epub"
)

// Matches a whole <img ... src="data:MIME;base64,DATA" ... /> tag in
// sanitized chapter XHTML, where attribute values never contain '>'.
var imgDataURIRe = regexp.MustCompile(`(<img\b[^>]*?\bsrc\s*=\s*")data:([^;"]+);base64,([^"]*)("[^>]*>)`)

const epubCSS = `body { margin: 1em; line-height: 1.5; }
img { max-width: 100%; height: auto; }
figure { margin: 0 0 1em 0; }
blockquote { margin-left: 1em; padding-left: 0.5em; border-left: 2px solid #999; }
.byline { font-size: 0.85em; color: #666; margin-top: -0.5em; margin-bottom: 1.5em; }
.byline a { color: #666; }
.lead { font-size: 1.1em; }
.toc { list-style-type: none; padding-left: 0; }
.toc li { margin-bottom: 1.2em; }
.toc a { text-decoration: none; }
.toc-meta { font-size: 0.85em; color: #666; margin-top: 0.1em; }
.toc-meta a { color: #666; }`

func chapterFilename(i int) string {
	return fmt.Sprintf("article%03d.xhtml", i+1)
}

func chapterTitle(a *Article, i int) string {
	if t := strings.TrimSpace(a.Title); t != "" {
		return t
	}
	return fmt.Sprintf("Article %d", i+1)
}

// extImage maps an image MIME type to a file extension inside the book.
func extImage(mime string) string {
	switch {
	case strings.Contains(mime, "png"):
		return ".png"
	case strings.Contains(mime, "gif"):
		return ".gif"
	case strings.Contains(mime, "svg"):
		return ".svg"
	case strings.Contains(mime, "webp"):
		return ".webp"
	}
	return ".jpg"
}

// extractImages registers every data URI image in body with the book and
// points the img at the packaged file instead. Images that cannot be
// decoded or added are removed, tag and all; add failures are returned.
func extractImages(e *epub.Epub, body string, chapter int) (string, error) {
	imgIdx := 0
	var errs []error

	result := imgDataURIRe.ReplaceAllStringFunc(body, func(match string) string {
		parts := imgDataURIRe.FindStringSubmatch(match)
		prefix, mime, b64data, suffix := parts[1], parts[2], parts[3], parts[4]

		filename := fmt.Sprintf("ch%03d_img%03d%s", chapter, imgIdx, extImage(mime))
		imgIdx++

		if _, err := decodeBase64(b64data); err != nil {
			fmt.Fprintf(logOut, "Warning: invalid base64 for %s: %v\n", filename, err)
			return ""
		}
		internalPath, err := e.AddImage("data:"+mime+";base64,"+b64data, filename)
		if err != nil {
			errs = append(errs, fmt.Errorf("adding %s: %w", filename, err))
			return ""
		}
		return prefix + internalPath + suffix
	})
	return result, errors.Join(errs...)
}

// buildTOCBody lists the articles with their site, cache date and source link.
func buildTOCBody(articles []*Article) string {
	var b strings.Builder
	b.WriteString("<h1>Contents</h1>\n<ol class=\"toc\">\n")
	for i, a := range articles {
		b.WriteString("<li>\n")
		fmt.Fprintf(&b, "<a href=\"%s\">%s</a>\n", chapterFilename(i), html.EscapeString(chapterTitle(a, i)))
		if meta := bylineContent(a); meta != "" {
			fmt.Fprintf(&b, "<p class=\"toc-meta\">%s</p>\n", meta)
		}
		b.WriteString("</li>\n")
	}
	b.WriteString("</ol>\n")
	return b.String()
}

// buildEpub writes articles to outputPath as an EPUB 3 book. When embedder
// is non-nil, remote images are downloaded and packaged; otherwise they are
// dropped. A chapter that fails to build is skipped with a warning.
func buildEpub(ctx context.Context, articles []*Article, title, outputPath string, embedder *imageEmbedder) error {
	e, err := epub.NewEpub(title)
	if err != nil {
		return fmt.Errorf("creating epub: %w", err)
	}
	e.SetLang("lv")
	e.SetAuthor("lvreader")

	if cover, err := generateCover(describeCover(title, articles)); err != nil {
		fmt.Fprintf(logOut, "Warning: could not generate cover: %v\n", err)
	} else if coverPath, err := e.AddImage(dataURI("image/png", cover), "cover.png"); err != nil {
		fmt.Fprintf(logOut, "Warning: could not add cover: %v\n", err)
	} else {
		e.SetCover(coverPath, "")
	}

	cssPath, err := e.AddCSS("data:text/css;base64,"+base64.StdEncoding.EncodeToString([]byte(epubCSS)), "styles.css")
	if err != nil {
		fmt.Fprintf(logOut, "Warning: could not add CSS: %v\n", err)
		cssPath = ""
	}

	if _, err := e.AddSection(buildTOCBody(articles), "Contents", "contents.xhtml", cssPath); err != nil {
		fmt.Fprintf(logOut, "Warning: could not add table of contents: %v\n", err)
	}

	for i, a := range articles {
		body := renderArticleFragment(a)
		if embedder != nil {
			embedded, st, err := embedder.embed(ctx, body)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				fmt.Fprintf(logOut, "Warning: images for %q: %v\n", a.Title, err)
			} else {
				body = embedded
				if st.count > 0 {
					pprintf("  images: %d embedded, %s → %s\n", st.count, humanSize(st.originalTotal), humanSize(st.optimizedTotal))
				}
			}
		}

		body, err := extractImages(e, sanitizeForXHTML(body), i+1)
		if err != nil {
			fmt.Fprintf(logOut, "Warning: images dropped from %q: %v\n", a.Title, err)
		}
		if _, err := e.AddSection(body, chapterTitle(a, i), chapterFilename(i), cssPath); err != nil {
			fmt.Fprintf(logOut, "Warning: could not add section %q: %v\n", a.Title, err)
		}
	}

	if err := e.Write(outputPath); err != nil {
		return fmt.Errorf("writing epub: %w", err)
	}
	return nil
}
