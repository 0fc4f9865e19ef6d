package main

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	firstH1Re     = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	htmlTagRe     = regexp.MustCompile(`<[^>]+>`)
	headingRe     = regexp.MustCompile(`(?i)<(/?)h([1-6])([^>]*)>`)
	countSuffixRe = regexp.MustCompile(`\(\d+\)$`)
)

// cleanTitle trims a tvnet headline and drops the trailing comment counter
// the site appends, e.g. "Storm hits capital (42)".
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	return strings.TrimSpace(countSuffixRe.ReplaceAllString(title, ""))
}

// plainText strips markup and decodes entities.
func plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(htmlTagRe.ReplaceAllString(s, "")))
}

// shiftHeadings shifts all headings down one level (h1->h2, h2->h3, ..., clamped at h6).
func shiftHeadings(text string) string {
	return headingRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := headingRe.FindStringSubmatch(match)
		if parts == nil {
			return match
		}
		isClose := parts[1] == "/"
		level, _ := strconv.Atoi(parts[2])
		newLevel := level + 1
		if newLevel > 6 {
			newLevel = 6
		}
		if isClose {
			return fmt.Sprintf("</h%d>", newLevel)
		}
		return fmt.Sprintf("<h%d%s>", newLevel, parts[3])
	})
}

// bylineContent is the inner HTML of a byline: site name and cache date,
// then a link to the original. Empty when there is nothing to show.
func bylineContent(a *Article) string {
	var parts []string

	if a.Source != "" {
		parts = append(parts, html.EscapeString(a.Source.displayName()))
	}
	if !a.Timestamp.IsZero() {
		parts = append(parts, html.EscapeString(a.Timestamp.Format("January 2, 2006")))
	}

	byline := strings.Join(parts, " · ")

	if a.FullURL != "" {
		// Show a clean version of the URL (strip scheme)
		displayURL := a.FullURL
		for _, prefix := range []string{"https://", "http://"} {
			displayURL = strings.TrimPrefix(displayURL, prefix)
		}
		displayURL = strings.TrimSuffix(displayURL, "/")
		link := fmt.Sprintf(`<a href="%s">%s</a>`,
			html.EscapeString(a.FullURL), html.EscapeString(displayURL))
		if byline != "" {
			byline += "<br/>" + link
		} else {
			byline = link
		}
	}
	return byline
}

// formatByline wraps bylineContent in a paragraph, or returns "".
func formatByline(a *Article) string {
	byline := bylineContent(a)
	if byline == "" {
		return ""
	}
	return fmt.Sprintf(`<p class="byline">%s</p>`, byline)
}

// renderArticleFragment lays out an article as an HTML fragment: title,
// byline, meta image, lead and body. The body is inserted as is; it comes
// from the normalizers.
func renderArticleFragment(a *Article) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(a.Title))
	if byline := formatByline(a); byline != "" {
		b.WriteString(byline + "\n")
	}
	if img := a.imageURL(); img != "" {
		fmt.Fprintf(&b, "<figure><img src=\"%s\" alt=\"%s\"/></figure>\n",
			html.EscapeString(img), html.EscapeString(a.Title))
	}
	if a.Lead != "" {
		fmt.Fprintf(&b, "<p class=\"lead\"><strong>%s</strong></p>\n", html.EscapeString(a.Lead))
	}

	body := a.TextContent
	// The page title is the only h1.
	if firstH1Re.MatchString(body) {
		body = shiftHeadings(body)
	}
	b.WriteString(body)
	return b.String()
}

// renderArticlePage renders a complete HTML document for one article.
func renderArticlePage(a *Article) string {
	return renderFullHTML(renderArticleFragment(a), a.Title, a)
}

// renderFullHTML wraps the article fragment in a complete HTML document.
func renderFullHTML(fragment string, title string, a *Article) string {
	var headExtra strings.Builder
	if a != nil {
		if a.Source != "" {
			fmt.Fprintf(&headExtra, "\t<meta name=\"source\" content=\"%s\">\n", html.EscapeString(a.Source.displayName()))
		}
		if !a.Timestamp.IsZero() {
			fmt.Fprintf(&headExtra, "\t<meta name=\"date\" content=\"%s\">\n", a.Timestamp.Format(time.RFC3339))
		}
		if a.FullURL != "" {
			fmt.Fprintf(&headExtra, "\t<link rel=\"canonical\" href=\"%s\">\n", html.EscapeString(a.FullURL))
		}
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<meta name="viewport" content="width=device-width, initial-scale=1">
	<title>%s</title>
%s	<style>
		body {
			font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
			line-height: 1.6;
			color: #333;
			max-width: 800px;
			margin: 0 auto;
			padding: 2rem 1rem;
		}
		img { max-width: 100%%; height: auto; }
		figure { margin: 0 0 1.5rem 0; }
		.byline { color: #666; font-style: italic; margin-bottom: 2rem; }
		.lead { font-size: 1.2rem; }
		.error { color: #b00020; }
		form input[type=url] { width: 75%%; padding: 0.4rem; }
	</style>
</head>
<body>
%s
</body>
</html>
`, html.EscapeString(title), headExtra.String(), fragment)
}

// renderIndexPage renders the URL entry form. errMsg, when set, is shown
// above the form.
func renderIndexPage(infoText, errMsg string) string {
	var b strings.Builder
	b.WriteString("<h1>lvreader</h1>\n")
	if errMsg != "" {
		fmt.Fprintf(&b, "<p class=\"error\">%s</p>\n", html.EscapeString(errMsg))
	}
	if infoText != "" {
		fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(infoText))
	}
	b.WriteString(`<form method="post" action="/">
<input type="url" name="url" placeholder="https://www.delfi.lv/... or https://www.tvnet.lv/..." required>
<button type="submit">Read</button>
</form>`)
	return renderFullHTML(b.String(), "lvreader", nil)
}
