// HTML to XHTML sanitization for EPUB 3 chapters.
package main

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var allowedElements = map[string]bool{
	"div": true, "p": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true, "hr": true, "pre": true, "blockquote": true, "cite": true,
	"em": true, "strong": true, "small": true, "s": true, "abbr": true, "time": true, "code": true,
	"sub": true, "sup": true, "i": true, "b": true, "u": true, "mark": true, "span": true,
	"br": true, "wbr": true, "ins": true, "del": true, "img": true, "a": true,
	"table": true, "caption": true, "colgroup": true, "col": true, "tbody": true, "thead": true,
	"tfoot": true, "tr": true, "td": true, "th": true,
	"section": true, "article": true, "aside": true, "header": true, "footer": true,
	"figure": true, "figcaption": true,
}

var allowedAttrs = map[string]bool{
	"id": true, "class": true, "title": true, "lang": true, "dir": true,
	"href": true, "src": true, "alt": true, "width": true, "height": true,
	"colspan": true, "rowspan": true, "scope": true, "cite": true, "datetime": true,
	"start": true, "reversed": true, "epub:type": true,
}

// Elements dropped together with their content.
var droppedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"form": true, "button": true, "input": true, "select": true, "textarea": true,
	"svg": true, "math": true, "canvas": true, "object": true, "embed": true, "source": true,
}

// renamedElements maps structures EPUB readers handle poorly onto plain blocks.
var renamedElements = map[string]atom.Atom{
	"dl": atom.Div, "dt": atom.P, "dd": atom.P, "main": atom.Div, "nav": atom.Div,
	"center": atom.Div, "address": atom.P,
}

var voidElements = map[atom.Atom]bool{
	atom.Area: true, atom.Base: true, atom.Br: true, atom.Col: true,
	atom.Embed: true, atom.Hr: true, atom.Img: true, atom.Input: true,
	atom.Link: true, atom.Meta: true, atom.Source: true, atom.Wbr: true,
}

func isPhrasing(tag string) bool {
	switch tag {
	case "h1", "h2", "h3", "h4", "h5", "h6", "p", "span", "b", "strong", "i", "em", "a",
		"code", "sub", "sup", "small", "s", "u", "mark", "abbr", "cite", "del", "ins", "time":
		return true
	}
	return false
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li",
		"blockquote", "section", "article", "aside", "header", "footer",
		"figure", "figcaption", "table", "pre", "hr":
		return true
	}
	return false
}

// keepsStructure reports blocks that are hoisted out of phrasing parents
// intact instead of being unwrapped.
func keepsStructure(tag string) bool {
	switch tag {
	case "table", "pre", "ul", "ol", "blockquote", "figure":
		return true
	}
	return false
}

// xhtmlSanitizer cleans one chapter. ids holds the anchors that exist in the
// input so fragment links to missing targets can be dropped.
type xhtmlSanitizer struct {
	ids  map[string]bool
	used map[string]bool
}

// sanitizeForXHTML converts an HTML fragment to XHTML that passes EPUB 3
// validation: allowed elements and attributes only, self-closed void
// elements, no remote images and no dangling fragment links.
func sanitizeForXHTML(fragment string) string {
	root := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(stripInvalidXMLChars(fragment)), root)
	if err != nil {
		return ""
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}

	s := &xhtmlSanitizer{ids: map[string]bool{}, used: map[string]bool{}}
	s.collectIDs(root)
	s.cleanChildren(root)

	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		renderXHTML(&buf, c)
	}
	return buf.String()
}

func (s *xhtmlSanitizer) collectIDs(n *html.Node) {
	if n.Type == html.ElementNode {
		if id := sanitizeID(attr(n, "id")); id != "" {
			s.ids[id] = true
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		s.collectIDs(c)
	}
}

// cleanChildren replaces each child of n with its cleaned form.
func (s *xhtmlSanitizer) cleanChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch out := s.clean(c); {
		case out == nil:
			n.RemoveChild(c)
		case out != c:
			n.InsertBefore(out, c)
			n.RemoveChild(c)
		}
		c = next
	}
}

// clean returns the node to keep in place of n, or nil to drop it.
func (s *xhtmlSanitizer) clean(n *html.Node) *html.Node {
	switch n.Type {
	case html.TextNode:
		return n
	case html.ElementNode:
	default:
		return nil
	}

	switch {
	case droppedElements[n.Data]:
		return nil
	case n.Data == "iframe" || n.Data == "video" || n.Data == "audio":
		return mediaLink(n)
	case n.Data == "picture":
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "img" {
				n.RemoveChild(c)
				return s.clean(c)
			}
		}
		return nil
	}
	if a, ok := renamedElements[n.Data]; ok {
		n.Data, n.DataAtom = a.String(), a
	}
	if !allowedElements[n.Data] {
		return s.unwrap(n)
	}
	if n.Data == "img" && !localImage(attr(n, "src")) {
		return nil
	}
	if n.Data == "figcaption" && (n.Parent == nil || n.Parent.Data != "figure") {
		n.Data, n.DataAtom = "p", atom.P
	}

	n.Attr = s.filterAttrs(n)
	s.cleanChildren(n)
	if isPhrasing(n.Data) {
		fixPhrasingContent(n)
	}
	return n
}

// unwrap drops an unknown element but keeps its cleaned content. A single
// child is returned in place; multiple children are wrapped in a span or div.
func (s *xhtmlSanitizer) unwrap(n *html.Node) *html.Node {
	s.cleanChildren(n)
	if n.FirstChild == nil {
		return nil
	}
	if n.FirstChild == n.LastChild {
		c := n.FirstChild
		n.RemoveChild(c)
		return c
	}
	wrapper := &html.Node{Type: html.ElementNode, Data: "span", DataAtom: atom.Span}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && isBlock(c.Data) {
			wrapper.Data, wrapper.DataAtom = "div", atom.Div
			break
		}
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		wrapper.AppendChild(c)
		c = next
	}
	return wrapper
}

func (s *xhtmlSanitizer) filterAttrs(n *html.Node) []html.Attribute {
	var out []html.Attribute
	for _, a := range n.Attr {
		if !allowedAttrs[a.Key] || a.Namespace != "" {
			continue
		}
		switch a.Key {
		case "href":
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Val)), "javascript:") {
				continue
			}
			if frag, ok := strings.CutPrefix(a.Val, "#"); ok && frag != "" && !s.ids[frag] {
				continue
			}
		case "id":
			id := s.uniqueID(sanitizeID(a.Val))
			if id == "" {
				continue
			}
			a.Val = id
		case "width", "height":
			if n.Data != "img" && n.Data != "td" && n.Data != "th" && n.Data != "col" && n.Data != "table" {
				continue
			}
			a.Val = sanitizeDimension(a.Val)
			if a.Val == "" || a.Val == "0" {
				continue
			}
		}
		out = append(out, a)
	}
	return out
}

func (s *xhtmlSanitizer) uniqueID(id string) string {
	if id == "" {
		return ""
	}
	candidate := id
	for i := 2; s.used[candidate]; i++ {
		candidate = fmt.Sprintf("%s-%d", id, i)
	}
	s.used[candidate] = true
	return candidate
}

// fixPhrasingContent moves block children out of a phrasing element.
// Structured blocks are hoisted above the outermost phrasing ancestor;
// simple wrappers are replaced by their children.
func fixPhrasingContent(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type != html.ElementNode || !isBlock(c.Data) {
			c = next
			continue
		}
		if keepsStructure(c.Data) && n.Parent != nil {
			n.RemoveChild(c)
			target := n
			for target.Parent != nil && target.Parent.Type == html.ElementNode && isPhrasing(target.Parent.Data) {
				target = target.Parent
			}
			if target.Parent != nil {
				target.Parent.InsertBefore(c, target)
			}
		} else {
			for cc := c.FirstChild; cc != nil; {
				cnext := cc.NextSibling
				c.RemoveChild(cc)
				n.InsertBefore(cc, c)
				cc = cnext
			}
			n.RemoveChild(c)
		}
		c = next
	}
}

// mediaLink replaces an embed with a link to its source, or drops it.
func mediaLink(n *html.Node) *html.Node {
	src := attr(n, "src")
	for c := n.FirstChild; c != nil && src == ""; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "source" {
			src = attr(c, "src")
		}
	}
	src = strings.TrimSpace(src)
	if strings.HasPrefix(src, "//") {
		src = "https:" + src
	}
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return nil
	}
	link := &html.Node{
		Type:     html.ElementNode,
		Data:     "a",
		DataAtom: atom.A,
		Attr:     []html.Attribute{{Key: "href", Val: src}},
	}
	link.AppendChild(&html.Node{Type: html.TextNode, Data: "[Media: " + src + "]"})
	return link
}

// localImage reports whether src points inside the book. Remote resources
// are not allowed in EPUB.
func localImage(src string) bool {
	src = strings.TrimSpace(src)
	if src == "" {
		return false
	}
	return !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") && !strings.HasPrefix(src, "//")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key && a.Namespace == "" {
			return a.Val
		}
	}
	return ""
}

// stripInvalidXMLChars removes characters not allowed in XML 1.0 content.
func stripInvalidXMLChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == 0x9 || r == 0xA || r == 0xD ||
			(r >= 0x20 && r <= 0xD7FF) ||
			(r >= 0xE000 && r <= 0xFFFD) ||
			(r >= 0x10000 && r <= 0x10FFFF) {
			return r
		}
		return -1
	}, s)
}

// sanitizeDimension turns "640px" or "320.6" into an integer string, or ""
// when the value is not a non-negative number.
func sanitizeDimension(val string) string {
	val = strings.TrimSpace(val)
	for _, suffix := range []string{"px", "em", "rem", "%", "pt"} {
		val = strings.TrimSuffix(val, suffix)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f < 0 {
		return ""
	}
	return strconv.Itoa(int(math.Round(f)))
}

// sanitizeID replaces whitespace in an id with hyphens.
func sanitizeID(val string) string {
	val = strings.TrimSpace(val)
	if val == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '-'
		}
		return r
	}, val)
}

// renderXHTML renders a node tree as XHTML with self-closed void elements.
func renderXHTML(buf *bytes.Buffer, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		buf.WriteString(html.EscapeString(n.Data))
	case html.ElementNode:
		buf.WriteByte('<')
		buf.WriteString(n.Data)
		for _, a := range n.Attr {
			fmt.Fprintf(buf, ` %s="%s"`, a.Key, html.EscapeString(a.Val))
		}
		if voidElements[n.DataAtom] && n.FirstChild == nil {
			buf.WriteString("/>")
			return
		}
		buf.WriteByte('>')
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderXHTML(buf, c)
		}
		buf.WriteString("</")
		buf.WriteString(n.Data)
		buf.WriteByte('>')
	case html.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderXHTML(buf, c)
		}
	}
}
