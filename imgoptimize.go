// Image embedding for EPUB chapters. Remote images are downloaded through
// the shared fetcher, downscaled and re-encoded as JPEG data URIs sized for
// e-readers.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"
)

// errPassThrough marks images that are embedded unchanged (SVG, AVIF,
// animated GIF).
var errPassThrough = errors.New("image passed through")

type optimizeOpts struct {
	maxWidth  int
	quality   int
	grayscale bool
}

// resize downscales an image using BiLinear resampling.
func resize(src image.Image, dstW, dstH int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

func toGrayscale(src image.Image) *image.Gray {
	b := src.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(src.At(x, y)))
		}
	}
	return gray
}

// flattenAlpha composites src onto a white background.
func flattenAlpha(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, b, src, b.Min, draw.Over)
	return dst
}

func isAnimatedGIF(data []byte) bool {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return false
	}
	return len(g.Image) > 1
}

// optimizeImage re-encodes data as a JPEG no wider than opts.maxWidth.
// It returns errPassThrough for formats that should be embedded as is.
func optimizeImage(data []byte, mime string, opts optimizeOpts) ([]byte, error) {
	switch {
	case strings.Contains(mime, "svg"), strings.Contains(mime, "avif"):
		return nil, errPassThrough
	case strings.Contains(mime, "gif") && isAnimatedGIF(data):
		return nil, errPassThrough
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", mime, err)
	}
	img = flattenAlpha(img)

	// Downscale by width only, never upscale.
	b := img.Bounds()
	if w, h := b.Dx(), b.Dy(); w > opts.maxWidth {
		newH := int(math.Round(float64(h) * float64(opts.maxWidth) / float64(w)))
		img = resize(img, opts.maxWidth, max(newH, 1))
	}
	if opts.grayscale {
		img = toGrayscale(img)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.quality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func dataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// parseDataURI splits a base64 data URI into MIME type and payload.
func parseDataURI(uri string) (string, []byte, bool) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, false
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, false
	}
	mime, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, false
	}
	data, err := decodeBase64(payload)
	if err != nil {
		return "", nil, false
	}
	return mime, data, true
}

// decodeBase64 tries standard then raw (no-padding) base64.
func decodeBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(s)
	}
	return raw, err
}

// sniffMIME identifies image bytes. The fetcher does not expose response
// headers, and image hosts often send octet-stream anyway.
func sniffMIME(data []byte) string {
	mime := http.DetectContentType(data)
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	if mime == "text/xml" || mime == "text/plain" {
		if bytes.Contains(data[:min(len(data), 512)], []byte("<svg")) {
			return "image/svg+xml"
		}
	}
	return mime
}

// srcsetEntryRe matches one "URL [N]w" candidate of a srcset attribute.
var srcsetEntryRe = regexp.MustCompile(`((?:https?:)?//[^\s,]+)(?:\s+(\d+)w)?`)

// pickBestSrcsetURL returns the widest candidate across the given srcset
// values, preferring non-webp URLs.
func pickBestSrcsetURL(srcsets ...string) string {
	type candidate struct {
		url   string
		width int
	}
	var all []candidate
	for _, s := range srcsets {
		for _, m := range srcsetEntryRe.FindAllStringSubmatch(s, -1) {
			w, _ := strconv.Atoi(m[2])
			all = append(all, candidate{url: m[1], width: w})
		}
	}

	pick := func(skipWebp bool) string {
		best, bestW := "", -1
		for _, c := range all {
			if skipWebp && (strings.Contains(c.url, "webp")) {
				continue
			}
			if c.width > bestW {
				best, bestW = c.url, c.width
			}
		}
		return best
	}
	if u := pick(true); u != "" {
		return u
	}
	return pick(false)
}

// absoluteImageURL resolves protocol-relative URLs and rejects anything
// that is not http(s).
func absoluteImageURL(src string) (string, bool) {
	src = html.UnescapeString(strings.TrimSpace(src))
	if strings.HasPrefix(src, "//") {
		src = "https:" + src
	}
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return src, true
	}
	return "", false
}

// newFragmentDocument parses an HTML fragment under a detached div so it
// can be queried and rendered back without html/head/body wrappers.
func newFragmentDocument(fragment string) (*goquery.Document, error) {
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), root)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return goquery.NewDocumentFromNode(root), nil
}

// promoteLazySrc moves data-src/data-srcset onto src/srcset so lazy-loaded
// images point at the real file instead of a placeholder.
func promoteLazySrc(doc *goquery.Document) {
	doc.Find("img[data-src]").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("data-src")
		img.SetAttr("src", src)
		img.RemoveAttr("data-src")
	})
	doc.Find("img[data-srcset]").Each(func(_ int, img *goquery.Selection) {
		srcset, _ := img.Attr("data-srcset")
		img.SetAttr("srcset", srcset)
		img.RemoveAttr("data-srcset")
	})
}

// collapsePictures replaces each <picture> with a single <img> pointing at
// the widest srcset candidate, or the fallback img src.
func collapsePictures(doc *goquery.Document) {
	doc.Find("picture").Each(func(_ int, pic *goquery.Selection) {
		img := pic.Find("img").First()
		var srcsets []string
		pic.Find("source[srcset], img[srcset]").Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr("srcset")
			srcsets = append(srcsets, v)
		})
		src := pickBestSrcsetURL(srcsets...)
		if src == "" {
			src, _ = img.Attr("src")
		}
		if src == "" {
			pic.Remove()
			return
		}
		alt, _ := img.Attr("alt")
		pic.ReplaceWithHtml(fmt.Sprintf(`<img src="%s" alt="%s">`, html.EscapeString(src), html.EscapeString(alt)))
	})
}

type imageStats struct {
	count          int
	failed         int
	originalTotal  int64
	optimizedTotal int64
}

// imageEmbedder inlines the images of a rendered article.
type imageEmbedder struct {
	fetcher     *httpFetcher
	opts        optimizeOpts
	concurrency int
}

func newImageEmbedder(fetcher *httpFetcher, opts optimizeOpts, concurrency int) *imageEmbedder {
	return &imageEmbedder{fetcher: fetcher, opts: opts, concurrency: max(concurrency, 1)}
}

type embedResult struct {
	uri      string
	original int
	size     int
	err      error
}

// embed returns fragment with every reachable image replaced by a data URI.
// Images that cannot be downloaded keep their remote src; the EPUB
// sanitizer drops them later.
func (e *imageEmbedder) embed(ctx context.Context, fragment string) (string, imageStats, error) {
	var st imageStats
	doc, err := newFragmentDocument(fragment)
	if err != nil {
		return fragment, st, fmt.Errorf("parsing article: %w", err)
	}
	promoteLazySrc(doc)
	collapsePictures(doc)

	imgs := doc.Find("img")
	srcs := make([]string, imgs.Length())
	imgs.Each(func(i int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		if src == "" {
			if srcset, ok := img.Attr("srcset"); ok {
				src = pickBestSrcsetURL(srcset)
			}
		}
		srcs[i] = src
	})

	results := make([]embedResult, len(srcs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, src := range srcs {
		g.Go(func() error {
			results[i] = e.embedOne(gctx, src)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return fragment, st, err
	}

	imgs.Each(func(i int, img *goquery.Selection) {
		r := results[i]
		if r.err != nil {
			st.failed++
			fmt.Fprintf(logOut, "Warning: image %s: %v\n", shortURL(srcs[i]), r.err)
			return
		}
		if r.uri == "" {
			return
		}
		img.SetAttr("src", r.uri)
		img.RemoveAttr("srcset")
		img.RemoveAttr("sizes")
		st.count++
		st.originalTotal += int64(r.original)
		st.optimizedTotal += int64(r.size)
	})

	out, err := doc.Html()
	if err != nil {
		return fragment, st, fmt.Errorf("rendering article: %w", err)
	}
	return out, st, nil
}

// embedOne resolves one img src to a data URI. An empty uri with no error
// means the src is left untouched.
func (e *imageEmbedder) embedOne(ctx context.Context, src string) embedResult {
	var data []byte
	var mime string
	if m, d, ok := parseDataURI(src); ok {
		mime, data = m, d
	} else if u, ok := absoluteImageURL(src); ok {
		d, err := e.fetcher.get(ctx, u, imageHeaders())
		if err != nil {
			return embedResult{err: err}
		}
		mime, data = sniffMIME(d), d
	} else {
		return embedResult{}
	}
	if !strings.HasPrefix(mime, "image/") {
		return embedResult{err: fmt.Errorf("not an image (%s)", mime)}
	}

	out, err := optimizeImage(data, mime, e.opts)
	switch {
	case errors.Is(err, errPassThrough):
		return embedResult{uri: dataURI(mime, data), original: len(data), size: len(data)}
	case err != nil:
		return embedResult{err: err}
	}
	return embedResult{uri: dataURI("image/jpeg", out), original: len(data), size: len(out)}
}

func imageHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "image/avif,image/webp,image/png,image/jpeg,*/*;q=0.8")
	h.Set("Sec-Fetch-Dest", "image")
	h.Set("Sec-Fetch-Mode", "no-cors")
	return h
}
