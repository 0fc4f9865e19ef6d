// Cover image for EPUB digests: a deterministic column pattern seeded from
// the book title, with the title, article count, sites and date span
// overlaid.
package main

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"slices"
	"strings"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	coverWidth  = 1200
	coverHeight = 1800
)

// coverInfo is what the cover says about the book.
type coverInfo struct {
	title    string
	count    int
	sources  []string
	earliest time.Time
	latest   time.Time
}

// describeCover summarizes articles for the cover.
func describeCover(title string, articles []*Article) coverInfo {
	info := coverInfo{title: title, count: len(articles)}
	for _, a := range articles {
		if a.Source != "" && !slices.Contains(info.sources, a.Source.displayName()) {
			info.sources = append(info.sources, a.Source.displayName())
		}
		if a.Timestamp.IsZero() {
			continue
		}
		if info.earliest.IsZero() || a.Timestamp.Before(info.earliest) {
			info.earliest = a.Timestamp
		}
		if a.Timestamp.After(info.latest) {
			info.latest = a.Timestamp
		}
	}
	slices.Sort(info.sources)
	return info
}

// metaLine is the small print under the title, e.g.
// "3 articles · Delfi, TVNET · 2 Jun 2024 – 5 Jun 2024".
func (c coverInfo) metaLine() string {
	parts := []string{fmt.Sprintf("%d articles", c.count)}
	if c.count == 1 {
		parts[0] = "1 article"
	}
	if len(c.sources) > 0 {
		parts = append(parts, strings.Join(c.sources, ", "))
	}
	if !c.earliest.IsZero() {
		span := c.earliest.Format("2 Jan 2006")
		if last := c.latest.Format("2 Jan 2006"); last != span {
			span += " – " + last
		}
		parts = append(parts, span)
	}
	return strings.Join(parts, " · ")
}

// generateCover renders the cover as PNG.
func generateCover(info coverInfo) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, coverWidth, coverHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Gray{0xFF}), image.Point{}, draw.Src)

	drawColumns(img, sha256.Sum256([]byte(info.title)))

	boldFace, err := loadFace(gobold.TTF, 64)
	if err != nil {
		return nil, fmt.Errorf("loading bold font: %w", err)
	}
	regularFace, err := loadFace(goregular.TTF, 30)
	if err != nil {
		return nil, fmt.Errorf("loading regular font: %w", err)
	}

	drawTitleBlock(img, info, boldFace, regularFace)
	drawLabel(img, "lvreader", regularFace, coverWidth-40, coverHeight-40, anchorRight)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding cover PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// drawColumns lays out grey text-like bars in newspaper columns above and
// below the title band. Bar lengths and shades come from the hash.
func drawColumns(img *image.Gray, hash [32]byte) {
	const (
		cols      = 4
		margin    = 60
		gutter    = 30
		barHeight = 14
		lineGap   = 30
		bandTop   = 620
		bandBot   = 1180
	)
	colW := (coverWidth - 2*margin - (cols-1)*gutter) / cols

	for col := 0; col < cols; col++ {
		x0 := margin + col*(colW+gutter)
		line := 0
		for y := margin; y+barHeight < coverHeight-margin-60; y += lineGap {
			if y+barHeight > bandTop && y < bandBot {
				continue
			}
			b := hash[(col*11+line)%len(hash)] ^ byte(line*29+col*7)
			line++

			// Short bars read as paragraph ends.
			w := colW
			if b%5 == 0 {
				w = colW * (40 + int(b)%50) / 100
			}
			shade := uint8(0x40 + int(b)%0x70)
			fillRect(img, image.Rect(x0, y, x0+w, y+barHeight), color.Gray{shade})
		}
	}
}

func fillRect(img *image.Gray, r image.Rectangle, c color.Gray) {
	draw.Draw(img, r.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}

// drawTitleBlock renders the word-wrapped title and the meta line centred
// on a white band in the middle of the cover.
func drawTitleBlock(img *image.Gray, info coverInfo, titleFace, metaFace font.Face) {
	const (
		bandTop    = 650
		bandBottom = 1150
		padX       = 80
		maxWidth   = coverWidth - padX*2
	)

	fillRect(img, image.Rect(0, bandTop, coverWidth, bandBottom), color.Gray{0xFF})
	fillRect(img, image.Rect(padX, bandTop+20, coverWidth-padX, bandTop+24), color.Gray{0x22})
	fillRect(img, image.Rect(padX, bandBottom-22, coverWidth-padX, bandBottom-20), color.Gray{0x99})

	lines := wrapText(info.title, titleFace, maxWidth)
	lineHeight := titleFace.Metrics().Height.Ceil() + 8
	metaLines := wrapText(info.metaLine(), metaFace, maxWidth)
	metaHeight := len(metaLines)*(metaFace.Metrics().Height.Ceil()+6) + 16
	totalHeight := len(lines)*lineHeight + metaHeight
	y := bandTop + (bandBottom-bandTop-totalHeight)/2 + titleFace.Metrics().Ascent.Ceil()

	for _, line := range lines {
		drawCentred(img, line, titleFace, y)
		y += lineHeight
	}
	y += 16
	for _, line := range metaLines {
		drawCentred(img, line, metaFace, y)
		y += metaFace.Metrics().Height.Ceil() + 6
	}
}

type anchor int

const (
	anchorLeft anchor = iota
	anchorRight
)

// drawLabel draws a small text label at a given position.
func drawLabel(img *image.Gray, text string, face font.Face, x, y int, a anchor) {
	if a == anchorRight {
		x -= font.MeasureString(face, text).Ceil()
	}
	drawString(img, text, face, x, y)
}

func drawCentred(img *image.Gray, s string, face font.Face, y int) {
	w := font.MeasureString(face, s).Ceil()
	drawString(img, s, face, (coverWidth-w)/2, y)
}

// drawString renders a string onto a grayscale image in black.
func drawString(img *image.Gray, s string, face font.Face, x, y int) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Gray{0x00}),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// wrapText splits text into lines that fit within maxWidth pixels.
func wrapText(text string, face font.Face, maxWidth int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{text}
	}

	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		trial := current + " " + word
		if font.MeasureString(face, trial).Ceil() <= maxWidth {
			current = trial
		} else {
			lines = append(lines, current)
			current = word
		}
	}
	return append(lines, current)
}

// loadFace parses an OpenType font and returns a Face at the given size in points.
func loadFace(ttf []byte, sizePt float64) (font.Face, error) {
	f, err := opentype.Parse(ttf)
	if err != nil {
		return nil, err
	}
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    sizePt,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}
