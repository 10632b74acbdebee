package raster

import (
	"image"
	"image/color"
	"image/draw"
	"strings"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
)

// PrinterDPI is the resolution of the thermal head.
const PrinterDPI = 203

// Alignment of preview lines, matching the ESC a values.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignCenter
	AlignRight
)

// PreviewOptions configures RenderText.
type PreviewOptions struct {
	Width    int     // dots, PrinterWidth when 0
	FontSize float64 // points, 9 when 0
	Align    Alignment
	Margin   int // blank dots above and below the text
}

// RenderText approximates how the printer lays out text on paper: one line
// per newline, wrapped at word boundaries to the head width. The result is
// binarized so it previews what the head would print.
func RenderText(text string, opts PreviewOptions) (*Image, error) {
	if opts.Width <= 0 {
		opts.Width = PrinterWidth
	}
	if opts.FontSize <= 0 {
		opts.FontSize = 9
	}

	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	face := truetype.NewFace(f, &truetype.Options{Size: opts.FontSize, DPI: PrinterDPI})
	defer face.Close()

	metrics := face.Metrics()
	lineHeight := metrics.Height.Ceil()
	lines := wrapWords(text, face, opts.Width)
	height := len(lines)*lineHeight + 2*opts.Margin
	if height < 1 {
		height = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, opts.Width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)

	c := freetype.NewContext()
	c.SetDPI(PrinterDPI)
	c.SetFont(f)
	c.SetFontSize(opts.FontSize)
	c.SetClip(img.Bounds())
	c.SetDst(img)
	c.SetSrc(&image.Uniform{color.Black})
	c.SetHinting(font.HintingFull)

	y := opts.Margin + metrics.Ascent.Ceil()
	for _, line := range lines {
		x := 0
		switch opts.Align {
		case AlignCenter:
			x = (opts.Width - measureString(face, line)) / 2
		case AlignRight:
			x = opts.Width - measureString(face, line)
		}
		if _, err := c.DrawString(line, freetype.Pt(x, y)); err != nil {
			return nil, err
		}
		y += lineHeight
	}

	return Binarize(img), nil
}

// wrapWords splits text into lines, breaking at spaces and only splitting a
// word when it alone is wider than maxWidth.
func wrapWords(text string, face font.Face, maxWidth int) []string {
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}

		current := ""
		for _, word := range words {
			candidate := word
			if current != "" {
				candidate = current + " " + word
			}
			if measureString(face, candidate) <= maxWidth {
				current = candidate
				continue
			}
			if current != "" {
				lines = append(lines, current)
			}
			current = breakWord(word, face, maxWidth, &lines)
		}
		lines = append(lines, current)
	}
	return lines
}

// breakWord emits full-width chunks of word into lines and returns the rest.
func breakWord(word string, face font.Face, maxWidth int, lines *[]string) string {
	var part string
	for _, r := range word {
		next := part + string(r)
		if measureString(face, next) > maxWidth && part != "" {
			*lines = append(*lines, part)
			part = string(r)
		} else {
			part = next
		}
	}
	return part
}

func measureString(face font.Face, s string) int {
	var width fixed.Int26_6
	for _, r := range s {
		if adv, ok := face.GlyphAdvance(r); ok {
			width += adv
		}
	}
	return width.Ceil()
}
