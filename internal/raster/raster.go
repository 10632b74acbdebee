package raster

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"
	"unicode"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// PrinterWidth is the dot width of a 58mm thermal head.
const PrinterWidth = 384

// Threshold is the midpoint of the 8-bit channel range. Pixels whose
// unweighted RGB mean is below it print black.
const Threshold = 128

// Limits on what the pipeline will allocate. An image past either one is
// rejected as undecodable.
const (
	MaxSourcePixels = 1 << 25
	MaxRasterRows   = 1 << 16
)

var ErrImageDecode = errors.New("image decode failed")

// Image is a 1-bit raster, row-major, MSB-first, rows padded to whole bytes.
// A set bit is a black dot. Image is immutable.
type Image struct {
	width  int
	height int
	stride int
	data   []byte
}

// NewImage wraps packed 1-bit data. len(data) must equal height*((width+7)/8).
func NewImage(width, height int, data []byte) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid raster size %dx%d", width, height)
	}
	stride := (width + 7) / 8
	if len(data) != stride*height {
		return nil, fmt.Errorf("raster data is %d bytes, want %d for %dx%d", len(data), stride*height, width, height)
	}
	return &Image{
		width:  width,
		height: height,
		stride: stride,
		data:   append([]byte(nil), data...),
	}, nil
}

func (m *Image) Width() int  { return m.width }
func (m *Image) Height() int { return m.height }

// Stride is the row length in bytes.
func (m *Image) Stride() int { return m.stride }

// Data returns a copy of the packed rows.
func (m *Image) Data() []byte {
	return append([]byte(nil), m.data...)
}

// Rows returns a copy of rows [from, to).
func (m *Image) Rows(from, to int) []byte {
	return append([]byte(nil), m.data[from*m.stride:to*m.stride]...)
}

// Black reports whether the dot at (x, y) is set.
func (m *Image) Black(x, y int) bool {
	return m.data[y*m.stride+x/8]&(0x80>>(x%8)) != 0
}

// Preview renders the raster as a grayscale image for display.
func (m *Image) Preview() image.Image {
	img := image.NewGray(image.Rect(0, 0, m.width, m.height))
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			if m.Black(x, y) {
				img.SetGray(x, y, color.Gray{0})
			} else {
				img.SetGray(x, y, color.Gray{255})
			}
		}
	}
	return img
}

// DecodeBase64 decodes a base64 image payload. A data URI prefix and
// embedded whitespace are accepted.
func DecodeBase64(s string) (image.Image, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrImageDecode)
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Unpadded input is common from JS callers.
		var rawErr error
		raw, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if rawErr != nil {
			return nil, fmt.Errorf("%w: base64: %w", ErrImageDecode, err)
		}
	}
	return Decode(raw)
}

// Decode decodes an encoded image (png, jpeg, gif, bmp, webp or tiff).
func Decode(raw []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImageDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrImageDecode)
	}
	if cfg.Width*cfg.Height > MaxSourcePixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageDecode, cfg.Width, cfg.Height, MaxSourcePixels)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImageDecode, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrImageDecode)
	}
	return img, nil
}

// ScaledHeight returns the height that keeps the aspect ratio of a w x h
// image scaled to width.
func ScaledHeight(w, h, width int) int {
	scale := float64(width) / float64(w)
	newH := int(math.Round(float64(h) * scale))
	if newH < 1 {
		newH = 1
	}
	return newH
}

// Scale resizes img to width dots with bilinear interpolation, applying the
// same factor to both axes. Channels stay unpremultiplied.
func Scale(img image.Image, width int) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, width, ScaledHeight(b.Dx(), b.Dy(), width)))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// Binarize thresholds every pixel of img on the unweighted mean of its 8-bit
// red, green and blue channels, read without alpha premultiplication. Fully
// transparent pixels read as black.
func Binarize(img image.Image) *Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stride := (w + 7) / 8
	data := make([]byte, stride*h)

	nrgba, fast := img.(*image.NRGBA)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl int
			if fast {
				i := nrgba.PixOffset(b.Min.X+x, b.Min.Y+y)
				r, g, bl = int(nrgba.Pix[i]), int(nrgba.Pix[i+1]), int(nrgba.Pix[i+2])
			} else {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				r, g, bl = int(c.R), int(c.G), int(c.B)
			}
			if (r+g+bl)/3 < Threshold {
				data[y*stride+x/8] |= 0x80 >> (x % 8)
			}
		}
	}
	return &Image{width: w, height: h, stride: stride, data: data}
}

// Convert runs the full pipeline on a decoded image. It fails with
// ErrImageDecode when the scaled image would exceed MaxRasterRows.
func Convert(img image.Image, width int) (*Image, error) {
	if width <= 0 {
		width = PrinterWidth
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrImageDecode)
	}
	if h := ScaledHeight(b.Dx(), b.Dy(), width); h > MaxRasterRows {
		return nil, fmt.Errorf("%w: scaled height %d exceeds %d rows", ErrImageDecode, h, MaxRasterRows)
	}
	return Binarize(Scale(img, width)), nil
}

// FromBase64 decodes, scales and binarizes a base64 image payload.
func FromBase64(s string, width int) (*Image, error) {
	img, err := DecodeBase64(s)
	if err != nil {
		return nil, err
	}
	return Convert(img, width)
}
