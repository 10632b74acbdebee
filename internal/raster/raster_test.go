package raster

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*7 + y*3) % 256)
			img.SetRGBA(x, y, color.RGBA{v, 255 - v, v / 2, 255})
		}
	}
	return img
}

func TestFromBase64KeepsAspectRatio(t *testing.T) {
	sizes := []struct{ w, h int }{
		{384, 200}, {100, 100}, {640, 480}, {37, 211}, {1000, 3}, {3, 1000}, {1, 1},
	}
	for _, s := range sizes {
		img, err := FromBase64(encodePNG(t, gradient(s.w, s.h)), PrinterWidth)
		require.NoError(t, err)

		assert.Equal(t, PrinterWidth, img.Width())
		want := float64(s.h) * float64(PrinterWidth) / float64(s.w)
		assert.InDelta(t, want, float64(img.Height()), 1, "%dx%d", s.w, s.h)
		assert.Equal(t, PrinterWidth/8, img.Stride())
		assert.Len(t, img.Data(), img.Stride()*img.Height())
	}
}

func TestFromBase64IsDeterministic(t *testing.T) {
	payload := encodePNG(t, gradient(250, 173))

	a, err := FromBase64(payload, PrinterWidth)
	require.NoError(t, err)
	b, err := FromBase64(payload, PrinterWidth)
	require.NoError(t, err)

	assert.Equal(t, a.Data(), b.Data())
}

func TestFromBase64AcceptsDataURIAndLineBreaks(t *testing.T) {
	payload := encodePNG(t, gradient(16, 16))
	wrapped := "data:image/png;base64," + payload[:10] + "\n" + payload[10:20] + "\r\n " + payload[20:]

	a, err := FromBase64(payload, 16)
	require.NoError(t, err)
	b, err := FromBase64(wrapped, 16)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())
}

func TestFromBase64Errors(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"not base64": "%%%not-base64%%%",
		"not image":  base64.StdEncoding.EncodeToString([]byte("hello printer")),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromBase64(in, PrinterWidth)
			assert.ErrorIs(t, err, ErrImageDecode)
		})
	}
}

func TestBinarizeThreshold(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 1))
	img.SetRGBA(0, 0, color.RGBA{127, 127, 127, 255}) // mean 127: black
	img.SetRGBA(1, 0, color.RGBA{128, 128, 128, 255}) // mean 128: white
	img.SetRGBA(2, 0, color.RGBA{255, 0, 127, 255})   // mean 127: black
	img.SetRGBA(3, 0, color.RGBA{255, 0, 129, 255})   // mean 128: white

	r := Binarize(img)
	assert.True(t, r.Black(0, 0))
	assert.False(t, r.Black(1, 0))
	assert.True(t, r.Black(2, 0))
	assert.False(t, r.Black(3, 0))
	assert.Equal(t, []byte{0xA0}, r.Data())
}

func TestBinarizePacksMSBFirstWithPadding(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 10; x++ {
			img.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	img.SetRGBA(0, 0, color.RGBA{0, 0, 0, 255})
	img.SetRGBA(9, 0, color.RGBA{0, 0, 0, 255})
	img.SetRGBA(7, 1, color.RGBA{0, 0, 0, 255})
	img.SetRGBA(8, 1, color.RGBA{0, 0, 0, 255})

	r := Binarize(img)
	require.Equal(t, 2, r.Stride())
	assert.Equal(t, []byte{0x80, 0x40, 0x01, 0x80}, r.Data())
}

func TestBinarizeGenericImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.SetGray(0, 0, color.Gray{100})
	img.SetGray(1, 0, color.Gray{200})

	r := Binarize(img)
	assert.True(t, r.Black(0, 0))
	assert.False(t, r.Black(1, 0))
}

func TestBinarizeIgnoresPremultipliedAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 1))
	img.SetNRGBA(0, 0, color.NRGBA{255, 255, 255, 100})
	img.SetNRGBA(1, 0, color.NRGBA{40, 40, 40, 100})
	img.SetNRGBA(2, 0, color.NRGBA{255, 255, 255, 0})

	r := Binarize(img)
	assert.False(t, r.Black(0, 0))
	assert.True(t, r.Black(1, 0))
	assert.True(t, r.Black(2, 0))

	// Same pixels behind a premultiplied buffer.
	pre := image.NewRGBA(img.Bounds())
	for x := 0; x < 3; x++ {
		pre.Set(x, 0, img.At(x, 0))
	}
	assert.Equal(t, r.Data(), Binarize(pre).Data())
}

func TestFromBase64TranslucentWhiteStaysWhite(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, PrinterWidth, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < PrinterWidth; x++ {
			img.SetNRGBA(x, y, color.NRGBA{255, 255, 255, 100})
		}
	}

	r, err := FromBase64(encodePNG(t, img), PrinterWidth)
	require.NoError(t, err)
	assert.False(t, r.Black(0, 0))
	assert.False(t, r.Black(PrinterWidth-1, 1))
}

func TestFromBase64RejectsOversizedImages(t *testing.T) {
	tall := image.NewGray(image.Rect(0, 0, 1, 20000))
	_, err := FromBase64(encodePNG(t, tall), PrinterWidth)
	assert.ErrorIs(t, err, ErrImageDecode)

	_, err = Convert(tall, PrinterWidth)
	assert.ErrorIs(t, err, ErrImageDecode)

	// The header alone is enough to reject a huge canvas.
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	huge := buf.Bytes()
	binary.BigEndian.PutUint32(huge[16:20], 1<<14)
	binary.BigEndian.PutUint32(huge[20:24], 1<<14)
	binary.BigEndian.PutUint32(huge[29:33], crc32.ChecksumIEEE(huge[12:29]))
	_, err = Decode(huge)
	assert.ErrorIs(t, err, ErrImageDecode)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestNewImageValidatesLength(t *testing.T) {
	_, err := NewImage(9, 2, make([]byte, 3))
	assert.Error(t, err)

	img, err := NewImage(9, 2, []byte{0xff, 0x80, 0, 0})
	require.NoError(t, err)
	assert.True(t, img.Black(8, 0))
	assert.False(t, img.Black(0, 1))
	assert.Equal(t, []byte{0xff, 0x80}, img.Rows(0, 1))
}

func TestDataIsACopy(t *testing.T) {
	img, err := NewImage(8, 1, []byte{0x0f})
	require.NoError(t, err)

	d := img.Data()
	d[0] = 0xff
	assert.Equal(t, []byte{0x0f}, img.Data())
}

func TestPreview(t *testing.T) {
	img, err := NewImage(8, 1, []byte{0x80})
	require.NoError(t, err)

	p := img.Preview().(*image.Gray)
	assert.Equal(t, uint8(0), p.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(255), p.GrayAt(1, 0).Y)
}

func TestRenderText(t *testing.T) {
	img, err := RenderText("Hello\nThermal printer with a line long enough to wrap at least once", PreviewOptions{})
	require.NoError(t, err)

	assert.Equal(t, PrinterWidth, img.Width())
	assert.Greater(t, img.Height(), 0)

	black := false
	for _, b := range img.Data() {
		if b != 0 {
			black = true
			break
		}
	}
	assert.True(t, black, "rendered text has ink")
}
