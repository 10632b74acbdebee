package escpos

import (
	"bytes"
	"fmt"

	"mkprint/internal/raster"
)

// Control bytes.
const (
	ESC = 0x1B
	GS  = 0x1D
	LF  = 0x0A
)

// BandRows is the maximum number of rows sent in one GS v 0 block. Cheap
// printers buffer a limited number of rows per block.
const BandRows = 256

// Alignment values for ESC a.
type Alignment byte

const (
	AlignLeft   Alignment = 0
	AlignCenter Alignment = 1
	AlignRight  Alignment = 2
)

// Command builds an ESC/POS byte stream. Methods chain; the first encoding
// error is kept and reported by Build, after which further calls are no-ops.
type Command struct {
	buf bytes.Buffer
	err error
}

func New() *Command {
	return &Command{}
}

// Init resets the printer (ESC @).
func (c *Command) Init() *Command {
	return c.write(ESC, '@')
}

// Text writes s in the given code page. No line feed is added.
func (c *Command) Text(s string, cs Charset) *Command {
	if c.err != nil {
		return c
	}
	b, err := cs.Encode(s)
	if err != nil {
		c.err = err
		return c
	}
	c.buf.Write(b)
	return c
}

// FeedLines prints the buffer and feeds n lines (ESC d n). It also wakes
// printers that sleep between jobs.
func (c *Command) FeedLines(n int) *Command {
	return c.write(ESC, 'd', clampByte(n, 0, 255))
}

// LineFeeds writes n bare LF bytes.
func (c *Command) LineFeeds(n int) *Command {
	for i := 0; i < n; i++ {
		c.write(LF)
	}
	return c
}

// Align sets justification (ESC a n).
func (c *Command) Align(a Alignment) *Command {
	if a > AlignRight {
		a = AlignLeft
	}
	return c.write(ESC, 'a', byte(a))
}

// Bold toggles emphasized mode (ESC E n).
func (c *Command) Bold(on bool) *Command {
	return c.write(ESC, 'E', boolByte(on))
}

// Size sets character magnification, 1 to 8 on each axis (GS ! n).
func (c *Command) Size(width, height int) *Command {
	w := clampByte(width, 1, 8) - 1
	h := clampByte(height, 1, 8) - 1
	return c.write(GS, '!', w<<4|h)
}

// Underline sets underline thickness: 0 off, 1 thin, 2 thick (ESC - n).
func (c *Command) Underline(n int) *Command {
	return c.write(ESC, '-', clampByte(n, 0, 2))
}

// Raster writes img as GS v 0 blocks of at most BandRows rows. The size
// fields of each block are derived from the block data itself.
func (c *Command) Raster(img *raster.Image) *Command {
	if c.err != nil {
		return c
	}
	if img == nil {
		c.err = fmt.Errorf("raster: nil image")
		return c
	}

	stride := img.Stride()
	for y := 0; y < img.Height(); y += BandRows {
		end := y + BandRows
		if end > img.Height() {
			end = img.Height()
		}
		band := img.Rows(y, end)
		rows := len(band) / stride

		c.write(GS, 'v', '0', 0,
			byte(stride), byte(stride>>8),
			byte(rows), byte(rows>>8))
		c.buf.Write(band)
	}
	return c
}

// Barcode validates b and writes its setup and GS k block.
func (c *Command) Barcode(b Barcode) *Command {
	if c.err != nil {
		return c
	}
	frame, err := b.encode()
	if err != nil {
		c.err = err
		return c
	}
	c.buf.Write(frame)
	return c
}

// Raw appends p unchanged.
func (c *Command) Raw(p []byte) *Command {
	if c.err != nil {
		return c
	}
	c.buf.Write(p)
	return c
}

// Build returns the stream, or the first error recorded while building it.
// A failed build returns no bytes.
func (c *Command) Build() ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return bytes.Clone(c.buf.Bytes()), nil
}

// String returns the stream in hex (for debugging)
func (c *Command) String() string {
	return fmt.Sprintf("% X", c.buf.Bytes())
}

func (c *Command) write(p ...byte) *Command {
	if c.err == nil {
		c.buf.Write(p)
	}
	return c
}

func clampByte(n, lo, hi int) byte {
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	return byte(n)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
