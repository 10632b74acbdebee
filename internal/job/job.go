package job

import (
	"fmt"

	"mkprint/internal/escpos"
	"mkprint/internal/raster"
)

// Feeds after content. Text gets a feed-and-wake; images get blank lines to
// clear the tear bar.
const (
	TextFeedLines  = 2
	ImageLineFeeds = 4
)

// Kind tags the Job variant.
type Kind int

const (
	KindText Kind = iota
	KindImage
	KindBarcode
	KindRaw
	KindTestPage
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindBarcode:
		return "barcode"
	case KindRaw:
		return "raw"
	case KindTestPage:
		return "test_page"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Style is optional text formatting. The zero value prints plain text.
type Style struct {
	Align     escpos.Alignment
	Bold      bool
	Width     int // magnification 1-8, 0 means 1
	Height    int
	Underline int // 0 off, 1 thin, 2 thick
}

func (s Style) plain() bool {
	return s == Style{} || s == Style{Width: 1, Height: 1}
}

// Job is one print request. Only the field matching Kind is used.
type Job struct {
	Kind    Kind
	Text    string
	Style   Style
	Image   string // base64, optionally a data URI
	Barcode escpos.Barcode
	Raw     []byte
}

func Text(s string) Job                 { return Job{Kind: KindText, Text: s} }
func StyledText(s string, st Style) Job { return Job{Kind: KindText, Text: s, Style: st} }
func Image(base64 string) Job           { return Job{Kind: KindImage, Image: base64} }
func Barcode(b escpos.Barcode) Job      { return Job{Kind: KindBarcode, Barcode: b} }
func Raw(p []byte) Job                  { return Job{Kind: KindRaw, Raw: p} }
func TestPage() Job                     { return Job{Kind: KindTestPage} }

// Encoder turns jobs into complete frames. Every frame starts with init.
type Encoder struct {
	Width   int // dots, raster.PrinterWidth when 0
	Charset escpos.Charset
}

// Encode builds the whole frame for j or fails without producing bytes.
func (e Encoder) Encode(j Job) ([]byte, error) {
	cmd := escpos.New().Init()

	switch j.Kind {
	case KindText:
		e.text(cmd, j.Text, j.Style)
	case KindImage:
		img, err := raster.FromBase64(j.Image, e.width())
		if err != nil {
			return nil, err
		}
		cmd.Raster(img).LineFeeds(ImageLineFeeds)
	case KindBarcode:
		cmd.Barcode(j.Barcode).FeedLines(TextFeedLines)
	case KindRaw:
		cmd.Raw(j.Raw)
	case KindTestPage:
		e.testPage(cmd)
	default:
		return nil, fmt.Errorf("unknown job kind %v", j.Kind)
	}
	return cmd.Build()
}

func (e Encoder) width() int {
	if e.Width <= 0 {
		return raster.PrinterWidth
	}
	return e.Width
}

func (e Encoder) text(cmd *escpos.Command, s string, st Style) {
	if st.plain() {
		cmd.Text(s, e.Charset).FeedLines(TextFeedLines)
		return
	}
	cmd.Align(st.Align).
		Bold(st.Bold).
		Size(max(st.Width, 1), max(st.Height, 1)).
		Underline(st.Underline).
		Text(s, e.Charset).
		FeedLines(TextFeedLines).
		Align(escpos.AlignLeft).
		Bold(false).
		Size(1, 1).
		Underline(0)
}

// testPage prints alignment, emphasis, magnification and one sample of
// every barcode symbology.
func (e Encoder) testPage(cmd *escpos.Command) {
	for _, a := range []struct {
		align escpos.Alignment
		label string
	}{
		{escpos.AlignLeft, "Left aligned"},
		{escpos.AlignCenter, "Centered"},
		{escpos.AlignRight, "Right aligned"},
	} {
		cmd.Align(a.align).Text(a.label, e.Charset).FeedLines(TextFeedLines)
	}
	cmd.Align(escpos.AlignLeft)

	cmd.Bold(true).Text("Bold", e.Charset).FeedLines(TextFeedLines).Bold(false)
	cmd.Underline(1).Text("Underline", e.Charset).FeedLines(TextFeedLines).Underline(0)
	for i := 1; i <= 4; i++ {
		cmd.Size(i, i).Text(fmt.Sprintf("%dx", i), e.Charset).FeedLines(1)
	}
	cmd.Size(1, 1).FeedLines(TextFeedLines)

	for _, s := range escpos.Symbologies {
		b := escpos.Barcode{Symbology: s, Data: "123456", ModuleWidth: 2, Height: 150, HRI: escpos.HRIBelow}
		switch s {
		case escpos.UPCA, escpos.UPCE, escpos.JAN13:
			b.Data, b.Height = "000000000000", 63
		case escpos.JAN8:
			b.Data, b.Height = "0000000", 63
		}
		cmd.Text(s.String(), e.Charset).FeedLines(TextFeedLines).
			Barcode(b).FeedLines(TextFeedLines)
	}
	cmd.FeedLines(3)
}
