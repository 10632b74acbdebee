package escpos

import (
	"errors"
	"fmt"
	"strings"
)

var ErrBarcodeDataInvalid = errors.New("invalid barcode data")

// Symbology selects a 1-D barcode standard. Values are the GS k format-B
// selectors.
type Symbology byte

const (
	UPCA    Symbology = 65
	UPCE    Symbology = 66
	JAN13   Symbology = 67
	JAN8    Symbology = 68
	CODE39  Symbology = 69
	ITF     Symbology = 70
	CODABAR Symbology = 71
	CODE93  Symbology = 72
	CODE128 Symbology = 73
)

var symbologyNames = map[Symbology]string{
	UPCA:    "UPC_A",
	UPCE:    "UPC_E",
	JAN13:   "JAN13",
	JAN8:    "JAN8",
	CODE39:  "CODE39",
	ITF:     "ITF",
	CODABAR: "CODABAR",
	CODE93:  "CODE93",
	CODE128: "CODE128",
}

// Symbologies lists every supported symbology.
var Symbologies = []Symbology{CODE39, CODABAR, ITF, CODE93, CODE128, UPCA, UPCE, JAN13, JAN8}

func (s Symbology) String() string {
	if name, ok := symbologyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Symbology(%d)", byte(s))
}

// ParseSymbology accepts names like "CODE128", "upc-a" or "UPC_A".
func ParseSymbology(name string) (Symbology, error) {
	key := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(name)))
	switch key {
	case "UPCA":
		key = "UPC_A"
	case "UPCE":
		key = "UPC_E"
	case "EAN13":
		key = "JAN13"
	case "EAN8":
		key = "JAN8"
	}
	for s, n := range symbologyNames {
		if n == key {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown barcode symbology %q", name)
}

// HRIPosition places the human-readable digits (GS H n).
type HRIPosition byte

const (
	HRINone  HRIPosition = 0
	HRIAbove HRIPosition = 1
	HRIBelow HRIPosition = 2
	HRIBoth  HRIPosition = 3
)

// Barcode is one barcode to print.
type Barcode struct {
	Symbology   Symbology
	Data        string
	ModuleWidth int // dots per narrow bar, 2 to 6
	Height      int // dots, 1 to 255
	HRI         HRIPosition
}

// BarcodeError reports data the symbology cannot encode.
type BarcodeError struct {
	Symbology Symbology
	Expected  string
	Data      string
}

func (e *BarcodeError) Error() string {
	return fmt.Sprintf("%v: %s expects %s, got %q", ErrBarcodeDataInvalid, e.Symbology, e.Expected, e.Data)
}

func (e *BarcodeError) Unwrap() error {
	return ErrBarcodeDataInvalid
}

const (
	code39Chars  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ $%*+-./"
	codabarChars = "0123456789ABCD-$:/.+"
)

// Validate checks Data against the symbology's length and character rules.
func (b Barcode) Validate() error {
	fail := func(expected string) error {
		return &BarcodeError{Symbology: b.Symbology, Expected: expected, Data: b.Data}
	}

	d := b.Data
	switch b.Symbology {
	case UPCA:
		if len(d) != 12 || !digits(d) {
			return fail("12 digits")
		}
	case UPCE:
		if len(d) != 12 || !digits(d) {
			return fail("12 digits")
		}
	case JAN13:
		if (len(d) != 12 && len(d) != 13) || !digits(d) {
			return fail("12 or 13 digits")
		}
	case JAN8:
		if (len(d) != 7 && len(d) != 8) || !digits(d) {
			return fail("7 or 8 digits")
		}
	case ITF:
		if len(d) < 2 || len(d) > 255 || len(d)%2 != 0 || !digits(d) {
			return fail("an even number of digits")
		}
	case CODE39:
		if len(d) < 1 || len(d) > 255 || !only(d, code39Chars) {
			return fail("1-255 of 0-9 A-Z space $%*+-./")
		}
	case CODABAR:
		if len(d) < 1 || len(d) > 255 || !only(d, codabarChars) {
			return fail("1-255 of 0-9 A-D -$:/.+")
		}
	case CODE93:
		if len(d) < 1 || len(d) > 253 || !ascii(d) {
			return fail("1-253 ASCII characters")
		}
	case CODE128:
		if len(d) < 1 || !ascii(d) || len(code128Payload(d)) > 255 {
			return fail("ASCII characters fitting 255 bytes once encoded")
		}
	default:
		return fail("a supported symbology")
	}
	return nil
}

// encode returns the setup directives and the GS k block.
func (b Barcode) encode() ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	payload := []byte(b.Data)
	if b.Symbology == CODE128 {
		payload = code128Payload(b.Data)
	}

	height := b.Height
	if height == 0 {
		height = 162
	}
	width := b.ModuleWidth
	if width == 0 {
		width = 3
	}

	frame := []byte{
		GS, 'h', clampByte(height, 1, 255),
		GS, 'w', clampByte(width, 2, 6),
		GS, 'H', clampByte(int(b.HRI), 0, 3),
		GS, 'k', byte(b.Symbology), byte(len(payload)),
	}
	return append(frame, payload...), nil
}

// code128Payload selects code set B and escapes every '{' as "{{", since a
// bare '{' starts a code set or function selector. Data that already opens
// with a code set selector ({A, {B or {C) is sent as is.
func code128Payload(d string) []byte {
	if len(d) >= 2 && d[0] == '{' && d[1] >= 'A' && d[1] <= 'C' {
		return []byte(d)
	}
	payload := make([]byte, 0, len(d)+2)
	payload = append(payload, '{', 'B')
	for i := 0; i < len(d); i++ {
		if d[i] == '{' {
			payload = append(payload, '{')
		}
		payload = append(payload, d[i])
	}
	return payload
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func only(s, allowed string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(allowed, s[i]) < 0 {
			return false
		}
	}
	return true
}

func ascii(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}
