package escpos

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// Charset is the code page text is sent in. Most 58mm Bluetooth printers
// ship with GB18030/GBK firmware fonts.
type Charset string

const (
	CharsetGBK   Charset = "gbk"
	CharsetCP437 Charset = "cp437"
	CharsetUTF8  Charset = "utf8"
)

// ParseCharset returns the named charset; an empty name means GBK.
func ParseCharset(name string) (Charset, error) {
	switch cs := Charset(strings.ToLower(strings.TrimSpace(name))); cs {
	case "":
		return CharsetGBK, nil
	case CharsetGBK, CharsetCP437, CharsetUTF8:
		return cs, nil
	case "utf-8":
		return CharsetUTF8, nil
	}
	return "", fmt.Errorf("unknown charset %q", name)
}

// Encode converts s to the code page. Runes the code page lacks are replaced
// with the code page's substitution byte.
func (cs Charset) Encode(s string) ([]byte, error) {
	var enc encoding.Encoding
	switch cs {
	case CharsetUTF8:
		return []byte(s), nil
	case CharsetCP437:
		enc = charmap.CodePage437
	case CharsetGBK, "":
		enc = simplifiedchinese.GBK
	default:
		return nil, fmt.Errorf("unknown charset %q", string(cs))
	}

	out, err := encoding.ReplaceUnsupported(enc.NewEncoder()).String(s)
	if err != nil {
		return nil, fmt.Errorf("encode text as %s: %w", cs, err)
	}
	return []byte(out), nil
}
