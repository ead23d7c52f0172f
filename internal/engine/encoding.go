package engine

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// pgEncodingNames maps PostgreSQL encoding labels to IANA charset names.
// UTF8 never reaches this table; it takes the fast path.
var pgEncodingNames = map[string]string{
	"LATIN1":  "ISO-8859-1",
	"LATIN2":  "ISO-8859-2",
	"LATIN3":  "ISO-8859-3",
	"LATIN4":  "ISO-8859-4",
	"LATIN5":  "ISO-8859-9",
	"LATIN9":  "ISO-8859-15",
	"WIN1250": "windows-1250",
	"WIN1251": "windows-1251",
	"WIN1252": "windows-1252",
	"WIN1256": "windows-1256",
	"KOI8R":   "KOI8-R",
	"KOI8U":   "KOI8-U",
	"EUC_JP":  "EUC-JP",
	"EUC_KR":  "EUC-KR",
	"SJIS":    "Shift_JIS",
	"GBK":     "GBK",
	"BIG5":    "Big5",
}

// TextCodec converts between Go strings and the connection's client
// encoding. UTF-8 passes through untouched; everything else goes through
// the x/text machinery, where encoding fails on unmappable characters.
type TextCodec struct {
	name string
	enc  encoding.Encoding // nil for UTF-8
}

// NewTextCodec resolves a PostgreSQL encoding label.
func NewTextCodec(name string) (*TextCodec, error) {
	label := strings.ToUpper(strings.ReplaceAll(name, "-", ""))
	if label == "" || label == "UTF8" || label == "UNICODE" {
		return &TextCodec{name: "UTF8"}, nil
	}
	iana, ok := pgEncodingNames[label]
	if !ok {
		iana = name
	}
	enc, err := ianaindex.IANA.Encoding(iana)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("engine: unsupported client encoding %q", name)
	}
	return &TextCodec{name: label, enc: enc}, nil
}

// Name returns the canonical encoding label.
func (c *TextCodec) Name() string { return c.name }

// Encode converts a string to connection-encoding bytes. For non-UTF-8
// encodings an unmappable character is an error, not a substitution.
func (c *TextCodec) Encode(s string) ([]byte, error) {
	if c.enc == nil {
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("engine: invalid UTF-8 in parameter")
		}
		return []byte(s), nil
	}
	out, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("engine: encoding to %s: %w", c.name, err)
	}
	return out, nil
}

// Decode converts connection-encoding bytes to a string.
func (c *TextCodec) Decode(b []byte) (string, error) {
	if c.enc == nil {
		return string(b), nil
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("engine: decoding from %s: %w", c.name, err)
	}
	return string(out), nil
}
