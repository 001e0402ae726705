package dicom

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/text/encoding/charmap"
)

// Encoding converts raw DICOM string bytes to UTF-8.
type Encoding struct {
	name    string
	charmap *charmap.Charmap
	utf8    bool
	ascii   bool
}

func (e Encoding) Name() string {
	return e.name
}

// Decode converts one raw value to UTF-8. Characters outside the source
// repertoire are dropped by the ASCII fallback.
func (e Encoding) Decode(s string) string {
	switch {
	case e.utf8:
		return s
	case e.charmap != nil:
		out, err := e.charmap.NewDecoder().String(s)
		if err == nil {
			return out
		}
		return asciiStrip(s)
	default:
		return asciiStrip(s)
	}
}

func asciiStrip(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] < 0x80 {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Specific-Character-Set defined terms to their decoders.
var charsets = map[string]Encoding{
	"":                {name: "ASCII", ascii: true},
	"ISO_IR 6":        {name: "ASCII", ascii: true},
	"ISO_IR 100":      {name: "Latin1", charmap: charmap.ISO8859_1},
	"ISO_IR 101":      {name: "Latin2", charmap: charmap.ISO8859_2},
	"ISO_IR 109":      {name: "Latin3", charmap: charmap.ISO8859_3},
	"ISO_IR 110":      {name: "Latin4", charmap: charmap.ISO8859_4},
	"ISO_IR 144":      {name: "Cyrillic", charmap: charmap.ISO8859_5},
	"ISO_IR 127":      {name: "Arabic", charmap: charmap.ISO8859_6},
	"ISO_IR 126":      {name: "Greek", charmap: charmap.ISO8859_7},
	"ISO_IR 138":      {name: "Hebrew", charmap: charmap.ISO8859_8},
	"ISO_IR 148":      {name: "Latin5", charmap: charmap.ISO8859_9},
	"ISO_IR 166":      {name: "Thai", charmap: charmap.Windows874},
	"ISO_IR 192":      {name: "UTF-8", utf8: true},
	"ISO 2022 IR 6":   {name: "ASCII", ascii: true},
	"ISO 2022 IR 100": {name: "Latin1", charmap: charmap.ISO8859_1},
}

// fallbackEncoding applies when Specific Character Set is absent or
// unrecognized.
var fallbackEncoding = charsets["ISO_IR 100"]

// SetFallbackEncoding configures the default character set by defined term.
func SetFallbackEncoding(term string) {
	if enc, ok := charsets[term]; ok {
		fallbackEncoding = enc
		return
	}
	log.Warn().Str("character_set", term).Msg("Unknown fallback character set, keeping Latin1")
}

// DetectEncoding resolves the character set of a dataset from Specific
// Character Set (0008,0005).
func DetectEncoding(d *Dataset) Encoding {
	el, err := d.raw.FindElementByTag(tag.SpecificCharacterSet)
	if err != nil {
		return fallbackEncoding
	}
	parts, ok := el.Value.GetValue().([]string)
	if !ok || len(parts) == 0 {
		return fallbackEncoding
	}
	term := strings.TrimSpace(parts[0])
	// Multi-valued character sets select code extensions; the first value
	// governs the default repertoire.
	if enc, found := charsets[term]; found {
		return enc
	}
	log.Warn().Str("character_set", term).Msg("Unsupported Specific Character Set, using fallback")
	return fallbackEncoding
}
