package dicom

import (
	dcm "github.com/suyashkumar/dicom"
)

// JSONFormat selects one of the canonical projections of a dataset.
type JSONFormat int

const (
	// JSONFull keys by "gggg,eeee" and carries name, type and value for
	// every element, including null and oversized ones.
	JSONFull JSONFormat = iota
	// JSONSimple keys by dictionary keyword and keeps only value-bearing
	// elements.
	JSONSimple
	// JSONShort keys by "gggg,eeee" and keeps only plain string values.
	JSONShort
)

// DefaultMaxStringLength bounds the length of values embedded in the JSON
// projection; longer values are flagged TooLong and elided.
const DefaultMaxStringLength = 256

const (
	jsonTypeString   = "String"
	jsonTypeNull     = "Null"
	jsonTypeTooLong  = "TooLong"
	jsonTypeSequence = "Sequence"
)

// ToJSON projects a dataset into its canonical JSON form. The result is a
// plain map ready for encoding/json.
func ToJSON(d *Dataset, format JSONFormat, maxStringLen int) map[string]interface{} {
	if maxStringLen <= 0 {
		maxStringLen = DefaultMaxStringLength
	}
	return elementsToJSON(d.raw.Elements, d.encoding, format, maxStringLen)
}

func elementsToJSON(elements []*dcm.Element, enc Encoding, format JSONFormat, maxStringLen int) map[string]interface{} {
	out := make(map[string]interface{})
	for _, el := range elements {
		if el.Tag.Group == 0x0002 || el.Value == nil {
			continue
		}
		key := TagKey(el.Tag)
		name := TagName(el.Tag)

		if el.Value != nil && el.Value.ValueType() == dcm.Sequences {
			items := sequenceToJSON(el, enc, format, maxStringLen)
			switch format {
			case JSONFull:
				out[key] = map[string]interface{}{
					"Name":  nameOrUnknown(name),
					"Type":  jsonTypeSequence,
					"Value": items,
				}
			case JSONSimple:
				out[simpleKey(name, key)] = items
			}
			continue
		}

		v, _ := elementText(el, enc)
		typ := jsonTypeString
		var value interface{} = v.Str
		switch {
		case v.Null:
			typ = jsonTypeNull
			value = nil
		case len(v.Str) > maxStringLen:
			typ = jsonTypeTooLong
			value = nil
		}

		switch format {
		case JSONFull:
			out[key] = map[string]interface{}{
				"Name":  nameOrUnknown(name),
				"Type":  typ,
				"Value": value,
			}
		case JSONSimple:
			if typ == jsonTypeString {
				out[simpleKey(name, key)] = value
			}
		case JSONShort:
			if typ == jsonTypeString {
				out[key] = value
			}
		}
	}
	return out
}

func sequenceToJSON(el *dcm.Element, enc Encoding, format JSONFormat, maxStringLen int) []map[string]interface{} {
	items, ok := el.Value.GetValue().([]*dcm.SequenceItemValue)
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		sub, ok := item.GetValue().([]*dcm.Element)
		if !ok {
			continue
		}
		out = append(out, elementsToJSON(sub, enc, format, maxStringLen))
	}
	return out
}

func nameOrUnknown(name string) string {
	if name == "" {
		return "Unknown"
	}
	return name
}

func simpleKey(name, key string) string {
	if name == "" {
		return key
	}
	return name
}
