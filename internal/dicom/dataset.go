package dicom

import (
	"bytes"
	"strconv"
	"strings"

	dcm "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/dicom-archive/internal/errs"
)

// Dataset wraps a parsed DICOM object together with its resolved character
// encoding.
type Dataset struct {
	raw      dcm.Dataset
	encoding Encoding
}

// Parse decodes a DICOM byte stream. Malformed streams fail with
// BadFileFormat.
func Parse(b []byte) (*Dataset, error) {
	ds, err := dcm.Parse(bytes.NewReader(b), int64(len(b)), nil)
	if err != nil {
		return nil, errs.Wrap(errs.BadFileFormat, "cannot parse DICOM stream", err)
	}
	d := &Dataset{raw: ds}
	d.encoding = DetectEncoding(d)
	return d, nil
}

// FromElements builds a dataset from pre-built elements. Used by tests and
// by callers that synthesize instances (anonymization, modification).
func FromElements(elements []*dcm.Element) *Dataset {
	d := &Dataset{raw: dcm.Dataset{Elements: elements}}
	d.encoding = DetectEncoding(d)
	return d
}

// Raw exposes the underlying parser dataset.
func (d *Dataset) Raw() dcm.Dataset {
	return d.raw
}

// Serialize re-encodes the dataset, preserving the original transfer syntax
// when one is recorded and falling back to explicit-VR little-endian.
func Serialize(d *Dataset) ([]byte, error) {
	var buf bytes.Buffer
	opts := []dcm.WriteOption{dcm.SkipVRVerification()}
	if _, err := d.raw.FindElementByTag(tag.TransferSyntaxUID); err != nil {
		opts = append(opts, dcm.DefaultMissingTransferSyntax())
	}
	if err := dcm.Write(&buf, d.raw, opts...); err != nil {
		return nil, errs.Wrap(errs.BadFileFormat, "cannot serialize dataset", err)
	}
	return buf.Bytes(), nil
}

// GetString returns the decoded textual value of t from the dataset.
func (d *Dataset) GetString(t tag.Tag) (string, bool) {
	el, err := d.raw.FindElementByTag(t)
	if err != nil {
		return "", false
	}
	v, ok := elementText(el, d.encoding)
	if !ok || v.Null {
		return "", false
	}
	return v.Str, true
}

// Summarize flattens the dataset into a tag→value map. Sequence elements are
// excluded and survive only in the JSON projection; binary elements are kept
// with a null marker.
func (d *Dataset) Summarize() Map {
	m := make(Map)
	for _, el := range d.raw.Elements {
		if el.Tag.Group == 0x0002 {
			// File meta group stays out of the indexable summary.
			continue
		}
		if el.Value == nil || el.Value.ValueType() == dcm.Sequences {
			continue
		}
		if v, ok := elementText(el, d.encoding); ok {
			m[el.Tag] = v
		}
	}
	return m
}

// elementText normalizes one element to its textual value. Numeric VRs are
// rendered in decimal, multi-valued attributes are joined with backslashes.
// Binary payloads yield a null marker.
func elementText(el *dcm.Element, enc Encoding) (Value, bool) {
	switch el.Value.ValueType() {
	case dcm.Strings:
		parts := el.Value.GetValue().([]string)
		decoded := make([]string, len(parts))
		for i, p := range parts {
			decoded[i] = enc.Decode(strings.TrimRight(p, "\x00 "))
		}
		return StringValue(strings.Join(decoded, "\\")), true
	case dcm.Ints:
		ints := el.Value.GetValue().([]int)
		parts := make([]string, len(ints))
		for i, n := range ints {
			parts[i] = strconv.Itoa(n)
		}
		return StringValue(strings.Join(parts, "\\")), true
	case dcm.Floats:
		floats := el.Value.GetValue().([]float64)
		parts := make([]string, len(floats))
		for i, f := range floats {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return StringValue(strings.Join(parts, "\\")), true
	default:
		// Bytes, pixel data, unknown VRs.
		return NullValue(), true
	}
}
