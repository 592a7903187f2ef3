package pbstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValueType is the archiver payload type declared by a stream header.
type ValueType int

const (
	TypeUnknown ValueType = iota
	ScalarString
	ScalarShort
	ScalarFloat
	ScalarEnum
	ScalarInt
	ScalarDouble
	WaveformShort
	WaveformFloat
	WaveformInt
	WaveformDouble

	numValueTypes
)

var valueTypeNames = [numValueTypes]string{
	TypeUnknown:    "UNKNOWN",
	ScalarString:   "SCALAR_STRING",
	ScalarShort:    "SCALAR_SHORT",
	ScalarFloat:    "SCALAR_FLOAT",
	ScalarEnum:     "SCALAR_ENUM",
	ScalarInt:      "SCALAR_INT",
	ScalarDouble:   "SCALAR_DOUBLE",
	WaveformShort:  "WAVEFORM_SHORT",
	WaveformFloat:  "WAVEFORM_FLOAT",
	WaveformInt:    "WAVEFORM_INT",
	WaveformDouble: "WAVEFORM_DOUBLE",
}

var valueTypesByName = func() map[string]ValueType {
	m := make(map[string]ValueType, numValueTypes)
	for t := ScalarString; t < numValueTypes; t++ {
		m[valueTypeNames[t]] = t
	}
	return m
}()

func (t ValueType) String() string {
	if t < 0 || t >= numValueTypes {
		return valueTypeNames[TypeUnknown]
	}
	return valueTypeNames[t]
}

// MarshalText encodes the type as its archiver name.
func (t ValueType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (t *ValueType) UnmarshalText(b []byte) error {
	v, ok := ParseValueType(string(b))
	if !ok {
		return fmt.Errorf("unknown value type %q", b)
	}
	*t = v
	return nil
}

// ParseValueType looks up an archiver type identifier, ignoring case.
func ParseValueType(name string) (ValueType, bool) {
	t, ok := valueTypesByName[strings.ToUpper(strings.TrimSpace(name))]
	return t, ok
}

// IsWaveform reports whether samples of this type carry an array value.
func (t ValueType) IsWaveform() bool {
	return t >= WaveformShort && t <= WaveformDouble
}

// ValueKind returns the Value variant every sample of this type holds.
func (t ValueType) ValueKind() ValueKind {
	switch t {
	case ScalarString:
		return KindString
	case ScalarEnum:
		return KindEnum
	case ScalarShort, ScalarInt:
		return KindInt
	case ScalarFloat, ScalarDouble:
		return KindDouble
	case WaveformShort, WaveformFloat, WaveformInt, WaveformDouble:
		return KindDoubleArray
	default:
		return 0
	}
}

// Header is the metadata line that opens a stream or a chunk.
type Header struct {
	PVName       string            `json:"pv_name"`
	Type         ValueType         `json:"value_type"`
	Year         int               `json:"year"`
	ElementCount int               `json:"element_count"`
	Headers      map[string]string `json:"headers,omitempty"`
}

type rawHeader struct {
	PVName       *string           `json:"pvname"`
	Type         *string           `json:"type"`
	Year         *int              `json:"year"`
	ElementCount *int              `json:"elementCount"`
	Headers      map[string]string `json:"headers"`
}

const (
	minYear = 1000
	maxYear = 9999
)

// ParseHeader parses the JSON header line of a stream.
func ParseHeader(line []byte) (Header, error) {
	var raw rawHeader
	if err := json.Unmarshal(line, &raw); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	if raw.PVName == nil || *raw.PVName == "" {
		return Header{}, fmt.Errorf("%w: missing pvname", ErrInvalidHeader)
	}
	if raw.Type == nil {
		return Header{}, fmt.Errorf("%w: missing type", ErrInvalidHeader)
	}
	typ, ok := ParseValueType(*raw.Type)
	if !ok {
		return Header{}, fmt.Errorf("%w: unrecognized type %q", ErrInvalidHeader, *raw.Type)
	}
	if raw.Year == nil {
		return Header{}, fmt.Errorf("%w: missing year", ErrInvalidHeader)
	}
	if *raw.Year < minYear || *raw.Year > maxYear {
		return Header{}, fmt.Errorf("%w: year %d is not a 4-digit year", ErrInvalidHeader, *raw.Year)
	}

	count := 1
	if raw.ElementCount != nil {
		count = *raw.ElementCount
	}
	if count < 1 {
		return Header{}, fmt.Errorf("%w: element count %d < 1", ErrInvalidHeader, count)
	}
	if !typ.IsWaveform() && count != 1 {
		return Header{}, fmt.Errorf("%w: scalar type %s with element count %d", ErrInvalidHeader, typ, count)
	}

	return Header{
		PVName:       *raw.PVName,
		Type:         typ,
		Year:         *raw.Year,
		ElementCount: count,
		Headers:      raw.Headers,
	}, nil
}

// sameShape reports whether samples under o can join a series opened by h.
func (h Header) sameShape(o Header) bool {
	return h.PVName == o.PVName && h.Type == o.Type && h.ElementCount == o.ElementCount
}
