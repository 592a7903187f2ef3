package pbstream

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeHeader renders h as a header line without the terminator.
func EncodeHeader(h Header) ([]byte, error) {
	raw := struct {
		PVName       string            `json:"pvname"`
		Type         string            `json:"type"`
		Year         int               `json:"year"`
		ElementCount int               `json:"elementCount"`
		Headers      map[string]string `json:"headers,omitempty"`
	}{h.PVName, h.Type.String(), h.Year, h.ElementCount, h.Headers}
	return json.Marshal(raw)
}

// AppendSample appends the protobuf encoding of s (not escaped) to b.
func AppendSample(b []byte, s Sample, t ValueType) ([]byte, error) {
	b = protowire.AppendTag(b, fieldSecondsIntoYear, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.SecondsIntoYear))
	b = protowire.AppendTag(b, fieldNano, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Nanos))

	var err error
	if b, err = appendValue(b, s.Value, t); err != nil {
		return nil, err
	}

	if s.Severity != 0 {
		b = protowire.AppendTag(b, fieldSeverity, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(s.Severity)))
	}
	if s.Status != 0 {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(s.Status)))
	}
	if s.RepeatCount != 0 {
		b = protowire.AppendTag(b, fieldRepeatCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.RepeatCount))
	}
	for _, fv := range s.FieldValues {
		var msg []byte
		msg = protowire.AppendTag(msg, fieldValueName, protowire.BytesType)
		msg = protowire.AppendString(msg, fv.Name)
		msg = protowire.AppendTag(msg, fieldValueVal, protowire.BytesType)
		msg = protowire.AppendString(msg, fv.Value)
		b = protowire.AppendTag(b, fieldFieldValues, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	if s.FieldActualChange {
		b = protowire.AppendTag(b, fieldFieldActualChange, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b, nil
}

func appendValue(b []byte, v Value, t ValueType) ([]byte, error) {
	if v == nil || v.Kind() != t.ValueKind() {
		return nil, fmt.Errorf("value %T does not match type %s", v, t)
	}

	switch t {
	case ScalarString:
		b = protowire.AppendTag(b, fieldVal, protowire.BytesType)
		return protowire.AppendString(b, string(v.(StringValue))), nil
	case ScalarShort:
		b = protowire.AppendTag(b, fieldVal, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v.(IntValue)))), nil
	case ScalarEnum:
		b = protowire.AppendTag(b, fieldVal, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v.(EnumValue)))), nil
	case ScalarInt:
		b = protowire.AppendTag(b, fieldVal, protowire.Fixed32Type)
		return protowire.AppendFixed32(b, uint32(int32(v.(IntValue)))), nil
	case ScalarFloat:
		b = protowire.AppendTag(b, fieldVal, protowire.Fixed32Type)
		return protowire.AppendFixed32(b, math.Float32bits(float32(v.(DoubleValue)))), nil
	case ScalarDouble:
		b = protowire.AppendTag(b, fieldVal, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, math.Float64bits(float64(v.(DoubleValue)))), nil
	}

	var packed []byte
	for _, x := range v.(DoubleArrayValue) {
		switch t {
		case WaveformShort:
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(int32(x))))
		case WaveformFloat:
			packed = protowire.AppendFixed32(packed, math.Float32bits(float32(x)))
		case WaveformInt:
			packed = protowire.AppendFixed32(packed, uint32(int32(x)))
		default:
			packed = protowire.AppendFixed64(packed, math.Float64bits(x))
		}
	}
	b = protowire.AppendTag(b, fieldVal, protowire.BytesType)
	return protowire.AppendBytes(b, packed), nil
}

// EncodeStream renders a complete single-chunk raw stream, escaping every
// sample line.
func EncodeStream(h Header, samples []Sample) ([]byte, error) {
	out, err := EncodeHeader(h)
	if err != nil {
		return nil, err
	}
	out = append(out, newlineByte)
	for i, s := range samples {
		line, err := AppendSample(nil, s, h.Type)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out = append(out, EncodeLine(line)...)
		out = append(out, newlineByte)
	}
	return out, nil
}
