package pbstream

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the archiver sample message.
const (
	fieldSecondsIntoYear   protowire.Number = 1
	fieldNano              protowire.Number = 2
	fieldVal               protowire.Number = 3
	fieldSeverity          protowire.Number = 4
	fieldStatus            protowire.Number = 5
	fieldRepeatCount       protowire.Number = 6
	fieldFieldValues       protowire.Number = 7
	fieldFieldActualChange protowire.Number = 8

	fieldValueName protowire.Number = 1
	fieldValueVal  protowire.Number = 2
)

// Sample is one decoded line, still relative to its chunk year.
type Sample struct {
	SecondsIntoYear   uint32
	Nanos             uint32
	Value             Value
	Severity          int32
	Status            int32
	RepeatCount       uint32
	FieldValues       []FieldValue
	FieldActualChange bool
}

// FieldValue is a name/value pair the archiver attaches to a sample when a
// PV property (EGU, HOPR, ...) changes.
type FieldValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// valueDecoder consumes one occurrence of the val field. acc holds the value
// decoded from earlier occurrences, which only waveform decoders extend.
type valueDecoder func(acc Value, typ protowire.Type, b []byte) (Value, int, error)

// valueDecoders is indexed by ValueType.
var valueDecoders = [numValueTypes]valueDecoder{
	ScalarString:   decodeString,
	ScalarShort:    scalarDecoder(protowire.VarintType, consumeSint32, func(v float64) Value { return IntValue(v) }),
	ScalarFloat:    scalarDecoder(protowire.Fixed32Type, consumeFloat, func(v float64) Value { return DoubleValue(v) }),
	ScalarEnum:     scalarDecoder(protowire.VarintType, consumeSint32, func(v float64) Value { return EnumValue(v) }),
	ScalarInt:      scalarDecoder(protowire.Fixed32Type, consumeSfixed32, func(v float64) Value { return IntValue(v) }),
	ScalarDouble:   scalarDecoder(protowire.Fixed64Type, consumeDouble, func(v float64) Value { return DoubleValue(v) }),
	WaveformShort:  waveformDecoder(protowire.VarintType, consumeSint32),
	WaveformFloat:  waveformDecoder(protowire.Fixed32Type, consumeFloat),
	WaveformInt:    waveformDecoder(protowire.Fixed32Type, consumeSfixed32),
	WaveformDouble: waveformDecoder(protowire.Fixed64Type, consumeDouble),
}

// DecodeSample decodes one de-escaped line under header h.
func DecodeSample(line []byte, h Header) (Sample, error) {
	if h.Type <= TypeUnknown || h.Type >= numValueTypes {
		return Sample{}, fmt.Errorf("%w: no decoder for type %s", ErrInvalidHeader, h.Type)
	}
	decodeVal := valueDecoders[h.Type]

	var (
		s                   Sample
		haveSecs, haveNanos bool
	)
	b := line
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Sample{}, parseError("tag", n)
		}
		b = b[n:]

		var err error
		switch num {
		case fieldSecondsIntoYear:
			var v uint64
			v, n, err = consumeVarintField(num, typ, b)
			s.SecondsIntoYear = uint32(v)
			haveSecs = true
		case fieldNano:
			var v uint64
			v, n, err = consumeVarintField(num, typ, b)
			s.Nanos = uint32(v)
			haveNanos = true
		case fieldVal:
			s.Value, n, err = decodeVal(s.Value, typ, b)
		case fieldSeverity:
			var v uint64
			v, n, err = consumeVarintField(num, typ, b)
			s.Severity = int32(v)
		case fieldStatus:
			var v uint64
			v, n, err = consumeVarintField(num, typ, b)
			s.Status = int32(v)
		case fieldRepeatCount:
			var v uint64
			v, n, err = consumeVarintField(num, typ, b)
			s.RepeatCount = uint32(v)
		case fieldFieldActualChange:
			var v uint64
			v, n, err = consumeVarintField(num, typ, b)
			s.FieldActualChange = v != 0
		case fieldFieldValues:
			var fv FieldValue
			fv, n, err = consumeFieldValue(typ, b)
			s.FieldValues = append(s.FieldValues, fv)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				err = parseError(fmt.Sprintf("field %d", num), n)
			}
		}
		if err != nil {
			return Sample{}, err
		}
		b = b[n:]
	}

	if !haveSecs {
		return Sample{}, fmt.Errorf("%w: missing secondsintoyear", ErrCorruptSample)
	}
	if !haveNanos {
		return Sample{}, fmt.Errorf("%w: missing nano", ErrCorruptSample)
	}

	if h.Type.IsWaveform() {
		arr, _ := s.Value.(DoubleArrayValue)
		if len(arr) != h.ElementCount {
			return Sample{}, fmt.Errorf("%w: got %d elements, header declares %d", ErrElementCountMismatch, len(arr), h.ElementCount)
		}
		s.Value = arr
	} else if s.Value == nil {
		return Sample{}, fmt.Errorf("%w: missing val", ErrCorruptSample)
	}

	return s, nil
}

func parseError(what string, n int) error {
	return fmt.Errorf("%w: %s: %v", ErrCorruptSample, what, protowire.ParseError(n))
}

func wireTypeError(num protowire.Number, got, want protowire.Type) error {
	return fmt.Errorf("%w: field %d has wire type %d, want %d", ErrCorruptSample, num, got, want)
}

func consumeVarintField(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wireTypeError(num, typ, protowire.VarintType)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, parseError(fmt.Sprintf("field %d", num), n)
	}
	return v, n, nil
}

func consumeFieldValue(typ protowire.Type, b []byte) (FieldValue, int, error) {
	if typ != protowire.BytesType {
		return FieldValue{}, 0, wireTypeError(fieldFieldValues, typ, protowire.BytesType)
	}
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return FieldValue{}, 0, parseError("fieldvalues", n)
	}

	var fv FieldValue
	for len(msg) > 0 {
		num, ftyp, m := protowire.ConsumeTag(msg)
		if m < 0 {
			return FieldValue{}, 0, parseError("fieldvalues tag", m)
		}
		msg = msg[m:]
		if (num == fieldValueName || num == fieldValueVal) && ftyp == protowire.BytesType {
			v, m := protowire.ConsumeBytes(msg)
			if m < 0 {
				return FieldValue{}, 0, parseError("fieldvalues entry", m)
			}
			if num == fieldValueName {
				fv.Name = string(v)
			} else {
				fv.Value = string(v)
			}
			msg = msg[m:]
			continue
		}
		m = protowire.ConsumeFieldValue(num, ftyp, msg)
		if m < 0 {
			return FieldValue{}, 0, parseError("fieldvalues entry", m)
		}
		msg = msg[m:]
	}
	return fv, n, nil
}

func decodeString(_ Value, typ protowire.Type, b []byte) (Value, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wireTypeError(fieldVal, typ, protowire.BytesType)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, parseError("val", n)
	}
	return StringValue(v), n, nil
}

// elemConsumer reads one numeric element in its non-packed wire form.
type elemConsumer func(b []byte) (float64, int)

func consumeDouble(b []byte) (float64, int) {
	v, n := protowire.ConsumeFixed64(b)
	return math.Float64frombits(v), n
}

func consumeFloat(b []byte) (float64, int) {
	v, n := protowire.ConsumeFixed32(b)
	return float64(math.Float32frombits(v)), n
}

func consumeSfixed32(b []byte) (float64, int) {
	v, n := protowire.ConsumeFixed32(b)
	return float64(int32(v)), n
}

func consumeSint32(b []byte) (float64, int) {
	v, n := protowire.ConsumeVarint(b)
	return float64(int32(protowire.DecodeZigZag(v & math.MaxUint32))), n
}

func scalarDecoder(want protowire.Type, consume elemConsumer, wrap func(float64) Value) valueDecoder {
	return func(_ Value, typ protowire.Type, b []byte) (Value, int, error) {
		if typ != want {
			return nil, 0, wireTypeError(fieldVal, typ, want)
		}
		v, n := consume(b)
		if n < 0 {
			return nil, 0, parseError("val", n)
		}
		return wrap(v), n, nil
	}
}

// waveformDecoder accepts both packed and unpacked repeated encodings.
func waveformDecoder(elem protowire.Type, consume elemConsumer) valueDecoder {
	return func(acc Value, typ protowire.Type, b []byte) (Value, int, error) {
		arr, _ := acc.(DoubleArrayValue)
		switch typ {
		case protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, 0, parseError("packed val", n)
			}
			for len(packed) > 0 {
				v, m := consume(packed)
				if m < 0 {
					return nil, 0, parseError("packed val element", m)
				}
				arr = append(arr, v)
				packed = packed[m:]
			}
			return arr, n, nil
		case elem:
			v, n := consume(b)
			if n < 0 {
				return nil, 0, parseError("val", n)
			}
			return append(arr, v), n, nil
		default:
			return nil, 0, wireTypeError(fieldVal, typ, elem)
		}
	}
}
