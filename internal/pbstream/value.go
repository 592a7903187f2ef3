package pbstream

// ValueKind identifies the concrete variant held by a Value.
type ValueKind int

const (
	KindDouble ValueKind = iota + 1
	KindInt
	KindString
	KindEnum
	KindDoubleArray
)

func (k ValueKind) String() string {
	switch k {
	case KindDouble:
		return "double"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindEnum:
		return "enum"
	case KindDoubleArray:
		return "double_array"
	default:
		return "unknown"
	}
}

// Value is the payload of a sample. The set of implementations is closed:
// DoubleValue, IntValue, StringValue, EnumValue and DoubleArrayValue.
// Consumers switch on the concrete type.
type Value interface {
	Kind() ValueKind
	isValue()
}

type (
	DoubleValue      float64
	IntValue         int32
	StringValue      string
	EnumValue        int32
	DoubleArrayValue []float64
)

func (DoubleValue) Kind() ValueKind      { return KindDouble }
func (IntValue) Kind() ValueKind         { return KindInt }
func (StringValue) Kind() ValueKind      { return KindString }
func (EnumValue) Kind() ValueKind        { return KindEnum }
func (DoubleArrayValue) Kind() ValueKind { return KindDoubleArray }

func (DoubleValue) isValue()      {}
func (IntValue) isValue()         {}
func (StringValue) isValue()      {}
func (EnumValue) isValue()        {}
func (DoubleArrayValue) isValue() {}

// Interface returns v as a plain Go value suitable for JSON encoding.
func Interface(v Value) any {
	switch x := v.(type) {
	case DoubleValue:
		return float64(x)
	case IntValue:
		return int32(x)
	case StringValue:
		return string(x)
	case EnumValue:
		return int32(x)
	case DoubleArrayValue:
		return []float64(x)
	default:
		return nil
	}
}
