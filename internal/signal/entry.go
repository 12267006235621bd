package signal

import "time"

// PayloadKind tags the shape of a signal payload.
type PayloadKind int

const (
	KindNil PayloadKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindObject
)

// Payload is the tagged value carried by a signal. Payloads are immutable
// once raised; unknown shapes are coerced to nil rather than rejected.
type Payload struct {
	Kind PayloadKind
	B    bool
	I    int64
	F    float64
	S    string
	Obj  map[string]interface{}
}

// Coerce converts an arbitrary value into a Payload. Unsupported shapes
// become the nil payload; Raise never fails.
func Coerce(v interface{}) Payload {
	switch t := v.(type) {
	case nil:
		return Payload{Kind: KindNil}
	case Payload:
		return t
	case bool:
		return Payload{Kind: KindBool, B: t}
	case int:
		return Payload{Kind: KindInt, I: int64(t)}
	case int32:
		return Payload{Kind: KindInt, I: int64(t)}
	case int64:
		return Payload{Kind: KindInt, I: t}
	case uint32:
		return Payload{Kind: KindInt, I: int64(t)}
	case float32:
		return Payload{Kind: KindFloat, F: float64(t)}
	case float64:
		return Payload{Kind: KindFloat, F: t}
	case string:
		return Payload{Kind: KindString, S: t}
	case map[string]interface{}:
		return Payload{Kind: KindObject, Obj: t}
	default:
		return Payload{Kind: KindNil}
	}
}

// Bool reads the payload as a boolean; non-bool payloads read false.
func (p Payload) Bool() bool { return p.Kind == KindBool && p.B }

// Float reads the payload as a float, accepting ints too.
func (p Payload) Float() float64 {
	switch p.Kind {
	case KindFloat:
		return p.F
	case KindInt:
		return float64(p.I)
	default:
		return 0
	}
}

// Str reads the payload as a string; non-strings read "".
func (p Payload) Str() string {
	if p.Kind == KindString {
		return p.S
	}
	return ""
}

// Entry is a single raised signal: a fact with provenance.
type Entry struct {
	Key        Key
	Payload    Payload
	Timestamp  time.Time
	DetectorID string
	Confidence float64 // optional, 0 when the raiser did not score it
	Weight     float64 // optional
}
