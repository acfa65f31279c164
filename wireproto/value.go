package wireproto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind tags the SQLite type domain a Value carries across the wire.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInt:
		return "INTEGER"
	case KindFloat:
		return "REAL"
	case KindText:
		return "TEXT"
	case KindBlob:
		return "BLOB"
	default:
		return "UNKNOWN"
	}
}

// Value is the tagged parameter/cell representation used by the public API
// and the worker's binding logic, per the Design Notes' "dynamic parameter
// typing" guidance.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Text  string
	Blob  []byte
}

func NullValue() Value          { return Value{Kind: KindNull} }
func IntValue(v int64) Value    { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func TextValue(v string) Value  { return Value{Kind: KindText, Text: v} }
func BlobValue(v []byte) Value  { return Value{Kind: KindBlob, Blob: v} }

// Of coerces a native Go scalar into the tagged Value form. Booleans become
// integer 1/0 (SQLite has no boolean type); strings that are not valid
// UTF-8, or that contain a forced-blob control byte, become Blob instead of
// Text so they survive the text transport unchanged.
func Of(v any) Value {
	switch x := v.(type) {
	case nil:
		return NullValue()
	case Value:
		return x
	case bool:
		if x {
			return IntValue(1)
		}
		return IntValue(0)
	case int:
		return IntValue(int64(x))
	case int8:
		return IntValue(int64(x))
	case int16:
		return IntValue(int64(x))
	case int32:
		return IntValue(int64(x))
	case int64:
		return IntValue(x)
	case uint:
		return IntValue(int64(x))
	case uint32:
		return IntValue(int64(x))
	case uint64:
		return IntValue(int64(x))
	case float32:
		return FloatValue(float64(x))
	case float64:
		return FloatValue(x)
	case []byte:
		return BlobValue(x)
	case string:
		if NeedsBlobEnvelope(x) {
			return BlobValue([]byte(x))
		}
		return TextValue(x)
	default:
		return TextValue(fmt.Sprint(x))
	}
}

// NeedsBlobEnvelope reports whether s must travel as a blob envelope rather
// than a bare JSON string: either it isn't valid UTF-8, or it contains a
// byte the spec's resolved ambiguity treats as forcing binary transport.
// Tab, LF and CR are left as text; every other C0 control byte and DEL are
// not.
func NeedsBlobEnvelope(s string) bool {
	if !utf8.ValidString(s) {
		return true
	}
	for i := 0; i < len(s); i++ {
		if isForcedBlobByte(s[i]) {
			return true
		}
	}
	return false
}

func isForcedBlobByte(b byte) bool {
	switch {
	case b <= 0x08:
		return true
	case b == 0x0b || b == 0x0c:
		return true
	case b >= 0x0e && b <= 0x1f:
		return true
	case b == 0x7f:
		return true
	default:
		return false
	}
}

// blobEnvelope is the wire wrapper for byte strings that cannot travel as a
// bare JSON string.
type blobEnvelope struct {
	Base64 string `json:"base64"`
}

// MarshalWireValue renders v as the raw JSON token that represents it on
// the wire. Floats always carry a decimal point (or exponent) even when
// integral, so that a REAL column containing 1.0 is distinguishable from an
// INTEGER column containing 1 by a reader with no other type information.
func (v Value) MarshalWireValue() (json.RawMessage, error) {
	switch v.Kind {
	case KindNull:
		return json.RawMessage("null"), nil
	case KindInt:
		return json.RawMessage(strconv.FormatInt(v.Int, 10)), nil
	case KindFloat:
		s := strconv.FormatFloat(v.Float, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return json.RawMessage(s), nil
	case KindText:
		b, err := json.Marshal(v.Text)
		if err != nil {
			return nil, fmt.Errorf("wireproto: marshal text value: %w", err)
		}
		return b, nil
	case KindBlob:
		b, err := json.Marshal(blobEnvelope{Base64: base64.StdEncoding.EncodeToString(v.Blob)})
		if err != nil {
			return nil, fmt.Errorf("wireproto: marshal blob envelope: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("wireproto: unknown value kind %d", v.Kind)
	}
}

// DecodeWireValue inspects a raw JSON token from the wire and recovers its
// tagged Value, inferring INTEGER vs REAL from the presence of a decimal
// point or exponent in the token, and recognizing the blob envelope object.
func DecodeWireValue(raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Value{}, fmt.Errorf("wireproto: empty value token")
	}
	switch raw[0] {
	case 'n':
		return NullValue(), nil
	case 't':
		return IntValue(1), nil
	case 'f':
		return IntValue(0), nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("wireproto: malformed text token: %w", err)
		}
		return TextValue(s), nil
	case '{':
		var env blobEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return Value{}, fmt.Errorf("wireproto: malformed blob envelope: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(env.Base64)
		if err != nil {
			return Value{}, fmt.Errorf("wireproto: invalid base64 in blob envelope: %w", err)
		}
		return BlobValue(data), nil
	default:
		token := string(raw)
		if strings.ContainsAny(token, ".eE") {
			f, err := strconv.ParseFloat(token, 64)
			if err != nil {
				return Value{}, fmt.Errorf("wireproto: malformed numeric token %q: %w", token, err)
			}
			return FloatValue(f), nil
		}
		i, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(token, 64)
			if ferr != nil {
				return Value{}, fmt.Errorf("wireproto: malformed numeric token %q: %w", token, err)
			}
			return FloatValue(f), nil
		}
		return IntValue(i), nil
	}
}
