package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText returns s in Unicode NFC so visually equal keys compare equal
func NormalizeText(s string) string {
	if norm.NFC.IsNormalString(s) {
		return s
	}
	return norm.NFC.String(s)
}

// NormalizeKeyPart converts one primary-key component to its canonical Go value.
// Strings become NFC strings; integral numbers of any numeric type become int64.
// Anything else (floats with a fraction, bools, nil, objects) is rejected.
func NormalizeKeyPart(v any) (any, error) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil, fmt.Errorf("empty string key component")
		}
		return NormalizeText(val), nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint32:
		return int64(val), nil
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("key component %q is not an integer", val.String())
		}
		return i, nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) || math.Abs(val) > 1<<53 {
			return nil, fmt.Errorf("key component %v is not an integer", val)
		}
		return int64(val), nil
	case nil:
		return nil, fmt.Errorf("null key component")
	default:
		return nil, fmt.Errorf("unsupported key component type %T", v)
	}
}

// NormalizeKey normalizes every component of a key path
func NormalizeKey(parts []any) ([]any, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty key path")
	}
	out := make([]any, len(parts))
	for i, p := range parts {
		n, err := NormalizeKeyPart(p)
		if err != nil {
			return nil, fmt.Errorf("key[%d]: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

// CanonicalKey renders a key path as a compact JSON array, e.g. ["b1"] or ["u1",42].
// Two key paths identify the same entity iff their canonical forms are byte-equal.
func CanonicalKey(parts []any) (string, error) {
	normalized, err := NormalizeKey(parts)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, p := range normalized {
		if i > 0 {
			buf.WriteByte(',')
		}
		switch val := p.(type) {
		case string:
			enc, err := marshalNoEscape(val)
			if err != nil {
				return "", err
			}
			buf.Write(enc)
		case int64:
			buf.WriteString(strconv.FormatInt(val, 10))
		}
	}
	buf.WriteByte(']')
	return buf.String(), nil
}

// ParseKey is the inverse of CanonicalKey. It also accepts any JSON array of
// strings and integers, so user input can be fed through it.
func ParseKey(s string) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	var parts []any
	if err := dec.Decode(&parts); err != nil {
		return nil, fmt.Errorf("key must be a JSON array: %w", err)
	}
	return NormalizeKey(parts)
}

func marshalNoEscape(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
