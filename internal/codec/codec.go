package codec

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Codec serializes payload values. Implementations must round-trip
// primitive values, sequences and mappings.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
	Name() string
}

// JSON is the default payload codec.
//
// Integers and floats stay apart across a round trip: floats are always
// written with a fraction or an exponent (2.0, not 2), and numbers without
// one decode as int64. Everything else follows encoding/json conventions
// (float64, string, bool, nil, []any, map[string]any).
type JSON struct{}

// Name implements Codec
func (JSON) Name() string { return "json" }

// Marshal implements Codec
func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(markFloats(v))
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

// Unmarshal implements Codec
func (JSON) Unmarshal(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("json unmarshal: trailing data after payload")
	}
	return normalizeNumbers(v)
}

// floatText is a float that encodes with a fraction or exponent, so the
// decoder cannot mistake it for an integer
type floatText struct {
	v    float64
	bits int
}

// MarshalJSON implements json.Marshaler
func (f floatText) MarshalJSON() ([]byte, error) {
	if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
		return nil, fmt.Errorf("unsupported float value %v", f.v)
	}
	out := strconv.AppendFloat(nil, f.v, 'g', -1, f.bits)
	if !bytes.ContainsAny(out, ".eE") {
		out = append(out, '.', '0')
	}
	return out, nil
}

// markFloats returns v with every float, including those inside slices,
// arrays and string-keyed maps, replaced by a floatText. v is not modified.
func markFloats(v any) any {
	switch t := v.(type) {
	case nil, string, bool, json.Number, []byte:
		return v
	case float64:
		return floatText{v: t, bits: 64}
	case float32:
		return floatText{v: float64(t), bits: 32}
	case []any:
		if t == nil {
			return v
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = markFloats(e)
		}
		return out
	case map[string]any:
		if t == nil {
			return v
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = markFloats(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		// Named float types with their own MarshalJSON keep it
		if _, ok := v.(json.Marshaler); ok {
			return v
		}
		return floatText{v: rv.Float(), bits: rv.Type().Bits()}
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return v
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 || !mayHoldFloat(rv.Type().Elem()) {
			return v
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = markFloats(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.IsNil() || rv.Type().Key().Kind() != reflect.String || !mayHoldFloat(rv.Type().Elem()) {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = markFloats(iter.Value().Interface())
		}
		return out
	}
	return v
}

// mayHoldFloat reports whether values of t can contain a float that
// markFloats would rewrite
func mayHoldFloat(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Float32, reflect.Float64, reflect.Interface:
		return true
	case reflect.Slice, reflect.Array, reflect.Map:
		return mayHoldFloat(t.Elem())
	}
	return false
}

func normalizeNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := t.Int64(); err == nil {
				return i, nil
			}
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("json unmarshal: bad number %q: %w", s, err)
		}
		return f, nil
	case []any:
		for i := range t {
			n, err := normalizeNumbers(t[i])
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	case map[string]any:
		for k := range t {
			n, err := normalizeNumbers(t[k])
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	default:
		return v, nil
	}
}

// Decode converts a decoded payload into a typed value by re-encoding it.
// It is a convenience for receivers that know the payload's shape.
func Decode[T any](c Codec, payload any) (T, error) {
	var out T
	data, err := c.Marshal(payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}
