package session

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/infernokun/inferno-comics-match/match/go/types"
)

// marshalSanitized serializes the result document. encoding/json rejects NaN
// and infinite floats, so on failure the document is deep-copied with every
// float coerced to a finite value and anything without a JSON form
// stringified, then serialized again.
func marshalSanitized(result *types.SessionResult) ([]byte, error) {
	b, err := json.MarshalIndent(result, "", "  ")
	if err == nil {
		return b, nil
	}
	return json.MarshalIndent(scrub(reflect.ValueOf(result)), "", "  ")
}

// finite coerces f to a finite IEEE-754 double.
func finite(f float64) float64 {
	switch {
	case math.IsNaN(f):
		return 0
	case math.IsInf(f, 1):
		return math.MaxFloat64
	case math.IsInf(f, -1):
		return -math.MaxFloat64
	}
	return f
}

// scrub deep-copies v into plain JSON values, honoring json struct tags.
func scrub(v reflect.Value) interface{} {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return scrub(v.Elem())
	case reflect.Float32, reflect.Float64:
		return finite(v.Float())
	case reflect.Struct:
		out := map[string]interface{}{}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name, opts := parseJSONTag(f.Tag.Get("json"))
			if name == "-" {
				continue
			}
			fv := v.Field(i)
			if strings.Contains(opts, "omitempty") && fv.IsZero() {
				continue
			}
			if f.Anonymous && name == "" {
				if m, ok := scrub(fv).(map[string]interface{}); ok {
					for k, val := range m {
						out[k] = val
					}
					continue
				}
			}
			if name == "" {
				name = f.Name
			}
			out[name] = scrub(fv)
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			// Keep encoding/json's base64 rendering for byte slices.
			return v.Interface()
		}
		fallthrough
	case reflect.Array:
		out := make([]interface{}, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = scrub(v.Index(i))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		out := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = scrub(iter.Value())
		}
		return out
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Interface()
	default:
		// Chans, funcs, complex numbers: stringify.
		return fmt.Sprintf("%v", v.Interface())
	}
}

func parseJSONTag(tag string) (name, opts string) {
	if i := strings.Index(tag, ","); i >= 0 {
		return tag[:i], tag[i+1:]
	}
	return tag, ""
}
