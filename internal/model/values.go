// Package model defines the configuration document and the attribute value
// types exchanged between the world and its scenes.
package model

// Values is the ordered argument list carried by an attribute message.
// Entries are scalars (string, int, float64, bool) or nested Values.
type Values []any

// AsValues normalizes a decoded YAML or msgpack value into a Values slice.
// Scalars become a single-element slice, sequences are converted element
// by element, nil becomes an empty slice.
func AsValues(raw any) Values {
	switch v := raw.(type) {
	case nil:
		return Values{}
	case Values:
		return v
	case []any:
		out := make(Values, 0, len(v))
		for _, e := range v {
			switch e.(type) {
			case []any, map[string]any:
				out = append(out, AsValues(e))
			default:
				out = append(out, e)
			}
		}
		return out
	case map[string]any:
		out := make(Values, 0, len(v))
		for k, e := range v {
			out = append(out, Values{k, e})
		}
		return out
	default:
		return Values{v}
	}
}

// String returns the i-th argument as a string, or "" when absent or not
// convertible.
func (v Values) String(i int) string {
	if i < 0 || i >= len(v) {
		return ""
	}
	s, _ := v[i].(string)
	return s
}

// Int returns the i-th argument as an int, accepting any numeric type the
// wire codecs may produce.
func (v Values) Int(i int) int {
	if i < 0 || i >= len(v) {
		return 0
	}
	switch n := v[i].(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case bool:
		if n {
			return 1
		}
		return 0
	}
	return 0
}

// Float returns the i-th argument as a float64.
func (v Values) Float(i int) float64 {
	if i < 0 || i >= len(v) {
		return 0
	}
	switch n := v[i].(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

// Bool returns the i-th argument interpreted as a boolean.
func (v Values) Bool(i int) bool {
	if i < 0 || i >= len(v) {
		return false
	}
	switch n := v[i].(type) {
	case bool:
		return n
	default:
		return v.Int(i) != 0
	}
}
