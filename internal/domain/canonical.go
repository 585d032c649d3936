package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Attribute values cross two boundaries that both reshape Go types: JSON
// (HTTP payloads, event feeds) and the store's JSON columns. Numbers come
// back as json.Number or float64, timestamps as RFC3339 strings. All
// comparison and diffing therefore runs over a canonical flattened form in
// which every scalar is rendered as its JSON token and time values are pinned
// to UTC RFC3339Nano, so a value equals itself after any round trip.

// MarshalAttributes encodes an attribute map as canonical JSON: sorted keys,
// no HTML escaping, no trailing newline. Both store backends persist this
// form.
func MarshalAttributes(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(attrs); err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalAttributes decodes a persisted attribute map, keeping numbers as
// json.Number so integer-valued attributes survive the round trip intact.
func UnmarshalAttributes(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	attrs := map[string]any{}
	if err := dec.Decode(&attrs); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return attrs, nil
}

// AttributesEqual reports whether two attribute maps hold the same values in
// canonical form.
func AttributesEqual(a, b map[string]any) bool {
	fa, errA := flattenAttributes("", a, map[string]string{})
	fb, errB := flattenAttributes("", b, map[string]string{})
	if errA != nil || errB != nil {
		return false
	}
	if len(fa) != len(fb) {
		return false
	}
	for key, value := range fa {
		if fb[key] != value {
			return false
		}
	}
	return true
}

// canonicalLines flattens an attribute map into deterministic "path: token"
// lines suitable for diffing.
func canonicalLines(attrs map[string]any) ([]string, error) {
	flattened, err := flattenAttributes("", attrs, map[string]string{})
	if err != nil {
		return nil, err
	}
	if len(flattened) == 0 {
		return []string{"(empty)"}, nil
	}
	keys := make([]string, 0, len(flattened))
	for key := range flattened {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", key, flattened[key]))
	}
	return lines, nil
}

func flattenAttributes(prefix string, value any, acc map[string]string) (map[string]string, error) {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "{}"
			}
			return acc, nil
		}
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			nextPrefix := key
			if prefix != "" {
				nextPrefix = prefix + "." + key
			}
			if _, err := flattenAttributes(nextPrefix, typed[key], acc); err != nil {
				return nil, err
			}
		}
	case []any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "[]"
			}
			return acc, nil
		}
		for idx, item := range typed {
			nextPrefix := fmt.Sprintf("%s[%d]", prefix, idx)
			if prefix == "" {
				nextPrefix = fmt.Sprintf("[%d]", idx)
			}
			if _, err := flattenAttributes(nextPrefix, item, acc); err != nil {
				return nil, err
			}
		}
	case nil:
		if prefix != "" {
			acc[prefix] = "null"
		}
	default:
		if prefix == "" {
			return nil, fmt.Errorf("attribute key missing for value %v", typed)
		}
		acc[prefix] = scalarToken(typed)
	}
	return acc, nil
}

// scalarToken renders one scalar as its canonical JSON token.
func scalarToken(value any) string {
	switch v := value.(type) {
	case time.Time:
		encoded, _ := json.Marshal(v.UTC().Format(time.RFC3339Nano))
		return string(encoded)
	case json.Number:
		return canonicalNumber(v.String())
	case float32:
		return canonicalNumber(strconv.FormatFloat(float64(v), 'g', -1, 32))
	case float64:
		return canonicalNumber(strconv.FormatFloat(v, 'g', -1, 64))
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

// canonicalNumber strips a redundant fractional part so 1000, 1000.0 and
// json.Number("1000") all render as "1000".
func canonicalNumber(s string) string {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// numberValue extracts a float64 from any numeric representation an
// attribute value can arrive in.
func numberValue(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func cloneAttributes(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
