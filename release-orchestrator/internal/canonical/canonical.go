// Package canonical produces deterministic JSON: object keys sorted, arrays in order,
// numbers kept in their textual form. Activity hashes are computed over it.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal encodes v canonically. Structs are first encoded with encoding/json so
// their json tags decide the key names.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Normalize re-encodes raw JSON canonically. Empty input encodes as null.
func Normalize(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	v, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return Marshal(v)
}

func decode(raw []byte) (any, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	return v, nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		b, _ := json.Marshal(val)
		buf.Write(b)
	case json.RawMessage:
		if len(bytes.TrimSpace(val)) == 0 {
			buf.WriteString("null")
			return nil
		}
		inner, err := decode(val)
		if err != nil {
			return err
		}
		return encode(buf, inner)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical marshal: %w", err)
		}
		inner, err := decode(b)
		if err != nil {
			return err
		}
		return encode(buf, inner)
	}
	return nil
}
