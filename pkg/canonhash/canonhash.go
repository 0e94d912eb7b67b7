package canonhash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"
)

// SumObject canonicalizes v (object keys sorted recursively) and returns
// the prefixed sha256 of the canonical bytes alongside the bytes
// themselves. Two values that encode to the same JSON structure hash
// identically regardless of struct field order vs map key order at the
// call site.
func SumObject(v any) (string, []byte, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), b, nil
}

// CanonicalJSON round-trips v through generic JSON so struct inputs and
// map inputs normalize to the same shape, then encodes with sorted keys.
func CanonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var norm any
	if err := json.Unmarshal(b, &norm); err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	if err := encodeCanonical(buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HashStringSHA256Hex hashes a raw string without canonicalization.
func HashStringSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func encodeCanonical(w io.Writer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_, _ = w.Write([]byte("{"))
		for i, k := range keys {
			if i > 0 {
				_, _ = w.Write([]byte(","))
			}
			kb, _ := json.Marshal(k)
			_, _ = w.Write(kb)
			_, _ = w.Write([]byte(":"))
			if err := encodeCanonical(w, t[k]); err != nil {
				return err
			}
		}
		_, _ = w.Write([]byte("}"))
		return nil
	case []any:
		_, _ = w.Write([]byte("["))
		for i, vv := range t {
			if i > 0 {
				_, _ = w.Write([]byte(","))
			}
			if err := encodeCanonical(w, vv); err != nil {
				return err
			}
		}
		_, _ = w.Write([]byte("]"))
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		_, _ = w.Write(b)
		return nil
	}
}
