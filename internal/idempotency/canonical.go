package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
)

// Fingerprint computes the canonical SHA-256 fingerprint of a request body.
// The body is re-encoded as canonical JSON (object keys sorted, numbers
// normalized, whitespace stripped) before hashing, so that semantically equal
// bodies produce equal fingerprints regardless of formatting.
//
// Non-JSON bodies are hashed verbatim: the ledger still detects key reuse,
// it just cannot normalize what it cannot parse.
func Fingerprint(body []byte) string {
	canonical, err := CanonicalJSON(body)
	if err != nil {
		canonical = body
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON re-encodes a JSON document deterministically: object keys
// sorted lexicographically, numbers in their shortest normalized form, and no
// insignificant whitespace.
func CanonicalJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	// Trailing garbage after the first value is not valid JSON.
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
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
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case json.Number:
		buf.WriteString(normalizeNumber(val))
		return nil

	default:
		// strings, booleans, nil
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}

// normalizeNumber collapses equivalent JSON number literals ("5", "5.0",
// "5e0") into one canonical form. Integers render without exponent or
// fraction; everything else uses Go's shortest float representation.
func normalizeNumber(n json.Number) string {
	if r, ok := new(big.Rat).SetString(n.String()); ok && r.IsInt() {
		return r.Num().String()
	}
	if f, err := n.Float64(); err == nil {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return n.String()
}
