package trust

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// CodecV1 identifies the canonical encoding produced by Canonicalize.
// Signed records carrying any other codec tag never verify.
const CodecV1 = "v1"

// Payload is a flat mapping from feature name to numeric value.
type Payload map[string]float64

// Canonicalize produces the byte encoding that is signed and verified.
//
// The encoding is a compact JSON object:
//   - keys are NFC normalized and sorted by their UTF-8 bytes
//   - no whitespace, no HTML escaping
//   - numbers use the shortest representation that round-trips a float64
//     ('g' format), with negative zero written as 0
//
// NaN and infinities have no stable text form and are rejected, as are
// keys that are not valid UTF-8, empty keys and keys that collide after
// normalization.
func Canonicalize(p Payload) ([]byte, error) {
	normalized, err := NormalizeKeys(p)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalKey(k)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrMalformedPayload, k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		num, err := formatNumber(normalized[k])
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrMalformedPayload, k, err)
		}
		buf.WriteString(num)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NormalizeKeys returns p with every key in NFC form. Invalid UTF-8, empty
// keys and keys that collide after normalization are ErrMalformedPayload.
func NormalizeKeys(p Payload) (Payload, error) {
	normalized := make(Payload, len(p))
	for k, v := range p {
		if !utf8.ValidString(k) {
			return nil, fmt.Errorf("%w: field %q is not valid UTF-8", ErrMalformedPayload, k)
		}
		nk := norm.NFC.String(k)
		if nk == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrMalformedPayload)
		}
		if _, dup := normalized[nk]; dup {
			return nil, fmt.Errorf("%w: field %q collides after normalization", ErrMalformedPayload, k)
		}
		normalized[nk] = v
	}
	return normalized, nil
}

func marshalKey(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	// json.Encoder terminates every value with a newline
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func formatNumber(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("non-finite value %v", v)
	}
	if v == 0 {
		return "0", nil
	}
	return strconv.FormatFloat(v, 'g', -1, 64), nil
}
