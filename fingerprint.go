package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Canonicalization bounds. The global byte cap only exists to bound CPU and
// memory on pathological inputs; it is far above anything a legitimate
// payload reaches, so equality behavior is unaffected in practice.
const (
	maxCanonicalDepth = 10
	maxStringBytes    = 1024
	maxArrayElems     = 256
	maxObjectKeys     = 256
	maxCanonicalBytes = 1 << 20
)

// Sentinel tokens stand in for content removed by the bounds above, so a
// clamped payload still hashes deterministically instead of being rejected.
const (
	truncatedToken = `"<truncated>"`
	depthToken     = `"<depth-capped>"`
	truncatedMark  = "<truncated>"
)

// Fingerprint reduces a write request to a fixed-size content hash. It is a
// pure function of the request's semantic content: two requests with the
// same effective method, path, query, and body hash identically regardless
// of object key order, and any difference in those fields changes the hash.
func Fingerprint(method, path string, query url.Values, body []byte) string {
	w := canonWriter{rem: maxCanonicalBytes}
	w.write(strings.ToUpper(method))
	w.write("\n")
	w.write(path)
	w.write("\n")
	w.write(canonicalQuery(query))
	w.write("\n")
	writeBody(&w, body)

	sum := sha256.Sum256([]byte(w.b.String()))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// canonWriter accumulates the canonical string up to the global byte cap.
// Writes past the cap are dropped; everything below is already bounded by
// the per-value limits, so the cap is a backstop, not a correctness device.
type canonWriter struct {
	b   strings.Builder
	rem int
}

func (w *canonWriter) write(s string) {
	if w.rem <= 0 {
		return
	}
	if len(s) > w.rem {
		s = s[:w.rem]
	}
	w.b.WriteString(s)
	w.rem -= len(s)
}

func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		for j, v := range vals {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// writeBody canonicalizes the request body. JSON payloads are reduced to a
// canonical form; anything else is treated as opaque binary and base64
// encoded so it still hashes deterministically.
func writeBody(w *canonWriter, body []byte) {
	if len(bytes.TrimSpace(body)) == 0 {
		w.write("null")
		return
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		w.write(`"b64:`)
		w.write(base64.StdEncoding.EncodeToString(body))
		w.write(`"`)
		return
	}
	writeValue(w, v, 0)
}

func writeValue(w *canonWriter, v any, depth int) {
	if depth > maxCanonicalDepth {
		w.write(depthToken)
		return
	}
	switch t := v.(type) {
	case nil:
		w.write("null")
	case bool:
		if t {
			w.write("true")
		} else {
			w.write("false")
		}
	case json.Number:
		w.write(t.String())
	case float64:
		// Not produced by UseNumber decoding, but keep the function total
		// for callers that hand in already-decoded values.
		if math.IsNaN(t) || math.IsInf(t, 0) {
			w.write("null")
			return
		}
		w.write(strconv.FormatFloat(t, 'g', -1, 64))
	case string:
		w.write(clampString(t))
	case []any:
		writeArray(w, t, depth)
	case map[string]any:
		writeObject(w, t, depth)
	default:
		// Unknown dynamic type: fall through the JSON encoder so the
		// function never panics on exotic input.
		enc, err := json.Marshal(t)
		if err != nil {
			w.write("null")
			return
		}
		w.write(string(enc))
	}
}

func clampString(s string) string {
	if len(s) > maxStringBytes {
		s = s[:maxStringBytes] + truncatedMark
	}
	return strconv.Quote(s)
}

func writeArray(w *canonWriter, arr []any, depth int) {
	w.write("[")
	n := len(arr)
	capped := false
	if n > maxArrayElems {
		n = maxArrayElems
		capped = true
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			w.write(",")
		}
		writeValue(w, arr[i], depth+1)
	}
	if capped {
		if n > 0 {
			w.write(",")
		}
		w.write(truncatedToken)
	}
	w.write("]")
}

func writeObject(w *canonWriter, obj map[string]any, depth int) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.write("{")
	n := len(keys)
	capped := false
	if n > maxObjectKeys {
		n = maxObjectKeys
		capped = true
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			w.write(",")
		}
		w.write(clampString(keys[i]))
		w.write(":")
		writeValue(w, obj[keys[i]], depth+1)
	}
	if capped {
		if n > 0 {
			w.write(",")
		}
		w.write(truncatedToken)
		w.write(":true")
	}
	w.write("}")
}
