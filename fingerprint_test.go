package idempotency

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_KeyOrderIrrelevant(t *testing.T) {
	a := Fingerprint("POST", "/v1/orders", nil, []byte(`{"amount":10,"currency":"USD"}`))
	b := Fingerprint("POST", "/v1/orders", nil, []byte(`{"currency":"USD","amount":10}`))

	assert.Equal(t, a, b)
}

func TestFingerprint_NestedKeyOrderIrrelevant(t *testing.T) {
	a := Fingerprint("POST", "/v1/orders", nil, []byte(`{"b":{"x":1,"y":[1,2]},"a":true}`))
	b := Fingerprint("POST", "/v1/orders", nil, []byte(`{"a":true,"b":{"y":[1,2],"x":1}}`))

	assert.Equal(t, a, b)
}

func TestFingerprint_Inequality(t *testing.T) {
	base := Fingerprint("POST", "/v1/orders", url.Values{"q": {"1"}}, []byte(`{"amount":10}`))

	assert.NotEqual(t, base, Fingerprint("PUT", "/v1/orders", url.Values{"q": {"1"}}, []byte(`{"amount":10}`)))
	assert.NotEqual(t, base, Fingerprint("POST", "/v1/refunds", url.Values{"q": {"1"}}, []byte(`{"amount":10}`)))
	assert.NotEqual(t, base, Fingerprint("POST", "/v1/orders", url.Values{"q": {"2"}}, []byte(`{"amount":10}`)))
	assert.NotEqual(t, base, Fingerprint("POST", "/v1/orders", url.Values{"q": {"1"}}, []byte(`{"amount":20}`)))
}

func TestFingerprint_QueryOrderIrrelevant(t *testing.T) {
	a := Fingerprint("POST", "/v1/orders", url.Values{"a": {"1"}, "b": {"2", "1"}}, nil)
	b := Fingerprint("POST", "/v1/orders", url.Values{"b": {"1", "2"}, "a": {"1"}}, nil)

	assert.Equal(t, a, b)
}

func TestFingerprint_MethodCaseInsensitive(t *testing.T) {
	assert.Equal(t,
		Fingerprint("post", "/v1/orders", nil, nil),
		Fingerprint("POST", "/v1/orders", nil, nil))
}

func TestFingerprint_EmptyBodyVariants(t *testing.T) {
	assert.Equal(t,
		Fingerprint("POST", "/v1/orders", nil, nil),
		Fingerprint("POST", "/v1/orders", nil, []byte("  ")))
}

func TestFingerprint_BinaryBody(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xFF, 0xFE}

	a := Fingerprint("POST", "/v1/upload", nil, raw)
	b := Fingerprint("POST", "/v1/upload", nil, raw)
	c := Fingerprint("POST", "/v1/upload", nil, []byte{0x00, 0x01, 0xFF, 0xFD})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestFingerprint_DeepNestingCapped(t *testing.T) {
	deep := func(leaf string) []byte {
		body := leaf
		for i := 0; i < 2*maxCanonicalDepth; i++ {
			body = fmt.Sprintf(`{"k":%s}`, body)
		}
		return []byte(body)
	}

	// Content beyond the depth ceiling collapses to a sentinel, so two
	// payloads differing only below it hash identically instead of hanging
	// or being rejected.
	a := Fingerprint("POST", "/v1/orders", nil, deep("1"))
	b := Fingerprint("POST", "/v1/orders", nil, deep("2"))
	assert.Equal(t, a, b)

	shallow := Fingerprint("POST", "/v1/orders", nil, []byte(`{"k":1}`))
	assert.NotEqual(t, a, shallow)
}

func TestFingerprint_ArrayCapped(t *testing.T) {
	arr := func(tail int) []byte {
		vals := make([]int, maxArrayElems+10)
		for i := range vals {
			vals[i] = i
		}
		vals[len(vals)-1] = tail
		b, _ := json.Marshal(map[string]any{"items": vals})
		return b
	}

	assert.Equal(t,
		Fingerprint("POST", "/v1/batch", nil, arr(1)),
		Fingerprint("POST", "/v1/batch", nil, arr(2)))
}

func TestFingerprint_LongStringClamped(t *testing.T) {
	long := func(tail string) []byte {
		b, _ := json.Marshal(map[string]string{"note": strings.Repeat("x", maxStringBytes) + tail})
		return b
	}

	assert.Equal(t,
		Fingerprint("POST", "/v1/orders", nil, long("aaa")),
		Fingerprint("POST", "/v1/orders", nil, long("bbb")))

	short := func(s string) []byte {
		b, _ := json.Marshal(map[string]string{"note": s})
		return b
	}
	assert.NotEqual(t,
		Fingerprint("POST", "/v1/orders", nil, short("aaa")),
		Fingerprint("POST", "/v1/orders", nil, short("bbb")))
}

func TestFingerprint_NumberTextPreserved(t *testing.T) {
	// Number values hash by their decimal source text, so changing a value
	// always changes the hash.
	a := Fingerprint("POST", "/v1/orders", nil, []byte(`{"amount":10}`))
	b := Fingerprint("POST", "/v1/orders", nil, []byte(`{"amount":10.5}`))

	assert.NotEqual(t, a, b)
}
