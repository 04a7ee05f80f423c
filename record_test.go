package idempotency

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_InProgressRoundTrip(t *testing.T) {
	enc, err := encodeRecord(newInProgressRecord("hash-1"))
	require.NoError(t, err)

	rec, ok := decodeRecord(enc)
	require.True(t, ok)
	assert.True(t, rec.InProgress())
	assert.Equal(t, "hash-1", rec.RequestHash)
	assert.False(t, rec.StartedAt.IsZero())
}

func TestRecord_CompletedRoundTrip(t *testing.T) {
	enc, err := encodeRecord(newCompletedRecord("hash-1", Response{
		Status:  http.StatusCreated,
		HasBody: true,
		Body:    []byte(`{"id":"o1"}`),
		Headers: http.Header{"Location": {"/v1/orders/o1"}},
	}))
	require.NoError(t, err)

	rec, ok := decodeRecord(enc)
	require.True(t, ok)
	assert.True(t, rec.Completed())
	assert.Equal(t, http.StatusCreated, rec.Status)
	assert.True(t, rec.HasBody)
	assert.Equal(t, []byte(`{"id":"o1"}`), rec.Body)
	assert.Equal(t, "/v1/orders/o1", rec.Headers.Get("Location"))
	assert.False(t, rec.CompletedAt.IsZero())
}

func TestRecord_NoContentOmitsBody(t *testing.T) {
	// The cache mirrors the wire: a 204 carries no body even when the
	// handler produced one internally.
	enc, err := encodeRecord(newCompletedRecord("hash-1", Response{
		Status:  http.StatusNoContent,
		HasBody: true,
		Body:    []byte(`{"ignored":true}`),
	}))
	require.NoError(t, err)

	assert.NotContains(t, string(enc), "body")
	assert.NotContains(t, string(enc), "ignored")

	rec, ok := decodeRecord(enc)
	require.True(t, ok)
	assert.False(t, rec.HasBody)
	assert.Nil(t, rec.Body)
}

func TestRecord_EmptyBodyNormalized(t *testing.T) {
	rec := newCompletedRecord("hash-1", Response{Status: http.StatusOK, HasBody: true})

	assert.False(t, rec.HasBody)
	assert.Nil(t, rec.Body)
}

func TestRecord_DecodeInvalid(t *testing.T) {
	cases := map[string]string{
		"malformed json":         `{not json`,
		"wrong version":          `{"v":2,"state":"in_progress","request_hash":"h"}`,
		"unknown state":          `{"v":1,"state":"paused","request_hash":"h"}`,
		"missing request hash":   `{"v":1,"state":"in_progress"}`,
		"completed without code": `{"v":1,"state":"completed","request_hash":"h"}`,
		"empty":                  ``,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := decodeRecord([]byte(data))
			assert.False(t, ok)
		})
	}
}
