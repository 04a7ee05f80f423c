package idempotency

import (
	"encoding/json"
	"net/http"
	"time"
)

const recordVersion = 1

// Record states. A key holds either a lease (in progress) or a cached
// terminal outcome; failures are deleted, never persisted.
const (
	stateInProgress = "in_progress"
	stateCompleted  = "completed"
)

// DefaultMaxCachedBytes bounds the encoded size of a completed record.
// Larger outcomes are deliberately forgotten instead of cached.
const DefaultMaxCachedBytes = 1 << 20

// Record is the persisted state for an idempotency key: a lease while the
// operation runs, or a cached outcome available for replay afterwards.
type Record struct {
	Version     int         `json:"v"`
	State       string      `json:"state"`
	RequestHash string      `json:"request_hash"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	Status      int         `json:"status,omitempty"`
	HasBody     bool        `json:"has_body,omitempty"`
	Body        []byte      `json:"body,omitempty"`
	Headers     http.Header `json:"headers,omitempty"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

// InProgress reports whether the record is a live lease.
func (r Record) InProgress() bool { return r.State == stateInProgress }

// Completed reports whether the record holds a replayable outcome.
func (r Record) Completed() bool { return r.State == stateCompleted }

func newInProgressRecord(requestHash string) Record {
	return Record{
		Version:     recordVersion,
		State:       stateInProgress,
		RequestHash: requestHash,
		StartedAt:   time.Now().UTC(),
	}
}

func newCompletedRecord(requestHash string, res Response) Record {
	rec := Record{
		Version:     recordVersion,
		State:       stateCompleted,
		RequestHash: requestHash,
		Status:      res.Status,
		HasBody:     res.HasBody,
		Body:        res.Body,
		Headers:     res.Headers,
		CompletedAt: time.Now().UTC(),
	}
	// The cache mirrors what went out on the wire: a 204 never carries a
	// body, even when the handler produced one internally.
	if res.Status == http.StatusNoContent || len(res.Body) == 0 {
		rec.HasBody = false
	}
	if !rec.HasBody {
		rec.Body = nil
	}
	return rec
}

func encodeRecord(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

// decodeRecord parses a stored record. The store holds untrusted content
// (possibly written by an older schema), so anything malformed, versioned
// differently, or missing required fields decodes as invalid rather than
// erroring out.
func decodeRecord(data []byte) (Record, bool) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false
	}
	if rec.Version != recordVersion || rec.RequestHash == "" {
		return Record{}, false
	}
	switch rec.State {
	case stateInProgress:
		return rec, true
	case stateCompleted:
		if rec.Status == 0 {
			return Record{}, false
		}
		return rec, true
	default:
		return Record{}, false
	}
}
