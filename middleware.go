// Package idempotency lets clients safely retry unsafe HTTP operations.
// A caller-supplied Idempotency-Key header, scoped to the authenticated
// principal and the logical operation, guarantees at most one externally
// visible execution: concurrent duplicates wait for the original, completed
// outcomes are replayed verbatim, and key reuse with a different payload is
// rejected as a client error. All coordination state lives in an external
// key-value store, so any number of instances can share it.
package idempotency

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HeaderReplayed marks a response served from the replay cache.
const HeaderReplayed = "Idempotency-Replayed"

// Error codes surfaced in gateway error responses.
const (
	CodeKeyRequired = "idempotency_key_required"
	CodeKeyTooLong  = "idempotency_key_too_long"
	CodeKeyReused   = "idempotency_key_reused"
	CodeInProgress  = "request_in_progress"
	CodeUnavailable = "idempotency_unavailable"
)

// Middleware returns an HTTP middleware that wraps unsafe methods with the
// Coordinator's protocol: it acquires the lease, replays cached outcomes,
// waits out concurrent duplicates, and finalizes after the handler runs.
func Middleware(coord *Coordinator, opts ...Option) func(http.Handler) http.Handler {
	cfg := newMiddlewareConfig(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isUnsafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := readBody(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body", "")
				return
			}

			principal, err := cfg.Principal(r)
			if err != nil || principal == "" {
				// Coordination without a principal is a wiring bug in the
				// calling layer, not a client-facing condition.
				if r.Header.Get(cfg.HeaderName) != "" || cfg.Required {
					writeError(w, http.StatusInternalServerError, CodeUnavailable, "idempotency coordination misconfigured", "")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			req := Request{
				Method:    r.Method,
				Path:      r.URL.Path,
				Query:     r.URL.Query(),
				Body:      body,
				Principal: principal,
				Key:       r.Header.Get(cfg.HeaderName),
			}

			begin, err := coord.Begin(r.Context(), req, cfg.Config)
			if err != nil {
				switch {
				case errors.Is(err, ErrKeyRequired):
					writeError(w, http.StatusBadRequest, CodeKeyRequired,
						fmt.Sprintf("the %s header is required for this operation", cfg.HeaderName), cfg.HeaderName)
				case errors.Is(err, ErrKeyTooLong):
					writeError(w, http.StatusBadRequest, CodeKeyTooLong,
						fmt.Sprintf("the %s header must not exceed %d characters", cfg.HeaderName, MaxKeyLength), cfg.HeaderName)
				default:
					// The caller opted into coordination; a broken store is
					// never silently bypassed.
					writeError(w, http.StatusInternalServerError, CodeUnavailable, "idempotency coordination unavailable", "")
				}
				return
			}

			switch begin.Outcome {
			case OutcomeSkip:
				next.ServeHTTP(w, r)

			case OutcomeReplay:
				writeReplay(w, begin.Cached)

			case OutcomeConflict:
				writeError(w, http.StatusConflict, CodeKeyReused,
					"idempotency key was already used with a different request payload", cfg.HeaderName)

			case OutcomeInProgress:
				cached, err := coord.WaitForCompletion(r.Context(), begin.Lease, cfg.Wait)
				switch {
				case errors.Is(err, ErrKeyReused):
					writeError(w, http.StatusConflict, CodeKeyReused,
						"idempotency key was already used with a different request payload", cfg.HeaderName)
				case err != nil:
					writeError(w, http.StatusInternalServerError, CodeUnavailable, "idempotency coordination unavailable", "")
				case cached != nil:
					writeReplay(w, cached)
				default:
					w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(cfg.Wait)))
					writeError(w, http.StatusConflict, CodeInProgress,
						"an identical request is still in progress, retry shortly", "")
				}

			case OutcomeAcquired:
				finalized := false
				defer func() {
					// Cleanup path for handler panics: release the lease and
					// let the panic continue to the server's recoverer.
					if !finalized {
						if relErr := coord.Release(r.Context(), begin.Lease); relErr != nil {
							coord.logger.Error("failed to release idempotency lease", "error", relErr)
						}
					}
				}()

				rec := newRecorder(w)
				next.ServeHTTP(rec, r)

				finalized = true
				if err := coord.Complete(r.Context(), begin.Lease, rec.response(), cfg.Config); err != nil {
					// The response has already been sent; nothing to do but log.
					coord.logger.Error("failed to finalize idempotency record", "error", err)
				}
			}
		})
	}
}

// isUnsafeMethod reports whether a method mutates state and therefore
// participates in coordination. Read-only operations are never deduplicated.
func isUnsafeMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func retryAfterSeconds(wait time.Duration) int {
	secs := int(wait / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// writeReplay reproduces a cached outcome verbatim, flagged as a replay.
func writeReplay(w http.ResponseWriter, rec *Record) {
	for key, values := range rec.Headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(rec.Status)
	if rec.HasBody {
		w.Write(rec.Body)
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, field string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message, Field: field}})
}

// replayableHeaders is the allowlist of response headers captured for
// replay. It keeps per-request headers (cookies, tracing) out of the cache.
var replayableHeaders = []string{"Location", "Content-Type"}

// responseRecorder captures the wire-visible response for caching while
// writing through to the client.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func newRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) response() Response {
	headers := http.Header{}
	for _, name := range replayableHeaders {
		if v := r.Header().Values(name); len(v) > 0 {
			headers[name] = append([]string(nil), v...)
		}
	}
	hasBody := r.body.Len() > 0 &&
		r.statusCode != http.StatusNoContent &&
		r.statusCode != http.StatusNotModified
	return Response{
		Status:  r.statusCode,
		HasBody: hasBody,
		Body:    r.body.Bytes(),
		Headers: headers,
	}
}
