// Package gin binds the idempotency coordination protocol to Gin routes.
package gin

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/keygate/idempotency"
)

// PrincipalKey is the gin context key the default principal extractor
// falls back to when nothing was installed on the request context.
const PrincipalKey = "principal"

// PrincipalFunc extracts the authenticated caller's identity from a gin
// context.
type PrincipalFunc func(c *gin.Context) string

type config struct {
	idempotency.Config
	headerName string
	principal  PrincipalFunc
}

// Option configures the middleware.
type Option func(*config)

// WithHeaderName sets the HTTP header name for idempotency keys.
func WithHeaderName(name string) Option {
	return func(c *config) { c.headerName = name }
}

// WithConfig supplies the full per-operation protocol configuration.
func WithConfig(cfg idempotency.Config) Option {
	return func(c *config) { c.Config = cfg }
}

// WithPrincipalFunc overrides how the caller's principal is extracted.
func WithPrincipalFunc(fn PrincipalFunc) Option {
	return func(c *config) { c.principal = fn }
}

func defaultPrincipal(c *gin.Context) string {
	if p := idempotency.PrincipalFromContext(c.Request.Context()); p != "" {
		return p
	}
	return c.GetString(PrincipalKey)
}

// Middleware returns a gin handler enforcing the idempotency protocol on
// unsafe methods. Attach it per route group or per route, after the auth
// middleware that establishes the principal.
func Middleware(coord *idempotency.Coordinator, opts ...Option) gin.HandlerFunc {
	cfg := &config{
		headerName: idempotency.DefaultHeaderName,
		principal:  defaultPrincipal,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		r := c.Request
		if !isUnsafeMethod(r.Method) {
			c.Next()
			return
		}

		body, err := readBody(r)
		if err != nil {
			abortError(c, http.StatusBadRequest, "invalid_body", "failed to read request body", "")
			return
		}

		principal := cfg.principal(c)
		if principal == "" {
			if r.Header.Get(cfg.headerName) != "" || cfg.Required {
				abortError(c, http.StatusInternalServerError, idempotency.CodeUnavailable,
					"idempotency coordination misconfigured", "")
				return
			}
			c.Next()
			return
		}

		scope := cfg.Scope
		if scope == "" && c.FullPath() != "" {
			scope = r.Method + " " + c.FullPath()
		}

		opCfg := cfg.Config
		opCfg.Scope = scope

		req := idempotency.Request{
			Method:    r.Method,
			Path:      r.URL.Path,
			Query:     r.URL.Query(),
			Body:      body,
			Principal: principal,
			Key:       r.Header.Get(cfg.headerName),
		}

		begin, err := coord.Begin(r.Context(), req, opCfg)
		if err != nil {
			switch {
			case errors.Is(err, idempotency.ErrKeyRequired):
				abortError(c, http.StatusBadRequest, idempotency.CodeKeyRequired,
					"the "+cfg.headerName+" header is required for this operation", cfg.headerName)
			case errors.Is(err, idempotency.ErrKeyTooLong):
				abortError(c, http.StatusBadRequest, idempotency.CodeKeyTooLong,
					"the "+cfg.headerName+" header exceeds the maximum length", cfg.headerName)
			default:
				abortError(c, http.StatusInternalServerError, idempotency.CodeUnavailable,
					"idempotency coordination unavailable", "")
			}
			return
		}

		switch begin.Outcome {
		case idempotency.OutcomeSkip:
			c.Next()

		case idempotency.OutcomeReplay:
			writeReplay(c, begin.Cached)

		case idempotency.OutcomeConflict:
			abortError(c, http.StatusConflict, idempotency.CodeKeyReused,
				"idempotency key was already used with a different request payload", cfg.headerName)

		case idempotency.OutcomeInProgress:
			wait := opCfg.Wait
			if wait <= 0 {
				wait = idempotency.DefaultWait
			}
			cached, err := coord.WaitForCompletion(r.Context(), begin.Lease, wait)
			switch {
			case errors.Is(err, idempotency.ErrKeyReused):
				abortError(c, http.StatusConflict, idempotency.CodeKeyReused,
					"idempotency key was already used with a different request payload", cfg.headerName)
			case err != nil:
				abortError(c, http.StatusInternalServerError, idempotency.CodeUnavailable,
					"idempotency coordination unavailable", "")
			case cached != nil:
				writeReplay(c, cached)
			default:
				secs := int(wait.Seconds())
				if secs < 1 {
					secs = 1
				}
				c.Header("Retry-After", strconv.Itoa(secs))
				abortError(c, http.StatusConflict, idempotency.CodeInProgress,
					"an identical request is still in progress, retry shortly", "")
			}

		case idempotency.OutcomeAcquired:
			rec := &recorder{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
			c.Writer = rec
			finalized := false
			defer func() {
				c.Writer = rec.ResponseWriter
				if !finalized {
					if err := coord.Release(r.Context(), begin.Lease); err != nil {
						coord.Logger().Error("failed to release idempotency lease", "error", err)
					}
				}
			}()

			c.Next()

			finalized = true
			if err := coord.Complete(r.Context(), begin.Lease, rec.response(), opCfg); err != nil {
				// The response has already been sent; nothing to do but log.
				coord.Logger().Error("failed to finalize idempotency record", "error", err)
			}
		}
	}
}

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

func writeReplay(c *gin.Context, rec *idempotency.Record) {
	for key, values := range rec.Headers {
		for _, value := range values {
			c.Writer.Header().Add(key, value)
		}
	}
	c.Header(idempotency.HeaderReplayed, "true")
	c.Writer.WriteHeader(rec.Status)
	if rec.HasBody {
		c.Writer.Write(rec.Body)
	}
	c.Abort()
}

func abortError(c *gin.Context, status int, code, message, field string) {
	detail := gin.H{"code": code, "message": message}
	if field != "" {
		detail["field"] = field
	}
	c.AbortWithStatusJSON(status, gin.H{"error": detail})
}

// recorder captures the wire-visible response for caching while writing
// through to the client.
type recorder struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

func (r *recorder) response() idempotency.Response {
	headers := http.Header{}
	for _, name := range []string{"Location", "Content-Type"} {
		if v := r.Header().Values(name); len(v) > 0 {
			headers[name] = append([]string(nil), v...)
		}
	}
	status := r.Status()
	hasBody := r.body.Len() > 0 &&
		status != http.StatusNoContent &&
		status != http.StatusNotModified
	return idempotency.Response{
		Status:  status,
		HasBody: hasBody,
		Body:    r.body.Bytes(),
		Headers: headers,
	}
}
