package gin

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/idempotency"
	"github.com/keygate/idempotency/store"
)

func newTestRouter(coord *idempotency.Coordinator, opts ...Option) (*gin.Engine, *int) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	router.Use(func(c *gin.Context) {
		if user := c.GetHeader("X-User-ID"); user != "" {
			c.Set(PrincipalKey, user)
		}
		c.Next()
	})

	callCount := 0
	group := router.Group("/v1/orders")
	group.Use(Middleware(coord, opts...))
	group.POST("", func(c *gin.Context) {
		callCount++
		c.Header("Location", "/v1/orders/o1")
		c.JSON(http.StatusCreated, gin.H{"id": "o1"})
	})
	return router, &callCount
}

func post(router *gin.Engine, user, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", bytes.NewBufferString(body))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_ReplaysResponse(t *testing.T) {
	coord := idempotency.NewCoordinator(store.NewMemoryStore())
	router, callCount := newTestRouter(coord)

	rec1 := post(router, "user-1", "K1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, rec1.Code)
	assert.Empty(t, rec1.Header().Get(idempotency.HeaderReplayed))

	rec2 := post(router, "user-1", "K1", `{"amount":10}`)
	assert.Equal(t, http.StatusCreated, rec2.Code)
	assert.JSONEq(t, `{"id":"o1"}`, rec2.Body.String())
	assert.Equal(t, "true", rec2.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, "/v1/orders/o1", rec2.Header().Get("Location"))
	assert.Equal(t, 1, *callCount)
}

func TestMiddleware_ConflictOnDifferentBody(t *testing.T) {
	coord := idempotency.NewCoordinator(store.NewMemoryStore())
	router, callCount := newTestRouter(coord)

	rec1 := post(router, "user-1", "K1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, rec1.Code)

	rec2 := post(router, "user-1", "K1", `{"amount":20}`)
	assert.Equal(t, http.StatusConflict, rec2.Code)
	assert.Contains(t, rec2.Body.String(), idempotency.CodeKeyReused)
	assert.Equal(t, 1, *callCount)
}

func TestMiddleware_PrincipalsIsolated(t *testing.T) {
	coord := idempotency.NewCoordinator(store.NewMemoryStore())
	router, callCount := newTestRouter(coord)

	rec1 := post(router, "user-1", "K1", `{"amount":10}`)
	rec2 := post(router, "user-2", "K1", `{"amount":10}`)

	assert.Equal(t, http.StatusCreated, rec1.Code)
	assert.Equal(t, http.StatusCreated, rec2.Code)
	assert.Empty(t, rec2.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, 2, *callCount)
}

func TestMiddleware_RequiredKeyMissing(t *testing.T) {
	coord := idempotency.NewCoordinator(store.NewMemoryStore())
	router, callCount := newTestRouter(coord, WithConfig(idempotency.Config{
		Required: true,
		Wait:     time.Second,
	}))

	rec := post(router, "user-1", "", `{"amount":10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), idempotency.CodeKeyRequired)
	assert.Equal(t, 0, *callCount)
}

func TestMiddleware_NoKeyPassesThrough(t *testing.T) {
	coord := idempotency.NewCoordinator(store.NewMemoryStore())
	router, callCount := newTestRouter(coord)

	rec1 := post(router, "user-1", "", `{"amount":10}`)
	rec2 := post(router, "user-1", "", `{"amount":10}`)

	assert.Equal(t, http.StatusCreated, rec1.Code)
	assert.Equal(t, http.StatusCreated, rec2.Code)
	assert.Equal(t, 2, *callCount)
}

// writeRefusingStore fails every Write so finalization errors surface.
type writeRefusingStore struct {
	idempotency.Store
}

func (writeRefusingStore) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("write refused")
}

func TestMiddleware_LogsThroughInjectedLogger(t *testing.T) {
	var logs bytes.Buffer
	coord := idempotency.NewCoordinator(
		writeRefusingStore{Store: store.NewMemoryStore()},
		idempotency.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)
	router, _ := newTestRouter(coord)

	rec := post(router, "user-1", "K1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// The finalization failure lands on the coordinator's logger, not the
	// process-global default.
	assert.Contains(t, logs.String(), "failed to finalize idempotency record")
}
