package offline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Rollover(t *testing.T) {
	ctx := context.Background()
	u := newStubUpstream()
	storage := NewMemoryStorage(0)
	c := NewController(false)

	resp := get(t, c, "/pdv-movel/")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "nothing installed yet")

	v1 := newTestWorker(t, u, storage, "v1", "/pdv-movel/")
	require.NoError(t, c.Install(ctx, v1))
	assert.Same(t, v1, c.Active(), "first worker takes over at once")
	assert.Nil(t, c.Waiting())

	v2 := newTestWorker(t, u, storage, "v2", "/pdv-movel/")
	require.NoError(t, c.Install(ctx, v2))
	assert.Same(t, v1, c.Active())
	assert.Same(t, v2, c.Waiting())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pdv-movel-v1", "pdv-movel-v2"}, names, "old generation kept while v2 waits")

	require.NoError(t, c.Message(ctx, []byte(`{"action":"skipWaiting"}`)))
	assert.Same(t, v2, c.Active())
	assert.Nil(t, c.Waiting())

	names, err = storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pdv-movel-v2"}, names)
}

func TestController_AutoActivate(t *testing.T) {
	ctx := context.Background()
	u := newStubUpstream()
	storage := NewMemoryStorage(0)
	c := NewController(true)

	require.NoError(t, c.Install(ctx, newTestWorker(t, u, storage, "v1")))
	v2 := newTestWorker(t, u, storage, "v2")
	require.NoError(t, c.Install(ctx, v2))
	assert.Same(t, v2, c.Active())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pdv-movel-v2"}, names)
}

func TestController_RetiredWorkerDoesNotRestoreStore(t *testing.T) {
	ctx := context.Background()
	u := newStubUpstream()
	storage := NewMemoryStorage(0)
	c := NewController(true)

	v1 := newTestWorker(t, u, storage, "v1")
	require.NoError(t, c.Install(ctx, v1))
	require.NoError(t, c.Install(ctx, newTestWorker(t, u, storage, "v2")))

	// A request that v1 was already handling completes after the rollover.
	resp := get(t, v1, "/pdv-movel/pedidos/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>orders</html>", body(t, resp))

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pdv-movel-v2"}, names)
}

func TestMemoryStorage_PutNeedsOpenStore(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(0)
	r := &Response{Status: http.StatusOK, Body: []byte("x")}

	require.ErrorIs(t, storage.Put(ctx, "pdv-movel-v1", "/a", r), ErrNoStore)
	require.NoError(t, storage.Open(ctx, "pdv-movel-v1"))
	require.NoError(t, storage.Put(ctx, "pdv-movel-v1", "/a", r))

	existed, err := storage.Delete(ctx, "pdv-movel-v1")
	require.NoError(t, err)
	assert.True(t, existed)
	require.ErrorIs(t, storage.Put(ctx, "pdv-movel-v1", "/a", r), ErrNoStore)

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestController_Message(t *testing.T) {
	ctx := context.Background()
	c := NewController(false)

	require.NoError(t, c.Message(ctx, []byte(`{"action":"skipWaiting"}`)), "no waiting worker is a no-op")
	require.ErrorIs(t, c.Message(ctx, []byte(`{"action":"reload"}`)), ErrUnknownCommand)
	require.ErrorIs(t, c.Message(ctx, []byte(`{}`)), ErrUnknownCommand)
	require.ErrorIs(t, c.Message(ctx, []byte(`skipWaiting`)), ErrBadMessage)
}

func TestController_MessageEndpoint(t *testing.T) {
	u := newStubUpstream()
	storage := NewMemoryStorage(0)
	c := NewController(false)
	require.NoError(t, c.Install(context.Background(), newTestWorker(t, u, storage, "v1")))
	v2 := newTestWorker(t, u, storage, "v2")
	require.NoError(t, c.Install(context.Background(), v2))

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"unknown action", http.MethodPost, `{"action":"claim"}`, http.StatusBadRequest},
		{"skip waiting", http.MethodPost, `{"action":"skipWaiting"}`, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, MessagePath, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			c.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want != http.StatusNoContent {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
	assert.Same(t, v2, c.Active())
}
