package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amandb/internal/index"
	"github.com/Aman-CERP/amandb/internal/storage"
	"github.com/Aman-CERP/amandb/internal/telemetry"
	"github.com/Aman-CERP/amandb/pkg/version"
)

func newHTTPTest(t *testing.T) (*storage.Memory, *index.Engine, *httptest.Server) {
	t.Helper()
	reg := telemetry.NewRegistry()
	s, e, _ := newEngine(t, reg)
	h := NewHTTPServer(DefaultConfig(), e, reg, nil)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return s, e, srv
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHTTP_IndexStatus(t *testing.T) {
	_, _, srv := newHTTPTest(t)

	code, body := get(t, srv.URL+"/indexes")
	require.Equal(t, http.StatusOK, code)
	var all []index.Status
	require.NoError(t, json.Unmarshal(body, &all))
	require.Len(t, all, 1)
	assert.Equal(t, "by-customer", all[0].Name)

	code, body = get(t, srv.URL+"/indexes/by-customer")
	require.Equal(t, http.StatusOK, code)
	var one index.Status
	require.NoError(t, json.Unmarshal(body, &one))
	assert.Equal(t, index.StateNormal, one.State)

	code, body = get(t, srv.URL+"/indexes/missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, string(body), "ERR_402_INDEX_NOT_FOUND")
}

func TestHTTP_EntryAndMetrics(t *testing.T) {
	// Given: one batch over two orders
	s, e, srv := newHTTPTest(t)
	ctx := context.Background()
	for _, key := range []string{"orders/1", "orders/2"} {
		_, err := s.Put(ctx, storage.Item{Collection: "orders", Key: key, Data: map[string]any{"customer": "bob"}})
		require.NoError(t, err)
	}
	ix, err := e.Get("by-customer")
	require.NoError(t, err)
	_, err = ix.RunBatch(ctx)
	require.NoError(t, err)

	// When: reading the entry
	code, body := get(t, srv.URL+"/indexes/by-customer/entries/bob")

	// Then: the reduced value is served
	require.Equal(t, http.StatusOK, code)
	var res QueryResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Found)
	assert.Equal(t, 2.0, res.Value["count"])

	code, _ = get(t, srv.URL+"/indexes/by-customer/entries/nobody")
	assert.Equal(t, http.StatusNotFound, code)

	// And: metrics carry the index label
	code, body = get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `amandb_index_batches_total{index="by-customer"} 1`)
	assert.Contains(t, string(body), `amandb_index_items_mapped_total{index="by-customer"} 2`)
}

func TestHTTP_Errors(t *testing.T) {
	_, _, srv := newHTTPTest(t)

	code, body := get(t, srv.URL+"/indexes/by-customer/errors?limit=5")
	require.Equal(t, http.StatusOK, code)
	var res ErrorsResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Empty(t, res.Errors)

	code, _ = get(t, srv.URL+"/indexes/by-customer/errors?limit=x")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_ListenAndServeStops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	h := NewHTTPServer(cfg, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("http server did not stop")
	}
}

func TestHTTP_Health(t *testing.T) {
	_, _, srv := newHTTPTest(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, version.UserAgent(), resp.Header.Get("Server"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, version.Short(), body["version"])
}
