package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amandb/internal/definition"
	"github.com/Aman-CERP/amandb/internal/index"
	"github.com/Aman-CERP/amandb/internal/output"
	"github.com/Aman-CERP/amandb/internal/storage"
	"github.com/Aman-CERP/amandb/internal/telemetry"
)

// serverTestSocketPath creates a unique socket path short enough for
// sun_path.
func serverTestSocketPath(t *testing.T) string {
	t.Helper()
	socketPath := filepath.Join("/tmp", fmt.Sprintf("amandb-test-%d.sock", time.Now().UnixNano()))
	t.Cleanup(func() { os.Remove(socketPath) })
	return socketPath
}

type fixture struct {
	storage storage.Storage
	engine  *index.Engine
	out     *output.Bleve
	client  *Client
}

func countByCustomer() definition.Definition {
	return definition.NewFunc("by-customer", definition.Source{Collections: []string{"orders"}},
		func(_ *definition.MapContext, item storage.Item) ([]definition.Entry, error) {
			customer, _ := item.Data["customer"].(string)
			return []definition.Entry{{Key: customer, Value: definition.Value{"count": 1.0, "customer": customer}}}, nil
		},
		func(values []definition.Value) (definition.Value, error) {
			var n float64
			for _, v := range values {
				n += v["count"].(float64)
			}
			return definition.Value{"count": n, "customer": values[0]["customer"]}, nil
		})
}

// newEngine opens an engine with the by-customer index over memory storage.
func newEngine(t *testing.T, metrics *telemetry.Registry) (*storage.Memory, *index.Engine, *output.Bleve) {
	t.Helper()
	s := storage.NewMemory()
	out, err := output.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = out.Close() })

	e, err := index.NewEngine(index.EngineConfig{Index: index.DefaultConfig(), CleanInterval: -1},
		index.EngineDependencies{Storage: s, Dir: t.TempDir(), Output: out, Metrics: metrics})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	_, err = e.Add(countByCustomer())
	require.NoError(t, err)
	return s, e, out
}

// startServer runs an engine with one index behind a socket server.
func startServer(t *testing.T) *fixture {
	t.Helper()
	s, e, out := newEngine(t, nil)

	cfg := DefaultConfig()
	cfg.SocketPath = serverTestSocketPath(t)
	cfg.Timeout = 5 * time.Second
	srv := NewServer(cfg, e, nil)
	srv.SetSearcher(out)

	ctx, cancel := context.WithCancel(context.Background())
	engineDone := make(chan error, 1)
	serverDone := make(chan error, 1)
	go func() { engineDone <- e.Run(ctx) }()
	go func() { serverDone <- srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-serverDone
		<-engineDone
	})

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	return &fixture{storage: s, engine: e, out: out, client: NewClient(cfg)}
}

func TestServer_PingAndStatus(t *testing.T) {
	f := startServer(t)
	ctx := context.Background()

	require.NoError(t, f.client.Ping(ctx))
	assert.True(t, f.client.IsRunning())

	status, err := f.client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
	require.Len(t, status.Indexes, 1)
	assert.Equal(t, "by-customer", status.Indexes[0].Name)
	assert.Equal(t, index.StateNormal, status.Indexes[0].State)
}

func TestServer_QueryWaitsForIndex(t *testing.T) {
	// Given: orders written to a running server
	f := startServer(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.storage.Put(ctx, storage.Item{
			Collection: "orders",
			Key:        fmt.Sprintf("orders/%d", i),
			Data:       map[string]any{"customer": "ada"},
		})
		require.NoError(t, err)
	}

	// When: querying with wait
	res, err := f.client.Query(ctx, QueryParams{Index: "by-customer", Key: "ada", Wait: true})

	// Then: the entry reflects every order
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 3.0, res.Value["count"])

	// And: the entry becomes searchable
	assert.Eventually(t, func() bool {
		hits, err := f.client.Search(ctx, SearchParams{Query: "ada"})
		return err == nil && len(hits.Hits) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_StateMethods(t *testing.T) {
	f := startServer(t)
	ctx := context.Background()

	res, err := f.client.SetState(ctx, MethodPause, "by-customer")
	require.NoError(t, err)
	assert.Equal(t, index.StatePaused, res.State)

	res, err = f.client.SetState(ctx, MethodResume, "by-customer")
	require.NoError(t, err)
	assert.Equal(t, index.StateNormal, res.State)

	_, err = f.client.SetState(ctx, MethodPause, "missing")
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeIndexNotFound, rpcErr.Code)

	_, err = f.client.SetState(ctx, MethodQuery, "by-customer")
	assert.Error(t, err)
}

func TestServer_RebuildRequiresConfirm(t *testing.T) {
	f := startServer(t)
	ctx := context.Background()

	_, err := f.client.Rebuild(ctx, "by-customer", false)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeConfirmationRequired, rpcErr.Code)

	res, err := f.client.Rebuild(ctx, "by-customer", true)
	require.NoError(t, err)
	assert.Equal(t, index.StateNormal, res.State)
}

func TestServer_ErrorsMethod(t *testing.T) {
	f := startServer(t)

	res, err := f.client.Errors(context.Background(), "by-customer", 10)
	require.NoError(t, err)
	assert.Equal(t, "by-customer", res.Index)
	assert.Empty(t, res.Errors)
}

func TestServer_RawProtocolErrors(t *testing.T) {
	f := startServer(t)

	roundTrip := func(payload string) Response {
		conn, err := f.client.Connect()
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write([]byte(payload + "\n"))
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.NewDecoder(conn).Decode(&resp))
		return resp
	}

	resp := roundTrip(`{not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)

	resp = roundTrip(`{"jsonrpc":"2.0","method":"nope","id":"1"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "1", resp.ID)

	resp = roundTrip(`{"jsonrpc":"2.0","method":"query","params":{"index":"by-customer"},"id":"2"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestServer_CleansUpSocket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SocketPath = serverTestSocketPath(t)
	srv := NewServer(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()
	<-srv.Ready()

	_, err := os.Stat(cfg.SocketPath)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err = os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestClient_NotRunning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "none.sock")
	cfg.Timeout = 100 * time.Millisecond
	c := NewClient(cfg)

	assert.False(t, c.IsRunning())
	assert.Error(t, c.Ping(context.Background()))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}

func TestSearchParams_Validate(t *testing.T) {
	p := SearchParams{}
	assert.Error(t, p.Validate())

	p = SearchParams{Query: "x", Limit: -3}
	require.NoError(t, p.Validate())
	assert.Equal(t, 10, p.Limit)
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "[ERR_402_INDEX_NOT_FOUND] index x not found",
		(&Error{Code: ErrCodeIndexNotFound, Message: "index x not found", Data: "ERR_402_INDEX_NOT_FOUND"}).Error())
	assert.Equal(t, "boom (code: -32603)", (&Error{Code: ErrCodeInternalError, Message: "boom"}).Error())
}
