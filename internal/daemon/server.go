package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Aman-CERP/amandb/internal/index"
	"github.com/Aman-CERP/amandb/internal/output"
)

// Indexes is the engine surface the server operates on.
type Indexes interface {
	Get(name string) (*index.Index, error)
	Statuses(ctx context.Context) []index.Status
}

// Searcher runs full-text searches over committed reduce entries.
type Searcher interface {
	Search(ctx context.Context, indexName, query string, limit int) ([]output.Hit, error)
}

// Server listens on a Unix socket and handles RPC requests.
type Server struct {
	socketPath string
	listener   net.Listener
	indexes    Indexes
	searcher   Searcher
	timeout    time.Duration
	logger     *slog.Logger
	started    time.Time

	mu       sync.Mutex
	shutdown bool
	ready    chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server for indexes on the configured socket.
func NewServer(cfg Config, indexes Indexes, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Server{
		socketPath: cfg.SocketPath,
		indexes:    indexes,
		timeout:    cfg.Timeout,
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// SetSearcher enables the search method.
func (s *Server) SetSearcher(searcher Searcher) {
	s.searcher = searcher
}

// Ready is closed once the socket accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ListenAndServe starts the server and blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up any stale socket
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.started = time.Now()
	s.mu.Unlock()
	close(s.ready)

	// Clean up socket on exit
	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	s.logger.Info("server_listening", slog.String("socket", s.socketPath))

	// Handle shutdown
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			s.logger.Error("accept_failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	// Wait for active connections to finish
	s.wg.Wait()

	return ctx.Err()
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		s.logger.Warn("set_deadline_failed", slog.String("error", err.Error()))
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		resp := NewErrorResponse("", ErrCodeParseError, "failed to parse request")
		_ = encoder.Encode(resp)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp := s.handleRequest(reqCtx, req)
	_ = encoder.Encode(resp)
}

// handleRequest dispatches a request to the appropriate handler.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		return NewErrorResponse(req.ID, ErrCodeInvalidRequest, "unsupported jsonrpc version")
	}
	switch req.Method {
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{Pong: true})

	case MethodStatus:
		return NewSuccessResponse(req.ID, s.getStatus(ctx))

	case MethodPause, MethodResume, MethodDisable, MethodEnable, MethodReset:
		return s.handleStateChange(req)

	case MethodRebuild:
		return s.handleRebuild(ctx, req)

	case MethodQuery:
		return s.handleQuery(ctx, req)

	case MethodErrors:
		return s.handleErrors(ctx, req)

	case MethodSearch:
		return s.handleSearch(ctx, req)

	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) lookup(req Request) (*index.Index, *Response) {
	var params IndexParams
	if err := decodeParams(req.Params, &params); err != nil {
		resp := NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
		return nil, &resp
	}
	if err := params.Validate(); err != nil {
		resp := NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
		return nil, &resp
	}
	ix, err := s.indexes.Get(params.Index)
	if err != nil {
		resp := errorResponse(req.ID, err)
		return nil, &resp
	}
	return ix, nil
}

func (s *Server) handleStateChange(req Request) Response {
	ix, errResp := s.lookup(req)
	if errResp != nil {
		return *errResp
	}

	var err error
	switch req.Method {
	case MethodPause:
		err = ix.Pause()
	case MethodResume:
		err = ix.Resume()
	case MethodDisable:
		err = ix.Disable()
	case MethodEnable:
		err = ix.Enable()
	case MethodReset:
		err = ix.Reset()
	}
	if err != nil {
		return errorResponse(req.ID, err)
	}
	s.logger.Info("operator_request",
		slog.String("method", req.Method),
		slog.String("index", ix.Name()))
	return NewSuccessResponse(req.ID, StateResult{Index: ix.Name(), State: ix.State()})
}

func (s *Server) handleRebuild(ctx context.Context, req Request) Response {
	var params RebuildParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if params.Index == "" {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "index is required")
	}
	ix, err := s.indexes.Get(params.Index)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	if err := ix.Rebuild(ctx, params.Confirm); err != nil {
		return errorResponse(req.ID, err)
	}
	s.logger.Info("operator_request",
		slog.String("method", req.Method),
		slog.String("index", ix.Name()))
	return NewSuccessResponse(req.ID, StateResult{Index: ix.Name(), State: ix.State()})
}

func (s *Server) handleQuery(ctx context.Context, req Request) Response {
	var params QueryParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	ix, err := s.indexes.Get(params.Index)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	if params.Wait {
		if err := ix.WaitForNonStale(ctx); err != nil {
			return errorResponse(req.ID, err)
		}
	}
	v, ok, err := ix.Query(ctx, params.Key)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return NewSuccessResponse(req.ID, QueryResult{Index: params.Index, Key: params.Key, Found: ok, Value: v})
}

func (s *Server) handleErrors(ctx context.Context, req Request) Response {
	var params ErrorsParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if params.Index == "" {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "index is required")
	}
	ix, err := s.indexes.Get(params.Index)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	itemErrs, err := ix.Errors(ctx, params.Limit)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return NewSuccessResponse(req.ID, ErrorsResult{Index: params.Index, Errors: itemErrs})
}

func (s *Server) handleSearch(ctx context.Context, req Request) Response {
	if s.searcher == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "full-text output is not enabled")
	}
	var params SearchParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	hits, err := s.searcher.Search(ctx, params.Index, params.Query, params.Limit)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return NewSuccessResponse(req.ID, SearchResult{Hits: hits})
}

// getStatus returns the current server status.
func (s *Server) getStatus(ctx context.Context) StatusResult {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return StatusResult{
		Running: true,
		PID:     os.Getpid(),
		Uptime:  time.Since(started).Round(time.Second).String(),
		Indexes: s.indexes.Statuses(ctx),
	}
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
