package daemon

import (
	"encoding/json"
	"fmt"

	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/index"
	"github.com/Aman-CERP/amandb/internal/output"
	"github.com/Aman-CERP/amandb/internal/results"
)

// JSON-RPC 2.0 method names.
const (
	MethodPing    = "ping"
	MethodStatus  = "status"
	MethodPause   = "pause"
	MethodResume  = "resume"
	MethodDisable = "disable"
	MethodEnable  = "enable"
	MethodReset   = "reset"
	MethodRebuild = "rebuild"
	MethodQuery   = "query"
	MethodErrors  = "errors"
	MethodSearch  = "search"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Custom error codes for daemon-specific errors.
const (
	ErrCodeIndexNotFound        = -32001
	ErrCodeOperationFailed      = -32002
	ErrCodeConfirmationRequired = -32003
	ErrCodeIndexState           = -32004
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      string `json:"id"`
}

// Error represents a JSON-RPC 2.0 error. Data carries the amandb error
// code when there is one.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements error.
func (e *Error) Error() string {
	if code, ok := e.Data.(string); ok && code != "" {
		return fmt.Sprintf("[%s] %s", code, e.Message)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) Response {
	return Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
		},
		ID: id,
	}
}

// errorResponse maps an operation error onto a JSON-RPC error.
func errorResponse(id string, err error) Response {
	code := ErrCodeOperationFailed
	switch amerrors.GetCode(err) {
	case amerrors.ErrCodeIndexNotFound:
		code = ErrCodeIndexNotFound
	case amerrors.ErrCodeConfirmationRequired:
		code = ErrCodeConfirmationRequired
	case amerrors.ErrCodeIndexState, amerrors.ErrCodeCorruptIndex:
		code = ErrCodeIndexState
	case amerrors.ErrCodeInvalidInput:
		code = ErrCodeInvalidParams
	}
	resp := NewErrorResponse(id, code, err.Error())
	if c := amerrors.GetCode(err); c != "" {
		resp.Error.Data = c
	}
	return resp
}

// decodeParams converts the loosely typed params of a request.
func decodeParams(raw any, into any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}

// IndexParams name the index of an operator method.
type IndexParams struct {
	Index string `json:"index"`
}

// Validate checks that required fields are present.
func (p *IndexParams) Validate() error {
	if p.Index == "" {
		return fmt.Errorf("index is required")
	}
	return nil
}

// RebuildParams are the parameters of the rebuild method.
type RebuildParams struct {
	Index   string `json:"index"`
	Confirm bool   `json:"confirm"`
}

// QueryParams are the parameters of the query method.
type QueryParams struct {
	Index string `json:"index"`
	Key   string `json:"key"`

	// Wait blocks until the index has caught up with storage.
	Wait bool `json:"wait,omitempty"`
}

// Validate checks that required fields are present.
func (p *QueryParams) Validate() error {
	if p.Index == "" {
		return fmt.Errorf("index is required")
	}
	if p.Key == "" {
		return fmt.Errorf("key is required")
	}
	return nil
}

// QueryResult is one reduce entry.
type QueryResult struct {
	Index string         `json:"index"`
	Key   string         `json:"key"`
	Found bool           `json:"found"`
	Value map[string]any `json:"value,omitempty"`
}

// ErrorsParams are the parameters of the errors method.
type ErrorsParams struct {
	Index string `json:"index"`
	Limit int    `json:"limit,omitempty"`
}

// ErrorsResult lists the recorded item errors of an index.
type ErrorsResult struct {
	Index  string              `json:"index"`
	Errors []results.ItemError `json:"errors"`
}

// SearchParams are the parameters of the search method.
type SearchParams struct {
	// Query is the full-text query (required).
	Query string `json:"query"`

	// Index restricts hits to one index (optional).
	Index string `json:"index,omitempty"`

	// Limit is the maximum number of hits (default: 10).
	Limit int `json:"limit,omitempty"`
}

// Validate checks that required fields are present.
func (p *SearchParams) Validate() error {
	if p.Query == "" {
		return fmt.Errorf("query is required")
	}
	// Correct negative limit to default
	if p.Limit <= 0 {
		p.Limit = 10
	}
	return nil
}

// SearchResult is a list of full-text hits.
type SearchResult struct {
	Hits []output.Hit `json:"hits"`
}

// StatusResult contains daemon status information.
type StatusResult struct {
	Running bool           `json:"running"`
	PID     int            `json:"pid"`
	Uptime  string         `json:"uptime"`
	Indexes []index.Status `json:"indexes"`
}

// StateResult is the state of an index after an operator method.
type StateResult struct {
	Index string      `json:"index"`
	State index.State `json:"state"`
}

// PingResult is the response to a ping request.
type PingResult struct {
	Pong bool `json:"pong"`
}
