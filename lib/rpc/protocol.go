// Package rpc provides the JSON-RPC control socket of the console
// daemon. It exposes console status, node pool inspection, exposure
// journal access, and manual session recovery to local clients.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Standard error codes following JSON-RPC 2.0 conventions.
const (
	// Parse error - invalid JSON
	ErrCodeParse = -32700
	// Invalid request - not a valid Request object
	ErrCodeInvalidRequest = -32600
	// Method not found
	ErrCodeMethodNotFound = -32601
	// Invalid params
	ErrCodeInvalidParams = -32602
	// Internal error
	ErrCodeInternal = -32603
	// Not found (generic)
	ErrCodeNotFound = -32003
	// Rate limit exceeded
	ErrCodeRateLimited = -32004
	// Operation not valid in the current session state
	ErrCodeWrongState = -32005
)

// Request represents a JSON-RPC request.
type Request struct {
	// JSONRPC must be "2.0"
	JSONRPC string `json:"jsonrpc"`
	// Method is the RPC method name
	Method string `json:"method"`
	// Params are the method parameters
	Params json.RawMessage `json:"params,omitempty"`
	// ID is the request identifier
	ID json.RawMessage `json:"id,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	// JSONRPC is always "2.0"
	JSONRPC string `json:"jsonrpc"`
	// Result is the method result (omitted on error)
	Result any `json:"result,omitempty"`
	// Error is the error object (omitted on success)
	Error *Error `json:"error,omitempty"`
	// ID matches the request ID
	ID json.RawMessage `json:"id,omitempty"`
}

// Error represents a JSON-RPC error.
type Error struct {
	// Code is the error code
	Code int `json:"code"`
	// Message is a short description
	Message string `json:"message"`
	// Data contains additional information
	Data any `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewError creates a new Error with the given code and message.
func NewError(code int, message string, data any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// NewErrorResponse creates a Response with an error.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{
		JSONRPC: "2.0",
		Error:   err,
		ID:      id,
	}
}

// NewSuccessResponse creates a Response with a result.
func NewSuccessResponse(id json.RawMessage, result any) *Response {
	return &Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
}

// ValidateRequest checks that a Request is valid JSON-RPC 2.0.
func ValidateRequest(req *Request) error {
	if req.JSONRPC != "2.0" {
		return errors.New("jsonrpc must be \"2.0\"")
	}
	if req.Method == "" {
		return errors.New("method is required")
	}
	return nil
}

// Common error constructors.

// ErrMethodNotFound returns a method not found error.
func ErrMethodNotFound(method string) *Error {
	return NewError(ErrCodeMethodNotFound, "method not found", method)
}

// ErrInvalidParams returns an invalid parameters error.
func ErrInvalidParams(details string) *Error {
	return NewError(ErrCodeInvalidParams, "invalid params", details)
}

// ErrInternal returns an internal error.
func ErrInternal(details string) *Error {
	return NewError(ErrCodeInternal, "internal error", details)
}

// ErrNotFound returns a not found error.
func ErrNotFound(resource string) *Error {
	return NewError(ErrCodeNotFound, "not found", resource)
}

// ErrRateLimited returns a rate limit exceeded error.
func ErrRateLimited() *Error {
	return NewError(ErrCodeRateLimited, "rate limit exceeded", nil)
}

// ErrWrongState returns an error for an operation rejected by the
// current session state.
func ErrWrongState(state string) *Error {
	return NewError(ErrCodeWrongState, "wrong session state", state)
}

// ---- Request/Response types for each RPC method ----

// StatusResult is the response for the "status" method.
type StatusResult struct {
	// ConsoleName is the configured console name
	ConsoleName string `json:"console_name"`
	// State is the orchestrator state (running, stopped, etc.)
	State string `json:"state"`
	// Uptime is how long the console has been running
	Uptime string `json:"uptime"`
	// Version is the software version
	Version string `json:"version"`
	// SessionState is the command-channel state
	SessionState string `json:"session_state"`
	// SessionAttempts is the current failed reconnect attempt count
	SessionAttempts int `json:"session_attempts"`
	// ServerVersion is the negotiated exposure-control server version
	ServerVersion string `json:"server_version,omitempty"`
	// LastError is the most recent session error, if any
	LastError string `json:"last_error,omitempty"`
	// JournalRecords is the total exposure record count
	JournalRecords int `json:"journal_records"`
	// JournalUnarchived is the count not yet transferred to PACS
	JournalUnarchived int `json:"journal_unarchived"`
}

// NodesListResult is the response for the "nodes.list" method.
type NodesListResult struct {
	Nodes []NodeInfo `json:"nodes"`
	Total int        `json:"total"`
}

// NodeInfo describes one remote node and its association pool.
type NodeInfo struct {
	// Name is the logical node identifier
	Name string `json:"name"`
	// Addr is the node's network address
	Addr string `json:"addr"`
	// Capacity is the pool's slot count
	Capacity int `json:"capacity"`
	// Outstanding is the number of associations currently leased
	Outstanding int `json:"outstanding"`
	// Waiting is the number of callers queued for a slot
	Waiting int `json:"waiting"`
	// Breaker is the circuit breaker state
	Breaker string `json:"breaker"`
}

// JournalListParams is the request for the "journal.list" method.
type JournalListParams struct {
	// UnarchivedOnly restricts the result to records not yet on PACS
	UnarchivedOnly bool `json:"unarchived_only,omitempty"`
	// Limit caps the number of returned records (0 = all)
	Limit int `json:"limit,omitempty"`
}

// JournalListResult is the response for the "journal.list" method.
type JournalListResult struct {
	Records []ExposureInfo `json:"records"`
	Total   int            `json:"total"`
}

// ExposureInfo is one exposure record for display.
type ExposureInfo struct {
	// ID is the record identifier
	ID string `json:"id"`
	// StudyUID is the DICOM study instance UID
	StudyUID string `json:"study_uid"`
	// AcquiredAt is when the exposure was taken
	AcquiredAt time.Time `json:"acquired_at"`
	// Kilovoltage is the tube voltage
	Kilovoltage float64 `json:"kvp"`
	// MilliampSeconds is the tube charge
	MilliampSeconds float64 `json:"mas"`
	// DoseAreaProduct is the DAP reading
	DoseAreaProduct float64 `json:"dap"`
	// Archived marks records already transferred to PACS
	Archived bool `json:"archived"`
}

// JournalArchiveParams is the request for the "journal.archive" method.
type JournalArchiveParams struct {
	// ID is the record to mark as archived
	ID string `json:"id"`
}

// JournalArchiveResult is the response for the "journal.archive" method.
type JournalArchiveResult struct {
	// Success indicates the record was found and marked
	Success bool `json:"success"`
	// Message provides additional context
	Message string `json:"message"`
}

// SessionReconnectResult is the response for the "session.reconnect"
// method.
type SessionReconnectResult struct {
	// Accepted indicates the recovery attempt was started
	Accepted bool `json:"accepted"`
	// State is the session state after the request
	State string `json:"state"`
	// Message provides additional context
	Message string `json:"message"`
}
