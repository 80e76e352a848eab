package provider

import (
	"errors"
	"fmt"
)

// EIP-1193 and JSON-RPC error codes
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
	CodeInvalidInput      = -32000
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
)

var (
	// ErrNoProvider is returned when no wallet provider is available
	ErrNoProvider = errors.New("no wallet provider available")
	// ErrClosed is returned for requests on a closed provider
	ErrClosed = errors.New("provider closed")
)

// RPCError is an error returned by the wallet provider
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// NewError builds an RPCError with a formatted message
func NewError(code int, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Code returns the provider error code of err, or 0 if err is not an RPCError
func Code(err error) int {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
}

// IsUserRejected reports whether the user declined the request in the wallet
func IsUserRejected(err error) bool {
	return Code(err) == CodeUserRejected
}

// IsUnrecognizedChain reports whether the wallet does not know the requested chain
func IsUnrecognizedChain(err error) bool {
	return Code(err) == CodeUnrecognizedChain
}
