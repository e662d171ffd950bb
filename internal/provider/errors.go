package provider

import (
	"errors"
	"fmt"
)

// EIP-1193 provider error codes, plus the 4902 extension used for
// switch-to-unknown-chain, EIP-1474 invalid input, and -1 for anything we
// cannot classify.
const (
	CodeUserRejected       = 4001
	CodeUnauthorized       = 4100
	CodeUnsupportedMethod  = 4200
	CodeDisconnected       = 4900
	CodeChainDisconnected  = 4901
	CodeChainNotRecognized = 4902
	CodeInvalidInput       = -32000
	CodeUnknown            = -1
)

// Error is the wire error object carried in a response envelope. It must be
// JSON-serializable, so backends and handlers convert their failures into
// this shape before it crosses a context boundary.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

func defaultMessage(code int) string {
	switch code {
	case CodeUserRejected:
		return "The user rejected the request."
	case CodeUnauthorized:
		return "The requested method and/or account has not been authorized by the user."
	case CodeUnsupportedMethod:
		return "The Provider does not support the requested method."
	case CodeDisconnected:
		return "The Provider is disconnected from all chains."
	case CodeChainDisconnected:
		return "The Provider is not connected to the requested chain."
	case CodeChainNotRecognized:
		return "An error occurred when attempting to switch chain."
	case CodeInvalidInput:
		return "Invalid input."
	default:
		return "An unknown RPC error occurred."
	}
}

// NewError builds an Error for a known code. An empty data string is omitted.
func NewError(code int, data any) *Error {
	return &Error{Code: code, Message: defaultMessage(code), Data: data}
}

func ErrUserRejected() *Error      { return NewError(CodeUserRejected, nil) }
func ErrUnauthorized() *Error      { return NewError(CodeUnauthorized, nil) }
func ErrUnsupportedMethod() *Error { return NewError(CodeUnsupportedMethod, nil) }
func ErrDisconnected() *Error      { return NewError(CodeDisconnected, nil) }

func ErrChainNotRecognized(data any) *Error { return NewError(CodeChainNotRecognized, data) }

// ErrInvalidInput reports malformed request parameters.
func ErrInvalidInput(detail string) *Error {
	return &Error{Code: CodeInvalidInput, Message: defaultMessage(CodeInvalidInput), Data: detail}
}

// ErrorFromAny converts an arbitrary failure into a wire error. Structured
// provider errors pass through untouched so code/message/data survive the
// round trip; everything else becomes a generic unknown error.
func ErrorFromAny(v any) *Error {
	switch err := v.(type) {
	case nil:
		return nil
	case *Error:
		return err
	case error:
		var pe *Error
		if errors.As(err, &pe) {
			return pe
		}
		return &Error{Code: CodeUnknown, Message: defaultMessage(CodeUnknown), Data: err.Error()}
	default:
		return &Error{Code: CodeUnknown, Message: defaultMessage(CodeUnknown), Data: fmt.Sprint(v)}
	}
}
