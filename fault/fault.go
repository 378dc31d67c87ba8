// Package fault provides the error taxonomy shared by the dispatcher and the
// engine. Every error that reaches a caller carries a Kind, a numeric code
// and a message; Status maps it to the HTTP status of the error payload.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for short-circuit and status decisions.
type Kind uint8

const (
	Internal Kind = iota
	Validation
	Auth
	Suspended
	Forbidden
	NotFound
	Upstream
	Data
	RateLimited
)

var kindNames = [...]string{
	Internal:    "internal",
	Validation:  "validation",
	Auth:        "auth",
	Suspended:   "suspended",
	Forbidden:   "forbidden",
	NotFound:    "not_found",
	Upstream:    "upstream",
	Data:        "data",
	RateLimited: "rate_limited",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Error is a classified error. HTTPStatus of 0 means the default for Kind.
type Error struct {
	Kind       Kind
	Code       int
	Message    string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind and Code so the package-level values
// below work with errors.Is after being wrapped or re-messaged.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// WithMessage returns a copy of e with a different message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// WithStatus returns a copy of e with an explicit HTTP status.
func (e *Error) WithStatus(status int) *Error {
	cp := *e
	cp.HTTPStatus = status
	return &cp
}

func New(kind Kind, code int, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// common errors - keep in code order
var (
	ErrInvalidAPIKey      = &Error{Kind: Auth, Code: 1, Message: "Invalid API key"}
	ErrMissingTxHash      = &Error{Kind: Validation, Code: 101, Message: "Missing transaction hash"}
	ErrInvalidTxHash      = &Error{Kind: Validation, Code: 102, Message: "Invalid transaction hash format"}
	ErrMissingAddress     = &Error{Kind: Validation, Code: 103, Message: "Missing address"}
	ErrInvalidAddress     = &Error{Kind: Validation, Code: 104, Message: "Invalid address format"}
	ErrAPIKeyRequired     = &Error{Kind: Auth, Code: 105, Message: "Field apiKey is required"}
	ErrInternal           = &Error{Kind: Internal, Code: 106, Message: "Internal error"}
	ErrUpstream           = &Error{Kind: Upstream, Code: 106, Message: "Data source temporarily unavailable"}
	ErrNoPoolID           = &Error{Kind: Validation, Code: 107, Message: "Field poolId is required", HTTPStatus: http.StatusBadRequest}
	ErrInvalidTimestamp   = &Error{Kind: Validation, Code: 108, Message: "Invalid timestamp"}
	ErrBadRequest         = &Error{Kind: Validation, Code: 109, Message: "Bad request"}
	ErrInvalidAction      = &Error{Kind: Validation, Code: 110, Message: "Invalid action"}
	ErrAddressesRequired  = &Error{Kind: Validation, Code: 111, Message: "Field addresses is required", HTTPStatus: http.StatusBadRequest}
	ErrInvalidPoolAddress = &Error{Kind: Validation, Code: 112, Message: "One or more addresses is not invalid", HTTPStatus: http.StatusBadRequest}
	ErrPoolNotFound       = &Error{Kind: NotFound, Code: 114, Message: "Pool not found", HTTPStatus: http.StatusBadRequest}
	ErrAddressIsToken     = &Error{Kind: Validation, Code: 115, Message: "You can not use token addresses", HTTPStatus: http.StatusBadRequest}
	ErrPoolOverLimit      = &Error{Kind: Validation, Code: 116, Message: "Pool capacity limit reached", HTTPStatus: http.StatusBadRequest}
	ErrAddressNotToken    = &Error{Kind: Validation, Code: 117, Message: "Not a token address"}
	ErrRateLimited        = &Error{Kind: RateLimited, Code: 120, Message: "Request rate limit exceeded"}
	ErrSuspended          = &Error{Kind: Suspended, Code: 133, Message: "API key temporary suspended. Contact support."}
	ErrCommandDisabled    = &Error{Kind: Forbidden, Code: 135, Message: "Route disabled for this API key"}
	ErrTooManyOperations  = &Error{Kind: Data, Code: 140, Message: "Too many operations for this address"}
	ErrNotTokenContract   = &Error{Kind: Validation, Code: 150, Message: "Address is not a token contract"}
	ErrTxNotFound         = &Error{Kind: NotFound, Code: 404, Message: "Transaction not found"}
)

// Is reports whether err carries kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// As extracts the classified error, mapping anything unclassified to
// ErrInternal wrapping err.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return ErrInternal.Wrap(err)
}

// Status is the HTTP status for err's payload: soft errors are 200, hard
// authorization failures 403 (or an explicit override), rate limiting 429.
func Status(err error) int {
	if err == nil {
		return http.StatusOK
	}
	fe := As(err)
	if fe.HTTPStatus != 0 {
		return fe.HTTPStatus
	}
	switch fe.Kind {
	case Auth, Suspended, Forbidden:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

// Payload is the wire form {"error":{"code":int,"message":string}}.
type Payload struct {
	Error PayloadError `json:"error"`
}

type PayloadError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func ToPayload(err error) Payload {
	fe := As(err)
	return Payload{Error: PayloadError{Code: fe.Code, Message: fe.Message}}
}
