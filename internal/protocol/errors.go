package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorOrigin tells the client whether it or the gateway caused a failure.
type ErrorOrigin string

const (
	OriginClient ErrorOrigin = "client"
	OriginServer ErrorOrigin = "server"
)

// ErrorCode is the fixed taxonomy of refusal reasons.
type ErrorCode string

const (
	CodeNoEnvironment        ErrorCode = "NoEnvironment"
	CodeSuspendedEnvironment ErrorCode = "SuspendedEnvironment"
	CodeRealtimeNotAllowed   ErrorCode = "RealtimeNotAllowed"
	CodeMissingAPIKey        ErrorCode = "MissingApiKey"
	CodeMissingSessionToken  ErrorCode = "MissingSessionAccessToken"
	CodeMissingClientIP      ErrorCode = "MissingClientIP"
	CodeMissingRequestOrigin ErrorCode = "MissingRequestOrigin"
	CodeInvalidAPIKey        ErrorCode = "InvalidApiKey"
	CodeExpiredAPIKey        ErrorCode = "ExpiredApiKey"
	CodeUnauthorizedAPIKey   ErrorCode = "UnauthorizedApiKey"
	CodeInvalidSessionToken  ErrorCode = "InvalidSessionAccessToken"
	CodeDomainNotAuthorized  ErrorCode = "DomainNotAuthorized"
	CodeIPNotAuthorized      ErrorCode = "IPNotAuthorized"
	CodeRateLimitExceeded    ErrorCode = "RateLimitExceeded"
	CodeInvalidEvent         ErrorCode = "InvalidEvent"
	CodeInternalServerError  ErrorCode = "InternalServerError"
)

// UnauthorizedEvent is the error message that makes the gateway drop a
// connection when it reaches the generic error handler.
const UnauthorizedEvent = "unauthorized event"

// Error is the structured error object sent to clients.
type Error struct {
	Origin  ErrorOrigin     `json:"origin"`
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ClientError builds an error caused by the client.
func ClientError(code ErrorCode, message string, details any) *Error {
	return newError(OriginClient, code, message, details)
}

// ServerError builds an error caused by the gateway or one of its
// collaborators.
func ServerError(code ErrorCode, message string, details any) *Error {
	return newError(OriginServer, code, message, details)
}

func newError(origin ErrorOrigin, code ErrorCode, message string, details any) *Error {
	e := &Error{Origin: origin, Code: code, Message: message}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			e.Details = b
		}
	}
	return e
}

// AsError extracts a wire error from err, if there is one.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
