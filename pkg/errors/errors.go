package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error.
type Kind string

const (
	KindBadRequest        Kind = "BAD_REQUEST"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindNoChannel         Kind = "NO_CHANNEL"
	KindAllChannelsFailed Kind = "ALL_CHANNELS_FAILED"
	KindUpstream          Kind = "UPSTREAM"
	KindCodec             Kind = "CODEC"
	KindDatabase          Kind = "DATABASE"
	KindHTTPClient        Kind = "HTTP_CLIENT"
	KindInternal          Kind = "INTERNAL"
)

// GatewayError is the error type carried across the proxy pipeline.
// UpstreamStatus is only set for KindUpstream.
type GatewayError struct {
	Kind           Kind
	Message        string
	UpstreamStatus int
	Err            error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error to the status code returned to the client.
func (e *GatewayError) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest, KindCodec:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNoChannel:
		return http.StatusNotFound
	case KindAllChannelsFailed, KindHTTPClient:
		return http.StatusBadGateway
	case KindUpstream:
		if e.UpstreamStatus >= 100 && e.UpstreamStatus <= 599 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage is the message included in the response envelope.
// Database details are never forwarded to clients.
func (e *GatewayError) ClientMessage() string {
	if e.Kind == KindDatabase {
		return "Database error"
	}
	return e.Error()
}

func NewBadRequest(message string) *GatewayError {
	return &GatewayError{Kind: KindBadRequest, Message: message}
}

func NewUnauthorized(message string) *GatewayError {
	return &GatewayError{Kind: KindUnauthorized, Message: message}
}

func NewNoChannel(model string) *GatewayError {
	return &GatewayError{Kind: KindNoChannel, Message: fmt.Sprintf("Channel not found for model: %s", model)}
}

func NewAllChannelsFailed(model string) *GatewayError {
	return &GatewayError{Kind: KindAllChannelsFailed, Message: fmt.Sprintf("All channels failed for model: %s", model)}
}

func NewUpstream(status int, body string) *GatewayError {
	return &GatewayError{
		Kind:           KindUpstream,
		Message:        fmt.Sprintf("Upstream error: %d %s", status, body),
		UpstreamStatus: status,
	}
}

func NewCodec(message string) *GatewayError {
	return &GatewayError{Kind: KindCodec, Message: fmt.Sprintf("Codec error: %s", message)}
}

func NewCodecWithCause(message string, cause error) *GatewayError {
	return &GatewayError{Kind: KindCodec, Message: fmt.Sprintf("Codec error: %s", message), Err: cause}
}

func NewDatabase(cause error) *GatewayError {
	return &GatewayError{Kind: KindDatabase, Message: "database operation failed", Err: cause}
}

func NewHTTPClient(cause error) *GatewayError {
	return &GatewayError{Kind: KindHTTPClient, Message: "upstream request failed", Err: cause}
}

func NewInternal(message string) *GatewayError {
	return &GatewayError{Kind: KindInternal, Message: message}
}

func NewInternalWithCause(message string, cause error) *GatewayError {
	return &GatewayError{Kind: KindInternal, Message: message, Err: cause}
}

// AsGateway extracts a GatewayError from err, wrapping unknown errors as
// KindInternal so every error reaching the response boundary has a status.
func AsGateway(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return &GatewayError{Kind: KindInternal, Message: err.Error(), Err: err}
}

// IsKind reports whether err is a GatewayError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}
