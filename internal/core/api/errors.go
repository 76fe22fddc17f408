package api

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a failed send.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindServer
	KindClient
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// SendError is returned by every failed SendEvents call.
// StatusCode holds the HTTP status for the HTTP transport and the numeric
// gRPC code for the gRPC transport; it is zero when no response arrived.
type SendError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *SendError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable reports whether the batch should return to PENDING.
// Connection failures, timeouts and server errors are retryable; client and
// unknown errors are not.
func (e *SendError) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindServer, KindTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err (or its chain) is a retryable SendError.
func IsRetryable(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Retryable()
}

// classifyTransport maps an error raised before any response was read.
// A cancelled context means the host is shutting down, so the batch is kept
// for the next attempt.
func classifyTransport(err error) *SendError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &SendError{Kind: KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &SendError{Kind: KindConnection, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &SendError{Kind: KindTimeout, Err: err}
		}
		return &SendError{Kind: KindConnection, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &SendError{Kind: KindConnection, Err: err}
	}
	return &SendError{Kind: KindUnknown, Err: err}
}

// classifyStatus maps a non-2xx HTTP response.
func classifyStatus(code int, body string) *SendError {
	e := &SendError{StatusCode: code, Message: body}
	if e.Message == "" {
		e.Message = fmt.Sprintf("unexpected HTTP status %d", code)
	}
	switch {
	case code >= 500:
		e.Kind = KindServer
	case code == 408:
		e.Kind = KindTimeout
	case code >= 400:
		e.Kind = KindClient
	default:
		e.Kind = KindUnknown
	}
	return e
}

// classifyGRPC maps a failed unary call by its status code.
func classifyGRPC(err error) *SendError {
	st, ok := status.FromError(err)
	if !ok {
		return classifyTransport(err)
	}
	e := &SendError{StatusCode: int(st.Code()), Message: st.Message(), Err: err}
	switch st.Code() {
	case codes.Unavailable, codes.Canceled:
		e.Kind = KindConnection
	case codes.DeadlineExceeded:
		e.Kind = KindTimeout
	case codes.ResourceExhausted, codes.Aborted, codes.Internal:
		e.Kind = KindServer
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied,
		codes.NotFound, codes.AlreadyExists, codes.FailedPrecondition,
		codes.OutOfRange, codes.Unimplemented:
		e.Kind = KindClient
	default:
		e.Kind = KindUnknown
	}
	return e
}
