package apierr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// UpstreamStatus is implemented by errors that carry a provider's non-2xx
// response.
type UpstreamStatus interface {
	error
	UpstreamStatus() (status int, retryAfter int)
}

// Classify maps an arbitrary failure from the dispatch phase onto the
// taxonomy. Already classified errors are returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	var us UpstreamStatus
	if errors.As(err, &us) {
		status, retryAfter := us.UpstreamStatus()
		e := HTTPError(status, fmt.Sprintf("provider returned %d %s", status, http.StatusText(status)))
		e.RetryAfter = retryAfter
		e.cause = err
		return e
	}

	var e *Error
	switch {
	case isTimeout(err):
		e = New(KindTimeout, "provider did not respond within the timeout")
	case errors.Is(err, context.Canceled):
		e = New(KindConnectionError, "request was canceled before the provider responded")
	case isConnection(err):
		e = New(KindConnectionError, "could not reach provider: "+err.Error())
	default:
		e = New(KindUnknownError, err.Error())
	}
	e.cause = err
	return e
}

// Stream classifies a failure after response bytes started flowing. Every
// such failure is a stream_error regardless of cause.
func Stream(err error) *Error {
	msg := "stream interrupted"
	switch {
	case isTimeout(err):
		msg = "stream timed out"
	case errors.Is(err, context.Canceled):
		msg = "stream canceled"
	case err != nil:
		msg = "stream interrupted: " + err.Error()
	}
	e := New(KindStreamError, msg)
	e.cause = err
	return e
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnection(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return true
	}
	return false
}
