package apierr

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

type signature struct {
	category Category
	patterns []string
}

// Order matters: the first signature with a matching pattern wins.
var signatures = []signature{
	{AuthFailure, []string{"baduseraccessdenied", "badidentitytoken", "access denied", "authentication failed"}},
	{SecurityMismatch, []string{
		"badsecuritypolicyrejected", "badsecuritymoderejected", "badcertificate", "badsecuritychecksfailed",
		"no suitable endpoint", "not compatible", "parameter mismatch",
	}},
	{ConnectRefused, []string{"econnrefused", "connection refused", "badconnectionrejected"}},
	{ConnectUnreachable, []string{"ehostunreach", "enetunreach", "no route to host", "network is unreachable", "no such host"}},
	{Timeout, []string{"etimedout", "badtimeout", "deadline exceeded", "timed out", "timeout"}},
	{SessionLost, []string{
		"badsession", "session id is not valid", "not connected", "connection lost", "badconnection",
		"badsecurechannel", "badservernotconnected", "badcommunicationerror", "connection reset",
		"broken pipe", "use of closed network connection", "connection closed",
	}},
}

//Classify maps an arbitrary transport or protocol error onto a category by
//inspecting well known error values and the error text. It returns the empty
//category when nothing matches.
func Classify(err error) Category {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnectRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return ConnectUnreachable
	case errors.Is(err, syscall.ETIMEDOUT), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET):
		return SessionLost
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	text := strings.ToLower(err.Error())
	for _, s := range signatures {
		for _, p := range s.patterns {
			if strings.Contains(text, p) {
				return s.category
			}
		}
	}

	return ""
}

//AsConnectError turns a failed connection attempt into one of the connect categories
func AsConnectError(err error, endpoint string) *Error {
	var e *Error
	if errors.As(err, &e) && e.Category.Parent() == Connect {
		return e
	}

	switch Classify(err) {
	case Timeout:
		return Wrap(ConnectTimeout, err, "connection timeout (ETIMEDOUT) connecting to %s", endpoint)
	case ConnectUnreachable:
		return Wrap(ConnectUnreachable, err, "host unreachable (EHOSTUNREACH) for %s", endpoint)
	case AuthFailure:
		return Wrap(AuthFailure, err, "authentication failed for %s", endpoint)
	case SecurityMismatch:
		return Wrap(SecurityMismatch, err, "security parameters not compatible with %s", endpoint)
	default:
		return Wrap(ConnectRefused, err, "connection refused (ECONNREFUSED) by %s", endpoint)
	}
}

//AsOperationError normalises an error from a read, write, browse or register call
func AsOperationError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	switch Classify(err) {
	case Timeout:
		return Wrap(Timeout, err, "request timeout (ETIMEDOUT)")
	case SessionLost, ConnectRefused, ConnectUnreachable:
		return Wrap(SessionLost, err, "connection lost")
	}

	return Wrap(Operation, err, format, args...)
}
