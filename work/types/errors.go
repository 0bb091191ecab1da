package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is what every router failure collapses into.
	ErrNotFound = errors.New("not found")

	// ErrNoSession is returned when nothing is registered.
	ErrNoSession = errors.New("no active session")

	// ErrGatewayClosed is returned for fetches submitted after shutdown.
	ErrGatewayClosed = errors.New("gateway closed")

	ErrMediaNotFound = errors.New("media not found")
	ErrLayoutChanged = errors.New("site layout changed")
)

// NetworkError reports a failed origin request: a transport failure, a
// timeout, or a status outside the accepted range. StatusCode is zero when no
// response was received.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("request %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError reports a playlist document that could not be interpreted.
type ParseError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "parse " + e.URL + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// StartupError means the origin could not be reached within the startup
// timeout. The process exits when it sees one.
type StartupError struct {
	URL string
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("origin %s unreachable: %v", e.URL, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err (or anything it wraps) is a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsParseError reports whether err (or anything it wraps) is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
