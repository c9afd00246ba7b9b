package lti

import "fmt"

// ErrorKind classifies launch failures.
type ErrorKind int

const (
	// KindProtocol covers malformed messages, wrong message types and bad identifiers.
	KindProtocol ErrorKind = iota + 1
	// KindAuthorization covers access control and disabled launch modes.
	KindAuthorization
	// KindLocalAccount covers authentication and enrollment on the host.
	KindLocalAccount
	// KindAGS covers grade service registration.
	KindAGS
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuthorization:
		return "authorization"
	case KindLocalAccount:
		return "local_account"
	case KindAGS:
		return "ags"
	}
	return "unknown"
}

// LaunchError is a launch failure carrying a human readable reason.
type LaunchError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Errorf builds a LaunchError without a cause.
func Errorf(kind ErrorKind, format string, args ...any) *LaunchError {
	return &LaunchError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap builds a LaunchError around err.
func Wrap(kind ErrorKind, err error, reason string) *LaunchError {
	return &LaunchError{Kind: kind, Reason: reason, Err: err}
}
