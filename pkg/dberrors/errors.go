package dberrors

import "errors"

var (
	ErrNotFound           = errors.New("lsmrepl: not found")
	ErrClosed             = errors.New("lsmrepl: closed")
	ErrInvalidArgument    = errors.New("lsmrepl: invalid argument")
	ErrNoMaster           = errors.New("lsmrepl: no master known")
	ErrReplicationFailure = errors.New("lsmrepl: replication failure")
	ErrRedirectFailure    = errors.New("lsmrepl: redirect to master failed")
	ErrLogRemoved         = errors.New("lsmrepl: log entry unavailable")
	ErrBusy               = errors.New("lsmrepl: busy")
	ErrUnavailable        = errors.New("lsmrepl: service locked")
	ErrDriftDetected      = errors.New("lsmrepl: illegal clock drift")
)

// Code is the caller-visible classification of an error. It survives transport between nodes.
type Code string

const (
	CodeOK                 Code = ""
	CodeNoMaster           Code = "NO_MASTER"
	CodeReplicationFailure Code = "REPLICATION_FAILURE"
	CodeRedirectFailure    Code = "REDIRECT_FAILURE"
	CodeLogRemoved         Code = "LOG_REMOVED"
	CodeBusy               Code = "BUSY"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeClosed             Code = "CLOSED"
	CodeInternal           Code = "INTERNAL"
)

var codes = []struct {
	code Code
	err  error
}{
	{CodeNoMaster, ErrNoMaster},
	{CodeReplicationFailure, ErrReplicationFailure},
	{CodeRedirectFailure, ErrRedirectFailure},
	{CodeLogRemoved, ErrLogRemoved},
	{CodeBusy, ErrBusy},
	{CodeUnavailable, ErrUnavailable},
	{CodeInvalidArgument, ErrInvalidArgument},
	{CodeNotFound, ErrNotFound},
	{CodeClosed, ErrClosed},
}

// CodeOf classifies err. nil maps to CodeOK, unknown errors to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode rebuilds an error received from a peer, keeping its class for errors.Is.
func FromCode(code Code, msg string) error {
	if code == CodeOK {
		return nil
	}
	for _, c := range codes {
		if c.code == code {
			if msg == "" || msg == c.err.Error() {
				return c.err
			}
			return &remoteError{msg: msg, cause: c.err}
		}
	}
	return errors.New(msg)
}

// Retryable reports whether the caller may retry the same request later.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNoMaster, CodeBusy, CodeUnavailable, CodeRedirectFailure:
		return true
	}
	return false
}

type remoteError struct {
	msg   string
	cause error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.cause }
