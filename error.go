package dtx

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode discriminates the flat error taxonomy shared by the coordinator,
// the resource managers and the clients.
type ErrorCode int

const (
	ErrUnknown ErrorCode = iota
	ErrWire
	ErrNetwork
	ErrProtocol
	ErrAuth
	ErrLockConflict
	ErrDirtyWrite
	ErrNoUndoLog
	ErrResourceNotFound
	ErrGlobalNotFound
	ErrGlobalNotActive
	ErrBranchNotFound
	ErrTimeout
	ErrInternal
)

var errorCodeNames = map[ErrorCode]string{
	ErrUnknown:          "Unknown",
	ErrWire:             "WireError",
	ErrNetwork:          "NetworkError",
	ErrProtocol:         "ProtocolError",
	ErrAuth:             "AuthError",
	ErrLockConflict:     "LockConflict",
	ErrDirtyWrite:       "DirtyWrite",
	ErrNoUndoLog:        "NoUndoLog",
	ErrResourceNotFound: "ResourceNotFound",
	ErrGlobalNotFound:   "GlobalNotFound",
	ErrGlobalNotActive:  "GlobalNotActive",
	ErrBranchNotFound:   "BranchNotFound",
	ErrTimeout:          "Timeout",
	ErrInternal:         "Internal",
}

func (c ErrorCode) String() string {
	if n, ok := errorCodeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is the framework's custom error. RemoteAddress is populated for
// errors raised while talking to a peer, UserData carries call-site context
// (xid, branch id, row key) useful to operators.
type Error struct {
	Code          ErrorCode
	Err           error
	RemoteAddress string
	UserData      any
}

func (e Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s(user data: %v)", e.Code, e.UserData)
	}
	return fmt.Sprintf("%s(user data: %v), details: %v", e.Code, e.UserData, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// Errf builds an Error wrapping a formatted cause.
func Errf(code ErrorCode, format string, args ...any) error {
	return Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the ErrorCode of err, or ErrUnknown when err is not an
// Error (wrapped Errors are honored via type assertion on the chain).
func CodeOf(err error) ErrorCode {
	for err != nil {
		if de, ok := err.(Error); ok {
			return de.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrUnknown
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsTimeout reports whether err is a timeout, by taxonomy code or by a
// context deadline anywhere in its chain.
func IsTimeout(err error) bool {
	return IsCode(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether an operation failing with err is worth
// retrying. Protocol, auth and dirty-write failures are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrNetwork, ErrTimeout, ErrLockConflict, ErrResourceNotFound, ErrUnknown:
		return true
	}
	return false
}
