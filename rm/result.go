// Package rm implements resource-manager dispatch: phase-2 commit/rollback
// requests are routed to the handler owning a branch's resource type and
// retried per that type's policy.
package rm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sharedcode/dtx"
)

// CommStatus classifies the outcome of one communication attempt with a
// resource manager.
type CommStatus int

const (
	StatusUnknown CommStatus = iota
	StatusSuccess
	StatusFailure
	StatusTimeout
	StatusNetworkError
	StatusProtocolError
	StatusAuthError
	StatusResourceError
	StatusRetryableError
	StatusNonRetryableError
)

var commStatusNames = map[CommStatus]string{
	StatusUnknown:           "Unknown",
	StatusSuccess:           "Success",
	StatusFailure:           "Failure",
	StatusTimeout:           "Timeout",
	StatusNetworkError:      "NetworkError",
	StatusProtocolError:     "ProtocolError",
	StatusAuthError:         "AuthError",
	StatusResourceError:     "ResourceError",
	StatusRetryableError:    "RetryableError",
	StatusNonRetryableError: "NonRetryableError",
}

func (s CommStatus) String() string {
	if n, ok := commStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("CommStatus(%d)", int(s))
}

// Retryable reports whether another attempt may change the outcome.
func (s CommStatus) Retryable() bool {
	switch s {
	case StatusTimeout, StatusNetworkError, StatusResourceError,
		StatusRetryableError, StatusUnknown:
		return true
	}
	return false
}

// CommunicationResult is the outcome of one phase-2 attempt.
type CommunicationResult struct {
	Status CommStatus
	Err    error
}

// OK is the successful result.
func OK() CommunicationResult {
	return CommunicationResult{Status: StatusSuccess}
}

// Result builds a result with a status and cause.
func Result(status CommStatus, err error) CommunicationResult {
	return CommunicationResult{Status: status, Err: err}
}

// FromError maps a framework error to a communication result using the
// error taxonomy.
func FromError(err error) CommunicationResult {
	if err == nil {
		return OK()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CommunicationResult{Status: StatusTimeout, Err: err}
	}
	switch dtx.CodeOf(err) {
	case dtx.ErrTimeout:
		return CommunicationResult{Status: StatusTimeout, Err: err}
	case dtx.ErrNetwork, dtx.ErrWire:
		return CommunicationResult{Status: StatusNetworkError, Err: err}
	case dtx.ErrProtocol:
		return CommunicationResult{Status: StatusProtocolError, Err: err}
	case dtx.ErrAuth:
		return CommunicationResult{Status: StatusAuthError, Err: err}
	case dtx.ErrResourceNotFound:
		return CommunicationResult{Status: StatusResourceError, Err: err}
	case dtx.ErrDirtyWrite, dtx.ErrGlobalNotActive:
		return CommunicationResult{Status: StatusNonRetryableError, Err: err}
	case dtx.ErrNoUndoLog:
		return CommunicationResult{Status: StatusFailure, Err: err}
	}
	return CommunicationResult{Status: StatusUnknown, Err: err}
}

// Success reports whether the attempt succeeded.
func (r CommunicationResult) Success() bool {
	return r.Status == StatusSuccess
}

// ClassifyResource infers a branch type from a resource id's shape. Used
// when a registration does not state its type explicitly.
func ClassifyResource(resourceID string) dtx.BranchType {
	switch {
	case strings.HasPrefix(resourceID, "http://"), strings.HasPrefix(resourceID, "https://"):
		return dtx.BranchTypeHTTP
	case strings.HasPrefix(resourceID, "mq:"):
		return dtx.BranchTypeMQ
	case strings.HasPrefix(resourceID, "xa:"):
		return dtx.BranchTypeXA
	case strings.HasPrefix(resourceID, "tcc:"):
		return dtx.BranchTypeTCC
	}
	return dtx.BranchTypeAT
}
