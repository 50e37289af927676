package dtx

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	base := Errf(ErrLockConflict, "row %s held by %s", "db1:t:1", "other-xid")
	if CodeOf(base) != ErrLockConflict {
		t.Errorf("CodeOf = %s", CodeOf(base))
	}
	wrapped := fmt.Errorf("register branch: %w", base)
	if CodeOf(wrapped) != ErrLockConflict {
		t.Errorf("CodeOf through wrap = %s", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != ErrUnknown {
		t.Error("plain errors should map to Unknown")
	}
	if CodeOf(nil) != ErrUnknown {
		t.Error("nil should map to Unknown")
	}
}

func TestIsCode(t *testing.T) {
	err := Error{Code: ErrDirtyWrite, Err: errors.New("rows diverged")}
	if !IsCode(err, ErrDirtyWrite) {
		t.Error("IsCode missed direct error")
	}
	if IsCode(err, ErrTimeout) {
		t.Error("IsCode matched wrong code")
	}
	if IsCode(nil, ErrDirtyWrite) {
		t.Error("IsCode matched nil")
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorCode{ErrNetwork, ErrTimeout, ErrLockConflict, ErrResourceNotFound, ErrUnknown}
	for _, c := range retryable {
		if !IsRetryable(Error{Code: c}) {
			t.Errorf("%s should be retryable", c)
		}
	}
	permanent := []ErrorCode{ErrProtocol, ErrAuth, ErrDirtyWrite, ErrGlobalNotActive, ErrInternal}
	for _, c := range permanent {
		if IsRetryable(Error{Code: c}) {
			t.Errorf("%s should not be retryable", c)
		}
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(Errf(ErrTimeout, "call deadline")) {
		t.Error("taxonomy timeout missed")
	}
	if !IsTimeout(fmt.Errorf("wait: %w", context.DeadlineExceeded)) {
		t.Error("wrapped deadline missed")
	}
	if IsTimeout(Errf(ErrNetwork, "reset")) || IsTimeout(nil) {
		t.Error("non-timeouts matched")
	}
}

func TestErrorString(t *testing.T) {
	e := Error{Code: ErrNoUndoLog, Err: errors.New("branch 7"), UserData: "xid-1"}
	s := e.Error()
	if s == "" || CodeOf(e) != ErrNoUndoLog {
		t.Errorf("unexpected error rendering %q", s)
	}
}
