package wire

import (
	"fmt"

	"github.com/sharedcode/dtx"
)

// MessageType identifies the body shape of an RpcMessage.
type MessageType byte

const (
	TypeGlobalBegin        MessageType = 10
	TypeGlobalCommit       MessageType = 11
	TypeGlobalRollback     MessageType = 12
	TypeGlobalStatus       MessageType = 13
	TypeBranchRegister     MessageType = 20
	TypeBranchStatusReport MessageType = 21
	TypeResult             MessageType = 100
)

func (t MessageType) String() string {
	switch t {
	case TypeGlobalBegin:
		return "GlobalBegin"
	case TypeGlobalCommit:
		return "GlobalCommit"
	case TypeGlobalRollback:
		return "GlobalRollback"
	case TypeGlobalStatus:
		return "GlobalStatus"
	case TypeBranchRegister:
		return "BranchRegister"
	case TypeBranchStatusReport:
		return "BranchStatusReport"
	case TypeResult:
		return "Result"
	}
	return fmt.Sprintf("MessageType(%d)", byte(t))
}

// RpcMessage is one request or response on the wire.
type RpcMessage struct {
	ID       uint32
	Type     MessageType
	Codec    byte
	Compress byte
	Body     any
}

// GlobalBeginRequest starts a global transaction.
type GlobalBeginRequest struct {
	ApplicationID   string `json:"applicationId"`
	TransactionName string `json:"transactionName"`
	TimeoutMs       int64  `json:"timeoutMs"`
	ApplicationData []byte `json:"applicationData,omitempty"`
}

// GlobalActionRequest drives commit/rollback/status of an existing global
// transaction.
type GlobalActionRequest struct {
	Xid string `json:"xid"`
}

// BranchRegisterRequest enrolls one participant into a global transaction.
type BranchRegisterRequest struct {
	Xid             string         `json:"xid"`
	ResourceGroupID string         `json:"resourceGroupId,omitempty"`
	ResourceID      string         `json:"resourceId"`
	BranchType      dtx.BranchType `json:"branchType"`
	LockKey         string         `json:"lockKey,omitempty"`
	ApplicationData []byte         `json:"applicationData,omitempty"`
	TimeoutMs       int64          `json:"timeoutMs,omitempty"`
}

// BranchStatusReportRequest reports a branch's phase-1 outcome.
type BranchStatusReportRequest struct {
	Xid      string           `json:"xid"`
	BranchID int64            `json:"branchId"`
	Status   dtx.BranchStatus `json:"status"`
}

// Result is the single response shape; the fields populated depend on the
// request type it answers.
type Result struct {
	Success  bool             `json:"success"`
	Code     string           `json:"code,omitempty"`
	Message  string           `json:"message,omitempty"`
	Xid      string           `json:"xid,omitempty"`
	BranchID int64            `json:"branchId,omitempty"`
	Status   dtx.GlobalStatus `json:"status,omitempty"`
}

// Err converts a failed Result back into the error taxonomy on the client
// side.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	code := dtx.ErrUnknown
	for c := dtx.ErrUnknown; c <= dtx.ErrInternal; c++ {
		if c.String() == r.Code {
			code = c
			break
		}
	}
	return dtx.Error{Code: code, Err: fmt.Errorf("%s", r.Message)}
}

// ResultFromError renders err as a wire Result.
func ResultFromError(err error) *Result {
	return &Result{
		Success: false,
		Code:    dtx.CodeOf(err).String(),
		Message: err.Error(),
	}
}

// NewBody returns a zero body value for an incoming message type, or an
// error for unknown types (the connection is closed on those).
func NewBody(t MessageType) (any, error) {
	switch t {
	case TypeGlobalBegin:
		return &GlobalBeginRequest{}, nil
	case TypeGlobalCommit, TypeGlobalRollback, TypeGlobalStatus:
		return &GlobalActionRequest{}, nil
	case TypeBranchRegister:
		return &BranchRegisterRequest{}, nil
	case TypeBranchStatusReport:
		return &BranchStatusReportRequest{}, nil
	case TypeResult:
		return &Result{}, nil
	}
	return nil, fmt.Errorf("unknown message type %d", byte(t))
}
