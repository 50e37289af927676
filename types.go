// Package dtx contains the shared domain model of the distributed transaction
// framework: global/branch transaction records, their status enums, global
// lock rows and the helpers used by the coordinator, the resource managers
// and the client packages.
package dtx

import (
	"fmt"
	"strconv"
	"strings"
)

// GlobalStatus is the lifecycle status of a global transaction.
type GlobalStatus int

const (
	StatusUnknown GlobalStatus = iota
	StatusBegin
	StatusCommitting
	StatusCommitted
	StatusCommitFailed
	StatusRollbacking
	StatusRollbacked
	StatusRollbackFailed
	StatusTimeoutRollbacking
	StatusTimeoutRollbacked
	StatusFinished
)

var globalStatusNames = map[GlobalStatus]string{
	StatusUnknown:            "Unknown",
	StatusBegin:              "Begin",
	StatusCommitting:         "Committing",
	StatusCommitted:          "Committed",
	StatusCommitFailed:       "CommitFailed",
	StatusRollbacking:        "Rollbacking",
	StatusRollbacked:         "Rollbacked",
	StatusRollbackFailed:     "RollbackFailed",
	StatusTimeoutRollbacking: "TimeoutRollbacking",
	StatusTimeoutRollbacked:  "TimeoutRollbacked",
	StatusFinished:           "Finished",
}

func (s GlobalStatus) String() string {
	if n, ok := globalStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("GlobalStatus(%d)", int(s))
}

// IsTerminal reports whether the global transaction reached a final state.
// A terminal transaction only serves idempotent status queries until purged.
func (s GlobalStatus) IsTerminal() bool {
	switch s {
	case StatusCommitted, StatusCommitFailed, StatusRollbacked,
		StatusRollbackFailed, StatusTimeoutRollbacked, StatusFinished:
		return true
	}
	return false
}

// IsActive reports whether Begin-side mutations (branch registration) are
// still allowed.
func (s GlobalStatus) IsActive() bool {
	return s == StatusBegin
}

// BranchStatus is the lifecycle status of a branch transaction.
type BranchStatus int

const (
	BranchUnknown BranchStatus = iota
	BranchRegistered
	BranchPhaseOneDone
	BranchPhaseOneFailed
	BranchPhaseTwoCommitting
	BranchPhaseTwoCommitted
	BranchPhaseTwoCommitFailed
	BranchPhaseTwoRollbacking
	BranchPhaseTwoRollbacked
	BranchPhaseTwoRollbackFailed
	BranchTimeout
)

var branchStatusNames = map[BranchStatus]string{
	BranchUnknown:                "Unknown",
	BranchRegistered:             "Registered",
	BranchPhaseOneDone:           "PhaseOneDone",
	BranchPhaseOneFailed:         "PhaseOneFailed",
	BranchPhaseTwoCommitting:     "PhaseTwoCommitting",
	BranchPhaseTwoCommitted:      "PhaseTwoCommitted",
	BranchPhaseTwoCommitFailed:   "PhaseTwoCommitFailed",
	BranchPhaseTwoRollbacking:    "PhaseTwoRollbacking",
	BranchPhaseTwoRollbacked:     "PhaseTwoRollbacked",
	BranchPhaseTwoRollbackFailed: "PhaseTwoRollbackFailed",
	BranchTimeout:                "Timeout",
}

func (s BranchStatus) String() string {
	if n, ok := branchStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("BranchStatus(%d)", int(s))
}

// IsTerminal reports whether the branch reached a phase-2 final state and
// must not be acted on again.
func (s BranchStatus) IsTerminal() bool {
	switch s {
	case BranchPhaseOneFailed, BranchPhaseTwoCommitted, BranchPhaseTwoCommitFailed,
		BranchPhaseTwoRollbacked, BranchPhaseTwoRollbackFailed:
		return true
	}
	return false
}

// PhaseTwoEligible reports whether the branch can still be driven through
// phase 2. Timed out branches remain eligible for rollback.
func (s BranchStatus) PhaseTwoEligible() bool {
	switch s {
	case BranchRegistered, BranchPhaseOneDone, BranchTimeout,
		BranchPhaseTwoCommitting, BranchPhaseTwoRollbacking:
		return true
	}
	return false
}

// branchRank orders branch statuses along the state machine so status
// reports only ever move forward. Repeated or backward reports are no-ops.
var branchRank = map[BranchStatus]int{
	BranchRegistered:             1,
	BranchPhaseOneDone:           2,
	BranchPhaseOneFailed:         2,
	BranchTimeout:                2,
	BranchPhaseTwoCommitting:     3,
	BranchPhaseTwoRollbacking:    3,
	BranchPhaseTwoCommitted:      4,
	BranchPhaseTwoCommitFailed:   4,
	BranchPhaseTwoRollbacked:     4,
	BranchPhaseTwoRollbackFailed: 4,
}

// ForwardTransition reports whether moving from 'from' to 'to' advances the
// branch state machine.
func ForwardTransition(from, to BranchStatus) bool {
	return branchRank[to] > branchRank[from]
}

// BranchType identifies which resource-manager handler owns a branch.
type BranchType int

const (
	BranchTypeAT BranchType = iota
	BranchTypeTCC
	BranchTypeXA
	BranchTypeMQ
	BranchTypeHTTP
)

var branchTypeNames = map[BranchType]string{
	BranchTypeAT:   "AT",
	BranchTypeTCC:  "TCC",
	BranchTypeXA:   "XA",
	BranchTypeMQ:   "MQ",
	BranchTypeHTTP: "HTTP",
}

func (t BranchType) String() string {
	if n, ok := branchTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("BranchType(%d)", int(t))
}

// ParseBranchType converts the wire/storage name of a branch type back to
// its enum value.
func ParseBranchType(s string) (BranchType, error) {
	for t, n := range branchTypeNames {
		if n == s {
			return t, nil
		}
	}
	return BranchTypeAT, fmt.Errorf("unknown branch type %q", s)
}

// Timeout bounds, in milliseconds.
const (
	MinTimeoutMs     = 1_000
	MaxTimeoutMs     = 300_000
	DefaultTimeoutMs = 60_000

	MinBranchTimeoutMs     = 1_000
	MaxBranchTimeoutMs     = 300_000
	DefaultBranchTimeoutMs = 30_000
)

// ClampTimeout snaps a caller supplied global transaction timeout into the
// supported range. Zero or negative selects the default.
func ClampTimeout(ms int64) int64 {
	if ms <= 0 {
		return DefaultTimeoutMs
	}
	if ms < MinTimeoutMs {
		return MinTimeoutMs
	}
	if ms > MaxTimeoutMs {
		return MaxTimeoutMs
	}
	return ms
}

// ClampBranchTimeout snaps a branch timeout into the supported range.
func ClampBranchTimeout(ms int64) int64 {
	if ms <= 0 {
		return DefaultBranchTimeoutMs
	}
	if ms < MinBranchTimeoutMs {
		return MinBranchTimeoutMs
	}
	if ms > MaxBranchTimeoutMs {
		return MaxBranchTimeoutMs
	}
	return ms
}

// GlobalTransaction is the durable record of a distributed transaction.
type GlobalTransaction struct {
	Xid             string       `json:"xid"`
	Status          GlobalStatus `json:"status"`
	ApplicationID   string       `json:"applicationId"`
	TransactionName string       `json:"transactionName"`
	TimeoutMs       int64        `json:"timeoutMs"`
	BeginTimeMs     int64        `json:"beginTimeMs"`
	ApplicationData []byte       `json:"applicationData,omitempty"`
}

// Expired reports whether the transaction exceeded its timeout as of nowMs.
func (g *GlobalTransaction) Expired(nowMs int64) bool {
	return nowMs-g.BeginTimeMs >= g.TimeoutMs
}

// BranchTransaction is one participant's work within a global transaction.
type BranchTransaction struct {
	BranchID        int64        `json:"branchId"`
	Xid             string       `json:"xid"`
	ResourceGroupID string       `json:"resourceGroupId,omitempty"`
	ResourceID      string       `json:"resourceId"`
	BranchType      BranchType   `json:"branchType"`
	LockKey         string       `json:"lockKey,omitempty"`
	Status          BranchStatus `json:"status"`
	ApplicationData []byte       `json:"applicationData,omitempty"`
	BeginTimeMs     int64        `json:"beginTimeMs"`
	EndTimeMs       int64        `json:"endTimeMs,omitempty"`
	TimeoutMs       int64        `json:"timeoutMs"`
}

// Expired reports whether the branch exceeded its own timeout as of nowMs.
func (b *BranchTransaction) Expired(nowMs int64) bool {
	return nowMs-b.BeginTimeMs >= b.TimeoutMs
}

// GlobalLock is one logical row lock held on behalf of a global transaction.
type GlobalLock struct {
	RowKey       string `json:"rowKey"`
	Xid          string `json:"xid"`
	BranchID     int64  `json:"branchId"`
	AcquiredAtMs int64  `json:"acquiredAtMs"`
}

// SplitLockKey expands an AT lock key ("table:pk1,pk2,...", multiple tables
// separated by ';') into one row key per primary key, each prefixed with the
// owning resource so locks from different data sources never collide.
func SplitLockKey(resourceID, lockKey string) ([]string, error) {
	if lockKey == "" {
		return nil, nil
	}
	var rowKeys []string
	for _, part := range strings.Split(lockKey, ";") {
		table, pks, ok := strings.Cut(part, ":")
		if !ok || table == "" || pks == "" {
			return nil, fmt.Errorf("malformed lock key segment %q", part)
		}
		for _, pk := range strings.Split(pks, ",") {
			if pk == "" {
				return nil, fmt.Errorf("empty primary key in lock key segment %q", part)
			}
			rowKeys = append(rowKeys, resourceID+":"+table+":"+pk)
		}
	}
	return rowKeys, nil
}

// BuildLockKey is the inverse helper used by the data-source interceptor:
// it renders one table plus its affected primary keys as a lock key segment.
func BuildLockKey(table string, pks []string) string {
	return table + ":" + strings.Join(pks, ",")
}

// FormatBranchID renders a branch id the way it travels in HTTP headers and
// logs.
func FormatBranchID(id int64) string {
	return strconv.FormatInt(id, 10)
}
