package dtx

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
)

// XIDGenerator produces global transaction ids of the form
// applicationId:epochMs:monotonic. The monotonic part makes ids unique
// within a coordinator; the epoch makes them unique across restarts.
type XIDGenerator struct {
	seq atomic.Int64
}

func NewXIDGenerator() *XIDGenerator {
	return &XIDGenerator{}
}

// Next returns a fresh xid for the given application.
func (g *XIDGenerator) Next(applicationID string) string {
	return fmt.Sprintf("%s:%d:%d", applicationID, NowMs(), g.seq.Add(1))
}

// ParseXID splits an xid into its application id, begin epoch and sequence
// parts. The application id itself may contain ':' so the split is anchored
// on the two trailing numeric segments.
func ParseXID(xid string) (applicationID string, epochMs int64, seq int64, err error) {
	i := strings.LastIndexByte(xid, ':')
	if i < 0 {
		return "", 0, 0, fmt.Errorf("malformed xid %q", xid)
	}
	j := strings.LastIndexByte(xid[:i], ':')
	if j < 0 {
		return "", 0, 0, fmt.Errorf("malformed xid %q", xid)
	}
	seq, err = strconv.ParseInt(xid[i+1:], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed xid %q: %w", xid, err)
	}
	epochMs, err = strconv.ParseInt(xid[j+1:i], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed xid %q: %w", xid, err)
	}
	return xid[:j], epochMs, seq, nil
}

// BranchIDAllocator hands out cluster-unique, roughly monotonic branch ids.
// A time-plus-sequence generator is not safe under clock skew or high
// concurrency, so ids come from a snowflake node keyed by the coordinator's
// node id.
type BranchIDAllocator struct {
	node *snowflake.Node
}

// NewBranchIDAllocator creates an allocator for the given coordinator node
// id (0..1023).
func NewBranchIDAllocator(nodeID int64) (*BranchIDAllocator, error) {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("branch id allocator: %w", err)
	}
	return &BranchIDAllocator{node: n}, nil
}

// Next returns the next branch id.
func (a *BranchIDAllocator) Next() int64 {
	return a.node.Generate().Int64()
}
