package mq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/rm"
)

func mqBranch() *dtx.BranchTransaction {
	return &dtx.BranchTransaction{
		BranchID:   9,
		Xid:        "app:1:1",
		ResourceID: "mq:orders",
		BranchType: dtx.BranchTypeMQ,
	}
}

func TestCommitPublishesHalfMessage(t *testing.T) {
	ctx := context.Background()
	broker := NewInMemoryBroker(4)
	h := NewHandler()
	h.Register("orders", broker)

	require.NoError(t, broker.Stage(ctx, &HalfMessage{
		Xid: "app:1:1", BranchID: 9, Topic: "order.created", Payload: []byte(`{"id":1}`),
	}))

	res := h.Commit(ctx, mqBranch())
	require.True(t, res.Success())

	select {
	case m := <-broker.Published():
		assert.Equal(t, "order.created", m.Topic)
		assert.Equal(t, int64(9), m.BranchID)
	default:
		t.Fatal("confirmed message was not published")
	}

	// Re-delivered commit finds nothing staged and succeeds quietly.
	res = h.Commit(ctx, mqBranch())
	require.True(t, res.Success())
	select {
	case <-broker.Published():
		t.Fatal("re-delivery must not publish twice")
	default:
	}
}

func TestRollbackDiscardsHalfMessage(t *testing.T) {
	ctx := context.Background()
	broker := NewInMemoryBroker(4)
	h := NewHandler()
	h.Register("orders", broker)

	require.NoError(t, broker.Stage(ctx, &HalfMessage{Xid: "app:1:1", BranchID: 9, Topic: "t"}))

	res := h.Rollback(ctx, mqBranch())
	require.True(t, res.Success())

	// The discarded message must never surface, even after a late commit.
	res = h.Commit(ctx, mqBranch())
	require.True(t, res.Success())
	select {
	case <-broker.Published():
		t.Fatal("discarded message was published")
	default:
	}
}

func TestRollbackWithoutStageIsNoop(t *testing.T) {
	broker := NewInMemoryBroker(4)
	h := NewHandler()
	h.Register("orders", broker)

	res := h.Rollback(context.Background(), mqBranch())
	assert.True(t, res.Success())
}

func TestUnknownBroker(t *testing.T) {
	h := NewHandler()
	res := h.Commit(context.Background(), mqBranch())
	require.False(t, res.Success())
	assert.Equal(t, rm.StatusResourceError, res.Status)
}
