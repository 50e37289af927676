package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sharedcode/dtx"
)

func TestBindTxContext(t *testing.T) {
	ctx := context.Background()
	assert.False(t, InGlobalTransaction(ctx))
	assert.Nil(t, TxFromContext(ctx))

	tx := &TxContext{Xid: "app:1:1", TransactionName: "createOrder", TimeoutMs: 60_000}
	ctx = BindTxContext(ctx, tx)

	assert.True(t, InGlobalTransaction(ctx))
	assert.Equal(t, "app:1:1", dtx.XidFromContext(ctx))
	assert.Same(t, tx, TxFromContext(ctx))
}

func TestWrapDetachesFromParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	tx := &TxContext{Xid: "app:1:1"}
	bound := BindTxContext(parent, tx)
	cancel()

	out := Wrap(bound)
	assert.NoError(t, out.Err(), "wrapped context must not inherit cancellation")
	assert.Equal(t, "app:1:1", dtx.XidFromContext(out))
	assert.Same(t, tx, TxFromContext(out))
}

func TestWrapPlainXid(t *testing.T) {
	ctx := dtx.ContextWithXid(context.Background(), "x9")
	out := Wrap(ctx)
	assert.Equal(t, "x9", dtx.XidFromContext(out))
}

func TestWrapOutsideTransaction(t *testing.T) {
	out := Wrap(context.Background())
	assert.False(t, InGlobalTransaction(out))
}
