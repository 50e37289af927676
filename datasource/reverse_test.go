package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReverseInsert(t *testing.T) {
	after := accountRecords([]any{int64(1), int64(100), "eu"}, []any{int64(2), int64(200), "us"})
	stmts, err := BuildReverse(SQLInsert, nil, after)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, `DELETE FROM "account" WHERE "id" = $1`, stmts[0].SQL)
	assert.Equal(t, []any{int64(1)}, stmts[0].Args)
	assert.Equal(t, []any{int64(2)}, stmts[1].Args)
}

func TestReverseUpdate(t *testing.T) {
	before := accountRecords([]any{int64(1), int64(100), "eu"})
	after := accountRecords([]any{int64(1), int64(50), "eu"})
	stmts, err := BuildReverse(SQLUpdate, before, after)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t,
		`UPDATE "account" SET "id" = $1, "balance" = $2, "region" = $3 WHERE "id" = $4`,
		stmts[0].SQL)
	assert.Equal(t, []any{int64(1), int64(100), "eu", int64(1)}, stmts[0].Args)
}

func TestReverseDelete(t *testing.T) {
	before := accountRecords([]any{int64(1), int64(100), "eu"})
	stmts, err := BuildReverse(SQLDelete, before, nil)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t,
		`INSERT INTO "account" ("id", "balance", "region") VALUES ($1, $2, $3)`,
		stmts[0].SQL)
	assert.Equal(t, []any{int64(1), int64(100), "eu"}, stmts[0].Args)
}

func TestReverseCompositeKey(t *testing.T) {
	after := &TableRecords{
		TableName: "order_item",
		PKColumns: []string{"order_id", "line"},
		Columns:   []string{"order_id", "line", "sku"},
		Rows:      [][]any{{int64(7), int64(2), "ab"}},
	}
	stmts, err := BuildReverse(SQLInsert, nil, after)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, `DELETE FROM "order_item" WHERE "order_id" = $1 AND "line" = $2`, stmts[0].SQL)
	assert.Equal(t, []any{int64(7), int64(2)}, stmts[0].Args)
}

func TestReverseEmptyImages(t *testing.T) {
	stmts, err := BuildReverse(SQLUpdate, &TableRecords{}, &TableRecords{})
	require.NoError(t, err)
	assert.Empty(t, stmts)

	_, err = BuildReverse(SQLSelect, nil, nil)
	assert.Error(t, err)
}
