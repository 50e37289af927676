package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSelectBypassed(t *testing.T) {
	p, err := Parse("SELECT * FROM account WHERE id = $1")
	require.NoError(t, err)
	assert.Equal(t, SQLSelect, p.Type)

	p, err = Parse("WITH x AS (SELECT 1) SELECT * FROM x")
	require.NoError(t, err)
	assert.Equal(t, SQLSelect, p.Type)
}

func TestParseDDLBypassed(t *testing.T) {
	p, err := Parse("CREATE TABLE t (id int)")
	require.NoError(t, err)
	assert.Equal(t, SQLOther, p.Type)
}

func TestParseInsert(t *testing.T) {
	p, err := Parse("INSERT INTO account (id, balance) VALUES ($1, $2)")
	require.NoError(t, err)
	assert.Equal(t, SQLInsert, p.Type)
	assert.Equal(t, "account", p.Table)
	assert.Empty(t, p.Where)
}

func TestParseUpdate(t *testing.T) {
	p, err := Parse("UPDATE account SET balance = $1 WHERE id = $2 AND region = $3")
	require.NoError(t, err)
	assert.Equal(t, SQLUpdate, p.Type)
	assert.Equal(t, "account", p.Table)
	assert.Equal(t, "id = $1 and region = $2", p.Where)
	assert.Equal(t, []int{1, 2}, p.WhereArgIdx)
}

func TestParseDelete(t *testing.T) {
	p, err := Parse("DELETE FROM account WHERE id = $1")
	require.NoError(t, err)
	assert.Equal(t, SQLDelete, p.Type)
	assert.Equal(t, "account", p.Table)
	assert.Equal(t, "id = $1", p.Where)
	assert.Equal(t, []int{0}, p.WhereArgIdx)
}

func TestParseDeleteNoWhere(t *testing.T) {
	p, err := Parse("DELETE FROM account")
	require.NoError(t, err)
	assert.Equal(t, SQLDelete, p.Type)
	assert.Empty(t, p.Where)
	assert.Empty(t, p.WhereArgIdx)
}

func TestParseRepeatedPlaceholder(t *testing.T) {
	// The same argument bound twice must map both WHERE slots back to it.
	p, err := Parse("UPDATE account SET balance = $1 WHERE id = $2 OR parent = $2")
	require.NoError(t, err)
	assert.Equal(t, SQLUpdate, p.Type)
	assert.Equal(t, []int{1, 1}, p.WhereArgIdx)
	assert.Equal(t, "id = $1 or parent = $2", p.Where)
}

func TestParseFallbackDialectSpecific(t *testing.T) {
	// ILIKE is not in the structured parser's grammar; the fallback still
	// recovers table and WHERE.
	p, err := Parse("UPDATE account SET name = $1 WHERE name ILIKE $2")
	require.NoError(t, err)
	assert.Equal(t, SQLUpdate, p.Type)
	assert.Equal(t, "account", p.Table)
	assert.Equal(t, []int{1}, p.WhereArgIdx)
	assert.Contains(t, p.Where, "ILIKE")
}

func TestParseUnparseableDML(t *testing.T) {
	_, err := Parse("UPDATE")
	assert.Error(t, err)
}

func TestParseRejectsUnboundWherePlaceholder(t *testing.T) {
	// A bare '?' reads as a bind variable with no argument behind it. The
	// parse must fail rather than drop the binding and leave the rendered
	// WHERE out of step with its argument list.
	_, err := Parse("DELETE FROM account WHERE note = ? AND id = $1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind variable")
}
