package datasource

import (
	"fmt"
	"strings"
)

// reverseStatement is one compensation statement to execute.
type reverseStatement struct {
	SQL  string
	Args []any
}

// quoteIdent quotes a SQL identifier; names come out of the parser, not
// user input, but embedded quotes are still escaped.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(strings.Trim(name, `"`), `"`, `""`) + `"`
}

// pkPredicate renders "pk1 = $n AND pk2 = $n+1" starting at placeholder n.
func pkPredicate(pkCols []string, start int) string {
	parts := make([]string, len(pkCols))
	for i, c := range pkCols {
		parts[i] = fmt.Sprintf("%s = $%d", quoteIdent(c), start+i)
	}
	return strings.Join(parts, " AND ")
}

// BuildReverse produces the compensation statements for one undo-log
// record: INSERT is reversed by DELETE on the after-image keys, UPDATE by
// restoring before-image values keyed by primary key, DELETE by
// re-inserting the before-image rows.
func BuildReverse(sqlType SQLType, before, after *TableRecords) ([]reverseStatement, error) {
	switch sqlType {
	case SQLInsert:
		return reverseInsert(after)
	case SQLUpdate:
		return reverseUpdate(before, after)
	case SQLDelete:
		return reverseDelete(before)
	}
	return nil, fmt.Errorf("no reverse statement for %s", sqlType)
}

func reverseInsert(after *TableRecords) ([]reverseStatement, error) {
	if after.Empty() {
		return nil, nil
	}
	var out []reverseStatement
	for _, pkVals := range after.PKArgs() {
		out = append(out, reverseStatement{
			SQL: fmt.Sprintf("DELETE FROM %s WHERE %s",
				quoteIdent(after.TableName), pkPredicate(after.PKColumns, 1)),
			Args: pkVals,
		})
	}
	return out, nil
}

func reverseUpdate(before, after *TableRecords) ([]reverseStatement, error) {
	if before.Empty() {
		return nil, nil
	}
	var out []reverseStatement
	pkIdx := before.pkIndexes()
	for _, row := range before.Rows {
		sets := make([]string, 0, len(before.Columns))
		args := make([]any, 0, len(before.Columns)+len(pkIdx))
		n := 0
		for j, col := range before.Columns {
			n++
			sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdent(col), n))
			args = append(args, row[j])
		}
		for _, j := range pkIdx {
			args = append(args, row[j])
		}
		out = append(out, reverseStatement{
			SQL: fmt.Sprintf("UPDATE %s SET %s WHERE %s",
				quoteIdent(before.TableName), strings.Join(sets, ", "),
				pkPredicate(before.PKColumns, n+1)),
			Args: args,
		})
	}
	return out, nil
}

func reverseDelete(before *TableRecords) ([]reverseStatement, error) {
	if before.Empty() {
		return nil, nil
	}
	cols := make([]string, len(before.Columns))
	ph := make([]string, len(before.Columns))
	for i, c := range before.Columns {
		cols[i] = quoteIdent(c)
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	var out []reverseStatement
	for _, row := range before.Rows {
		args := make([]any, len(row))
		copy(args, row)
		out = append(out, reverseStatement{
			SQL: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				quoteIdent(before.TableName), strings.Join(cols, ", "), strings.Join(ph, ", ")),
			Args: args,
		})
	}
	return out, nil
}
