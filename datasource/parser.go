// Package datasource implements the AT-mode interception subsystem: DML
// parsing, before/after image capture, undo-log persistence in the business
// local transaction, and reverse-SQL compensation at rollback.
package datasource

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// SQLType classifies a statement for interception purposes.
type SQLType int

const (
	SQLOther SQLType = iota
	SQLSelect
	SQLInsert
	SQLUpdate
	SQLDelete
)

func (t SQLType) String() string {
	switch t {
	case SQLSelect:
		return "SELECT"
	case SQLInsert:
		return "INSERT"
	case SQLUpdate:
		return "UPDATE"
	case SQLDelete:
		return "DELETE"
	}
	return "OTHER"
}

// ParsedSQL is the statement shape the interceptor needs: what kind of DML,
// which table, and which WHERE expression (with the argument positions it
// binds) to replay for image capture.
type ParsedSQL struct {
	Type  SQLType
	Table string
	// Where is the WHERE expression rendered with placeholders renumbered
	// $1..$n; empty for INSERT or a whole-table statement.
	Where string
	// WhereArgIdx maps each renumbered placeholder to its 0-based index in
	// the original statement's argument list.
	WhereArgIdx []int
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)
var bindVarRe = regexp.MustCompile(`:v(\d+)`)

// Parse analyzes a SQL statement. Non-DML statements come back with
// Type SQLSelect/SQLOther so the caller can bypass interception.
func Parse(sql string) (*ParsedSQL, error) {
	trimmed := strings.TrimSpace(sql)
	switch strings.ToUpper(firstWord(trimmed)) {
	case "SELECT", "WITH":
		return &ParsedSQL{Type: SQLSelect}, nil
	case "INSERT", "UPDATE", "DELETE":
		// Interception candidates, parsed below.
	default:
		return &ParsedSQL{Type: SQLOther}, nil
	}

	// The structured parser speaks '?' bind variables; Postgres statements
	// carry $n. Rewrite, remembering which original argument each
	// sequential '?' binds (the same $n may appear more than once).
	var argOrder []int
	rewritten := placeholderRe.ReplaceAllStringFunc(trimmed, func(m string) string {
		n, _ := strconv.Atoi(m[1:])
		argOrder = append(argOrder, n-1)
		return "?"
	})

	stmt, err := sqlparser.Parse(rewritten)
	if err != nil {
		// Structured parse failed; a regex fallback covers basic
		// single-table DML.
		return fallbackParse(trimmed, argOrder)
	}

	switch s := stmt.(type) {
	case *sqlparser.Insert:
		return &ParsedSQL{Type: SQLInsert, Table: s.Table.Name.String()}, nil
	case *sqlparser.Update:
		p := &ParsedSQL{Type: SQLUpdate, Table: sqlparser.String(s.TableExprs)}
		if p.Where, p.WhereArgIdx, err = renderWhere(s.Where, argOrder); err != nil {
			return nil, err
		}
		return p, nil
	case *sqlparser.Delete:
		p := &ParsedSQL{Type: SQLDelete, Table: sqlparser.String(s.TableExprs)}
		if p.Where, p.WhereArgIdx, err = renderWhere(s.Where, argOrder); err != nil {
			return nil, err
		}
		return p, nil
	}
	return &ParsedSQL{Type: SQLOther}, nil
}

// renderWhere renders a parsed WHERE clause back to Postgres placeholder
// form and maps every placeholder to its original argument index. A bind
// variable beyond the statement's argument list (a bare '?' the parser took
// for one, say) is an error; dropping it would desynchronize the rendered
// WHERE from its argument list.
func renderWhere(w *sqlparser.Where, argOrder []int) (string, []int, error) {
	if w == nil {
		return "", nil, nil
	}
	buf := sqlparser.NewTrackedBuffer(nil)
	w.Expr.Format(buf)
	expr := buf.String()

	var argIdx []int
	var rerr error
	next := 0
	out := bindVarRe.ReplaceAllStringFunc(expr, func(m string) string {
		n, _ := strconv.Atoi(m[2:])
		if n-1 >= len(argOrder) {
			rerr = fmt.Errorf("bind variable %s outside the statement's %d arguments", m, len(argOrder))
			return m
		}
		argIdx = append(argIdx, argOrder[n-1])
		next++
		return "$" + strconv.Itoa(next)
	})
	if rerr != nil {
		return "", nil, rerr
	}
	return out, argIdx, nil
}

var (
	updateRe = regexp.MustCompile(`(?is)^update\s+([\w".]+)\s+set\s+.*?(?:\s+where\s+(.*?))?\s*$`)
	deleteRe = regexp.MustCompile(`(?is)^delete\s+from\s+([\w".]+)(?:\s+where\s+(.*?))?\s*$`)
	insertRe = regexp.MustCompile(`(?is)^insert\s+into\s+([\w".]+)`)
)

// fallbackParse handles basic single-table DML that the structured parser
// rejects (dialect-specific syntax). The WHERE text is taken verbatim; its
// placeholders already carry original argument numbers.
func fallbackParse(sql string, argOrder []int) (*ParsedSQL, error) {
	if m := insertRe.FindStringSubmatch(sql); m != nil {
		return &ParsedSQL{Type: SQLInsert, Table: strings.Trim(m[1], `"`)}, nil
	}
	var typ SQLType
	var m []string
	if m = updateRe.FindStringSubmatch(sql); m != nil {
		typ = SQLUpdate
	} else if m = deleteRe.FindStringSubmatch(sql); m != nil {
		typ = SQLDelete
	} else {
		return nil, fmt.Errorf("unparseable DML statement: %s", firstWord(sql))
	}
	p := &ParsedSQL{Type: typ, Table: strings.Trim(m[1], `"`)}
	if len(m) > 2 && m[2] != "" {
		var argIdx []int
		next := 0
		p.Where = placeholderRe.ReplaceAllStringFunc(m[2], func(ph string) string {
			n, _ := strconv.Atoi(ph[1:])
			argIdx = append(argIdx, n-1)
			next++
			return "$" + strconv.Itoa(next)
		})
		p.WhereArgIdx = argIdx
	}
	return p, nil
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '(' {
			return s[:i]
		}
	}
	return s
}
