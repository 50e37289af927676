package datasource

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// TableRecords is a snapshot of the rows a DML statement touched: the
// before or after image.
type TableRecords struct {
	TableName string   `json:"tableName"`
	PKColumns []string `json:"pkColumns"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
}

// Empty reports whether the snapshot holds no rows.
func (r *TableRecords) Empty() bool {
	return r == nil || len(r.Rows) == 0
}

// PKValues renders the primary key of each row as a tuple string
// ("1" single column, "1_2" composite), the form used in lock keys.
func (r *TableRecords) PKValues() []string {
	if r.Empty() {
		return nil
	}
	idx := r.pkIndexes()
	out := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		parts := make([]string, len(idx))
		for i, j := range idx {
			parts[i] = normalize(row[j])
		}
		out = append(out, strings.Join(parts, "_"))
	}
	return out
}

// pkIndexes resolves PK column positions within Columns.
func (r *TableRecords) pkIndexes() []int {
	idx := make([]int, 0, len(r.PKColumns))
	for _, pk := range r.PKColumns {
		for j, c := range r.Columns {
			if strings.EqualFold(c, pk) {
				idx = append(idx, j)
				break
			}
		}
	}
	return idx
}

// PKArgs returns the raw PK values of each row, for parameterized lookups.
func (r *TableRecords) PKArgs() [][]any {
	if r.Empty() {
		return nil
	}
	idx := r.pkIndexes()
	out := make([][]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		vals := make([]any, len(idx))
		for i, j := range idx {
			vals[i] = row[j]
		}
		out = append(out, vals)
	}
	return out
}

// Marshal serializes the snapshot for the undo log.
func (r *TableRecords) Marshal() ([]byte, error) {
	if r.Empty() {
		return nil, nil
	}
	return json.Marshal(r)
}

// UnmarshalRecords restores a snapshot from undo-log bytes; nil for empty.
func UnmarshalRecords(data []byte) (*TableRecords, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var r TableRecords
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SameRows compares two snapshots row-set-wise: same rows in any order,
// values compared by normalized text so a JSON round trip (int64 vs
// float64, []byte vs string) does not flag a false mismatch.
func SameRows(a, b *TableRecords) bool {
	if a.Empty() && b.Empty() {
		return true
	}
	if a.Empty() != b.Empty() || len(a.Rows) != len(b.Rows) {
		return false
	}
	akeys := rowFingerprints(a)
	bkeys := rowFingerprints(b)
	for k, n := range akeys {
		if bkeys[k] != n {
			return false
		}
	}
	return len(akeys) == len(bkeys)
}

func rowFingerprints(r *TableRecords) map[string]int {
	out := make(map[string]int, len(r.Rows))
	for _, row := range r.Rows {
		parts := make([]string, len(row))
		for i, v := range row {
			parts[i] = r.Columns[i] + "=" + normalize(v)
		}
		out[strings.Join(parts, "|")]++
	}
	return out
}

// normalize renders a value in a representation stable across driver and
// JSON type mappings.
func normalize(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case []byte:
		return string(x)
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%v", x)
	case float32:
		return normalize(float64(x))
	}
	return fmt.Sprintf("%v", v)
}
