package capture

import (
	"strings"

	"github.com/snapflowio/binlogcdc/message"
)

// Filter decides whether binlog events of a table are captured. MySQL schema and table names
// are compared case-insensitively, which matches lower_case_table_names=1 and 2.
type Filter struct {
	tables map[string]message.TableID
}

func NewFilter(tables Tables) *Filter {
	f := &Filter{tables: make(map[string]message.TableID, len(tables))}
	for _, t := range tables {
		f.tables[filterKey(t.Schema, t.Name)] = t.ID()
	}
	return f
}

func (f *Filter) Match(schema, table string) bool {
	_, ok := f.tables[filterKey(schema, table)]
	return ok
}

// Resolve returns the configured spelling of a captured table.
func (f *Filter) Resolve(schema, table string) (message.TableID, bool) {
	id, ok := f.tables[filterKey(schema, table)]
	return id, ok
}

func (f *Filter) Len() int {
	return len(f.tables)
}

func filterKey(schema, table string) string {
	return strings.ToLower(schema) + "." + strings.ToLower(table)
}
