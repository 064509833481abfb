package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/snapflowio/binlogcdc/internal/db"
	"github.com/snapflowio/binlogcdc/message"
)

// ColumnResolver names the columns of a table for servers that do not write column names into
// table map events (binlog_row_metadata=MINIMAL).
type ColumnResolver interface {
	Columns(ctx context.Context, table message.TableID) ([]db.Column, error)
	Invalidate(table message.TableID)
}

type SchemaCache struct {
	q       db.Querier
	mu      sync.Mutex
	columns map[message.TableID][]db.Column
}

func NewSchemaCache(q db.Querier) *SchemaCache {
	return &SchemaCache{q: q, columns: make(map[message.TableID][]db.Column)}
}

func (c *SchemaCache) Columns(ctx context.Context, table message.TableID) ([]db.Column, error) {
	c.mu.Lock()
	cols, ok := c.columns[table]
	c.mu.Unlock()
	if ok {
		return cols, nil
	}

	cols, err := db.Columns(ctx, c.q, table)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.columns[table] = cols
	c.mu.Unlock()

	return cols, nil
}

func (c *SchemaCache) Invalidate(table message.TableID) {
	c.mu.Lock()
	delete(c.columns, table)
	c.mu.Unlock()
}

// columnNames returns the name of every column in a table map event.
func columnNames(ctx context.Context, resolver ColumnResolver, table message.TableID, e *replication.TableMapEvent) ([]string, error) {
	names := make([]string, int(e.ColumnCount))

	if fromEvent := e.ColumnNameString(); len(fromEvent) == len(names) {
		copy(names, fromEvent)
		return names, nil
	}

	if resolver == nil {
		return nil, fmt.Errorf("table %s: binlog has no column names and no resolver is configured", table)
	}

	cols, err := resolver.Columns(ctx, table)
	if err != nil {
		return nil, err
	}

	for i := range names {
		if i < len(cols) {
			names[i] = cols[i].Name
		} else {
			names[i] = fmt.Sprintf("col_%d", i)
		}
	}

	return names, nil
}

func rowImage(names []string, data []any) map[string]any {
	row := make(map[string]any, len(data))
	for i, v := range data {
		name := fmt.Sprintf("col_%d", i)
		if i < len(names) {
			name = names[i]
		}
		row[name] = v
	}
	return row
}
