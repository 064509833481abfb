package capture

import (
	"errors"
	"fmt"
	"strings"

	"github.com/snapflowio/binlogcdc/message"
)

type Table struct {
	Name   string `mapstructure:"name"`
	Schema string `mapstructure:"schema"`
}

type TableOption func(*Table)

func NewTable(name string, opts ...TableOption) Table {
	t := Table{Name: name}

	for _, opt := range opts {
		opt(&t)
	}

	return t
}

func WithSchema(schema string) TableOption {
	return func(t *Table) {
		t.Schema = schema
	}
}

// ParseTable accepts "schema.table" or a bare table name.
func ParseTable(s string) Table {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '.'); idx > 0 {
		return Table{Schema: s[:idx], Name: s[idx+1:]}
	}
	return Table{Name: s}
}

func (t Table) ID() message.TableID {
	return message.NewTableID(t.Schema, t.Name)
}

func (t Table) String() string {
	return t.ID().String()
}

func (t Table) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("table name cannot be empty")
	}

	if strings.TrimSpace(t.Schema) == "" {
		return fmt.Errorf("table %s has no schema", t.Name)
	}

	return nil
}

type Tables []Table

func (ts Tables) Validate() error {
	if len(ts) == 0 {
		return errors.New("at least one table must be captured")
	}

	seen := make(map[string]struct{}, len(ts))
	var err error
	for _, t := range ts {
		if vErr := t.Validate(); vErr != nil {
			err = errors.Join(err, vErr)
			continue
		}
		key := strings.ToLower(t.String())
		if _, ok := seen[key]; ok {
			err = errors.Join(err, fmt.Errorf("table %s is listed twice", t))
		}
		seen[key] = struct{}{}
	}

	return err
}

// WithDefaultSchema fills the schema of unqualified tables.
func (ts Tables) WithDefaultSchema(schema string) Tables {
	res := make(Tables, len(ts))
	for i, t := range ts {
		if t.Schema == "" {
			t.Schema = schema
		}
		res[i] = t
	}
	return res
}

func (ts Tables) IDs() []message.TableID {
	ids := make([]message.TableID, len(ts))
	for i, t := range ts {
		ids[i] = t.ID()
	}
	return ids
}
