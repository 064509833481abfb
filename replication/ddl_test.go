package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snapflowio/binlogcdc/message"
)

func TestDDLTables(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []message.TableID
	}{
		{
			name:  "alter unqualified",
			query: "ALTER TABLE orders ADD COLUMN note TEXT",
			want:  []message.TableID{message.NewTableID("shop", "orders")},
		},
		{
			name:  "alter qualified with backticks",
			query: "alter table `other`.`my``table` drop column x",
			want:  []message.TableID{message.NewTableID("other", "my`table")},
		},
		{
			name:  "leading comment",
			query: "/* gh-ost */ ALTER TABLE orders ENGINE=InnoDB",
			want:  []message.TableID{message.NewTableID("shop", "orders")},
		},
		{
			name:  "create if not exists",
			query: "CREATE TABLE IF NOT EXISTS shop.items (id INT PRIMARY KEY)",
			want:  []message.TableID{message.NewTableID("shop", "items")},
		},
		{
			name:  "drop list",
			query: "DROP TABLE IF EXISTS `orders`, shop.items /* generated by server */",
			want: []message.TableID{
				message.NewTableID("shop", "orders"),
				message.NewTableID("shop", "items"),
			},
		},
		{
			name:  "rename pairs",
			query: "RENAME TABLE orders TO orders_old, orders_new TO orders",
			want: []message.TableID{
				message.NewTableID("shop", "orders"),
				message.NewTableID("shop", "orders_old"),
				message.NewTableID("shop", "orders_new"),
				message.NewTableID("shop", "orders"),
			},
		},
		{
			name:  "truncate",
			query: "TRUNCATE TABLE orders",
			want:  []message.TableID{message.NewTableID("shop", "orders")},
		},
		{
			name:  "create index",
			query: "CREATE UNIQUE INDEX idx_email ON users (email)",
			want:  []message.TableID{message.NewTableID("shop", "users")},
		},
		{
			name:  "not a table statement",
			query: "CREATE USER 'bob'@'%'",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DDLTables("shop", tt.query))
		})
	}
}

func TestIsDDL(t *testing.T) {
	assert.True(t, IsDDL("ALTER TABLE t ADD c INT"))
	assert.True(t, IsDDL("/* x */ drop table t"))
	assert.False(t, IsDDL("BEGIN"))
	assert.False(t, IsDDL("INSERT INTO t VALUES (1)"))
}
