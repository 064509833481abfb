package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapflowio/binlogcdc/message"
)

func TestParseTable(t *testing.T) {
	assert.Equal(t, Table{Schema: "shop", Name: "orders"}, ParseTable(" shop.orders "))
	assert.Equal(t, Table{Name: "orders"}, ParseTable("orders"))
}

func TestTablesValidate(t *testing.T) {
	require.NoError(t, Tables{NewTable("orders", WithSchema("shop"))}.Validate())

	assert.ErrorContains(t, Tables{}.Validate(), "at least one table")
	assert.ErrorContains(t, Tables{NewTable("orders")}.Validate(), "has no schema")
	assert.ErrorContains(t, Tables{
		NewTable("orders", WithSchema("shop")),
		NewTable("ORDERS", WithSchema("shop")),
	}.Validate(), "listed twice")
}

func TestWithDefaultSchema(t *testing.T) {
	ts := Tables{NewTable("orders"), NewTable("users", WithSchema("auth"))}.WithDefaultSchema("shop")

	assert.Equal(t, []message.TableID{
		message.NewTableID("shop", "orders"),
		message.NewTableID("auth", "users"),
	}, ts.IDs())
}

func TestFilterMatchesCaseInsensitively(t *testing.T) {
	f := NewFilter(Tables{NewTable("Orders", WithSchema("Shop"))})

	assert.Equal(t, 1, f.Len())
	assert.True(t, f.Match("shop", "orders"))
	assert.False(t, f.Match("shop", "users"))

	id, ok := f.Resolve("SHOP", "ORDERS")
	require.True(t, ok)
	assert.Equal(t, message.NewTableID("Shop", "Orders"), id)
}
