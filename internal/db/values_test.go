package db

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/snapflowio/binlogcdc/message"
)

func TestNormalize(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))

	tests := []struct {
		name     string
		dataType string
		in       any
		want     any
	}{
		{"null", "INT", nil, nil},
		{"int", "INT", []byte("-42"), int64(-42)},
		{"unsigned bigint", "UNSIGNED BIGINT", []byte("18446744073709551615"), uint64(18446744073709551615)},
		{"unsigned small", "UNSIGNED INT", []byte("4294967295"), int64(4294967295)},
		{"decimal", "DECIMAL", []byte("10.50"), "10.5"},
		{"decimal value", "DECIMAL", decimal.RequireFromString("3.10"), "3.1"},
		{"double", "DOUBLE", []byte("1.25"), 1.25},
		{"float32", "FLOAT", float32(0.5), 0.5},
		{"text", "VARCHAR", []byte("hello"), "hello"},
		{"time", "DATETIME", at, at.UTC()},
		{"native int", "BIGINT", int64(7), int64(7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.dataType, tt.in))
		})
	}
}

func TestQuoting(t *testing.T) {
	assert.Equal(t, "`or``ders`", QuoteIdentifier("or`ders"))
	assert.Equal(t, "`shop`.`orders`", QuoteTable(message.NewTableID("shop", "orders")))
	assert.Equal(t, "`orders`", QuoteTable(message.NewTableID("", "orders")))
}

func TestIsIntegerType(t *testing.T) {
	assert.True(t, IsIntegerType("bigint"))
	assert.True(t, IsIntegerType("UNSIGNED INT"))
	assert.False(t, IsIntegerType("DECIMAL"))
	assert.False(t, IsIntegerType("VARCHAR"))
}
