package cdcerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	"github.com/snapflowio/binlogcdc/position"
)

func TestErrorMessage(t *testing.T) {
	err := New(DataLossRisk, "merge", errors.New("schema changed")).
		WithTable("shop.orders").
		WithChunk("shop.orders#2").
		WithPosition(position.New("mysql-bin.000004", 880))

	assert.Equal(t, "data_loss_risk merge table=shop.orders chunk=shop.orders#2 position=mysql-bin.000004:880: schema changed", err.Error())
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("stream: %w", New(Downstream, "deliver", io.ErrClosedPipe))

	assert.Equal(t, Downstream, KindOf(wrapped))
	assert.True(t, Is(wrapped, Downstream))
	assert.Equal(t, Transient, KindOf(io.ErrUnexpectedEOF))
	assert.Equal(t, Internal, KindOf(errors.New("binlog decode: unexpected rows event length")))
	assert.Equal(t, Config, KindOf(&mysql.MySQLError{Number: 1045}))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"deadlock", &mysql.MySQLError{Number: 1213}, true},
		{"access denied", &mysql.MySQLError{Number: 1045}, false},
		{"server gone", &gomysql.MyError{Code: 2006}, true},
		{"classified", New(Config, "x", io.EOF), false},
		{"reset by peer", errors.New("read tcp: connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsConfig(t *testing.T) {
	assert.True(t, IsConfig(&mysql.MySQLError{Number: 1146}))
	assert.True(t, IsConfig(New(Config, "validate", errors.New("bad"))))
	assert.False(t, IsConfig(New(Transient, "ping", &mysql.MySQLError{Number: 1045})))
	assert.False(t, IsConfig(&mysql.MySQLError{Number: 1213}))
}

func TestIsPurged(t *testing.T) {
	assert.True(t, IsPurged(&gomysql.MyError{Code: 1236, Message: "Could not find first log file name in binary log index file"}))
	assert.True(t, IsPurged(errors.New("ERROR 1236: the master has purged binary logs containing GTIDs")))
	assert.False(t, IsPurged(io.ErrUnexpectedEOF))
}
