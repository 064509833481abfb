package replication

import (
	"testing"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapflowio/binlogcdc/message"
)

func TestNewDecoder(t *testing.T) {
	for flavor, want := range map[string]string{"": "mysql", "MySQL": "mysql", "mariadb": "mariadb"} {
		d, err := NewDecoder(flavor)
		require.NoError(t, err)
		assert.Equal(t, want, d.Flavor())
	}

	_, err := NewDecoder("oracle")
	assert.Error(t, err)
}

func TestMySQLDecoder(t *testing.T) {
	d, err := NewDecoder("mysql")
	require.NoError(t, err)

	sid := uuid.MustParse("3e11fa47-71ca-11e1-9e33-c80aa9429562")
	gtid, ok := d.GTID(&replication.BinlogEvent{Event: &replication.GTIDEvent{SID: sid[:], GNO: 23}})
	require.True(t, ok)
	assert.Equal(t, "3e11fa47-71ca-11e1-9e33-c80aa9429562:23", gtid)

	assert.True(t, d.IsBegin(&replication.BinlogEvent{Event: &replication.QueryEvent{Query: []byte("BEGIN")}}))
	assert.False(t, d.IsBegin(&replication.BinlogEvent{Event: &replication.QueryEvent{Query: []byte("COMMIT")}}))

	op, ok := d.Operation(replication.PARTIAL_UPDATE_ROWS_EVENT)
	assert.True(t, ok)
	assert.Equal(t, message.OperationUpdate, op)

	op, ok = d.Operation(replication.DELETE_ROWS_EVENTv2)
	assert.True(t, ok)
	assert.Equal(t, message.OperationDelete, op)

	_, ok = d.Operation(replication.XID_EVENT)
	assert.False(t, ok)
}

func TestMariaDBDecoder(t *testing.T) {
	d, err := NewDecoder("mariadb")
	require.NoError(t, err)

	ev := &replication.BinlogEvent{Event: &replication.MariadbGTIDEvent{
		GTID: mysql.MariadbGTID{DomainID: 0, ServerID: 1, SequenceNumber: 42},
	}}
	gtid, ok := d.GTID(ev)
	require.True(t, ok)
	assert.Equal(t, "0-1-42", gtid)
	assert.True(t, d.IsBegin(ev))

	op, ok := d.Operation(replication.MARIADB_WRITE_ROWS_COMPRESSED_EVENT_V1)
	assert.True(t, ok)
	assert.Equal(t, message.OperationInsert, op)

	_, ok = d.Operation(replication.WRITE_ROWS_EVENTv2)
	assert.False(t, ok)
}
