package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapflowio/binlogcdc/capture"
	"github.com/snapflowio/binlogcdc/position"
)

func TestLoadYAML(t *testing.T) {
	t.Setenv("SHOP_DB_PASSWORD", "s3cret")

	path := filepath.Join(t.TempDir(), "binlogcdc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: db.internal
port: 3307
username: cdc
password: ${SHOP_DB_PASSWORD}
database: shop
server_id: 9001
tables:
  - orders
  - billing.invoices
logger:
  level: warn
startup:
  mode: specific-offset
  position: mysql-bin.000042:1540
snapshot:
  chunk_size: 500
  lock_mode: none
checkpoint:
  store: bolt
  interval: 5s
sink:
  type: nats
  url: nats://localhost:4222
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 3307, cfg.Port)
	assert.Equal(t, "s3cret", cfg.Password)
	assert.Equal(t, uint32(9001), cfg.ServerID)
	assert.Equal(t, capture.Tables{
		capture.NewTable("orders", capture.WithSchema("shop")),
		capture.NewTable("invoices", capture.WithSchema("billing")),
	}, cfg.Tables)
	assert.Equal(t, logrus.WarnLevel, cfg.Logger.LogLevel)

	pos, err := cfg.Startup.StartPosition()
	require.NoError(t, err)
	assert.Equal(t, position.New("mysql-bin.000042", 1540), pos)

	assert.Equal(t, int64(500), cfg.Snapshot.ChunkSize)
	assert.Equal(t, LockModeNone, cfg.Snapshot.LockMode)
	assert.Equal(t, 4, cfg.Snapshot.Parallelism)
	assert.Equal(t, StoreBolt, cfg.Checkpoint.Store)
	assert.Equal(t, "binlogcdc.db", cfg.Checkpoint.Path)
	assert.Equal(t, 5*time.Second, cfg.Checkpoint.Interval)
	assert.Equal(t, "BINLOGCDC", cfg.Sink.Stream)
	assert.Equal(t, "db.internal:3307/9001", cfg.SourceID())
	assert.Equal(t, "shop", cfg.SourceName())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("BINLOGCDC_HOST", "127.0.0.1")
	t.Setenv("BINLOGCDC_USERNAME", "root")
	t.Setenv("BINLOGCDC_DATABASE", "shop")
	t.Setenv("BINLOGCDC_TABLES", "orders,users")
	t.Setenv("BINLOGCDC_FLAVOR", "mariadb")
	t.Setenv("BINLOGCDC_EMITTER_MAX_INFLIGHT", "32")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 3306, cfg.Port)
	assert.Equal(t, FlavorMariaDB, cfg.Flavor)
	assert.Equal(t, 32, cfg.Emitter.MaxInflight)
	assert.Len(t, cfg.Tables, 2)
	assert.Equal(t, SinkStdout, cfg.Sink.Type)
}

func TestValidate(t *testing.T) {
	cfg := NewConfig(
		WithDSN("mysql://root:pw@localhost:3306/shop"),
		WithTables(capture.Tables{capture.NewTable("orders")}),
	)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "pw", cfg.Password)

	cfg.Flavor = "percona"
	cfg.Startup = StartupConfig{Mode: StartupModeSpecificOffset}
	cfg.Replication.ReadTimeout = time.Second
	cfg.Checkpoint = CheckpointConfig{Store: StorePostgres, Interval: time.Second}

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "flavor must be")
	assert.ErrorContains(t, err, "startup position must be set")
	assert.ErrorContains(t, err, "read timeout must be greater")
	assert.ErrorContains(t, err, "checkpoint dsn cannot be empty")
}

func TestDSN(t *testing.T) {
	cfg := NewConfig(WithHost("db"), WithUsername("cdc"), WithPassword("pw"), WithDatabase("shop"))

	dsn := cfg.DSN()
	assert.Contains(t, dsn, "cdc:pw@tcp(db:3306)/shop")
	assert.Contains(t, dsn, "parseTime=true")
	assert.NotContains(t, cfg.String(), "pw")
}
