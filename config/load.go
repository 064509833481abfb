package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/snapflowio/binlogcdc/capture"
)

const envPrefix = "BINLOGCDC"

// Load reads a YAML file and BINLOGCDC_* environment variables. An empty path loads the
// environment only. ${VAR} references inside values are expanded.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setViperDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for _, entry := range v.GetStringSlice("tables") {
		for _, name := range strings.Split(entry, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			cfg.Tables = append(cfg.Tables, capture.ParseTable(name))
		}
	}

	cfg.SetDefault()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Keys without a default are invisible to AutomaticEnv during Unmarshal. The zero values
// are replaced by SetDefault.
func setViperDefaults(v *viper.Viper) {
	for _, key := range []string{
		"host", "username", "password", "database", "flavor", "name", "source_id",
		"logger.level", "logger.format", "startup.mode", "startup.position", "snapshot.lock_mode",
		"checkpoint.store", "checkpoint.path", "checkpoint.dsn", "checkpoint.table",
		"sink.type", "sink.url", "sink.stream", "sink.subject",
	} {
		v.SetDefault(key, "")
	}

	for _, key := range []string{
		"port", "server_id", "snapshot.chunk_size", "snapshot.parallelism", "snapshot.batch_size",
		"snapshot.max_retries", "snapshot.retry_delay", "snapshot.rows_per_second", "replication.heartbeat_period",
		"replication.read_timeout", "replication.max_reconnects", "replication.reconnect_delay",
		"checkpoint.interval", "emitter.buffer_size", "emitter.max_inflight", "emitter.retry_delay",
		"emitter.max_retry_delay",
	} {
		v.SetDefault(key, 0)
	}

	v.SetDefault("include_schema_changes", false)
	v.SetDefault("debug", false)
	v.SetDefault("tables", []string{})
}
