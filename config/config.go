/*
Package config holds the settings of the shared snapshot subsystem.

These are GUCs in postgres/greenplum:
  - max_connections (MaxBackends) and max_prepared_transactions decide the shared memory sizes
  - gp_snapshotadd_timeout decides how long a writer waits on a slot collision,
    and how long a reader waits for the writer's slot to appear
  - debug_print_full_dtm makes slot add/lookup/remove visible in the log

Loading order (later sources override earlier): defaults, YAML file, environment variables.
*/
package config

import (
	"time"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/segmate/common"
)

// SnapshotDumpArraySize is the length of the cursor snapshot dump ring in each descriptor
// this is not configurable because the descriptor layout depends on it
const SnapshotDumpArraySize = 16

// Config is the configuration
type Config struct {
	// MaxConnections is MaxBackends
	MaxConnections int `koanf:"max_connections"`
	// MaxPreparedTransactions is max_prepared_transactions
	// on the coordinator this is the number of connections allowed, so it decides the number of slots
	MaxPreparedTransactions int `koanf:"max_prepared_transactions"`
	// SnapshotAddTimeout is gp_snapshotadd_timeout in seconds
	SnapshotAddTimeout int `koanf:"snapshot_add_timeout"`
	// RetryInterval is the sleep between two polls
	RetryInterval time.Duration `koanf:"retry_interval"`
	// DebugPrintFullDtm logs slot lifecycle at info level instead of trace
	DebugPrintFullDtm bool `koanf:"debug_print_full_dtm"`

	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// LogConfig is logger configuration
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error
	Level string `koanf:"level"`
	// Format is text or json
	Format string `koanf:"format"`
}

// MetricsConfig is prometheus endpoint configuration
type MetricsConfig struct {
	// Addr is the listen address of /metrics. empty disables it
	Addr string `koanf:"addr"`
}

// Default returns default configuration
func Default() Config {
	return Config{
		MaxConnections:          100,
		MaxPreparedTransactions: 50,
		SnapshotAddTimeout:      10,
		RetryInterval:           common.DefaultRetryInterval,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// defaultMap is Default() as a koanf map
func defaultMap() map[string]any {
	d := Default()
	return map[string]any{
		"max_connections":           d.MaxConnections,
		"max_prepared_transactions": d.MaxPreparedTransactions,
		"snapshot_add_timeout":      d.SnapshotAddTimeout,
		"retry_interval":            d.RetryInterval.String(),
		"debug_print_full_dtm":      d.DebugPrintFullDtm,
		"log.level":                 d.Log.Level,
		"log.format":                d.Log.Format,
		"metrics.addr":              d.Metrics.Addr,
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return errors.Errorf("max_connections must be positive: %d", c.MaxConnections)
	}
	if c.MaxPreparedTransactions <= 0 {
		return errors.Errorf("max_prepared_transactions must be positive: %d", c.MaxPreparedTransactions)
	}
	if c.SnapshotAddTimeout < 0 {
		return errors.Errorf("snapshot_add_timeout must not be negative: %d", c.SnapshotAddTimeout)
	}
	if c.RetryInterval <= 0 {
		return errors.Errorf("retry_interval must be positive: %s", c.RetryInterval)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("unknown log format: %s", c.Log.Format)
	}
	return nil
}

// NumSharedSnapshotSlots is the capacity of the slot registry
// we only really need max_prepared_transactions, but it is doubled for safety
// (to account for slow de-allocation on cleanup, for instance)
func (c Config) NumSharedSnapshotSlots() int {
	return 2 * c.MaxPreparedTransactions
}

// XipEntryCount is how many in progress ids a descriptor can hold
// this should be the same as PROCARRAY_MAXPROCS
func (c Config) XipEntryCount() int {
	return c.MaxConnections + c.MaxPreparedTransactions
}

// SnapshotAddTimeoutDuration returns gp_snapshotadd_timeout as duration
func (c Config) SnapshotAddTimeoutDuration() time.Duration {
	return time.Duration(c.SnapshotAddTimeout) * time.Second
}

// RetryPolicy returns the polling budget for slot add and lookup
func (c Config) RetryPolicy() common.RetryPolicy {
	return common.NewRetryPolicy(c.SnapshotAddTimeoutDuration(), c.RetryInterval)
}
