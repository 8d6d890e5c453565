// Package store provides durable state persistence for runs, breakpoint
// records and namespaced key-value blobs, keyed by run ID.
//
// Supported backends:
// - Memory: for development and testing (default)
// - SQL: GORM-backed (SQLite with WAL, PostgreSQL, MySQL) for single-node
//   and shared-database deployments
// - Redis: for distributed deployments
//
// All values are opaque byte blobs; callers own serialization. Writes for a
// given run ID are linearizable with respect to reads of the same run ID.
// Writers to different run IDs never block each other.
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrStoreClosed = errors.New("store is closed")
	ErrInvalidKey  = errors.New("invalid key")
)

// BackendType represents the type of storage backend
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendSQL    BackendType = "sql"
	BackendRedis  BackendType = "redis"
)

// RunRecord is the persisted form of a run.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	StateBlob []byte    `json:"state_blob,omitempty"`
	Output    []byte    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BreakpointRecord is the persisted form of a suspension. A run has at most
// one breakpoint record at any time; saving replaces the previous one.
type BreakpointRecord struct {
	RunID          string    `json:"run_id"`
	Category       string    `json:"category"`
	Name           string    `json:"name"`
	Phase          string    `json:"phase"`
	CapturedState  []byte    `json:"captured_state,omitempty"`
	NextCandidates []string  `json:"next_candidates,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the durable state store shared by all runs.
type Store interface {
	// SaveRun inserts or replaces a run record.
	SaveRun(ctx context.Context, rec *RunRecord) error

	// LoadRun returns the run record or ErrNotFound.
	LoadRun(ctx context.Context, runID string) (*RunRecord, error)

	// ListRuns returns all run records, most recently updated first.
	ListRuns(ctx context.Context) ([]*RunRecord, error)

	// SaveBreakpoint inserts or replaces the run's breakpoint record.
	SaveBreakpoint(ctx context.Context, rec *BreakpointRecord) error

	// LoadBreakpoint returns the run's breakpoint record or ErrNotFound.
	LoadBreakpoint(ctx context.Context, runID string) (*BreakpointRecord, error)

	// DeleteBreakpoint removes the run's breakpoint record. Deleting a
	// record that does not exist is not an error.
	DeleteBreakpoint(ctx context.Context, runID string) error

	// Set writes a namespaced value for a run.
	Set(ctx context.Context, runID, namespace, key string, value []byte) error

	// Get reads a namespaced value for a run, or ErrNotFound.
	Get(ctx context.Context, runID, namespace, key string) ([]byte, error)

	// Delete removes a namespaced value. Missing keys are not an error.
	Delete(ctx context.Context, runID, namespace, key string) error

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close flushes pending writes and releases the backend handle.
	Close() error
}

// Config selects and configures a storage backend.
type Config struct {
	Type  BackendType `yaml:"type" json:"type"`
	SQL   SQLConfig   `yaml:"sql" json:"sql"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// SQLConfig configures the GORM-backed store.
type SQLConfig struct {
	// Driver is one of "sqlite", "postgres", "mysql".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver-specific data source name. For sqlite this is the
	// database file path.
	DSN string `yaml:"dsn" json:"dsn"`
	// MaxOpenConns limits concurrent connections (0 = driver default).
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`
	// MaxIdleConns limits idle connections (0 = driver default).
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`
}

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// DefaultConfig returns a memory-backed configuration.
func DefaultConfig() Config {
	return Config{
		Type: BackendMemory,
		SQL: SQLConfig{
			Driver: "sqlite",
			DSN:    "runbridge.db",
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			PoolSize:  10,
			KeyPrefix: "runbridge:",
		},
	}
}

func validateKey(runID, namespace, key string) error {
	if runID == "" || namespace == "" || key == "" {
		return ErrInvalidKey
	}
	return nil
}
