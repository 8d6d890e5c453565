package store

import (
	"fmt"

	"go.uber.org/zap"
)

// New creates a Store for the configured backend.
func New(cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendSQL:
		return NewSQLStore(cfg.SQL, logger)
	case BackendRedis:
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Type)
	}
}
