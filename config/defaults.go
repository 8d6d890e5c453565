package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Breakpoints: DefaultBreakpointsConfig(),
		Store:       DefaultStoreConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultBreakpointsConfig returns the default breakpoint configuration.
// No selectors: runs do not suspend unless breakpoints are configured.
func DefaultBreakpointsConfig() BreakpointsConfig {
	return BreakpointsConfig{
		Selectors:          nil,
		ResumePollInterval: 500 * time.Millisecond,
	}
}

// DefaultStoreConfig returns a sqlite-backed store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: "sql",
		SQL: SQLStoreConfig{
			Driver:       "sqlite",
			DSN:          "runbridge.db",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			PoolSize:  10,
			KeyPrefix: "runbridge:",
		},
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "runbridge",
		SampleRate:   0.1,
	}
}
