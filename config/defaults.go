// =============================================================================
// Machine client defaults
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Transport:   DefaultTransportConfig(),
		Persona:     DefaultPersonaConfig(),
		Coordinator: DefaultCoordinatorConfig(),
		Workflow:    DefaultWorkflowConfig(),
		Database:    DefaultDatabaseConfig(),
		LLM:         DefaultLLMConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:     9091,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultTransportConfig returns the in-process transport.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Type:         "memory",
		PollInterval: 10 * time.Millisecond,
		MaxLen:       10000,
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
	}
}

// DefaultPersonaConfig returns the default consumer settings.
func DefaultPersonaConfig() PersonaConfig {
	return PersonaConfig{
		RequestStream: "agent.requests",
		EventStream:   "agent.events",
		GroupPrefix:   "cg",
		Names:         []string{"coordination"},
		Block:         5 * time.Second,
		BatchSize:     1,
		DedupeSize:    1024,
	}
}

// DefaultCoordinatorConfig returns the default retry policy.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		BaseTimeout:      60 * time.Second,
		MaxRetries:       3,
		BackoffIncrement: 30 * time.Second,
		GroupPrefix:      "coordinator",
	}
}

// DefaultWorkflowConfig returns the default workflow settings.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		DefinitionsDir: "workflows",
		RepoBaseDir:    "repos",
		HistorySize:    256,
	}
}

// DefaultDatabaseConfig returns a local sqlite task store.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "sqlite",
		Name:                "machine-client.db",
		SSLMode:             "disable",
		MaxOpenConns:        10,
		MaxIdleConns:        2,
		ConnMaxLifetime:     time.Hour,
		HealthCheckInterval: time.Minute,
	}
}

// DefaultLLMConfig returns the default model caller settings.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		DefaultModel: "gpt-4o-mini",
		Timeout:      2 * time.Minute,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns disabled telemetry.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "machine-client",
		SampleRate:   0.1,
	}
}
