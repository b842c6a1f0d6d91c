// =============================================================================
// 📦 qaforge 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		BatchSize:             10,
		MaxConcurrentRequests: 3,
		MaxRetries:            3,
		CheckpointFrequency:   1,
		ProcessLimit:          0,
		RequeueLimit:          1,
		RequestTimeout:        60 * time.Second,
		CredentialWaitTimeout: 5 * time.Minute,
		ProgressEvery:         5,
		Augment:               DefaultAugmentConfig(),
		Input:                 InputConfig{Path: "input.json"},
		Output:                OutputConfig{Path: "output/augmented.jsonl"},
		Checkpoint:            DefaultCheckpointConfig(),
		Redis:                 DefaultRedisConfig(),
		Pool:                  DefaultPoolConfig(),
		Governor:              DefaultGovernorConfig(),
		Retry:                 DefaultRetryConfig(),
		Keys:                  DefaultKeysConfig(),
		Safety:                DefaultSafetyConfig(),
		Ledger:                DefaultLedgerConfig(),
		Log:                   DefaultLogConfig(),
		Telemetry:             DefaultTelemetryConfig(),
		Metrics:               DefaultMetricsConfig(),
	}
}

// DefaultAugmentConfig 返回默认生成参数
func DefaultAugmentConfig() AugmentConfig {
	return AugmentConfig{
		VariationsPerQuestion: 5,
		VariationTypes: map[string]int{
			"personal_scenario": 1,
			"casual":            1,
			"simple_direct":     1,
			"with_typos":        1,
			"reworded_stem":     1,
		},
	}
}

// DefaultCheckpointConfig 返回默认断点配置
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Backend: "file",
		Path:    "checkpoints/latest.json",
		Key:     "qaforge:checkpoint",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,
		PoolSize: 4,
	}
}

// DefaultPoolConfig 返回默认凭证池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		FailureThreshold:  5,
		ExhaustCooldown:   5 * time.Minute,
		RateLimitCooldown: 60 * time.Second,
	}
}

// DefaultGovernorConfig 返回默认限速配置
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		MaxDelay:    60 * time.Second,
		DecayAfter:  10,
		DecayFactor: 0.9,
		Window:      time.Minute,
	}
}

// DefaultRetryConfig 返回默认退避配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// DefaultKeysConfig 返回默认密钥注入配置
func DefaultKeysConfig() KeysConfig {
	return KeysConfig{
		InjectFile:   "",
		Debounce:     200 * time.Millisecond,
		Probe:        true,
		ProbeTimeout: 20 * time.Second,
	}
}

// DefaultSafetyConfig 返回默认紧急停止配置
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		StopFile:           "EMERGENCY_STOP",
		MaxFailuresPerHour: 50,
		EmergencyThreshold: 100,
		ReportPath:         "emergency_shutdown.json",
	}
}

// DefaultLedgerConfig 返回默认账本配置
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Enabled:          false,
		Driver:           "sqlite",
		DSN:              "qaforge_usage.db",
		PricePer1KTokens: 0.002,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "qaforge",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Addr:      "",
		Namespace: "qaforge",
	}
}
