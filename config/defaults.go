// =============================================================================
// 📦 EvidenceLoop 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Rerank:    DefaultRerankConfig(),
		Fusion:    DefaultFusionConfig(),
		Widening:  DefaultWideningConfig(),
		Redis:     DefaultRedisConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultRerankConfig 返回默认重排配置
func DefaultRerankConfig() RerankConfig {
	return RerankConfig{
		Hosted: HostedRerankConfig{
			Provider:       "cohere",
			Timeout:        10 * time.Second,
			RateLimitRPS:   10,
			RateLimitBurst: 10,
		},
		Local: LocalRerankConfig{
			BaseURL: "http://localhost:8081",
			Model:   "BAAI/bge-reranker-base",
			Timeout: 5 * time.Second,
		},
		Breaker: BreakerConfig{
			Threshold:    5,
			Timeout:      2 * time.Second,
			ResetTimeout: 30 * time.Second,
		},
		Cache: ScoreCacheConfig{
			Type: "lru",
			Size: 4096,
			TTL:  10 * time.Minute,
		},
		MaxContentTokens: 512,
		Encoding:         "cl100k_base",
	}
}

// DefaultFusionConfig 返回默认融合配置
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		Mode: "per_category",
		Thresholds: map[string]float64{
			"code": 0.30,
			"doc":  0.55,
			"note": 0.40,
			"web":  0.50,
		},
		DefaultThreshold: 0.35,
		MaxResults:       8,
		MaxConcurrency:   4,
	}
}

// DefaultWideningConfig 返回默认放宽配置
func DefaultWideningConfig() WideningConfig {
	return WideningConfig{
		MaxAttempts:   3,
		BaseRelevance: 0.5,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		DB:                  0,
		KeyPrefix:           "evidenceloop:",
		PoolSize:            10,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
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
		Insecure:     true,
		ServiceName:  "evidenceloop",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "evidenceloop",
	}
}
