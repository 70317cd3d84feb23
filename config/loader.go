// =============================================================================
// 📦 EvidenceLoop 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("evidenceloop.yaml").
//	    WithEnvPrefix("EVIDENCELOOP").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 evidenceloop 的完整配置结构
type Config struct {
	// Rerank 重排后端配置
	Rerank RerankConfig `yaml:"rerank" env:"RERANK"`

	// Fusion 分数融合配置
	Fusion FusionConfig `yaml:"fusion" env:"FUSION"`

	// Widening 检索放宽配置
	Widening WideningConfig `yaml:"widening" env:"WIDENING"`

	// Redis 分数缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// RerankConfig 重排后端配置
type RerankConfig struct {
	// 托管远程后端（配置了 APIKey 时优先）
	Hosted HostedRerankConfig `yaml:"hosted" env:"HOSTED"`
	// 本地推理后端
	Local LocalRerankConfig `yaml:"local" env:"LOCAL"`
	// 熔断与超时
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`
	// 分数缓存
	Cache ScoreCacheConfig `yaml:"cache" env:"CACHE"`
	// 发送给后端的单条内容最大 token 数，0 表示不截断
	MaxContentTokens int `yaml:"max_content_tokens" env:"MAX_CONTENT_TOKENS"`
	// tiktoken 编码名称
	Encoding string `yaml:"encoding" env:"ENCODING"`
}

// HostedRerankConfig 托管重排服务配置
type HostedRerankConfig struct {
	// 服务方言: cohere, jina, voyage
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型名称（可选）
	Model string `yaml:"model" env:"MODEL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 客户端限流（每秒请求数），0 表示不限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LocalRerankConfig 本地推理运行时配置
type LocalRerankConfig struct {
	// 基础模型端点
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 基础模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 大模型端点（代码或多语言查询时使用），为空表示不部署
	LargeBaseURL string `yaml:"large_base_url" env:"LARGE_BASE_URL"`
	// 大模型名称
	LargeModel string `yaml:"large_model" env:"LARGE_MODEL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// 连续失败阈值
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 熔断恢复等待时间
	ResetTimeout time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// ScoreCacheConfig 分数缓存配置
type ScoreCacheConfig struct {
	// 类型: none, lru, redis
	Type string `yaml:"type" env:"TYPE"`
	// LRU 容量
	Size int `yaml:"size" env:"SIZE"`
	// 过期时间（redis）
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// FusionConfig 分数融合配置
type FusionConfig struct {
	// 模式: per_category, global_pool
	Mode string `yaml:"mode" env:"MODE"`
	// 各来源类别的最低融合分数，环境变量格式 "code=0.3,doc=0.55"
	Thresholds map[string]float64 `yaml:"thresholds" env:"THRESHOLDS"`
	// 未知类别的默认阈值
	DefaultThreshold float64 `yaml:"default_threshold" env:"DEFAULT_THRESHOLD"`
	// 每个任务保留的最大结果数
	MaxResults int `yaml:"max_results" env:"MAX_RESULTS"`
	// 调试模式：保留低于阈值的候选
	KeepBelowThreshold bool `yaml:"keep_below_threshold" env:"KEEP_BELOW_THRESHOLD"`
	// 按类别模式下的最大并发后端调用数
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
}

// WideningConfig 检索放宽配置
type WideningConfig struct {
	// 最大放宽次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 默认策略的基础相关度
	BaseRelevance float64 `yaml:"base_relevance" env:"BASE_RELEVANCE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 是否使用明文 gRPC
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "EVIDENCELOOP",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			field.Set(reflect.ValueOf(splitList(value)))
		}

	case reflect.Map:
		// "key=value,key=value" 形式的 map[string]float64
		if field.Type().Key().Kind() == reflect.String && field.Type().Elem().Kind() == reflect.Float64 {
			m, err := parseFloatMap(value)
			if err != nil {
				return err
			}
			field.Set(reflect.ValueOf(m))
		}
	}

	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseFloatMap(value string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range splitList(value) {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid map entry %q, want key=value", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %q: %w", k, err)
		}
		out[strings.TrimSpace(k)] = f
	}
	return out, nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	switch c.Rerank.Hosted.Provider {
	case "", "cohere", "jina", "voyage":
	default:
		errs = append(errs, fmt.Sprintf("unknown hosted rerank provider %q", c.Rerank.Hosted.Provider))
	}
	if c.Rerank.Hosted.RateLimitRPS < 0 {
		errs = append(errs, "rate_limit_rps must not be negative")
	}
	if c.Rerank.Hosted.APIKey == "" && c.Rerank.Local.BaseURL == "" {
		errs = append(errs, "either rerank.hosted.api_key or rerank.local.base_url must be set")
	}
	switch c.Rerank.Cache.Type {
	case "", "none", "lru", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown score cache type %q", c.Rerank.Cache.Type))
	}
	if c.Rerank.Cache.Type == "lru" && c.Rerank.Cache.Size <= 0 {
		errs = append(errs, "rerank.cache.size must be positive for lru cache")
	}

	switch c.Fusion.Mode {
	case "per_category", "global_pool":
	default:
		errs = append(errs, fmt.Sprintf("unknown fusion mode %q", c.Fusion.Mode))
	}
	if !inUnitInterval(c.Fusion.DefaultThreshold) {
		errs = append(errs, "fusion.default_threshold must be between 0 and 1")
	}
	for category, th := range c.Fusion.Thresholds {
		if !inUnitInterval(th) {
			errs = append(errs, fmt.Sprintf("fusion threshold for %q must be between 0 and 1", category))
		}
	}
	if c.Fusion.MaxResults <= 0 {
		errs = append(errs, "fusion.max_results must be positive")
	}

	if c.Widening.MaxAttempts <= 0 {
		errs = append(errs, "widening.max_attempts must be positive")
	}
	if !inUnitInterval(c.Widening.BaseRelevance) {
		errs = append(errs, "widening.base_relevance must be between 0 and 1")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func inUnitInterval(f float64) bool {
	return !math.IsNaN(f) && f >= 0 && f <= 1
}
