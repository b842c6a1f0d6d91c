// =============================================================================
// 📦 qaforge 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖 + 结构体校验
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("qaforge.yaml").
//	    WithEnvPrefix("QAFORGE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 qaforge 的完整配置结构
type Config struct {
	// Providers 提供商列表（按 priority 降序使用）
	Providers []ProviderConfig `yaml:"providers" env:"-" validate:"required,min=1,dive"`

	// 批大小
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE" validate:"min=1"`
	// 并发 worker 数量
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" env:"MAX_CONCURRENT_REQUESTS" validate:"min=1,max=256"`
	// 每个 WorkItem 的最大尝试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES" validate:"min=1"`
	// 每 N 个连续批次落盘一次 checkpoint
	CheckpointFrequency int `yaml:"checkpoint_frequency" env:"CHECKPOINT_FREQUENCY" validate:"min=1"`
	// 单次运行最多处理的 WorkItem 数量，0 表示不限
	ProcessLimit int `yaml:"process_limit" env:"PROCESS_LIMIT" validate:"min=0"`
	// 可重试失败在批内重新排队的次数
	RequeueLimit int `yaml:"requeue_limit" env:"REQUEUE_LIMIT" validate:"min=0"`
	// 单次请求超时
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gt=0"`
	// 凭证池为空时等待注入的最长时间
	CredentialWaitTimeout time.Duration `yaml:"credential_wait_timeout" env:"CREDENTIAL_WAIT_TIMEOUT" validate:"min=0"`
	// 每 N 个批次输出一次进度
	ProgressEvery int `yaml:"progress_every" env:"PROGRESS_EVERY" validate:"min=1"`

	// Augment 生成参数
	Augment AugmentConfig `yaml:"augment" env:"AUGMENT"`

	// Input 输入文件
	Input InputConfig `yaml:"input" env:"INPUT"`

	// Output 输出文件
	Output OutputConfig `yaml:"output" env:"OUTPUT"`

	// Checkpoint 断点存储
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`

	// Redis 配置（checkpoint.backend=redis 时使用）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Pool 凭证池
	Pool PoolConfig `yaml:"pool" env:"POOL"`

	// Governor 限速器
	Governor GovernorConfig `yaml:"governor" env:"GOVERNOR"`

	// Retry 退避策略
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Keys 实时密钥注入
	Keys KeysConfig `yaml:"keys" env:"KEYS"`

	// Safety 紧急停止
	Safety SafetyConfig `yaml:"safety" env:"SAFETY"`

	// Ledger 用量账本
	Ledger LedgerConfig `yaml:"ledger" env:"LEDGER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// ProviderConfig 单个提供商配置
type ProviderConfig struct {
	// 名称，同时作为凭证 ID 前缀
	Name string `yaml:"name" validate:"required"`
	// 类型: openai, gemini, fake
	Kind string `yaml:"kind" validate:"oneof=openai gemini fake"`
	// 是否启用
	Enabled bool `yaml:"enabled"`
	// 模型名称
	Model string `yaml:"model" validate:"required"`
	// 基础 URL（openai 兼容接口）
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	// API Key 列表，支持 ${ENV} 展开
	Credentials []string `yaml:"credentials"`
	// 基础请求间隔
	RateLimitDelay time.Duration `yaml:"rate_limit_delay" validate:"min=0"`
	// 每分钟最大请求数，0 表示不限
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute" validate:"min=0"`
	// 密钥轮换策略: round_robin, random, least_used
	KeyRotationStrategy string `yaml:"key_rotation_strategy" validate:"omitempty,oneof=round_robin random least_used"`
	// 优先级，越大越优先
	Priority int `yaml:"priority"`
	// 采样温度
	Temperature float64 `yaml:"temperature" validate:"min=0,max=2"`
	// 最大输出 Token
	MaxTokens int `yaml:"max_tokens" validate:"min=0"`
}

// AugmentConfig 生成参数
type AugmentConfig struct {
	// 每个问题生成的改写数
	VariationsPerQuestion int `yaml:"variations_per_question" env:"VARIATIONS_PER_QUESTION" validate:"min=1"`
	// 改写类型分布，值之和应等于 VariationsPerQuestion
	VariationTypes map[string]int `yaml:"variation_types" env:"-"`
	// 自定义提示词模板文件（text/template），为空时使用内置模板
	PromptTemplate string `yaml:"prompt_template" env:"PROMPT_TEMPLATE"`
}

// InputConfig 输入配置
type InputConfig struct {
	// JSON 或 JSONL 文件
	Path string `yaml:"path" env:"PATH"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	// JSONL 输出文件
	Path string `yaml:"path" env:"PATH"`
}

// CheckpointConfig 断点配置
type CheckpointConfig struct {
	// 后端: file, redis
	Backend string `yaml:"backend" env:"BACKEND" validate:"oneof=file redis"`
	// 文件路径（backend=file）
	Path string `yaml:"path" env:"PATH"`
	// Redis key（backend=redis）
	Key string `yaml:"key" env:"KEY"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
}

// PoolConfig 凭证池配置
type PoolConfig struct {
	// 连续 transient 失败多少次后临时排除
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD" validate:"min=1"`
	// 临时排除时长
	ExhaustCooldown time.Duration `yaml:"exhaust_cooldown" env:"EXHAUST_COOLDOWN" validate:"gt=0"`
	// rate_limited 冷却时长（提供商限速窗口）
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown" env:"RATE_LIMIT_COOLDOWN" validate:"gt=0"`
}

// GovernorConfig 自适应延迟配置
type GovernorConfig struct {
	// 延迟上限
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY" validate:"gt=0"`
	// 连续成功多少次后开始衰减
	DecayAfter int `yaml:"decay_after" env:"DECAY_AFTER" validate:"min=1"`
	// 衰减系数
	DecayFactor float64 `yaml:"decay_factor" env:"DECAY_FACTOR" validate:"gt=0,lt=1"`
	// 限速窗口
	Window time.Duration `yaml:"window" env:"WINDOW" validate:"gt=0"`
}

// RetryConfig 退避配置
type RetryConfig struct {
	// 初始延迟
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY" validate:"min=0"`
	// 最大延迟
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY" validate:"min=0"`
	// 倍数
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER" validate:"gte=1"`
	// 是否抖动
	Jitter bool `yaml:"jitter" env:"JITTER"`
}

// KeysConfig 实时密钥注入配置
type KeysConfig struct {
	// 注入文件，每行 provider:key 或 JSON
	InjectFile string `yaml:"inject_file" env:"INJECT_FILE"`
	// 防抖延迟
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
	// 新密钥探测
	Probe bool `yaml:"probe" env:"PROBE"`
	// 探测超时
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
}

// SafetyConfig 紧急停止配置
type SafetyConfig struct {
	// 存在即停止的哨兵文件
	StopFile string `yaml:"stop_file" env:"STOP_FILE"`
	// 每小时最大失败数，0 表示不限
	MaxFailuresPerHour int `yaml:"max_failures_per_hour" env:"MAX_FAILURES_PER_HOUR" validate:"min=0"`
	// 累计失败阈值，0 表示不限
	EmergencyThreshold int `yaml:"emergency_threshold" env:"EMERGENCY_THRESHOLD" validate:"min=0"`
	// 紧急停止报告路径
	ReportPath string `yaml:"report_path" env:"REPORT_PATH"`
}

// LedgerConfig 用量账本配置
type LedgerConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动类型: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER" validate:"omitempty,oneof=sqlite postgres mysql"`
	// 连接串
	DSN string `yaml:"dsn" env:"DSN"`
	// 每 1K token 价格
	PricePer1KTokens float64 `yaml:"price_per_1k_tokens" env:"PRICE_PER_1K_TOKENS" validate:"min=0"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=json console"`
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
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE" validate:"min=0,max=1"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 监听地址，为空时不暴露 /metrics
	Addr string `yaml:"addr" env:"ADDR"`
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
		envPrefix:  "QAFORGE",
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
// 优先级: 默认值 → YAML 文件 → 环境变量，最后统一校验
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

	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
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

		if field.Kind() == reflect.Struct {
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
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// applyProviderDefaults 填充提供商缺省字段并展开凭证中的 ${ENV}
func (c *Config) applyProviderDefaults() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Kind == "" {
			p.Kind = "openai"
		}
		if p.KeyRotationStrategy == "" {
			p.KeyRotationStrategy = "round_robin"
		}
		keys := make([]string, 0, len(p.Credentials))
		for _, k := range p.Credentials {
			k = strings.TrimSpace(os.ExpandEnv(k))
			if k != "" {
				keys = append(keys, k)
			}
		}
		p.Credentials = keys
	}
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

var structValidator = validator.New()

// Validate 验证配置
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return err
	}

	var errs []error

	enabled := 0
	names := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if _, dup := names[p.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate provider name %q", p.Name))
		}
		names[p.Name] = struct{}{}
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("at least one provider must be enabled"))
	}

	if total := sumValues(c.Augment.VariationTypes); total > 0 && total != c.Augment.VariationsPerQuestion {
		errs = append(errs, fmt.Errorf("variation_types sum %d does not match variations_per_question %d",
			total, c.Augment.VariationsPerQuestion))
	}

	if c.Checkpoint.Backend == "file" && c.Checkpoint.Path == "" {
		errs = append(errs, errors.New("checkpoint.path is required for file backend"))
	}
	if c.Checkpoint.Backend == "redis" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for redis backend"))
	}
	if c.Ledger.Enabled && c.Ledger.Driver != "sqlite" && c.Ledger.DSN == "" {
		errs = append(errs, fmt.Errorf("ledger.dsn is required for driver %q", c.Ledger.Driver))
	}

	return errors.Join(errs...)
}

// Provider 按名称查找提供商配置
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func sumValues(m map[string]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}
