package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// MaxLedgerWriteBackoff 写入任务ID重试间隔的上限
const MaxLedgerWriteBackoff = 30 * time.Second

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Callback CallbackConfig `mapstructure:"callback"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug 或 release
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	Dir        string `mapstructure:"dir"`         // 日志目录
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite 或 postgres
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// BackendConfig 异步执行后端配置
type BackendConfig struct {
	Type      string        `mapstructure:"type"`      // memory, flower 或 redis
	TaskName  string        `mapstructure:"task_name"` // 提交的任务名
	Queue     string        `mapstructure:"queue"`
	FlowerURL string        `mapstructure:"flower_url"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	Timeout   time.Duration `mapstructure:"timeout"`
	ResultTTL time.Duration `mapstructure:"result_ttl"` // 任务结果保留时间
}

type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// PipelineConfig 分发与对账策略，可在运行时热更新
type PipelineConfig struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	SignalTimeout       time.Duration `mapstructure:"signal_timeout"`   // 已分发请求等待信号的最长时间
	SubmitTimeout       time.Duration `mapstructure:"submit_timeout"`   // 单次提交到后端的超时
	DispatchLease       time.Duration `mapstructure:"dispatch_lease"`   // 分发租约
	LedgerWriteAttempts int           `mapstructure:"ledger_write_attempts"`
	LedgerWriteBackoff  time.Duration `mapstructure:"ledger_write_backoff"`
	PendingGrace        time.Duration `mapstructure:"pending_grace"` // pending 请求多久后由扫描补发
	SweepSpec           string        `mapstructure:"sweep_spec"`    // cron 表达式
	SweepBatch          int           `mapstructure:"sweep_batch"`
	CleanupSpec         string        `mapstructure:"cleanup_spec"`
	HistoryRetention    time.Duration `mapstructure:"history_retention"`
	MaxRequestsPerDay   int           `mapstructure:"max_requests_per_day"` // 每个请求者每天的上限，0 表示不限
}

// CallbackConfig 回调令牌配置
type CallbackConfig struct {
	Secret  string        `mapstructure:"secret"`
	TTL     time.Duration `mapstructure:"ttl"`
	Issuer  string        `mapstructure:"issuer"`
	BaseURL string        `mapstructure:"base_url"` // 后端回调的地址
}

// NotifyConfig 请求完成/失败的外部通知
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func Load() *Config {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	return cfg
}

// Parse 读取并校验配置，不终止进程
func Parse() (*Config, error) {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			return nil, fmt.Errorf("读取配置文件出错: %w", err)
		}
	}

	return decode()
}

func decode() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	config.Backend.Type = strings.ToLower(config.Backend.Type)
	config.Database.Driver = strings.ToLower(config.Database.Driver)

	// 验证配置
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "8765")
	viper.SetDefault("server.mode", "release")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.dir", "data/logs")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "data/kiosk.db")
	viper.SetDefault("database.max_open_conns", 1)
	viper.SetDefault("database.max_idle_conns", 1)

	viper.SetDefault("backend.type", "flower")
	viper.SetDefault("backend.task_name", "app.workers.request_worker.process_request_task")
	viper.SetDefault("backend.queue", "default")
	viper.SetDefault("backend.flower_url", "http://localhost:5555")
	viper.SetDefault("backend.timeout", "15s")
	viper.SetDefault("backend.result_ttl", "24h")

	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.prefix", "kiosk")

	viper.SetDefault("pipeline.max_retries", 3)
	viper.SetDefault("pipeline.signal_timeout", "1h")
	viper.SetDefault("pipeline.submit_timeout", "30s")
	viper.SetDefault("pipeline.dispatch_lease", "2m")
	viper.SetDefault("pipeline.ledger_write_attempts", 6)
	viper.SetDefault("pipeline.ledger_write_backoff", "500ms")
	viper.SetDefault("pipeline.pending_grace", "1m")
	viper.SetDefault("pipeline.sweep_spec", "@every 30s")
	viper.SetDefault("pipeline.sweep_batch", 50)
	viper.SetDefault("pipeline.cleanup_spec", "0 4 * * *")
	viper.SetDefault("pipeline.history_retention", "720h")
	viper.SetDefault("pipeline.max_requests_per_day", 10)

	viper.SetDefault("callback.secret", "change-me-in-production")
	viper.SetDefault("callback.ttl", "48h")
	viper.SetDefault("callback.issuer", "plex-kiosk")
	viper.SetDefault("callback.base_url", "http://localhost:8765/api/tasks/events")

	viper.SetDefault("notify.timeout", "10s")
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.Callback.Secret == "" {
		return fmt.Errorf("回调令牌密钥未设置")
	}
	switch config.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", config.Database.Driver)
	}
	switch config.Backend.Type {
	case "memory", "flower", "redis":
	default:
		return fmt.Errorf("不支持的执行后端: %s", config.Backend.Type)
	}
	if config.Backend.Type == "memory" && config.Server.Mode == "release" {
		return fmt.Errorf("内存后端不会执行任务，只能在 debug 模式下使用")
	}
	if config.Backend.TaskName == "" {
		return fmt.Errorf("任务名未设置")
	}
	return config.Pipeline.Validate()
}

// Validate 校验分发策略
func (p PipelineConfig) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries 不能为负数")
	}
	if p.SignalTimeout <= 0 {
		return fmt.Errorf("signal_timeout 必须大于 0")
	}
	if p.SubmitTimeout <= 0 {
		return fmt.Errorf("submit_timeout 必须大于 0")
	}
	if p.LedgerWriteAttempts <= 0 {
		return fmt.Errorf("ledger_write_attempts 必须大于 0")
	}
	if p.LedgerWriteBackoff < 0 {
		return fmt.Errorf("ledger_write_backoff 不能为负数")
	}
	// 租约要覆盖一次提交加上全部写入重试，否则扫描会重复提交
	if need := p.SubmitTimeout + p.LedgerWriteBudget(); p.DispatchLease < need {
		return fmt.Errorf("dispatch_lease (%v) 不能小于 submit_timeout 加写入重试总时长 (%v)", p.DispatchLease, need)
	}
	if p.SweepBatch <= 0 {
		return fmt.Errorf("sweep_batch 必须大于 0")
	}
	if p.MaxRequestsPerDay < 0 {
		return fmt.Errorf("max_requests_per_day 不能为负数")
	}
	for name, spec := range map[string]string{"sweep_spec": p.SweepSpec, "cleanup_spec": p.CleanupSpec} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s 无效 %q: %w", name, spec, err)
		}
	}
	return nil
}

// LedgerWriteBackoffAt 第 attempt 次写入失败后的等待时间，每次翻倍直到上限
func (p PipelineConfig) LedgerWriteBackoffAt(attempt int) time.Duration {
	d := p.LedgerWriteBackoff
	for i := 1; i < attempt && d < MaxLedgerWriteBackoff; i++ {
		d *= 2
	}
	return min(d, MaxLedgerWriteBackoff)
}

// LedgerWriteBudget 写入任务ID的全部重试最多等待的时间
func (p PipelineConfig) LedgerWriteBudget() time.Duration {
	var total time.Duration
	for attempt := 1; attempt < p.LedgerWriteAttempts; attempt++ {
		total += p.LedgerWriteBackoffAt(attempt)
	}
	return total
}
