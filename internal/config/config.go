package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Approval ApprovalConfig `json:"approval"`
	Executor ExecutorConfig `json:"executor"`
	Actions  ActionsConfig  `json:"actions"`
	Logging  LoggingConfig  `json:"logging"`
	API      APIConfig      `json:"api"`
	Alerting AlertingConfig `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述任务存储后端的连接信息。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store"`
}

// TaskStoreConfig 支持 memory 与 mysql 两种驱动。
type TaskStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述交接队列的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ApprovalConfig 控制审批扫描循环。
type ApprovalConfig struct {
	ScanIntervalSeconds int `json:"scan_interval_seconds"`
	StalenessHours      int `json:"staleness_hours"`
	ScanBatchSize       int `json:"scan_batch_size"`
}

// ExecutorConfig 控制动作执行的并发与超时。
type ExecutorConfig struct {
	WorkerCount          int `json:"worker_count"`
	ActionTimeoutSeconds int `json:"action_timeout_seconds"`
}

// ActionsConfig 描述动作注册表的装配参数。
type ActionsConfig struct {
	// PolicyPath 指向 YAML 审批策略文件，为空时使用内建默认。
	PolicyPath string       `json:"policy_path"`
	Email      EmailConfig  `json:"email"`
	Social     SocialConfig `json:"social"`
}

// EmailConfig 描述 SMTP 发信参数。凭据不全时动作进入模拟模式。
type EmailConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	From           string `json:"from"`
	SSL            bool   `json:"ssl"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SocialConfig 描述社交发帖动作的上游参数。
type SocialConfig struct {
	BaseURL          string `json:"base_url"`
	AccessToken      string `json:"access_token"`
	AuthorURN        string `json:"author_urn"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	MaxContentLength int    `json:"max_content_length"`
}

// LoggingConfig 控制运行日志与审计日志输出。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制独立的审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// APIConfig 控制 API 访问认证。
type APIConfig struct {
	Tokens []APIToken `json:"tokens"`
}

// APIToken 定义一个静态访问令牌及其权限。
type APIToken struct {
	Token       string   `json:"token"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// AlertingConfig 控制告警通道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "WARDEN_CONFIG"

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
	if c.Queue.Redis.BlockWaitSeconds <= 0 {
		c.Queue.Redis.BlockWaitSeconds = 5
	}

	if c.Approval.ScanIntervalSeconds <= 0 {
		c.Approval.ScanIntervalSeconds = 10
	}
	if c.Approval.StalenessHours <= 0 {
		c.Approval.StalenessHours = 24
	}
	if c.Approval.ScanBatchSize <= 0 {
		c.Approval.ScanBatchSize = 100
	}

	if c.Executor.WorkerCount <= 0 {
		c.Executor.WorkerCount = 4
	}
	if c.Executor.ActionTimeoutSeconds <= 0 {
		c.Executor.ActionTimeoutSeconds = 60
	}

	if c.Actions.PolicyPath != "" && !filepath.IsAbs(c.Actions.PolicyPath) {
		c.Actions.PolicyPath = filepath.Join(baseDir, c.Actions.PolicyPath)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}
