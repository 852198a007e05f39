package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 OpenLend 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Queue   QueueConfig   `json:"queue"`
	LLM     LLMConfig     `json:"llm"`
	Markets MarketsConfig `json:"markets"`
	Wallet  WalletConfig  `json:"wallet"`
	Agent   AgentConfig   `json:"agent"`
	Auth    AuthConfig    `json:"auth"`
	Alerts  AlertsConfig  `json:"alerts"`
	Log     LogConfig     `json:"log"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述消息状态库与操作流水的存储后端。
type StorageConfig struct {
	MessageStore MessageStoreConfig `json:"message_store"`
	Ledger       LedgerConfig       `json:"ledger"`
}

// MessageStoreConfig 选择消息状态机的持久化方式。
type MessageStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// LedgerConfig 选择操作流水的持久化方式。
type LedgerConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 选择消息队列实现及消费并发度。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 用于配置参数抽取的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述调用 OpenAI 接口所需的信息。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// MarketsConfig 指向市场定义文件并选定默认市场。
type MarketsConfig struct {
	MarketConfig  string `json:"market_config"`
	DefaultMarket string `json:"default_market"`
}

// WalletConfig 描述签名私钥的来源。
type WalletConfig struct {
	PrivateKey    string `json:"private_key"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// AgentConfig 控制消息处理行为。
type AgentConfig struct {
	MemoryDepth int    `json:"memory_depth"`
	MaxRetries  int    `json:"max_retries"`
	Suggestions string `json:"suggestions"`
}

// AuthConfig 控制 API 的身份认证方式。
type AuthConfig struct {
	Mode  string        `json:"mode"`
	Store string        `json:"store"`
	DSN   string        `json:"dsn"`
	JWT   JWTConfig     `json:"jwt"`
	Seeds []AuthSeed    `json:"seeds"`
}

// JWTConfig 描述本地 JWT 签发参数。
type JWTConfig struct {
	Secret     string   `json:"secret"`
	Issuer     string   `json:"issuer"`
	Audience   []string `json:"audience"`
	AccessTTL  int64    `json:"access_ttl"`
	RefreshTTL int64    `json:"refresh_ttl"`
}

// AuthSeed 描述启动时注入的初始账号。
type AuthSeed struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// AlertsConfig 控制失败告警的通知渠道。
type AlertsConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
}

// LogConfig 控制结构化日志输出。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

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

	if c.Storage.MessageStore.Driver == "" {
		c.Storage.MessageStore.Driver = "memory"
	}
	if c.Storage.Ledger.Driver == "" {
		c.Storage.Ledger.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "rules"
	}

	if c.Markets.MarketConfig == "" {
		c.Markets.MarketConfig = filepath.Join(baseDir, "markets.yaml")
	} else if !filepath.IsAbs(c.Markets.MarketConfig) {
		c.Markets.MarketConfig = filepath.Join(baseDir, c.Markets.MarketConfig)
	}

	if c.Agent.MemoryDepth <= 0 {
		c.Agent.MemoryDepth = 5
	}
	if c.Agent.MaxRetries <= 0 {
		c.Agent.MaxRetries = 3
	}
	if c.Agent.Suggestions != "" && !filepath.IsAbs(c.Agent.Suggestions) {
		c.Agent.Suggestions = filepath.Join(baseDir, c.Agent.Suggestions)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Store == "" {
		c.Auth.Store = "memory"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
