package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentFlow 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Continuation ContinuationConfig `json:"continuation_queue"`
	Workflow     WorkflowConfig     `json:"workflow"`
	LLM          LLMConfig          `json:"llm"`
	Governance   GovernanceConfig   `json:"governance"`
	Agent        AgentConfig        `json:"agent"`
	Logging      LoggingConfig      `json:"logging"`
	Alerting     AlertingConfig     `json:"alerting"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与访问令牌。
type ServerConfig struct {
	Address        string `json:"address"`
	AuthToken      string `json:"auth_token"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述各个持久化后端的连接信息。
type StorageConfig struct {
	ExecutionStore StoreConfig `json:"execution_store"`
	AgentRegistry  StoreConfig `json:"agent_registry"`
	History        StoreConfig `json:"history"`
}

// StoreConfig 描述单个存储后端，driver 支持 memory 与 mysql。
type StoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// ContinuationConfig 配置恢复执行所使用的续跑队列。
type ContinuationConfig struct {
	Driver   string              `json:"driver"`
	Workers  int                 `json:"workers"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address      string `json:"address"`
	Password     string `json:"password"`
	DB           int    `json:"db"`
	Queue        string `json:"queue"`
	BlockSeconds int    `json:"block_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// WorkflowConfig 控制工作流定义加载与默认重试策略。
type WorkflowConfig struct {
	DefinitionsDir string      `json:"definitions_dir"`
	Retry          RetryConfig `json:"retry"`
}

// RetryConfig 为步骤执行提供默认重试参数，全部为零时使用内置默认值。
type RetryConfig struct {
	MaxRetries          int     `json:"max_retries"`
	InitialDelaySeconds float64 `json:"initial_delay_seconds"`
	ExponentialBase     float64 `json:"exponential_base"`
	MaxDelaySeconds     float64 `json:"max_delay_seconds"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string        `json:"provider"`
	OpenAI   OpenAIConfig  `json:"openai"`
	Command  CommandConfig `json:"command"`
}

// OpenAIConfig 描述 OpenAI 兼容接口所需的参数。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// CommandConfig 描述通过本地可执行程序完成推理时所需的信息。
type CommandConfig struct {
	Executable     string   `json:"executable"`
	Args           []string `json:"args"`
	WorkingDir     string   `json:"working_dir"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// GovernanceConfig 控制智能体治理策略的加载与晋升参数。
type GovernanceConfig struct {
	PolicyPath          string  `json:"policy_path"`
	ConfidenceIncrement float64 `json:"confidence_increment"`
	DefaultRequiredTier string  `json:"default_required_tier"`
}

// AgentConfig 控制智能体循环的运行参数。
type AgentConfig struct {
	MaxSteps          int             `json:"max_steps"`
	LLMTimeoutSeconds int             `json:"llm_timeout_seconds"`
	MemoryDepth       int             `json:"memory_depth"`
	Knowledge         KnowledgeConfig `json:"knowledge"`
}

// KnowledgeConfig 指定知识库来源文件与注入数量上限。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// LoggingConfig 描述结构化日志与审计日志的输出方式。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志文件与滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AlertingConfig 配置失败执行的外部告警通道。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
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

// applyDefaults 在用户未填写部分字段时设置合理的默认值，
// 相对路径一律以配置文件所在目录为基准展开。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.ExecutionStore.Driver == "" {
		c.Storage.ExecutionStore.Driver = "memory"
	}
	if c.Storage.AgentRegistry.Driver == "" {
		c.Storage.AgentRegistry.Driver = c.Storage.ExecutionStore.Driver
	}
	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}

	if c.Continuation.Driver == "" {
		c.Continuation.Driver = "memory"
	}
	if c.Continuation.Workers <= 0 {
		c.Continuation.Workers = 4
	}
	if c.Continuation.Redis.Queue == "" {
		c.Continuation.Redis.Queue = "agentflow:continuations"
	}
	if c.Continuation.Redis.BlockSeconds <= 0 {
		c.Continuation.Redis.BlockSeconds = 5
	}
	if c.Continuation.RabbitMQ.Queue == "" {
		c.Continuation.RabbitMQ.Queue = "agentflow.continuations"
	}
	if c.Continuation.RabbitMQ.Prefetch <= 0 {
		c.Continuation.RabbitMQ.Prefetch = 8
	}

	c.Workflow.DefinitionsDir = resolvePath(baseDir, c.Workflow.DefinitionsDir, filepath.Join(baseDir, "workflows"))

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.BaseURL == "" {
		c.LLM.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 30
	}
	c.LLM.Command.WorkingDir = resolvePath(baseDir, c.LLM.Command.WorkingDir, baseDir)
	if c.LLM.Command.TimeoutSeconds <= 0 {
		c.LLM.Command.TimeoutSeconds = 60
	}

	c.Governance.PolicyPath = resolvePath(baseDir, c.Governance.PolicyPath, filepath.Join(baseDir, "governance.yaml"))
	if c.Governance.ConfidenceIncrement <= 0 {
		c.Governance.ConfidenceIncrement = 0.01
	}
	if c.Governance.DefaultRequiredTier == "" {
		c.Governance.DefaultRequiredTier = "STUDENT"
	}

	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 8
	}
	if c.Agent.LLMTimeoutSeconds <= 0 {
		c.Agent.LLMTimeoutSeconds = 30
	}
	if c.Agent.MemoryDepth <= 0 {
		c.Agent.MemoryDepth = 5
	}
	if c.Agent.Knowledge.Source != "" && !filepath.IsAbs(c.Agent.Knowledge.Source) {
		c.Agent.Knowledge.Source = filepath.Join(baseDir, c.Agent.Knowledge.Source)
	}
	if c.Agent.Knowledge.MaxResults <= 0 {
		c.Agent.Knowledge.MaxResults = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 10
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "logs", "audit.log")
	} else if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
