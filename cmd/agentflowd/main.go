package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"AgentFlow/internal/agent"
	"AgentFlow/internal/api"
	"AgentFlow/internal/config"
	"AgentFlow/internal/governance"
	"AgentFlow/internal/knowledge"
	"AgentFlow/internal/llm"
	"AgentFlow/internal/llm/command"
	"AgentFlow/internal/llm/openai"
	"AgentFlow/internal/observability/alerting"
	"AgentFlow/internal/observability/metrics"
	"AgentFlow/internal/storage/mysql"
	"AgentFlow/internal/workflow"
	"AgentFlow/pkg/logger"
)

// main 是 AgentFlow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTFLOW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentflow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 初始化执行存储。
	var store workflow.Store
	switch cfg.Storage.ExecutionStore.Driver {
	case "", "memory":
		store = workflow.NewMemoryStore()
	case "mysql":
		mysqlStore, err := workflow.NewMySQLStore(cfg.Storage.ExecutionStore.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的执行存储驱动: %s", cfg.Storage.ExecutionStore.Driver)
	}

	// 初始化智能体注册表与治理服务。
	var registry governance.Registry
	switch cfg.Storage.AgentRegistry.Driver {
	case "", "memory":
		registry = governance.NewMemoryRegistry()
	case "mysql":
		sqlRegistry, err := mysql.NewSQLAgentRegistry(ctx, mysql.Config{
			DSN:             cfg.Storage.AgentRegistry.DSN,
			MaxOpenConns:    cfg.Storage.AgentRegistry.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.AgentRegistry.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.AgentRegistry.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		registry = sqlRegistry
	default:
		return fmt.Errorf("未知的注册表驱动: %s", cfg.Storage.AgentRegistry.Driver)
	}

	defaultTier, err := governance.ParseTier(cfg.Governance.DefaultRequiredTier)
	if err != nil {
		return err
	}
	policy, err := governance.LoadPolicy(cfg.Governance.PolicyPath, defaultTier)
	if err != nil {
		return err
	}
	governanceSvc, err := governance.NewService(registry, policy, cfg.Governance.ConfidenceIncrement)
	if err != nil {
		return err
	}
	defer governanceSvc.Close()

	// 初始化任务历史仓库。
	var historyRepo mysql.HistoryRepository
	switch cfg.Storage.History.Driver {
	case "", "memory":
		repo, err := mysql.NewMemoryHistoryRepository(dataDir)
		if err != nil {
			return err
		}
		historyRepo = repo
	case "mysql":
		repo, err := mysql.NewSQLHistoryRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.History.DSN,
			MaxOpenConns:    cfg.Storage.History.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.History.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.History.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		historyRepo = repo
	default:
		return fmt.Errorf("未知的历史存储驱动: %s", cfg.Storage.History.Driver)
	}
	defer historyRepo.Close()

	// 初始化大模型客户端。
	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	var knowledgeProvider knowledge.Provider
	if cfg.Agent.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Agent.Knowledge.Source, cfg.Agent.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		knowledgeProvider = provider
	}

	tools := agent.NewToolRegistry()
	if err := registerBuiltinTools(tools); err != nil {
		return err
	}

	ag := agent.New(llmClient, governanceSvc, tools,
		agent.WithMaxSteps(cfg.Agent.MaxSteps),
		agent.WithMemoryDepth(cfg.Agent.MemoryDepth),
		agent.WithLLMTimeout(time.Duration(cfg.Agent.LLMTimeoutSeconds)*time.Second),
		agent.WithKnowledgeProvider(knowledgeProvider),
		agent.WithHistoryRepository(historyRepo),
	)

	// 初始化续跑队列。
	var queue workflow.Queue
	switch cfg.Continuation.Driver {
	case "", "memory":
		queue = workflow.NewMemoryQueue(1024)
	case "redis":
		redisQueue, err := workflow.NewRedisQueue(workflow.RedisQueueConfig{
			Address:   cfg.Continuation.Redis.Address,
			Password:  cfg.Continuation.Redis.Password,
			DB:        cfg.Continuation.Redis.DB,
			Queue:     cfg.Continuation.Redis.Queue,
			BlockWait: time.Duration(cfg.Continuation.Redis.BlockSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := workflow.NewRabbitMQQueue(workflow.RabbitMQConfig{
			URL:        cfg.Continuation.RabbitMQ.URL,
			Queue:      cfg.Continuation.RabbitMQ.Queue,
			Prefetch:   cfg.Continuation.RabbitMQ.Prefetch,
			Durable:    cfg.Continuation.RabbitMQ.Durable,
			AutoDelete: cfg.Continuation.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的续跑队列驱动: %s", cfg.Continuation.Driver)
	}

	// 组装执行器与编排器。
	executors := workflow.NewExecutorRegistry()
	stepExecutor, err := agent.NewWorkflowExecutor(ag)
	if err != nil {
		return err
	}
	if err := executors.Register(agent.StepType, stepExecutor); err != nil {
		return err
	}

	orchestratorOpts := []workflow.OrchestratorOption{
		workflow.WithContinuationProducer(queue),
		workflow.WithOrchestratorLogger(logger.L()),
	}
	if retry, ok := retryPolicyFromConfig(cfg.Workflow.Retry); ok {
		orchestratorOpts = append(orchestratorOpts, workflow.WithDefaultRetryPolicy(retry))
	}
	if cfg.Alerting.WebhookURL != "" {
		notifier := alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, time.Duration(cfg.Alerting.TimeoutSeconds)*time.Second)
		orchestratorOpts = append(orchestratorOpts, workflow.WithAlertDispatcher(alerting.NewFanout(notifier)))
	}

	orchestrator := workflow.NewOrchestrator(store, executors, orchestratorOpts...)
	defer orchestrator.Close()

	if _, err := os.Stat(cfg.Workflow.DefinitionsDir); err == nil {
		if err := orchestrator.LoadDefinitions(cfg.Workflow.DefinitionsDir); err != nil {
			return err
		}
	} else {
		logger.L().Info("工作流定义目录不存在，跳过加载",
			slog.String("dir", cfg.Workflow.DefinitionsDir),
		)
	}

	// 启动续跑消费者。
	runner := workflow.NewRunner(orchestrator, queue,
		workflow.WithRunnerWorkerCount(cfg.Continuation.Workers),
		workflow.WithRunnerLogger(logger.L()),
	)
	runnerCtx, runnerCancel := context.WithCancel(ctx)
	defer runnerCancel()

	go func() {
		if err := runner.Start(runnerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("续跑消费者异常退出", slog.Any("error", err))
		}
	}()

	// 指标服务与 API 服务各自监听独立端口。
	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	var serverOpts []api.ServerOption
	if cfg.Server.AuthToken != "" {
		serverOpts = append(serverOpts, api.WithAuthToken(cfg.Server.AuthToken))
	}
	server := api.NewServer(cfg.Server.Address, orchestrator, governanceSvc, ag, serverOpts...)

	logger.L().Info("agentflowd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("execution_store", cfg.Storage.ExecutionStore.Driver),
		slog.String("continuation_queue", cfg.Continuation.Driver),
		slog.String("llm_provider", cfg.LLM.Provider),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createLLMClient 根据配置选择大模型接入方式。
func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("openai provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
		})
	case "command":
		executable := command.ResolveExecutablePath(cfg.LLM.Command.WorkingDir, cfg.LLM.Command.Executable)
		return command.NewClient(
			executable,
			cfg.LLM.Command.Args,
			cfg.LLM.Command.WorkingDir,
			time.Duration(cfg.LLM.Command.TimeoutSeconds)*time.Second,
		)
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// retryPolicyFromConfig 将配置映射为默认重试策略，全部为零时沿用内置默认值。
func retryPolicyFromConfig(cfg config.RetryConfig) (workflow.RetryPolicy, bool) {
	if cfg.MaxRetries == 0 && cfg.InitialDelaySeconds == 0 && cfg.ExponentialBase == 0 && cfg.MaxDelaySeconds == 0 {
		return workflow.RetryPolicy{}, false
	}
	return workflow.RetryPolicy{
		MaxRetries:      cfg.MaxRetries,
		InitialDelay:    cfg.InitialDelaySeconds,
		ExponentialBase: cfg.ExponentialBase,
		MaxDelay:        cfg.MaxDelaySeconds,
	}, true
}

// registerBuiltinTools 注册守护进程自带的基础工具。
// 业务方通常通过自定义构建追加自己的工具实现。
func registerBuiltinTools(registry *agent.ToolRegistry) error {
	currentTime := agent.NewFuncTool(
		"current_time",
		"返回当前的 UTC 时间，格式为 RFC3339。",
		func(_ context.Context, _ map[string]any) (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	)
	if err := registry.Register(currentTime); err != nil {
		return err
	}

	calculator := agent.NewFuncTool(
		"calculator",
		"对 a 与 b 两个数字执行 op 指定的四则运算（add/sub/mul/div）。",
		func(_ context.Context, params map[string]any) (string, error) {
			a, err := numberParam(params, "a")
			if err != nil {
				return "", err
			}
			b, err := numberParam(params, "b")
			if err != nil {
				return "", err
			}
			op, _ := params["op"].(string)
			var result float64
			switch op {
			case "", "add":
				result = a + b
			case "sub":
				result = a - b
			case "mul":
				result = a * b
			case "div":
				if b == 0 {
					return "", errors.New("除数不能为零")
				}
				result = a / b
			default:
				return "", fmt.Errorf("不支持的运算: %s", op)
			}
			return strconv.FormatFloat(result, 'f', -1, 64), nil
		},
	)
	return registry.Register(calculator)
}

// numberParam 读取数值参数，JSON 解码出的数字统一为 float64。
func numberParam(params map[string]any, key string) (float64, error) {
	value, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("缺少参数 %s", key)
	}
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("参数 %s 不是数字: %v", key, value)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("参数 %s 不是数字: %v", key, value)
	}
}
