package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"OpenLend-Chain/internal/aave/provider"
	"OpenLend-Chain/internal/actions"
	"OpenLend-Chain/internal/api"
	"OpenLend-Chain/internal/auth"
	"OpenLend-Chain/internal/config"
	"OpenLend-Chain/internal/llm"
	"OpenLend-Chain/internal/llm/openai"
	"OpenLend-Chain/internal/llm/rules"
	"OpenLend-Chain/internal/message"
	"OpenLend-Chain/internal/observability/alerting"
	"OpenLend-Chain/internal/storage/mysql"
	"OpenLend-Chain/internal/suggest"
	"OpenLend-Chain/internal/wallet"
	"OpenLend-Chain/pkg/action"
	"OpenLend-Chain/pkg/logger"
)

// main 是 OpenLend 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("olendd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OLEND_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "olend.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Log.AuditPath != "",
			Path:    cfg.Log.AuditPath,
		},
	}); err != nil {
		return err
	}

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	signer, err := createSigner(cfg)
	if err != nil {
		return err
	}

	markets, err := provider.NewRegistry(ctx, cfg.Markets, signer)
	if err != nil {
		return err
	}
	defer markets.Close()

	aaveService, err := markets.DefaultService()
	if err != nil {
		return err
	}

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	var ledger mysql.OperationRepository
	switch cfg.Storage.Ledger.Driver {
	case "", "memory":
		repo, err := mysql.NewMemoryOperationRepository(dataDir)
		if err != nil {
			return err
		}
		ledger = repo
	case "mysql":
		repo, err := mysql.NewSQLOperationRepository(cfg.Storage.Ledger.DSN)
		if err != nil {
			return err
		}
		ledger = repo
	default:
		return mysql.ErrUnsupportedDriver
	}
	if closer, ok := ledger.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	suggestions, err := createSuggestProvider(cfg)
	if err != nil {
		return err
	}

	registry, err := action.NewRegistry(action.RegistryConfig{})
	if err != nil {
		return err
	}
	if err := actions.RegisterAll(registry, actions.Deps{
		Aave:         aaveService,
		LLM:          llmClient,
		Ledger:       ledger,
		HistoryDepth: cfg.Agent.MemoryDepth,
	}); err != nil {
		return err
	}

	engine, err := actions.NewEngine(registry, suggestions)
	if err != nil {
		return err
	}

	store, err := createMessageStore(cfg)
	if err != nil {
		return err
	}

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}

	messageService := message.NewService(store, queue, cfg.Agent.MaxRetries)
	defer func() {
		if err := messageService.Close(); err != nil {
			log.Printf("关闭消息服务失败: %v", err)
		}
	}()

	processorOpts := []message.ProcessorOption{
		message.WithWorkerCount(cfg.Queue.Workers),
		message.WithRecoveryHandler(engine.Recovery()),
	}
	if dispatcher := createAlertDispatcher(cfg); dispatcher != nil {
		processorOpts = append(processorOpts, message.WithAlertDispatcher(dispatcher))
	}
	processor := message.NewProcessor(engine, store, queue, queue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("消息处理器异常退出: %v", err)
		}
	}()

	authService, err := createAuthService(ctx, cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, messageService, authService)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createSigner(cfg *config.Config) (wallet.Signer, error) {
	key := strings.TrimSpace(cfg.Wallet.PrivateKey)
	if key == "" && cfg.Wallet.PrivateKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(cfg.Wallet.PrivateKeyEnv))
	}
	return wallet.NewLocalSigner(key)
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "rules":
		return rules.NewExtractor(nil), nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createSuggestProvider(cfg *config.Config) (suggest.Provider, error) {
	if cfg.Agent.Suggestions == "" {
		return suggest.NewStaticProvider(suggest.Defaults(), 3), nil
	}
	return suggest.LoadStaticProvider(cfg.Agent.Suggestions, 3)
}

func createMessageStore(cfg *config.Config) (message.Store, error) {
	switch cfg.Storage.MessageStore.Driver {
	case "", "memory":
		return message.NewMemoryStore(), nil
	case "mysql":
		return message.NewMySQLStore(cfg.Storage.MessageStore.DSN)
	default:
		return nil, fmt.Errorf("未知的消息存储驱动: %s", cfg.Storage.MessageStore.Driver)
	}
}

func createQueue(cfg *config.Config) (message.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return message.NewMemoryQueue(cfg.Queue.Buffer), nil
	case "redis":
		return message.NewRedisQueue(message.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return message.NewRabbitMQQueue(message.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func createAuthService(ctx context.Context, cfg *config.Config) (*auth.Service, error) {
	mode := auth.Mode(strings.ToLower(cfg.Auth.Mode))
	if mode == "" || mode == auth.ModeDisabled {
		return nil, nil
	}

	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}

	var store auth.Store
	switch cfg.Auth.Store {
	case "", "memory":
		memStore, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = memStore
	case "mysql":
		sqlStore, err := mysql.NewSQLAuthStore(ctx, mysql.Config{DSN: cfg.Auth.DSN})
		if err != nil {
			return nil, err
		}
		store = sqlStore
	default:
		return nil, fmt.Errorf("未知的认证存储驱动: %s", cfg.Auth.Store)
	}

	return auth.NewService(ctx, auth.Config{
		Mode: mode,
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			AccessTTL:  cfg.Auth.JWT.AccessTTL,
			RefreshTTL: cfg.Auth.JWT.RefreshTTL,
		},
		Seeds: seeds,
	}, store)
}

func createAlertDispatcher(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerts.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: alerting.NewDingTalkWebhook(cfg.Alerts.DingTalkWebhook, 0),
		})
	}
	if cfg.Alerts.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhook(cfg.Alerts.SlackWebhook, 0),
			ChannelID: cfg.Alerts.SlackChannel,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
