package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"TaskWarden/internal/action"
	"TaskWarden/internal/api"
	"TaskWarden/internal/audit"
	"TaskWarden/internal/auth"
	"TaskWarden/internal/config"
	"TaskWarden/internal/observability/alerting"
	"TaskWarden/internal/task"
	"TaskWarden/pkg/logger"
)

// main 是任务执行守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("wardend 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = filepath.Join("configs", "warden.json")
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
	defer func() {
		_ = logger.Sync()
	}()

	var taskStore task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		taskStore = task.NewMemoryStore()
	case "mysql":
		store, err := task.NewMySQLStore(cfg.Storage.TaskStore.DSN)
		if err != nil {
			return err
		}
		taskStore = store
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
	defer func() {
		if taskStore != nil {
			_ = taskStore.Close()
		}
	}()

	var taskQueue task.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		taskQueue = task.NewMemoryQueue(cfg.Queue.Size)
	case "redis":
		queue, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if taskQueue != nil {
			if err := taskQueue.Close(); err != nil {
				log.Printf("关闭任务队列失败: %v", err)
			}
		}
	}()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	trail := audit.NewRecorder(logger.Audit())

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	alerter := alerting.NewFanout(notifiers...)

	taskService := task.NewService(taskStore, taskQueue, registry, trail)
	scanner := task.NewScanner(taskService,
		task.WithStaleAfter(time.Duration(cfg.Approval.StalenessHours)*time.Hour),
		task.WithScanBatchSize(cfg.Approval.ScanBatchSize),
	)
	executor := task.NewExecutor(taskStore, taskQueue, registry, trail,
		task.WithWorkerCount(cfg.Executor.WorkerCount),
		task.WithActionTimeout(time.Duration(cfg.Executor.ActionTimeoutSeconds)*time.Second),
		task.WithAlertDispatcher(alerter),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := executor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("任务执行器异常退出: %v", err)
		}
	}()
	go func() {
		interval := time.Duration(cfg.Approval.ScanIntervalSeconds) * time.Second
		if err := scanner.Run(workerCtx, interval); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("审批扫描器异常退出: %v", err)
		}
	}()

	guard := buildGuard(cfg)
	server := api.NewServer(cfg.Server.Address, taskService, scanner, trail, guard)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildRegistry 装配动作注册表并套用审批策略。
func buildRegistry(cfg *config.Config) (*action.Registry, error) {
	registry := action.NewRegistry()

	emailDef, err := action.EmailDefinition(action.EmailConfig{
		Host:           cfg.Actions.Email.Host,
		Port:           cfg.Actions.Email.Port,
		Username:       cfg.Actions.Email.Username,
		Password:       cfg.Actions.Email.Password,
		From:           cfg.Actions.Email.From,
		SSL:            cfg.Actions.Email.SSL,
		TimeoutSeconds: cfg.Actions.Email.TimeoutSeconds,
	})
	if err != nil {
		return nil, err
	}
	if err := registry.Register(emailDef); err != nil {
		return nil, err
	}

	socialDef := action.SocialDefinition(action.SocialConfig{
		BaseURL:          cfg.Actions.Social.BaseURL,
		AccessToken:      cfg.Actions.Social.AccessToken,
		AuthorURN:        cfg.Actions.Social.AuthorURN,
		TimeoutSeconds:   cfg.Actions.Social.TimeoutSeconds,
		MaxContentLength: cfg.Actions.Social.MaxContentLength,
	})
	if err := registry.Register(socialDef); err != nil {
		return nil, err
	}

	if cfg.Actions.PolicyPath != "" {
		policy, err := action.LoadPolicy(cfg.Actions.PolicyPath)
		if err != nil {
			return nil, err
		}
		policy.Apply(registry)
	}
	return registry, nil
}

func buildGuard(cfg *config.Config) *auth.Guard {
	if len(cfg.API.Tokens) == 0 {
		return auth.NewGuard(nil)
	}
	entries := make([]auth.TokenEntry, 0, len(cfg.API.Tokens))
	for _, token := range cfg.API.Tokens {
		entries = append(entries, auth.TokenEntry{
			Token:       token.Token,
			Name:        token.Name,
			Permissions: token.Permissions,
		})
	}
	return auth.NewGuard(entries)
}
