// Package bootstrap 根据配置组装编排流程及其全部协作者，供守护进程与命令行共用。
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"AgentMarket/internal/budget"
	"AgentMarket/internal/catalog"
	"AgentMarket/internal/config"
	"AgentMarket/internal/deal"
	"AgentMarket/internal/eventbus"
	"AgentMarket/internal/llm"
	"AgentMarket/internal/llm/openai"
	"AgentMarket/internal/llm/pythonbridge"
	"AgentMarket/internal/negotiation"
	"AgentMarket/internal/observability/alerting"
	"AgentMarket/internal/observability/metrics"
	"AgentMarket/internal/pipeline"
	"AgentMarket/internal/session"
	"AgentMarket/internal/settlement"
	"AgentMarket/internal/storage/mysql"
	"AgentMarket/internal/wallet"
	"AgentMarket/internal/web3/provider"
	"AgentMarket/pkg/logger"
)

// App 持有组装完成的组件，Close 按创建的逆序释放资源。
type App struct {
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	Metrics  *metrics.Metrics
	Runs     mysql.RunRepository
	// Watcher 为空表示当前事件总线不支持按运行订阅。
	Watcher eventbus.Subscriber
	// RabbitMQ 非空时可以消费运行事件队列。
	RabbitMQ *eventbus.RabbitMQPublisher

	closers []func() error
}

// Close 释放全部资源并汇总错误。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Build 按配置初始化日志、账本、目录、议价、签名、结算、事件总线、运行记录、
// 指标、告警与链上读取，任何一步失败都会释放已创建的资源。
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("配置为空")
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	app := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()
	log := logger.Named("bootstrap")

	ledger, err := budget.ParseLedger(cfg.Budget.MaxPerDeal, cfg.Budget.TotalBudget)
	if err != nil {
		return nil, err
	}

	shelf, err := catalog.LoadStatic(cfg.Catalog.Source, cfg.Catalog.MaxResults)
	if err != nil {
		return nil, err
	}

	generator, err := createGenerator(cfg)
	if err != nil {
		return nil, err
	}
	style, err := negotiation.ParseStyle(cfg.Negotiation.Style)
	if err != nil {
		return nil, err
	}
	negotiator := negotiation.New(negotiation.Config{
		Style:              style,
		MaxRounds:          cfg.Negotiation.MaxRounds,
		MinDiscountPercent: cfg.Negotiation.MinDiscountPercent,
	},
		negotiation.WithGenerator(generator),
		negotiation.WithGeneratorTimeout(cfg.Negotiation.GeneratorTimeout()),
	)

	settler, err := createSettler(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, err
	}
	runs, err := createRunRepository(ctx, app, cfg)
	if err != nil {
		return nil, err
	}
	app.Runs = runs

	publisher, err := createEventBus(ctx, app, cfg)
	if err != nil {
		return nil, err
	}

	app.Metrics = metrics.New()

	checkout, err := pipeline.ParseCheckout(cfg.Pipeline.DefaultCheckout)
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{
		pipeline.WithPublisher(publisher),
		pipeline.WithRepository(runs),
		pipeline.WithMetrics(app.Metrics),
		pipeline.WithPace(cfg.Pipeline.Pace()),
		pipeline.WithDealHorizon(cfg.Pipeline.DealHorizon()),
		pipeline.WithSearchLimits(cfg.Catalog.MaxResults, cfg.Catalog.MaxResults),
		pipeline.WithDefaults(settlement.Mode(cfg.Pipeline.DefaultMode), checkout),
		pipeline.WithAddresses(pipeline.AddressesFromConfig(cfg.Web3.Contracts, cfg.Wallet.BuyerKey(), cfg.Wallet.SellerKey())),
	}
	if cfg.Alerting.Enabled {
		notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
		if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
			notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url, Client: &http.Client{Timeout: 5 * time.Second}})
		}
		opts = append(opts, pipeline.WithAlerts(alerting.NewFanout(notifiers...)))
	}
	if key := cfg.Wallet.BuyerKey(); key != "" {
		signer, err := wallet.NewKeySigner(key)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithSigner(signer, deal.Domain{
			Name:              cfg.Wallet.DomainName,
			Version:           cfg.Wallet.DomainVersion,
			ChainID:           cfg.Wallet.ChainID,
			VerifyingContract: cfg.Wallet.VerifyingContract,
		}))
	}
	if cfg.Web3.ChainConfigPath != "" {
		registry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, err
		}
		app.onClose(func() error {
			registry.Close()
			return nil
		})
		client, ok := registry.ByChainID(cfg.Wallet.ChainID)
		if !ok {
			if client, err = registry.DefaultClient(); err != nil {
				return nil, err
			}
		}
		opts = append(opts, pipeline.WithChain(client))
		log.Info("链上读取已启用", slog.Any("chains", registry.Chains()))
	}

	p, err := pipeline.New(pipeline.Dependencies{
		Ledger:     ledger,
		Sessions:   session.NewTable(),
		Catalog:    shelf,
		Negotiator: negotiator,
		Settler:    settler,
	}, opts...)
	if err != nil {
		return nil, err
	}
	app.Pipeline = p
	app.onClose(logger.Sync)

	log.Info("组件初始化完成",
		slog.String("llm", cfg.LLM.Provider),
		slog.String("settlement", cfg.Settlement.Driver),
		slog.String("event_bus", cfg.EventBus.Driver),
		slog.String("run_store", cfg.Storage.RunStore.Driver),
		slog.String("max_per_deal", ledger.MaxPerDeal().StringFixed(2)))
	return app, nil
}

func createGenerator(cfg *config.Config) (llm.Generator, error) {
	switch cfg.LLM.Provider {
	case "", "none":
		return nil, nil
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "openai":
		apiKey := cfg.LLM.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createSettler(cfg *config.Config) (settlement.Settler, error) {
	switch cfg.Settlement.Driver {
	case "", "simulator":
		return settlement.NewSimulator(settlement.WithStepDelay(cfg.Settlement.StepDelay())), nil
	case "sse":
		return settlement.NewSSEClient(cfg.Settlement.Endpoint, cfg.Settlement.Timeout())
	default:
		return nil, fmt.Errorf("未知的结算驱动: %s", cfg.Settlement.Driver)
	}
}

func createRunRepository(ctx context.Context, app *App, cfg *config.Config) (mysql.RunRepository, error) {
	store := cfg.Storage.RunStore
	switch store.Driver {
	case "", "memory":
		return mysql.NewMemoryRunRepository(cfg.Runtime.DataDir)
	case "mysql":
		repo, err := mysql.NewSQLRunRepository(ctx, mysql.Config{
			DSN:             store.DSN,
			MaxOpenConns:    store.MaxOpenConns,
			MaxIdleConns:    store.MaxIdleConns,
			ConnMaxLifetime: time.Duration(store.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(store.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		app.onClose(repo.Close)
		return repo, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", store.Driver)
	}
}

// createEventBus 总是保留内存总线以支持本进程内的旁路观察，再按配置追加外部转发。
func createEventBus(ctx context.Context, app *App, cfg *config.Config) (eventbus.Publisher, error) {
	memory := eventbus.NewMemoryBus(0)
	app.onClose(memory.Close)
	app.Watcher = memory
	fanout := eventbus.Fanout{memory}

	switch cfg.EventBus.Driver {
	case "", "memory":
	case "redis":
		bus, err := eventbus.NewRedisBus(ctx, eventbus.RedisConfig{
			Address:       cfg.EventBus.Redis.Address,
			Password:      cfg.EventBus.Redis.Password,
			DB:            cfg.EventBus.Redis.DB,
			ChannelPrefix: cfg.EventBus.Redis.ChannelPrefix,
		})
		if err != nil {
			return nil, err
		}
		app.onClose(bus.Close)
		app.Watcher = bus
		fanout = append(fanout, bus)
	case "rabbitmq":
		queue, err := eventbus.NewRabbitMQPublisher(eventbus.RabbitMQConfig{
			URL:     cfg.EventBus.RabbitMQ.URL,
			Queue:   cfg.EventBus.RabbitMQ.Queue,
			Durable: cfg.EventBus.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		app.onClose(queue.Close)
		app.RabbitMQ = queue
		fanout = append(fanout, queue)
	default:
		return nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.EventBus.Driver)
	}
	return fanout, nil
}
