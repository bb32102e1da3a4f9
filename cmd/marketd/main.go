package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"AgentMarket/internal/api"
	"AgentMarket/internal/bootstrap"
	"AgentMarket/internal/config"
	"AgentMarket/pkg/logger"
)

// main 是 Agent Market 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("marketd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("释放资源失败: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, app.Pipeline,
		api.WithMetrics(app.Metrics),
		api.WithRuns(app.Runs),
		api.WithWatcher(app.Watcher),
	)

	logger.L().Info("marketd 启动", slog.String("address", cfg.Server.Address))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("marketd 已退出")
	return nil
}
