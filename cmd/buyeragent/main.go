package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// main 是买家 Agent 命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("buyeragent 运行失败: %v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "buyeragent",
		Usage: "在本地执行一次买家 Agent 的发现、议价与结算流程",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
				EnvVars: []string{"MARKET_CONFIG"},
				Value:   "configs/market.json",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			tailCommand(),
		},
	}
}
