package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"AgentMarket/internal/config"
	"AgentMarket/internal/eventbus"
)

func tailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "从 RabbitMQ 事件队列持续读取运行事件",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run", Usage: "只输出指定运行 ID 的事件"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if cfg.EventBus.Driver != "rabbitmq" {
				return cli.Exit("tail 需要 event_bus.driver=rabbitmq", 2)
			}
			queue, err := eventbus.NewRabbitMQPublisher(eventbus.RabbitMQConfig{
				URL:      cfg.EventBus.RabbitMQ.URL,
				Queue:    cfg.EventBus.RabbitMQ.Queue,
				Durable:  cfg.EventBus.RabbitMQ.Durable,
				Prefetch: 32,
			})
			if err != nil {
				return err
			}
			defer queue.Close()

			err = queue.Consume(c.Context, printRecords(os.Stdout, c.String("run")))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// printRecords 以 NDJSON 输出事件记录，runID 非空时过滤其他运行。
func printRecords(out io.Writer, runID string) func(context.Context, eventbus.Record) error {
	encoder := json.NewEncoder(out)
	return func(_ context.Context, rec eventbus.Record) error {
		if runID != "" && rec.RunID != runID {
			return nil
		}
		return encoder.Encode(rec)
	}
}
