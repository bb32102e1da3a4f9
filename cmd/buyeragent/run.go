package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/urfave/cli/v2"

	"AgentMarket/internal/bootstrap"
	"AgentMarket/internal/config"
	"AgentMarket/internal/event"
	"AgentMarket/internal/pipeline"
	"AgentMarket/internal/session"
	"AgentMarket/internal/settlement"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "执行一次购买任务，并以 NDJSON 输出全部事件",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "goal", Aliases: []string{"g"}, Usage: "购买目标", Required: true},
			&cli.StringFlag{Name: "note", Usage: "买家备注"},
			&cli.StringFlag{Name: "mode", Usage: "simulate 或 testnet"},
			&cli.StringFlag{Name: "checkout", Usage: "auto 或 confirm"},
			&cli.StringFlag{Name: "session", Usage: "指定会话 ID"},
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "需要确认时自动批准结算"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			app, err := bootstrap.Build(c.Context, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			req := pipeline.Request{
				Goal:      c.String("goal"),
				BuyerNote: c.String("note"),
				Mode:      settlement.Mode(c.String("mode")),
				SessionID: c.String("session"),
			}
			checkout, err := pipeline.ParseCheckout(c.String("checkout"))
			if err != nil {
				return err
			}
			req.Checkout = checkout

			var confirm confirmer
			if !c.Bool("yes") {
				confirm = promptConfirmer(os.Stdin, os.Stderr)
			}
			result, err := execute(c.Context, app.Pipeline, req, os.Stdout, confirm)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Fprintf(os.Stderr, "运行 %s 结束：%s\n", result.RunID, result.Outcome)
			if result.PendingOrderID != "" {
				fmt.Fprintf(os.Stderr, "结算结果不明，预算占用 %s 仍待处理\n", result.PendingOrderID)
			}
			return nil
		},
	}
}

// confirmer 决定是否批准结算。nil 表示自动批准。
type confirmer func(ctx context.Context) (bool, error)

// promptConfirmer 在 out 上提示并从 in 读取一行回答。
func promptConfirmer(in io.Reader, out io.Writer) confirmer {
	reader := bufio.NewReader(in)
	return func(ctx context.Context) (bool, error) {
		fmt.Fprint(out, "确认结算？[y/N] ")
		type answer struct {
			line string
			err  error
		}
		ch := make(chan answer, 1)
		go func() {
			line, err := reader.ReadString('\n')
			ch <- answer{line: line, err: err}
		}()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case a := <-ch:
			if a.err != nil && a.err != io.EOF {
				return false, a.err
			}
			return parseAnswer(a.line), nil
		}
	}
}

func parseAnswer(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes", "是", "确认":
		return true
	default:
		return false
	}
}

// execute 运行编排流程，把事件写成 NDJSON。等待确认时在后台询问 confirm，
// 并通过会话表批准或取消。
func execute(ctx context.Context, p *pipeline.Pipeline, req pipeline.Request, out io.Writer, confirm confirmer) (pipeline.Result, error) {
	encoder := event.NewNDJSONEncoder(out)
	sessions := p.Sessions()

	var wg sync.WaitGroup
	defer wg.Wait()
	askCtx, cancelAsk := context.WithCancel(ctx)
	defer cancelAsk()

	emit := func(ev event.Event) error {
		if err := encoder.Encode(ev); err != nil {
			return err
		}
		st, ok := ev.(event.State)
		if !ok || st.AwaitingConfirm == nil || !*st.AwaitingConfirm || st.SessionID == nil {
			return nil
		}
		sessionID := *st.SessionID
		wg.Add(1)
		go func() {
			defer wg.Done()
			resolve(askCtx, sessions, sessionID, confirm)
		}()
		return nil
	}
	return p.Run(ctx, req, emit)
}

func resolve(ctx context.Context, sessions *session.Table, sessionID string, confirm confirmer) {
	approved := true
	if confirm != nil {
		ok, err := confirm(ctx)
		if err != nil {
			return
		}
		approved = ok
	}
	if approved {
		_ = sessions.Resolve(sessionID)
		return
	}
	_ = sessions.Reject(sessionID, "user cancelled")
}
