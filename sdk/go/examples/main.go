package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"AgentMarket/internal/api"
	"AgentMarket/internal/budget"
	"AgentMarket/internal/catalog"
	"AgentMarket/internal/event"
	"AgentMarket/internal/negotiation"
	"AgentMarket/internal/pipeline"
	"AgentMarket/internal/session"
	"AgentMarket/internal/settlement"
	"AgentMarket/sdk/go/market"
)

// main 在进程内启动一个使用示例目录与模拟结算的引擎，再用 SDK 走完一次需要确认的购买。
func main() {
	ledger, err := budget.ParseLedger("100", "300")
	if err != nil {
		panic(err)
	}
	p, err := pipeline.New(pipeline.Dependencies{
		Ledger:     ledger,
		Sessions:   session.NewTable(),
		Catalog:    catalog.NewStatic(catalog.Seed(), 5),
		Negotiator: negotiation.New(negotiation.Config{Style: negotiation.StyleBalanced}),
		Settler:    settlement.NewSimulator(settlement.WithStepDelay(50 * time.Millisecond)),
	}, pipeline.WithPace(50*time.Millisecond))
	if err != nil {
		panic(err)
	}

	srv := httptest.NewServer(api.NewServer("", p).Handler())
	defer srv.Close()

	client, err := market.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = client.Stream(ctx, market.RunOptions{Goal: "烈焰之剑", Checkout: "confirm"}, func(ev event.Event) error {
		switch v := ev.(type) {
		case event.Message:
			fmt.Printf("[%s] %s: %s\n", v.Stage, v.Speaker, v.Content)
		case event.TimelineStep:
			fmt.Printf("  step %s -> %s %s\n", v.ID, v.Status, v.Detail)
		case event.State:
			if v.AwaitingConfirm != nil && *v.AwaitingConfirm && v.SessionID != nil {
				sessionID := *v.SessionID
				go func() {
					if _, err := client.Confirm(ctx, sessionID); err != nil {
						fmt.Printf("confirm failed: %v\n", err)
					}
				}()
			}
		case event.Failure:
			fmt.Printf("run failed: %s\n", v.Message)
		}
		return nil
	})
	if err != nil {
		panic(err)
	}

	status, err := client.Budget(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("budget spent=%s remaining=%s\n", status.Spent, status.Remaining)
}
