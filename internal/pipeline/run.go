package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/catalog"
	"AgentMarket/internal/deal"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/event"
	"AgentMarket/internal/eventbus"
	"AgentMarket/internal/observability/alerting"
	"AgentMarket/internal/session"
	"AgentMarket/internal/storage/mysql"
	"AgentMarket/pkg/logger"
)

const (
	speakerBuyer  = "买家 Agent"
	speakerSystem = "系统"
)

// ErrObserverGone 表示事件接收方已停止接收，运行随之中止。
var ErrObserverGone = errors.New("pipeline: observer stopped receiving events")

// run 保存单次运行的全部可变状态，只在 Run 的调用 goroutine 内使用。
type run struct {
	p     *Pipeline
	ctx   context.Context
	req   Request
	sink  EmitFunc
	clock *event.Clock
	log   *slog.Logger

	runID     string
	sessionID string
	seq       int64
	gone      bool

	startedAt    time.Time
	stage        event.Stage
	stageStarted time.Time

	store      catalog.Store
	product    catalog.Product
	price      decimal.Decimal
	rounds     int
	deal       *deal.Deal
	serialized *deal.Serialized

	reserved       string
	pendingOrder   string
	sessionCreated bool
	outcome        Outcome
	cleaned        bool
}

func (p *Pipeline) newRun(ctx context.Context, req Request, emit EmitFunc) *run {
	req.Goal = strings.TrimSpace(req.Goal)
	req.BuyerNote = strings.TrimSpace(req.BuyerNote)
	if req.Mode == "" {
		req.Mode = p.defaultMode
	}
	if req.Checkout = normalizeCheckout(req.Checkout); req.Checkout == "" {
		req.Checkout = p.defaultCheckout
	}
	if req.SessionID == "" {
		req.SessionID = session.NewID()
	}
	runID := event.NewID()
	return &run{
		p:         p,
		ctx:       ctx,
		req:       req,
		sink:      emit,
		clock:     event.NewClock(p.now),
		log:       p.logger.With(slog.String("run_id", runID), slog.String("session_id", req.SessionID)),
		runID:     runID,
		sessionID: req.SessionID,
		startedAt: p.now(),
	}
}

func (r *run) send(ev event.Event) error {
	if r.gone {
		return ErrObserverGone
	}
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if r.sink != nil {
		if err := r.sink(ev); err != nil {
			r.gone = true
			return fmt.Errorf("%w: %v", ErrObserverGone, err)
		}
	}
	r.publish(ev)
	return nil
}

func (r *run) publish(ev event.Event) {
	if r.p.publisher == nil {
		return
	}
	r.seq++
	rec := eventbus.Record{RunID: r.runID, Seq: r.seq, Event: ev}
	if err := r.p.publisher.Publish(r.ctx, rec); err != nil {
		r.log.Warn("事件转发失败", slog.String("kind", string(ev.Kind())), slog.Any("error", err))
	}
}

func (r *run) say(role event.Role, stage event.Stage, speaker, content string) error {
	return r.send(event.Message{
		ID:      event.NewID(),
		Role:    role,
		Stage:   stage,
		Speaker: speaker,
		Content: content,
		TS:      r.clock.Stamp(),
	})
}

func (r *run) buyer(stage event.Stage, content string) error {
	return r.say(event.RoleBuyer, stage, speakerBuyer, content)
}

func (r *run) system(stage event.Stage, content string) error {
	return r.say(event.RoleSystem, stage, speakerSystem, content)
}

func (r *run) step(id string, status event.Status, detail string) error {
	return r.send(event.TimelineStep{ID: id, Status: status, Detail: detail})
}

// state 发送部分状态更新，每次都带上会话 ID。
func (r *run) state(st event.State) error {
	st.SessionID = event.Ptr(r.sessionID)
	return r.send(st)
}

func (r *run) callTool(stage event.Stage, name string, args any) (string, error) {
	id := event.NewID()
	return id, r.send(event.ToolCall{ID: id, Stage: stage, Name: name, Args: args, TS: r.clock.Stamp()})
}

func (r *run) toolResult(id string, result any) error {
	return r.send(event.ToolResult{ID: id, Result: result, TS: r.clock.Stamp()})
}

func (r *run) pause() error {
	return r.p.pause(r.ctx)
}

func (r *run) enter(stage event.Stage) {
	r.leave()
	r.stage = stage
	r.stageStarted = r.p.now()
}

func (r *run) leave() {
	if r.stage == "" || r.stageStarted.IsZero() {
		return
	}
	r.p.metrics.ObserveStage(string(r.stage), r.p.now().Sub(r.stageStarted))
	r.stageStarted = time.Time{}
}

// cleanup 释放运行持有的预算占用与会话，可重复调用。
func (r *run) cleanup() {
	if r.cleaned {
		return
	}
	r.cleaned = true
	if r.reserved != "" && r.pendingOrder == "" {
		r.p.ledger.Cancel(r.reserved)
		logger.Audit().Info("释放预算占用",
			slog.String("run_id", r.runID),
			slog.String("order_id", r.reserved))
		r.reserved = ""
	}
	if r.sessionCreated {
		r.p.sessions.Clear(r.sessionID)
		r.sessionCreated = false
	}
}

// finish 确定最终结果，并完成失败通知、历史记录、指标与告警。
func (r *run) finish(err error) {
	r.leave()
	switch {
	case err == nil && r.outcome == "":
		r.outcome = OutcomeCompleted
	case err != nil && (isCancellation(err) || errors.Is(err, ErrObserverGone)):
		r.outcome = OutcomeAborted
	case err != nil:
		r.outcome = OutcomeFailed
		r.reportFailure(err)
	}
	r.cleanup()

	finishedAt := r.p.now()
	attrs := []any{
		slog.String("run_id", r.runID),
		slog.String("session_id", r.sessionID),
		slog.String("outcome", string(r.outcome)),
		slog.String("mode", string(r.req.Mode)),
		slog.Duration("elapsed", finishedAt.Sub(r.startedAt)),
	}
	if r.pendingOrder != "" {
		attrs = append(attrs, slog.String("pending_order_id", r.pendingOrder))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error_code", string(xerrors.CodeOf(err))), slog.Any("error", err))
	}
	logger.Audit().Info("运行结束", attrs...)

	bg := context.WithoutCancel(r.ctx)
	r.save(bg, err, finishedAt)

	r.p.metrics.ObserveRun(string(r.outcome), string(r.req.Mode))
	status := r.p.ledger.Status()
	r.p.metrics.SetBudget(toFloat(status.TotalBudget), toFloat(status.Pending), toFloat(status.Remaining))
	r.p.metrics.SetPendingSessions(r.p.sessions.Len())

	if r.outcome == OutcomeFailed && r.p.alerts != nil && xerrors.ShouldAlert(err) {
		alert := alerting.FromError(r.runID, string(r.stage), err, finishedAt)
		if r.deal != nil {
			alert.DealID = r.deal.ID.Hex()
		}
		if alertErr := r.p.alerts.Notify(bg, alert); alertErr != nil {
			r.log.Warn("告警发送失败", slog.Any("error", alertErr))
		}
	}
}

// reportFailure 把失败告知观察者：当前阶段标记为 error，随后是终止的 error 事件。
func (r *run) reportFailure(err error) {
	message := xerrors.UserMessage(err)
	if r.stage != "" {
		if sendErr := r.step(string(r.stage), event.StatusError, message); sendErr != nil {
			return
		}
	}
	_ = r.send(event.Failure{Message: message})
}

func (r *run) save(ctx context.Context, err error, finishedAt time.Time) {
	if r.p.repository == nil {
		return
	}
	rec := mysql.RunRecord{
		RunID:          r.runID,
		Goal:           r.req.Goal,
		Mode:           string(r.req.Mode),
		Checkout:       string(r.req.Checkout),
		Outcome:        string(r.outcome),
		StoreID:        r.store.ID,
		ProductID:      r.product.ID,
		Rounds:         r.rounds,
		PendingOrderID: r.pendingOrder,
		StartedAt:      r.startedAt.UnixMilli(),
		FinishedAt:     finishedAt.UnixMilli(),
	}
	if r.deal != nil {
		rec.DealID = r.deal.ID.Hex()
	}
	if !r.price.IsZero() {
		rec.Price = r.price.StringFixed(2)
	}
	if err != nil {
		rec.ErrorCode = string(xerrors.CodeOf(err))
		rec.ErrorMessage = xerrors.UserMessage(err)
	}
	if saveErr := r.p.repository.Save(ctx, rec); saveErr != nil {
		r.log.Warn("保存运行记录失败", slog.Any("error", saveErr))
	}
}

func (r *run) result() Result {
	return Result{
		RunID:          r.runID,
		SessionID:      r.sessionID,
		Outcome:        r.outcome,
		StoreID:        r.store.ID,
		ProductID:      r.product.ID,
		Deal:           r.serialized,
		Price:          r.price,
		Rounds:         r.rounds,
		PendingOrderID: r.pendingOrder,
	}
}

func toFloat(amount string) float64 {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
