package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/budget"
	"AgentMarket/internal/catalog"
	"AgentMarket/internal/deal"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/event"
	"AgentMarket/internal/eventbus"
	"AgentMarket/internal/negotiation"
	"AgentMarket/internal/observability/alerting"
	"AgentMarket/internal/observability/metrics"
	"AgentMarket/internal/session"
	"AgentMarket/internal/settlement"
	"AgentMarket/internal/storage/mysql"
	"AgentMarket/internal/wallet"
	"AgentMarket/internal/web3"
	"AgentMarket/pkg/logger"
)

// Mode 决定结算走模拟流程还是测试网。
type Mode = settlement.Mode

const (
	ModeSimulate = settlement.ModeSimulate
	ModeTestnet  = settlement.ModeTestnet
)

// Checkout 决定订单生成后是否自动结算。
type Checkout string

const (
	CheckoutAuto    Checkout = "auto"
	CheckoutConfirm Checkout = "confirm"
)

// ParseCheckout 解析结算方式，不区分大小写。空值返回空串，运行时取默认方式；
// 其他取值返回 INVALID_ARGUMENT，不会悄悄跳过人工确认。
func ParseCheckout(raw string) (Checkout, error) {
	switch c := normalizeCheckout(Checkout(raw)); c {
	case "", CheckoutAuto, CheckoutConfirm:
		return c, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未知的结算方式: "+raw)
	}
}

func normalizeCheckout(c Checkout) Checkout {
	return Checkout(strings.ToLower(strings.TrimSpace(string(c))))
}

// Outcome 是一次运行的最终结果。
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// Request 描述一次购买任务。
type Request struct {
	Goal      string   `json:"goal"`
	BuyerNote string   `json:"buyerNote,omitempty"`
	Mode      Mode     `json:"mode,omitempty"`
	Checkout  Checkout `json:"checkout,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
}

// Result 汇总一次运行。PendingOrderID 非空表示结算结果不明、预算仍处于占用状态。
type Result struct {
	RunID          string           `json:"runId"`
	SessionID      string           `json:"sessionId"`
	Outcome        Outcome          `json:"outcome"`
	StoreID        string           `json:"storeId,omitempty"`
	ProductID      string           `json:"productId,omitempty"`
	Deal           *deal.Serialized `json:"deal,omitempty"`
	Price          decimal.Decimal  `json:"price"`
	Rounds         int              `json:"rounds"`
	PendingOrderID string           `json:"pendingOrderId,omitempty"`
}

// EmitFunc 接收运行中产生的事件。返回错误会中止运行，通常表示观察者已断开。
type EmitFunc func(ev event.Event) error

// Resolution 是对结果不明的结算的裁决。
type Resolution int

const (
	// ResolutionUnknown 保留预算占用，等待人工处理。
	ResolutionUnknown Resolution = iota
	// ResolutionSettled 确认结算已经完成，占用转为支出。
	ResolutionSettled
	// ResolutionReverted 确认结算没有发生，释放占用。
	ResolutionReverted
)

// ReservationID 返回一次运行在账本中的占用键。相同参数在同一秒内生成的
// Deal ID 相同，占用必须按运行区分。
func ReservationID(dealID, runID string) string {
	return dealID + "/" + runID
}

// Reconciler 在结算子流异常中断后按 Deal ID 判断订单的真实状态。
type Reconciler interface {
	Reconcile(ctx context.Context, dealID string, cause error) (Resolution, error)
}

// Dependencies 是编排流程必需的协作者。
type Dependencies struct {
	Ledger     *budget.Ledger
	Sessions   *session.Table
	Catalog    catalog.Catalog
	Negotiator *negotiation.Negotiator
	Settler    settlement.Settler
}

// Pipeline 串联发现、浏览、议价、下单、确认与结算各阶段。
type Pipeline struct {
	ledger     *budget.Ledger
	sessions   *session.Table
	catalog    catalog.Catalog
	negotiator *negotiation.Negotiator
	settler    settlement.Settler

	signer     wallet.Signer
	domain     deal.Domain
	chain      web3.Client
	addresses  Addresses
	publisher  eventbus.Publisher
	repository mysql.RunRepository
	metrics    *metrics.Metrics
	alerts     alerting.Dispatcher
	reconciler Reconciler

	pace            time.Duration
	horizon         time.Duration
	storeLimit      int
	productLimit    int
	defaultMode     Mode
	defaultCheckout Checkout
	now             func() time.Time
	logger          *slog.Logger
}

// Option 定义编排流程的可选配置。
type Option func(*Pipeline)

// WithSigner 为生成的订单附加 EIP-712 签名。
func WithSigner(signer wallet.Signer, domain deal.Domain) Option {
	return func(p *Pipeline) {
		p.signer = signer
		p.domain = domain
	}
}

// WithChain 在测试网模式的发现阶段读取链上状态。
func WithChain(client web3.Client) Option {
	return func(p *Pipeline) {
		p.chain = client
	}
}

// WithAddresses 指定订单使用的买卖双方与合约地址。
func WithAddresses(addrs Addresses) Option {
	return func(p *Pipeline) {
		p.addresses = addrs
	}
}

// WithPublisher 将每个事件转发到事件总线。
func WithPublisher(publisher eventbus.Publisher) Option {
	return func(p *Pipeline) {
		p.publisher = publisher
	}
}

// WithRepository 保存运行历史。
func WithRepository(repo mysql.RunRepository) Option {
	return func(p *Pipeline) {
		p.repository = repo
	}
}

// WithMetrics 记录运行指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithAlerts 在运行失败时发送告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(p *Pipeline) {
		p.alerts = d
	}
}

// WithReconciler 处理结果不明的结算。
func WithReconciler(r Reconciler) Option {
	return func(p *Pipeline) {
		p.reconciler = r
	}
}

// WithPace 设置叙述节奏，0 表示不停顿。
func WithPace(d time.Duration) Option {
	return func(p *Pipeline) {
		if d >= 0 {
			p.pace = d
		}
	}
}

// WithDealHorizon 设置订单截止时间距现在的间隔，不足一分钟时按一分钟处理。
func WithDealHorizon(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.horizon = max(d, time.Minute)
		}
	}
}

// WithSearchLimits 设置检索店铺与商品的数量上限。
func WithSearchLimits(stores, products int) Option {
	return func(p *Pipeline) {
		if stores > 0 {
			p.storeLimit = stores
		}
		if products > 0 {
			p.productLimit = products
		}
	}
}

// WithDefaults 指定请求未携带时使用的模式与结算方式。
func WithDefaults(mode Mode, checkout Checkout) Option {
	return func(p *Pipeline) {
		if mode != "" {
			p.defaultMode = mode
		}
		if checkout != "" {
			p.defaultCheckout = checkout
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New 创建编排流程。
func New(deps Dependencies, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Ledger == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置预算账本")
	case deps.Sessions == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话表")
	case deps.Catalog == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置商品目录")
	case deps.Negotiator == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置议价器")
	case deps.Settler == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置结算服务")
	}
	p := &Pipeline{
		ledger:          deps.Ledger,
		sessions:        deps.Sessions,
		catalog:         deps.Catalog,
		negotiator:      deps.Negotiator,
		settler:         deps.Settler,
		addresses:       DefaultAddresses(),
		pace:            450 * time.Millisecond,
		horizon:         time.Hour,
		storeLimit:      5,
		productLimit:    5,
		defaultMode:     ModeSimulate,
		defaultCheckout: CheckoutAuto,
		now:             time.Now,
		logger:          logger.Named("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Ledger 返回共享的预算账本。
func (p *Pipeline) Ledger() *budget.Ledger { return p.ledger }

// Sessions 返回会话表，控制面通过它确认或取消结算。
func (p *Pipeline) Sessions() *session.Table { return p.sessions }

// Run 按顺序执行所有阶段。议价未成交与观察者取消结算都不是错误；
// ctx 取消后不再产生任何事件，预算占用与会话在所有退出路径上都会被清理，
// 唯一例外是结果不明的结算失败，此时占用保留并通过 Result.PendingOrderID 报告。
func (p *Pipeline) Run(ctx context.Context, req Request, emit EmitFunc) (Result, error) {
	r := p.newRun(ctx, req, emit)
	defer r.cleanup()

	err := r.execute()
	r.finish(err)
	if err != nil && r.outcome == OutcomeAborted {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.result(), ctxErr
		}
	}
	return r.result(), err
}

func (p *Pipeline) pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.pace <= 0 {
		return nil
	}
	timer := time.NewTimer(p.pace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
