package negotiation

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/llm"
	"AgentMarket/pkg/logger"
)

// Config 是议价器的静态参数。
type Config struct {
	Style              Style
	MaxRounds          int
	MinDiscountPercent float64
}

// Negotiator 驱动买家与卖家之间的多轮议价。
type Negotiator struct {
	cfg              Config
	seller           Seller
	generator        llm.Generator
	generatorTimeout time.Duration
	logger           *slog.Logger
}

// Option 定义议价器的可选配置。
type Option func(*Negotiator)

// WithSeller 替换默认的脚本卖家。
func WithSeller(seller Seller) Option {
	return func(n *Negotiator) {
		if seller != nil {
			n.seller = seller
		}
	}
}

// WithGenerator 配置文本生成器，用于润色买家发言。
func WithGenerator(generator llm.Generator) Option {
	return func(n *Negotiator) {
		n.generator = generator
	}
}

// WithGeneratorTimeout 限制单次文本生成的耗时。
func WithGeneratorTimeout(timeout time.Duration) Option {
	return func(n *Negotiator) {
		if timeout > 0 {
			n.generatorTimeout = timeout
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(n *Negotiator) {
		if l != nil {
			n.logger = l
		}
	}
}

// New 创建议价器。
func New(cfg Config, opts ...Option) *Negotiator {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 5
	}
	if cfg.Style == "" {
		cfg.Style = StyleBalanced
	}
	n := &Negotiator{
		cfg:              cfg,
		seller:           ScriptedSeller{},
		generatorTimeout: 8 * time.Second,
		logger:           logger.Named("negotiation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Strategy 返回给定预算上限下的策略。
func (n *Negotiator) Strategy(ceiling decimal.Decimal) Strategy {
	return NewStrategy(n.cfg.Style, n.cfg.MaxRounds, ceiling)
}

// Run 以 ceiling 为预算上限完成一次议价。每条发言都经由 emit 送出；
// emit 返回错误时议价立即中止并返回该错误。
func (n *Negotiator) Run(ctx context.Context, listing Listing, ceiling decimal.Decimal, emit EmitFunc) (Outcome, error) {
	strategy := n.Strategy(ceiling)
	composer := NewComposer(strategy, n.generator, n.generatorTimeout, n.logger)
	state := State{
		Style:              strategy.Style(),
		Round:              1,
		MaxRounds:          strategy.MaxRounds(),
		ListPrice:          listing.ListPrice,
		BudgetCeiling:      ceiling,
		MinDiscountPercent: decimal.NewFromFloat(n.cfg.MinDiscountPercent),
	}

	say := func(turn Turn) error {
		state.append(turn)
		if emit == nil {
			return ctx.Err()
		}
		return emit(ctx, turn)
	}
	mc := func(quote decimal.Decimal) MessageContext {
		return MessageContext{
			ProductName: listing.ProductName,
			SellerName:  listing.SellerName,
			StoreName:   listing.StoreName,
			ListPrice:   listing.ListPrice,
			SellerQuote: quote,
			Round:       state.Round,
			Transcript:  state.Transcript,
		}
	}

	greeting, err := n.seller.Greeting(ctx, listing)
	if err != nil {
		return Outcome{State: state}, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "卖家 Agent 无响应")
	}
	if err := say(Turn{Speaker: SpeakerSeller, Text: greeting}); err != nil {
		return Outcome{State: state}, err
	}

	if err := say(Turn{Speaker: SpeakerBuyer, Text: composer.Opening(ctx, mc(listing.ListPrice)), Round: 1}); err != nil {
		return Outcome{State: state}, err
	}

	quote, err := n.seller.Open(ctx, listing)
	if err != nil {
		return Outcome{State: state}, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "卖家 Agent 报价失败")
	}
	if err := say(Turn{Speaker: SpeakerSeller, Text: quote.Text, Round: 1, Price: quote.Price}); err != nil {
		return Outcome{State: state}, err
	}

	for {
		decision := strategy.ShouldAccept(listing.ListPrice, quote.Price, state.Round)
		n.logger.Debug("议价决策", "round", state.Round, "quote", quote.Price.String(), "accept", decision.Accept, "reason", decision.Reason)

		if decision.Accept {
			text := composer.Acceptance(ctx, mc(quote.Price), quote.Price)
			if err := say(Turn{Speaker: SpeakerBuyer, Text: text, Round: state.Round, Price: quote.Price}); err != nil {
				return Outcome{State: state}, err
			}
			return Outcome{Accepted: true, Price: quote.Price, Rounds: state.Round, Reason: decision.Reason, State: state}, nil
		}

		if state.Round >= strategy.MaxRounds() {
			text := composer.Rejection(ctx, mc(quote.Price), decision.Reason)
			if err := say(Turn{Speaker: SpeakerBuyer, Text: text, Round: state.Round}); err != nil {
				return Outcome{State: state}, err
			}
			return Outcome{Price: quote.Price, Rounds: state.Round, Reason: decision.Reason, State: state}, nil
		}

		offer, text := composer.Bargain(ctx, mc(quote.Price))
		if err := say(Turn{Speaker: SpeakerBuyer, Text: text, Round: state.Round, Price: offer}); err != nil {
			return Outcome{State: state}, err
		}

		next, err := n.seller.Counter(ctx, listing, quote.Price, offer, state.Round)
		if err != nil {
			return Outcome{State: state}, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "卖家 Agent 还价失败")
		}
		quote = next
		state.Round++
		if err := say(Turn{Speaker: SpeakerSeller, Text: quote.Text, Round: state.Round, Price: quote.Price}); err != nil {
			return Outcome{State: state}, err
		}
	}
}
