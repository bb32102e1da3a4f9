package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/llm"
)

type stage string

const (
	stageOpening stage = "opening"
	stageBargain stage = "bargain"
	stageAccept  stage = "accept"
	stageReject  stage = "reject"
)

var stageHints = map[stage]string{
	stageOpening: "这是开场，表达购买意向并暗示你会砍价。",
	stageBargain: "这是砍价环节，提出你的报价并给出理由。",
	stageAccept:  "你已决定接受报价，确认成交。",
	stageReject:  "你决定放弃购买，礼貌拒绝。",
}

// MessageContext 是生成一条买家发言所需的上下文。
type MessageContext struct {
	ProductName string
	SellerName  string
	StoreName   string
	ListPrice   decimal.Decimal
	SellerQuote decimal.Decimal
	Round       int
	Transcript  []Turn
}

// Composer 生成买家发言。生成器不可用、出错或超时时使用固定模板。
type Composer struct {
	strategy  Strategy
	generator llm.Generator
	timeout   time.Duration
	logger    *slog.Logger
}

// NewComposer 创建发言生成器。generator 可以为 nil。
func NewComposer(strategy Strategy, generator llm.Generator, timeout time.Duration, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{strategy: strategy, generator: generator, timeout: timeout, logger: logger}
}

// Opening 生成开场白。
func (c *Composer) Opening(ctx context.Context, mc MessageContext) string {
	fallback := fmt.Sprintf("你好，我想买「%s」，标价 %s USDC 有点贵，能优惠吗？", mc.ProductName, mc.ListPrice.String())
	target := c.strategy.TargetPrice(mc.ListPrice, 1)
	prompt := fmt.Sprintf("你正在联系卖家「%s」（店铺：%s）\n商品：%s，标价 %s USDC\n你的预算上限：%s USDC\n你的目标价：%s USDC\n\n请发起对话，表达购买意向并暗示会砍价。1-2句话。",
		mc.SellerName, mc.StoreName, mc.ProductName, mc.ListPrice.String(), c.strategy.Ceiling().String(), target.StringFixed(2))
	return c.compose(ctx, stageOpening, prompt, mc.Transcript, fallback, "")
}

// Bargain 计算本轮出价并生成砍价发言，发言中一定包含出价数字。
func (c *Composer) Bargain(ctx context.Context, mc MessageContext) (decimal.Decimal, string) {
	offer := c.strategy.TargetPrice(mc.ListPrice, mc.Round).Round(2)
	formatted := offer.StringFixed(2)
	fallback := fmt.Sprintf("%s USDC 还是高了，我最多出 %s USDC。", mc.SellerQuote.String(), formatted)
	prompt := fmt.Sprintf("商品：%s\n标价：%s USDC\n卖家当前报价：%s USDC\n你的预算：%s USDC\n你这轮的出价：%s USDC（必须包含这个数字）\n当前第 %d 轮\n\n请生成砍价回复。语气%s。1-2句话。",
		mc.ProductName, mc.ListPrice.String(), mc.SellerQuote.String(), c.strategy.Ceiling().String(), formatted, mc.Round, c.strategy.Style().description())
	return offer, c.compose(ctx, stageBargain, prompt, mc.Transcript, fallback, formatted)
}

// Acceptance 生成成交确认。
func (c *Composer) Acceptance(ctx context.Context, mc MessageContext, price decimal.Decimal) string {
	fallback := fmt.Sprintf("好，%s USDC 成交！请帮我生成订单。", price.String())
	prompt := fmt.Sprintf("你同意以 %s USDC 购买「%s」。\n请用1句话确认成交，并要求生成订单进入跨链结算。", price.String(), mc.ProductName)
	return c.compose(ctx, stageAccept, prompt, mc.Transcript, fallback, "")
}

// Rejection 生成礼貌的放弃发言。
func (c *Composer) Rejection(ctx context.Context, mc MessageContext, reason string) string {
	fallback := "抱歉，价格超出我的预算了，这次先不买了。"
	prompt := fmt.Sprintf("你决定放弃购买「%s」。\n原因：%s\n请用1句话礼貌地拒绝并结束对话。", mc.ProductName, reason)
	return c.compose(ctx, stageReject, prompt, mc.Transcript, fallback, "")
}

func (c *Composer) systemPrompt(s stage) string {
	base := fmt.Sprintf("你是买家 Agent，正在一个 AI 电商市场里砍价购物。\n你有明确的预算限制（%s USDC），超出预算的交易你无法接受。\n风格：%s\n要求：中文，简洁自然，禁止辱骂/脏话/人身攻击。",
		c.strategy.Ceiling().String(), c.strategy.Style().description())
	return base + "\n\n" + stageHints[s]
}

// compose 调用生成器，must 非空时输出必须包含该子串。
func (c *Composer) compose(ctx context.Context, s stage, prompt string, transcript []Turn, fallback, must string) string {
	if c.generator == nil {
		return fallback
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.generator.Generate(callCtx, llm.Request{
		SystemPrompt: c.systemPrompt(s),
		UserPrompt:   prompt,
		Transcript:   toMessages(transcript),
	})
	if err != nil {
		c.logger.Warn("文本生成失败，使用模板", "stage", string(s), "error", err)
		return fallback
	}
	text := ""
	if resp != nil {
		text = strings.TrimSpace(resp.Reply)
	}
	if text == "" {
		return fallback
	}
	if must != "" && !strings.Contains(text, must) {
		c.logger.Debug("生成文本缺少出价，使用模板", "stage", string(s), "offer", must)
		return fallback
	}
	return text
}

// toMessages 将议价记录映射为对话历史：买家为 assistant，卖家为 user。
func toMessages(transcript []Turn) []llm.Message {
	out := make([]llm.Message, 0, len(transcript))
	for _, turn := range transcript {
		role := llm.RoleUser
		if turn.Speaker == SpeakerBuyer {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: turn.Text})
	}
	return out
}
