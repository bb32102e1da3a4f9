package negotiation

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Strategy 负责纯数值的议价决策，不会失败。
type Strategy struct {
	style     Style
	maxRounds int
	ceiling   decimal.Decimal
}

// Decision 是是否接受报价的判断结果。
type Decision struct {
	Accept          bool
	Reason          string
	DiscountPercent decimal.Decimal
}

// NewStrategy 创建策略。maxRounds 小于 1 时按 1 处理。
func NewStrategy(style Style, maxRounds int, ceiling decimal.Decimal) Strategy {
	if _, ok := targetFactors[style]; !ok {
		style = StyleBalanced
	}
	if maxRounds < 1 {
		maxRounds = 1
	}
	return Strategy{style: style, maxRounds: maxRounds, ceiling: ceiling}
}

// Style 返回风格。
func (s Strategy) Style() Style { return s.style }

// MaxRounds 返回最大轮数。
func (s Strategy) MaxRounds() int { return s.maxRounds }

// Ceiling 返回预算上限。
func (s Strategy) Ceiling() decimal.Decimal { return s.ceiling }

// TargetPrice 返回 min(listPrice × factor(round), ceiling)。
func (s Strategy) TargetPrice(listPrice decimal.Decimal, round int) decimal.Decimal {
	return decimal.Min(listPrice.Mul(tier(targetFactors[s.style], round)), s.ceiling)
}

// AcceptThreshold 返回本轮要求的最低折扣百分比。
func (s Strategy) AcceptThreshold(round int) decimal.Decimal {
	return tier(acceptThresholds[s.style], round)
}

// ShouldAccept 判断是否接受卖家报价。
func (s Strategy) ShouldAccept(listPrice, quote decimal.Decimal, round int) Decision {
	if quote.GreaterThan(s.ceiling) {
		return Decision{Reason: fmt.Sprintf("Price %s exceeds budget %s", quote.String(), s.ceiling.String())}
	}

	discount := decimal.Zero
	if listPrice.IsPositive() {
		discount = listPrice.Sub(quote).Div(listPrice).Mul(hundred)
	}
	threshold := s.AcceptThreshold(round)

	if discount.GreaterThanOrEqual(threshold) {
		return Decision{
			Accept:          true,
			DiscountPercent: discount,
			Reason:          fmt.Sprintf("Discount %s%% >= threshold %s%% at round %d", discount.StringFixed(1), threshold.String(), round),
		}
	}
	if round >= s.maxRounds {
		return Decision{
			Accept:          true,
			DiscountPercent: discount,
			Reason:          fmt.Sprintf("Final round %d, price %s is within budget", round, quote.String()),
		}
	}
	return Decision{
		DiscountPercent: discount,
		Reason:          fmt.Sprintf("Discount %s%% < threshold %s%% at round %d", discount.StringFixed(1), threshold.String(), round),
	}
}
