package negotiation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
)

// Style 是买家的议价风格。
type Style string

const (
	StyleAggressive   Style = "aggressive"
	StyleBalanced     Style = "balanced"
	StyleConservative Style = "conservative"
)

// ParseStyle 解析配置中的风格名称，空值视为 balanced。
func ParseStyle(value string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(value))) {
	case "", StyleBalanced:
		return StyleBalanced, nil
	case StyleAggressive:
		return StyleAggressive, nil
	case StyleConservative:
		return StyleConservative, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的议价风格: %s", value))
	}
}

// 每种风格每一轮的目标价系数（占标价比例），超出表长的轮次沿用最后一档。
var targetFactors = map[Style][]decimal.Decimal{
	StyleAggressive:   factors("0.60", "0.65", "0.70", "0.75", "0.80"),
	StyleBalanced:     factors("0.70", "0.75", "0.80", "0.82", "0.85"),
	StyleConservative: factors("0.80", "0.82", "0.85", "0.87", "0.90"),
}

// 每种风格每一轮要求的最低折扣百分比。
var acceptThresholds = map[Style][]decimal.Decimal{
	StyleAggressive:   factors("20", "18", "15", "12", "8"),
	StyleBalanced:     factors("15", "12", "10", "8", "5"),
	StyleConservative: factors("10", "8", "6", "4", "2"),
}

func factors(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.RequireFromString(v)
	}
	return out
}

// tier 按轮次取表项，轮次从 1 开始，越界时取首档或末档。
func tier(table []decimal.Decimal, round int) decimal.Decimal {
	idx := round - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(table) {
		idx = len(table) - 1
	}
	return table[idx]
}

func (s Style) description() string {
	switch s {
	case StyleAggressive:
		return "强势，有点火气但不粗鲁"
	case StyleConservative:
		return "温和委婉，但坚持底线"
	default:
		return "有理有据，适度拉扯"
	}
}
