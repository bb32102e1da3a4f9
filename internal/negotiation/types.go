package negotiation

import (
	"context"

	"github.com/shopspring/decimal"
)

// Speaker 标识议价对话的发言方。
type Speaker string

const (
	SpeakerBuyer  Speaker = "buyer"
	SpeakerSeller Speaker = "seller"
)

// Turn 是议价记录中的一条发言。
type Turn struct {
	Speaker Speaker         `json:"speaker"`
	Text    string          `json:"text"`
	Round   int             `json:"round"`
	Price   decimal.Decimal `json:"price"`
}

// EmitFunc 在每条发言产生后被调用。返回错误会中止议价，常用于节奏控制与取消。
type EmitFunc func(ctx context.Context, turn Turn) error

// Listing 是进入议价的商品信息。
type Listing struct {
	StoreID     string
	StoreName   string
	SellerName  string
	SellerStyle string
	ProductID   string
	ProductName string
	ProductKind string
	ListPrice   decimal.Decimal
}

// State 记录一次议价尝试的全过程，达成或放弃后即丢弃。
type State struct {
	Style              Style
	Round              int
	MaxRounds          int
	ListPrice          decimal.Decimal
	BudgetCeiling      decimal.Decimal
	MinDiscountPercent decimal.Decimal
	Transcript         []Turn
}

func (s *State) append(turn Turn) {
	s.Transcript = append(s.Transcript, turn)
}

// Outcome 是议价的最终结果。未成交不是错误。
type Outcome struct {
	Accepted bool
	Price    decimal.Decimal
	Rounds   int
	Reason   string
	State    State
}
