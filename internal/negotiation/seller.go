package negotiation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Quote 是卖家的一次报价。
type Quote struct {
	Price decimal.Decimal
	Text  string
}

// Seller 是议价的对手方。
type Seller interface {
	Greeting(ctx context.Context, listing Listing) (string, error)
	Open(ctx context.Context, listing Listing) (Quote, error)
	Counter(ctx context.Context, listing Listing, previous, offer decimal.Decimal, round int) (Quote, error)
}

var defaultFloorRatio = decimal.RequireFromString("0.8")

// ScriptedSeller 是确定性的卖家：以标价开盘，买家出价不低于底价时直接成交，
// 否则向买家出价让出一半差价，但不低于底价。
type ScriptedSeller struct {
	FloorRatio decimal.Decimal
}

var _ Seller = ScriptedSeller{}

func (s ScriptedSeller) floor(listPrice decimal.Decimal) decimal.Decimal {
	ratio := s.FloorRatio
	if !ratio.IsPositive() {
		ratio = defaultFloorRatio
	}
	return listPrice.Mul(ratio).Round(2)
}

// Greeting 按店铺风格返回问候语。
func (s ScriptedSeller) Greeting(_ context.Context, listing Listing) (string, error) {
	switch listing.SellerStyle {
	case "friendly":
		return "欢迎光临！告诉我你想买什么，我会把下单和跨链结算流程做得尽可能丝滑。", nil
	case "strict":
		return "请说明：商品、目标价格、截止时间。我会回复交易条款。", nil
	default:
		return "我可以确认库存，并给出用于 ZetaChain 跨链结算的 Deal Payload。", nil
	}
}

// Open 以标价开盘。
func (s ScriptedSeller) Open(_ context.Context, listing Listing) (Quote, error) {
	return Quote{
		Price: listing.ListPrice,
		Text:  fmt.Sprintf("「%s」标价 %s USDC，付款链 Base，交付链 Polygon。", listing.ProductName, listing.ListPrice.String()),
	}, nil
}

// Counter 回应买家出价。
func (s ScriptedSeller) Counter(_ context.Context, listing Listing, previous, offer decimal.Decimal, _ int) (Quote, error) {
	floor := s.floor(listing.ListPrice)
	if offer.GreaterThanOrEqual(floor) {
		return Quote{
			Price: offer,
			Text:  fmt.Sprintf("%s USDC 可以接受，就按这个价格来。", offer.String()),
		}, nil
	}

	next := previous.Sub(previous.Sub(offer).Div(decimal.NewFromInt(2))).Round(2)
	next = decimal.Max(next, floor)
	next = decimal.Min(next, previous)
	return Quote{
		Price: next,
		Text:  fmt.Sprintf("%s USDC 太低了，我最多让到 %s USDC。", offer.StringFixed(2), next.String()),
	}, nil
}
