package budget

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
)

// Decision 是预算检查的结果。
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Status 是账本的只读快照，金额以两位小数渲染。
type Status struct {
	MaxPerDeal    string   `json:"maxPerDeal"`
	TotalBudget   string   `json:"totalBudget"`
	Spent         string   `json:"spent"`
	Pending       string   `json:"pending"`
	Remaining     string   `json:"remaining"`
	PendingOrders []string `json:"pendingOrders"`
}

// Ledger 记录单个会话内的预算占用。spent 与 pending 之和永远不超过总预算。
type Ledger struct {
	mu          sync.RWMutex
	maxPerDeal  decimal.Decimal
	totalBudget decimal.Decimal
	spent       decimal.Decimal
	pending     map[string]decimal.Decimal
}

// NewLedger 创建账本。两个上限都必须为非负数。
func NewLedger(maxPerDeal, totalBudget decimal.Decimal) (*Ledger, error) {
	if maxPerDeal.IsNegative() || totalBudget.IsNegative() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "预算上限不能为负数")
	}
	return &Ledger{
		maxPerDeal:  maxPerDeal,
		totalBudget: totalBudget,
		pending:     make(map[string]decimal.Decimal),
	}, nil
}

// ParseLedger 从十进制字符串创建账本，供配置层使用。
func ParseLedger(maxPerDeal, totalBudget string) (*Ledger, error) {
	perDeal, err := decimal.NewFromString(maxPerDeal)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "max_per_deal 不是合法金额")
	}
	total, err := decimal.NewFromString(totalBudget)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "total_budget 不是合法金额")
	}
	return NewLedger(perDeal, total)
}

// MaxPerDeal 返回单笔上限。
func (l *Ledger) MaxPerDeal() decimal.Decimal {
	return l.maxPerDeal
}

// CanAccept 检查价格是否在单笔上限与剩余额度之内，不修改状态。
func (l *Ledger) CanAccept(price decimal.Decimal) Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.canAcceptLocked(price)
}

func (l *Ledger) canAcceptLocked(price decimal.Decimal) Decision {
	if price.IsNegative() {
		return Decision{Reason: "价格不能为负数"}
	}
	if price.GreaterThan(l.maxPerDeal) {
		return Decision{Reason: fmt.Sprintf("价格 %s 超过单笔上限 %s", price.StringFixed(2), l.maxPerDeal.StringFixed(2))}
	}
	remaining := l.remainingLocked()
	if price.GreaterThan(remaining) {
		return Decision{Reason: fmt.Sprintf("价格 %s 超过剩余预算 %s", price.StringFixed(2), remaining.StringFixed(2))}
	}
	return Decision{Allowed: true}
}

// Reserve 在写锁内重新检查并占用额度。失败时不修改任何状态。
// 对同一订单以相同金额重复占用视为成功。
func (l *Ledger) Reserve(orderID string, amount decimal.Decimal) bool {
	if orderID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.pending[orderID]; ok {
		return existing.Equal(amount)
	}
	if !l.canAcceptLocked(amount).Allowed {
		return false
	}
	l.pending[orderID] = amount
	return true
}

// Confirm 将订单占用的金额转入已花费。订单不存在时不做任何事。
func (l *Ledger) Confirm(orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.pending[orderID]
	if !ok {
		return
	}
	l.spent = l.spent.Add(amount)
	delete(l.pending, orderID)
}

// Cancel 释放订单占用。订单不存在时不做任何事。
func (l *Ledger) Cancel(orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, orderID)
}

// Pending 查询订单当前占用的金额。
func (l *Ledger) Pending(orderID string) (decimal.Decimal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	amount, ok := l.pending[orderID]
	return amount, ok
}

// Remaining 返回 totalBudget - spent - Σpending。
func (l *Ledger) Remaining() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.remainingLocked()
}

func (l *Ledger) remainingLocked() decimal.Decimal {
	return l.totalBudget.Sub(l.spent).Sub(l.pendingSumLocked())
}

func (l *Ledger) pendingSumLocked() decimal.Decimal {
	sum := decimal.Zero
	for _, amount := range l.pending {
		sum = sum.Add(amount)
	}
	return sum
}

// Status 返回账本快照。
func (l *Ledger) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	orders := make([]string, 0, len(l.pending))
	for id := range l.pending {
		orders = append(orders, id)
	}
	sort.Strings(orders)

	return Status{
		MaxPerDeal:    l.maxPerDeal.StringFixed(2),
		TotalBudget:   l.totalBudget.StringFixed(2),
		Spent:         l.spent.StringFixed(2),
		Pending:       l.pendingSumLocked().StringFixed(2),
		Remaining:     l.remainingLocked().StringFixed(2),
		PendingOrders: orders,
	}
}
