package budget

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newTestLedger(t *testing.T, perDeal, total string) *Ledger {
	t.Helper()
	l, err := NewLedger(d(perDeal), d(total))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func assertInvariant(t *testing.T, l *Ledger) {
	t.Helper()
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.spent.Add(l.pendingSumLocked()).GreaterThan(l.totalBudget) {
		t.Fatalf("invariant broken: spent=%s pending=%s total=%s", l.spent, l.pendingSumLocked(), l.totalBudget)
	}
	for id, amount := range l.pending {
		if amount.GreaterThan(l.maxPerDeal) {
			t.Fatalf("reservation %s above per-deal cap: %s", id, amount)
		}
	}
}

func TestCanAccept(t *testing.T) {
	l := newTestLedger(t, "100", "150")
	cases := []struct {
		price string
		want  bool
	}{
		{"100", true},
		{"100.01", false},
		{"-1", false},
	}
	for _, tc := range cases {
		if got := l.CanAccept(d(tc.price)); got.Allowed != tc.want {
			t.Fatalf("CanAccept(%s) = %+v, want %v", tc.price, got, tc.want)
		}
	}

	if !l.Reserve("a", d("90")) {
		t.Fatalf("expected first reservation")
	}
	decision := l.CanAccept(d("61"))
	if decision.Allowed || decision.Reason == "" {
		t.Fatalf("expected rejection with reason above remaining, got %+v", decision)
	}
}

func TestReserveFailureDoesNotMutate(t *testing.T) {
	l := newTestLedger(t, "50", "100")
	if !l.Reserve("a", d("50")) {
		t.Fatalf("expected reservation a")
	}
	before := l.Status()

	if l.Reserve("b", d("51")) {
		t.Fatalf("reservation above per-deal cap should fail")
	}
	if !l.Reserve("c", d("50")) {
		t.Fatalf("expected reservation c")
	}
	if l.Reserve("d", d("0.01")) {
		t.Fatalf("reservation above remaining should fail")
	}
	l.Cancel("c")

	after := l.Status()
	if fmt.Sprint(before) != fmt.Sprint(after) {
		t.Fatalf("state changed by failed reservations: %+v -> %+v", before, after)
	}
}

func TestReserveSameOrder(t *testing.T) {
	l := newTestLedger(t, "50", "100")
	if !l.Reserve("deal", d("40")) {
		t.Fatalf("expected reservation")
	}
	if !l.Reserve("deal", d("40.00")) {
		t.Fatalf("re-reserving the same amount should succeed")
	}
	if l.Reserve("deal", d("41")) {
		t.Fatalf("re-reserving with a different amount should fail")
	}
	if got := l.Remaining(); !got.Equal(d("60")) {
		t.Fatalf("unexpected remaining %s", got)
	}
	if l.Reserve("", d("1")) {
		t.Fatalf("empty order id should be rejected")
	}
}

func TestConfirmAndCancelAreIdempotent(t *testing.T) {
	l := newTestLedger(t, "100", "100")
	l.Confirm("missing")
	l.Cancel("missing")
	if s := l.Status(); s.Spent != "0.00" || s.Remaining != "100.00" {
		t.Fatalf("unknown ids should be no-ops: %+v", s)
	}

	if !l.Reserve("x", d("33.333")) {
		t.Fatalf("expected reservation")
	}
	l.Confirm("x")
	l.Confirm("x")
	if s := l.Status(); s.Spent != "33.33" || s.Pending != "0.00" || len(s.PendingOrders) != 0 {
		t.Fatalf("unexpected status after double confirm: %+v", s)
	}
	if _, ok := l.Pending("x"); ok {
		t.Fatalf("confirmed order should not be pending")
	}

	if !l.Reserve("y", d("10")) {
		t.Fatalf("expected reservation")
	}
	l.Cancel("y")
	l.Cancel("y")
	if got := l.Remaining(); !got.Equal(d("66.667")) {
		t.Fatalf("unexpected remaining %s", got)
	}
}

func TestInvariantUnderRandomSequence(t *testing.T) {
	l := newTestLedger(t, "40", "200")
	rng := rand.New(rand.NewSource(7))
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i := 0; i < 2000; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(3) {
		case 0:
			l.Reserve(id, decimal.NewFromInt(int64(rng.Intn(60))))
		case 1:
			l.Confirm(id)
		case 2:
			l.Cancel(id)
		}
		assertInvariant(t, l)
	}
}

func TestConcurrentReservationsNeverOvercommit(t *testing.T) {
	l := newTestLedger(t, "10", "95")
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.Reserve(fmt.Sprintf("order-%d", i), d("10")) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if accepted != 9 {
		t.Fatalf("expected exactly 9 accepted reservations, got %d", accepted)
	}
	assertInvariant(t, l)
	if got := l.Remaining(); !got.Equal(d("5")) {
		t.Fatalf("unexpected remaining %s", got)
	}
}

func TestParseLedger(t *testing.T) {
	if _, err := ParseLedger("abc", "1"); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := ParseLedger("-1", "1"); err == nil {
		t.Fatalf("expected negative cap error")
	}
	l, err := ParseLedger("12.5", "30")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s := l.Status(); s.MaxPerDeal != "12.50" || s.TotalBudget != "30.00" {
		t.Fatalf("unexpected status: %+v", s)
	}
}
