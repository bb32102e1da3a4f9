package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"AgentMarket/internal/budget"
	"AgentMarket/internal/catalog"
	"AgentMarket/internal/deal"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/event"
	"AgentMarket/internal/eventbus"
	"AgentMarket/internal/negotiation"
	"AgentMarket/internal/session"
	"AgentMarket/internal/settlement"
	"AgentMarket/internal/storage/mysql"
	"AgentMarket/internal/wallet"
	"AgentMarket/internal/web3"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type recorder struct {
	mu     sync.Mutex
	events []event.Event
	hook   func(ev event.Event)
}

func (r *recorder) emit(ev event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return nil
}

func (r *recorder) snapshot() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recorder) steps(status event.Status) []string {
	var ids []string
	for _, ev := range r.snapshot() {
		if step, ok := ev.(event.TimelineStep); ok && step.Status == status {
			ids = append(ids, step.ID)
		}
	}
	return ids
}

func (r *recorder) messages() []event.Message {
	var out []event.Message
	for _, ev := range r.snapshot() {
		if msg, ok := ev.(event.Message); ok {
			out = append(out, msg)
		}
	}
	return out
}

type publisherStub struct {
	mu      sync.Mutex
	records []eventbus.Record
}

func (p *publisherStub) Publish(_ context.Context, rec eventbus.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}

func (p *publisherStub) Close() error { return nil }

type chainStub struct{}

func (chainStub) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Name: "zeta", ChainID: "0x1b59", BlockNumber: "0x10"}, nil
}

func (chainStub) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(250_000_000), nil
}

func (chainStub) HasCode(context.Context, common.Address) (bool, error) { return true, nil }

func (chainStub) Close() {}

type reconcilerFunc func(ctx context.Context, dealID string, cause error) (Resolution, error)

func (f reconcilerFunc) Reconcile(ctx context.Context, dealID string, cause error) (Resolution, error) {
	return f(ctx, dealID, cause)
}

type fixture struct {
	ledger   *budget.Ledger
	sessions *session.Table
	repo     *mysql.MemoryRunRepository
	settler  settlement.Settler
}

func newFixture(t *testing.T, maxPerDeal, total string) *fixture {
	t.Helper()
	ledger, err := budget.ParseLedger(maxPerDeal, total)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	repo, err := mysql.NewMemoryRunRepository("")
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	return &fixture{
		ledger:   ledger,
		sessions: session.NewTable(),
		repo:     repo,
		settler:  settlement.NewSimulator(settlement.WithStepDelay(0)),
	}
}

func (f *fixture) pipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	base := []Option{WithPace(0), WithRepository(f.repo)}
	p, err := New(Dependencies{
		Ledger:     f.ledger,
		Sessions:   f.sessions,
		Catalog:    catalog.NewStatic(catalog.Seed(), 5),
		Negotiator: negotiation.New(negotiation.Config{Style: negotiation.StyleBalanced, MaxRounds: 5}),
		Settler:    f.settler,
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func (f *fixture) assertClean(t *testing.T) {
	t.Helper()
	if status := f.ledger.Status(); len(status.PendingOrders) != 0 {
		t.Fatalf("expected no pending reservations, got %v", status.PendingOrders)
	}
	if n := f.sessions.Len(); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
}

func TestSimulatedRunStageOrder(t *testing.T) {
	f := newFixture(t, "100", "300")
	pub := &publisherStub{}
	p := f.pipeline(t, WithPublisher(pub))

	rec := &recorder{}
	res, err := p.Run(context.Background(), Request{Goal: "烈焰之剑", Mode: ModeSimulate, Checkout: CheckoutAuto}, rec.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeCompleted || res.StoreID != "store-forge" || res.ProductID != "prod-flame-sword" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.Price.Equal(decimal.NewFromInt(85)) || res.Rounds != 2 {
		t.Fatalf("unexpected price %s rounds %d", res.Price, res.Rounds)
	}

	wantDone := []string{"discover", "browse", "negotiate", "prepare",
		settlement.StepApprove, settlement.StepDeposit, settlement.StepOrchestrate, settlement.StepDeliver, "settle"}
	if got := rec.steps(event.StatusDone); strings.Join(got, ",") != strings.Join(wantDone, ",") {
		t.Fatalf("unexpected done order %v", got)
	}
	events := rec.snapshot()
	if _, ok := events[len(events)-1].(event.Done); !ok {
		t.Fatalf("last event should be done, got %T", events[len(events)-1])
	}
	first, ok := events[0].(event.State)
	if !ok || first.Running == nil || !*first.Running || first.SessionID == nil {
		t.Fatalf("first event should be the initial state, got %#v", events[0])
	}

	var lastTS int64
	for _, msg := range rec.messages() {
		if msg.TS < lastTS {
			t.Fatalf("timestamps must not go backwards")
		}
		lastTS = msg.TS
	}

	status := f.ledger.Status()
	if status.Spent != "85.00" || len(status.PendingOrders) != 0 {
		t.Fatalf("unexpected ledger %+v", status)
	}
	f.assertClean(t)

	if len(pub.records) != len(events) {
		t.Fatalf("every event should be published: %d vs %d", len(pub.records), len(events))
	}
	for i, r := range pub.records {
		if r.Seq != int64(i+1) || r.RunID != res.RunID {
			t.Fatalf("unexpected record %d: %+v", i, r)
		}
	}

	runs, _ := f.repo.ListLatest(context.Background(), 10)
	if len(runs) != 1 || runs[0].Outcome != "completed" || runs[0].Price != "85.00" {
		t.Fatalf("unexpected run history %+v", runs)
	}
}

func TestNegotiationRejectionIsNotAnError(t *testing.T) {
	f := newFixture(t, "50", "300")
	p := f.pipeline(t)

	rec := &recorder{}
	res, err := p.Run(context.Background(), Request{Goal: "烈焰之剑"}, rec.emit)
	if err != nil {
		t.Fatalf("rejection should not be an error: %v", err)
	}
	if res.Outcome != OutcomeRejected || res.Deal != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	done := rec.steps(event.StatusDone)
	if done[len(done)-1] != "negotiate" {
		t.Fatalf("negotiate should be the last finished step, got %v", done)
	}
	for _, ev := range rec.snapshot() {
		if _, ok := ev.(event.Failure); ok {
			t.Fatalf("no error event expected on rejection")
		}
	}
	events := rec.snapshot()
	if _, ok := events[len(events)-1].(event.Done); !ok {
		t.Fatalf("rejection should end with done")
	}
	f.assertClean(t)
}

func TestConfirmCheckoutWaitsForApproval(t *testing.T) {
	f := newFixture(t, "100", "300")
	p := f.pipeline(t)

	rec := &recorder{}
	rec.hook = func(ev event.Event) {
		st, ok := ev.(event.State)
		if ok && st.AwaitingConfirm != nil && *st.AwaitingConfirm {
			if !f.sessions.Has(*st.SessionID) {
				t.Errorf("session should be pending while awaiting confirm")
			}
			if err := f.sessions.Resolve(*st.SessionID); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}
	}
	res, err := p.Run(context.Background(), Request{Goal: "烈焰之剑", Checkout: CheckoutConfirm, SessionID: "sess-1"}, rec.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeCompleted || res.SessionID != "sess-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := rec.steps(event.StatusDone); !contains(got, "confirm") {
		t.Fatalf("confirm step should finish, got %v", got)
	}
	f.assertClean(t)
	if f.ledger.Status().Spent != "85.00" {
		t.Fatalf("approved settlement should be spent")
	}
}

func TestConfirmCheckoutCancelled(t *testing.T) {
	f := newFixture(t, "100", "300")
	p := f.pipeline(t)

	rec := &recorder{}
	rec.hook = func(ev event.Event) {
		if st, ok := ev.(event.State); ok && st.AwaitingConfirm != nil && *st.AwaitingConfirm {
			_ = f.sessions.Reject(*st.SessionID, "用户取消")
		}
	}
	res, err := p.Run(context.Background(), Request{Goal: "烈焰之剑", Checkout: CheckoutConfirm}, rec.emit)
	if err != nil {
		t.Fatalf("cancel should not be an error: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	for _, id := range rec.steps(event.StatusRunning) {
		if id == "settle" {
			t.Fatalf("settlement must not start after cancel")
		}
	}
	f.assertClean(t)
	if f.ledger.Status().Spent != "0.00" {
		t.Fatalf("cancelled run must not spend budget")
	}
}

func TestCancellationDuringSettleLeavesNothingBehind(t *testing.T) {
	f := newFixture(t, "100", "300")
	f.settler = settlement.NewSimulator(settlement.WithStepDelay(20 * time.Millisecond))
	p := f.pipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	var atCancel int
	rec.hook = func(ev event.Event) {
		if step, ok := ev.(event.TimelineStep); ok && step.ID == settlement.StepApprove && step.Status == event.StatusRunning {
			atCancel = len(rec.snapshot())
			cancel()
		}
	}
	res, err := p.Run(ctx, Request{Goal: "烈焰之剑"}, rec.emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Outcome != OutcomeAborted {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if got := len(rec.snapshot()); got != atCancel {
		t.Fatalf("no events expected after cancellation: %d vs %d", got, atCancel)
	}
	f.assertClean(t)
}

func TestCancellationWhileAwaitingConfirm(t *testing.T) {
	f := newFixture(t, "100", "300")
	p := f.pipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	rec.hook = func(ev event.Event) {
		if st, ok := ev.(event.State); ok && st.AwaitingConfirm != nil && *st.AwaitingConfirm {
			go func() {
				time.Sleep(10 * time.Millisecond)
				cancel()
			}()
		}
	}
	_, err := p.Run(ctx, Request{Goal: "烈焰之剑", Checkout: CheckoutConfirm}, rec.emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	f.assertClean(t)
}

func TestBudgetRejectionIsFatal(t *testing.T) {
	f := newFixture(t, "100", "150")
	p := f.pipeline(t)

	rec := &recorder{}
	rec.hook = func(ev event.Event) {
		if step, ok := ev.(event.TimelineStep); ok && step.ID == "negotiate" && step.Status == event.StatusDone {
			if !f.ledger.Reserve("concurrent-order", decimal.NewFromInt(100)) {
				t.Errorf("external reservation should fit")
			}
		}
	}
	res, err := p.Run(context.Background(), Request{Goal: "烈焰之剑"}, rec.emit)
	if !xerrors.HasCode(err, xerrors.CodeBudgetRejected) {
		t.Fatalf("expected budget rejection, got %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	events := rec.snapshot()
	if _, ok := events[len(events)-1].(event.Failure); !ok {
		t.Fatalf("expected terminal error event, got %T", events[len(events)-1])
	}
	if got := rec.steps(event.StatusError); len(got) != 1 || got[0] != "prepare" {
		t.Fatalf("prepare should be marked as failed, got %v", got)
	}
	if pending := f.ledger.Status().PendingOrders; len(pending) != 1 || pending[0] != "concurrent-order" {
		t.Fatalf("only the external reservation should remain, got %v", pending)
	}
}

func TestSettlementFailureLeavesReservationPending(t *testing.T) {
	f := newFixture(t, "100", "300")
	f.settler = settlement.NewSimulator(settlement.WithStepDelay(0), settlement.WithFailureAt(settlement.StepDeposit))
	p := f.pipeline(t)

	rec := &recorder{}
	res, err := p.Run(context.Background(), Request{Goal: "烈焰之剑"}, rec.emit)
	if !xerrors.HasCode(err, xerrors.CodeSettlementFailed) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	if res.Deal == nil || res.PendingOrderID != ReservationID(res.Deal.DealID, res.RunID) {
		t.Fatalf("pending order should be reported: %+v", res)
	}
	if amount, ok := f.ledger.Pending(res.PendingOrderID); !ok || !amount.Equal(decimal.NewFromInt(85)) {
		t.Fatalf("reservation should stay pending, got %s %v", amount, ok)
	}
	if f.sessions.Len() != 0 {
		t.Fatalf("sessions must be cleared")
	}
	runs, _ := f.repo.ListLatest(context.Background(), 1)
	if runs[0].PendingOrderID != res.PendingOrderID || runs[0].ErrorCode != string(xerrors.CodeSettlementFailed) {
		t.Fatalf("history should record the pending order: %+v", runs[0])
	}
}

func TestReconcilerReleasesAmbiguousSettlement(t *testing.T) {
	f := newFixture(t, "100", "300")
	f.settler = settlement.NewSimulator(settlement.WithStepDelay(0), settlement.WithFailureAt(settlement.StepOrchestrate))
	var seen string
	p := f.pipeline(t, WithReconciler(reconcilerFunc(func(_ context.Context, dealID string, cause error) (Resolution, error) {
		seen = dealID
		return ResolutionReverted, nil
	})))

	res, err := p.Run(context.Background(), Request{Goal: "烈焰之剑"}, (&recorder{}).emit)
	if !xerrors.HasCode(err, xerrors.CodeSettlementFailed) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	if res.PendingOrderID != "" || seen != res.Deal.DealID {
		t.Fatalf("reconciler should resolve the order: %+v seen=%s", res, seen)
	}
	f.assertClean(t)
}

func TestTestnetWithoutLiveConfigRequiresConfirm(t *testing.T) {
	f := newFixture(t, "100", "300")
	p := f.pipeline(t, WithChain(chainStub{}))

	rec := &recorder{}
	rec.hook = func(ev event.Event) {
		if st, ok := ev.(event.State); ok && st.AwaitingConfirm != nil && *st.AwaitingConfirm {
			_ = f.sessions.Resolve(*st.SessionID)
		}
	}
	res, err := p.Run(context.Background(), Request{Goal: "剑", Mode: ModeTestnet, Checkout: CheckoutAuto}, rec.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeCompleted || res.ProductID != "prod-flame-sword" {
		t.Fatalf("unexpected result %+v", res)
	}

	var observed, needsConfirm bool
	for _, msg := range rec.messages() {
		if msg.Stage == event.StageDiscover && strings.Contains(msg.Content, "托管合约已部署") {
			observed = true
		}
		if strings.Contains(msg.Content, "当前条件不支持全自动结算") {
			needsConfirm = true
		}
	}
	if !observed || !needsConfirm {
		t.Fatalf("expected chain observation and manual checkout, observed=%v confirm=%v", observed, needsConfirm)
	}
}

func TestLiveReadyTestnetSettlesAutomatically(t *testing.T) {
	f := newFixture(t, "100", "300")
	addrs := DefaultAddresses()
	addrs.Missing = nil
	p := f.pipeline(t, WithAddresses(addrs))

	rec := &recorder{}
	res, err := p.Run(context.Background(), Request{Goal: "剑", Mode: ModeTestnet, Checkout: CheckoutAuto}, rec.emit)
	if err != nil || res.Outcome != OutcomeCompleted {
		t.Fatalf("run: %+v %v", res, err)
	}
	if contains(rec.steps(event.StatusRunning), "confirm") {
		t.Fatalf("live-ready demo product should not wait for confirmation")
	}
}

func TestSignedDealRecoversBuyer(t *testing.T) {
	f := newFixture(t, "100", "300")
	signer, err := wallet.NewKeySigner(testKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	domain := deal.Domain{Name: "UniversalAIMarket", Version: "1", ChainID: 7001, VerifyingContract: common.Address{}.Hex()}
	p := f.pipeline(t, WithSigner(signer, domain))

	res, err := p.Run(context.Background(), Request{Goal: "烈焰之剑"}, (&recorder{}).emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Deal == nil || res.Deal.Signature == "" {
		t.Fatalf("deal should carry a signature")
	}
	d, err := res.Deal.Deal()
	if err != nil {
		t.Fatalf("decode deal: %v", err)
	}
	sig := common.FromHex(res.Deal.Signature)
	addr, err := wallet.RecoverTypedData(d.TypedData(domain), sig)
	if err != nil || addr != signer.Address() {
		t.Fatalf("signature should recover signer: %s %v", addr.Hex(), err)
	}
}

func TestRunValidatesRequest(t *testing.T) {
	f := newFixture(t, "100", "300")
	p := f.pipeline(t)

	rec := &recorder{}
	_, err := p.Run(context.Background(), Request{Goal: "  "}, rec.emit)
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	events := rec.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected a single error event, got %d", len(events))
	}
	if _, ok := events[0].(event.Failure); !ok {
		t.Fatalf("expected error event, got %T", events[0])
	}

	if _, err := New(Dependencies{}); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("missing dependencies should fail, got %v", err)
	}
}

func TestObserverDisconnectAbortsRun(t *testing.T) {
	f := newFixture(t, "100", "300")
	p := f.pipeline(t)

	emit := func(ev event.Event) error {
		if step, ok := ev.(event.TimelineStep); ok && step.ID == "prepare" && step.Status == event.StatusDone {
			return errors.New("broken pipe")
		}
		return nil
	}
	res, err := p.Run(context.Background(), Request{Goal: "烈焰之剑"}, emit)
	if !errors.Is(err, ErrObserverGone) || res.Outcome != OutcomeAborted {
		t.Fatalf("expected observer abort, got %v %s", err, res.Outcome)
	}
	f.assertClean(t)
}

func TestPickPrefersDemoReadyInTestnet(t *testing.T) {
	matches := []catalog.ProductMatch{
		{Product: catalog.Product{ID: "a"}, Score: 6},
		{Product: catalog.Product{ID: "b", DemoReady: true}, Score: 2},
	}
	if got := pickProduct(matches, false); got.ID != "a" {
		t.Fatalf("simulate mode should pick by score, got %s", got.ID)
	}
	if got := pickProduct(matches, true); got.ID != "b" {
		t.Fatalf("testnet mode should prefer demo-ready, got %s", got.ID)
	}
	if horizonLabel(time.Hour) != "1 小时" || horizonLabel(90*time.Minute) != "90 分钟" {
		t.Fatalf("unexpected horizon labels")
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func TestConcurrentRunsOnSameDealHoldSeparateReservations(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, approve := range []bool{true, false} {
		f := newFixture(t, "100", "300")
		p := f.pipeline(t, WithClock(func() time.Time { return fixed }))

		var second Result
		var secondErr error
		rec := &recorder{}
		rec.hook = func(ev event.Event) {
			st, ok := ev.(event.State)
			if !ok || st.AwaitingConfirm == nil || !*st.AwaitingConfirm {
				return
			}
			if pending := f.ledger.Status().PendingOrders; len(pending) != 1 {
				t.Errorf("first run should hold one reservation, got %v", pending)
			}
			second, secondErr = p.Run(context.Background(), Request{Goal: "烈焰之剑", Checkout: CheckoutAuto}, (&recorder{}).emit)
			if approve {
				_ = f.sessions.Resolve(*st.SessionID)
			} else {
				_ = f.sessions.Reject(*st.SessionID, "changed my mind")
			}
		}

		first, err := p.Run(context.Background(), Request{Goal: "烈焰之剑", Checkout: CheckoutConfirm}, rec.emit)
		if err != nil || secondErr != nil {
			t.Fatalf("runs failed: %v / %v", err, secondErr)
		}
		if first.Deal.DealID != second.Deal.DealID {
			t.Fatalf("same inputs within one second should yield the same deal id")
		}
		if second.Outcome != OutcomeCompleted {
			t.Fatalf("second run should complete, got %s", second.Outcome)
		}

		status := f.ledger.Status()
		wantSpent, wantOutcome := "85.00", OutcomeCancelled
		if approve {
			wantSpent, wantOutcome = "170.00", OutcomeCompleted
		}
		if first.Outcome != wantOutcome || status.Spent != wantSpent {
			t.Fatalf("approve=%v: outcome %s spent %s", approve, first.Outcome, status.Spent)
		}
		f.assertClean(t)
	}
}

func TestRemoteSettlementMustReportDone(t *testing.T) {
	cases := []struct {
		name    string
		finish  bool
		wantErr bool
		outcome Outcome
		spent   string
		pending int
	}{
		{name: "stream closed after first step", finish: false, wantErr: true, outcome: OutcomeFailed, spent: "0.00", pending: 1},
		{name: "stream finished with done", finish: true, outcome: OutcomeCompleted, spent: "85.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "event: step\ndata: {\"id\":\"approve\",\"status\":\"done\"}\n\n")
				if tc.finish {
					fmt.Fprint(w, "event: done\ndata: {}\n\n")
				}
			}))
			defer server.Close()

			remote, err := settlement.NewSSEClient(server.URL+"/api/settle/stream", time.Second)
			if err != nil {
				t.Fatalf("client: %v", err)
			}
			f := newFixture(t, "100", "300")
			f.settler = remote
			p := f.pipeline(t)

			rec := &recorder{}
			res, err := p.Run(context.Background(), Request{Goal: "烈焰之剑"}, rec.emit)
			if tc.wantErr != (err != nil) {
				t.Fatalf("unexpected error %v", err)
			}
			if tc.wantErr && !xerrors.HasCode(err, xerrors.CodeSettlementFailed) {
				t.Fatalf("expected settlement failure, got %v", err)
			}
			if res.Outcome != tc.outcome {
				t.Fatalf("outcome %s, want %s", res.Outcome, tc.outcome)
			}
			status := f.ledger.Status()
			if status.Spent != tc.spent || len(status.PendingOrders) != tc.pending {
				t.Fatalf("unexpected ledger %+v", status)
			}
			if tc.pending == 1 && res.PendingOrderID != status.PendingOrders[0] {
				t.Fatalf("pending order should be reported, got %q", res.PendingOrderID)
			}
			for _, id := range rec.steps(event.StatusDone) {
				if !tc.finish && id == "settle" {
					t.Fatalf("truncated settlement must not be marked done")
				}
			}
		})
	}
}

func TestParseCheckout(t *testing.T) {
	cases := []struct {
		raw     string
		want    Checkout
		wantErr bool
	}{
		{raw: "", want: ""},
		{raw: "auto", want: CheckoutAuto},
		{raw: " Confirm ", want: CheckoutConfirm},
		{raw: "AUTO", want: CheckoutAuto},
		{raw: "manual", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseCheckout(tc.raw)
		if tc.wantErr {
			if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
				t.Fatalf("%q: expected INVALID_ARGUMENT, got %v", tc.raw, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %q %v, want %q", tc.raw, got, err, tc.want)
		}
	}
}

func TestCheckoutCaseDoesNotSkipConfirmation(t *testing.T) {
	f := newFixture(t, "100", "300")
	p := f.pipeline(t)

	rec := &recorder{}
	awaited := false
	rec.hook = func(ev event.Event) {
		if st, ok := ev.(event.State); ok && st.AwaitingConfirm != nil && *st.AwaitingConfirm {
			awaited = true
			_ = f.sessions.Reject(*st.SessionID, "not now")
		}
	}
	res, err := p.Run(context.Background(), Request{Goal: "烈焰之剑", Checkout: "Confirm"}, rec.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !awaited || res.Outcome != OutcomeCancelled {
		t.Fatalf("mixed-case confirm should still wait for approval: awaited=%v outcome=%s", awaited, res.Outcome)
	}

	_, err = p.Run(context.Background(), Request{Goal: "烈焰之剑", Checkout: "manual"}, (&recorder{}).emit)
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("unknown checkout should be rejected, got %v", err)
	}
	f.assertClean(t)
}
