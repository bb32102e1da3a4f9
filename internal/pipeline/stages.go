package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/catalog"
	"AgentMarket/internal/deal"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/event"
	"AgentMarket/internal/negotiation"
	"AgentMarket/internal/session"
	"AgentMarket/internal/settlement"
	"AgentMarket/pkg/logger"
)

const (
	stepDiscover  = string(event.StageDiscover)
	stepBrowse    = string(event.StageBrowse)
	stepNegotiate = string(event.StageNegotiate)
	stepPrepare   = string(event.StagePrepare)
	stepConfirm   = string(event.StageConfirm)
	stepSettle    = string(event.StageSettle)

	demoReadyBonus = 3
)

func (r *run) execute() error {
	if r.req.Goal == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "购买目标不能为空")
	}
	if r.req.Mode != ModeSimulate && r.req.Mode != ModeTestnet {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的结算模式: %s", r.req.Mode))
	}
	if r.req.Checkout != CheckoutAuto && r.req.Checkout != CheckoutConfirm {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的结算方式: %s", r.req.Checkout))
	}
	logger.Audit().Info("运行开始",
		slog.String("run_id", r.runID),
		slog.String("session_id", r.sessionID),
		slog.String("goal", r.req.Goal),
		slog.String("mode", string(r.req.Mode)),
		slog.String("checkout", string(r.req.Checkout)))

	if err := r.state(event.State{
		Running:         event.Ptr(true),
		Settling:        event.Ptr(false),
		AwaitingConfirm: event.Ptr(false),
	}); err != nil {
		return err
	}

	stages := []struct {
		stage event.Stage
		run   func() error
	}{
		{event.StageDiscover, r.discover},
		{event.StageBrowse, r.browse},
		{event.StageNegotiate, r.negotiate},
		{event.StagePrepare, r.prepare},
		{event.StageConfirm, r.awaitConfirm},
		{event.StageSettle, r.settle},
	}
	for _, s := range stages {
		r.enter(s.stage)
		if err := s.run(); err != nil {
			return err
		}
		if r.outcome != "" {
			return nil
		}
	}
	return nil
}

func (r *run) discover() error {
	if err := r.step(stepDiscover, event.StatusRunning, ""); err != nil {
		return err
	}
	if err := r.system(event.StageDiscover, "正在发现服务端点..."); err != nil {
		return err
	}
	if err := r.pause(); err != nil {
		return err
	}
	if r.req.Mode == ModeTestnet {
		notes, err := r.observeChain()
		if err != nil {
			return err
		}
		if len(notes) > 0 {
			if err := r.system(event.StageDiscover, "链上观测："+strings.Join(notes, "；")); err != nil {
				return err
			}
		}
	}
	return r.step(stepDiscover, event.StatusDone, "已获取服务配置")
}

// observeChain 读取测试网状态作为观测记录，读取失败不会让阶段失败。
func (r *run) observeChain() ([]string, error) {
	addrs := r.p.addresses
	var notes []string
	if !addrs.LiveReady() {
		notes = append(notes, "测试网配置不完整，缺少 "+strings.Join(addrs.Missing, "、"))
	}
	if r.p.chain == nil {
		return append(notes, "未配置链节点，跳过链上读取"), nil
	}

	snapshot, err := r.p.chain.FetchChainSnapshot(r.ctx)
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		notes = append(notes, fmt.Sprintf("读取链信息失败：%v", err))
	} else {
		notes = append(notes, fmt.Sprintf("%s chainId %s，最新区块 %s", snapshot.Name, snapshot.ChainID, snapshot.BlockNumber))
	}

	if addrs.HasUSDC {
		balance, err := r.p.chain.TokenBalance(r.ctx, addrs.USDC, addrs.Buyer)
		switch {
		case r.ctx.Err() != nil:
			return nil, r.ctx.Err()
		case err != nil:
			notes = append(notes, fmt.Sprintf("读取买家余额失败：%v", err))
		default:
			notes = append(notes, "买家余额 "+deal.FormatUSDC(balance))
		}
	}

	deployed, err := r.p.chain.HasCode(r.ctx, addrs.Escrow)
	switch {
	case r.ctx.Err() != nil:
		return nil, r.ctx.Err()
	case err != nil:
		notes = append(notes, fmt.Sprintf("读取托管合约失败：%v", err))
	case deployed:
		notes = append(notes, "托管合约已部署")
	default:
		notes = append(notes, "托管合约地址上没有代码")
	}
	return notes, nil
}

func (r *run) browse() error {
	if err := r.step(stepBrowse, event.StatusRunning, ""); err != nil {
		return err
	}
	intro := fmt.Sprintf("收到。我会先浏览店铺/商品，再根据你的需求筛选：%s", r.req.Goal)
	if r.req.BuyerNote != "" {
		intro += "\n补充备注：" + r.req.BuyerNote
	}
	if err := r.buyer(event.StageBrowse, intro); err != nil {
		return err
	}
	if err := r.pause(); err != nil {
		return err
	}

	callID, err := r.callTool(event.StageBrowse, "search_stores", map[string]any{
		"query": r.req.Goal,
		"limit": r.p.storeLimit,
	})
	if err != nil {
		return err
	}
	stores, err := r.p.catalog.SearchStores(r.ctx, r.req.Goal, r.p.storeLimit)
	if err != nil {
		return collaboratorError(err, "店铺检索失败")
	}
	if len(stores) == 0 {
		return xerrors.New(xerrors.CodeNotFound, "没有找到匹配的店铺")
	}
	r.store = pickStore(stores, r.req.Mode == ModeTestnet)
	if err := r.toolResult(callID, map[string]any{
		"stores": storeSummaries(stores),
		"picked": r.store.ID,
	}); err != nil {
		return err
	}
	if err := r.state(event.State{SelectedStoreID: event.Ptr(r.store.ID)}); err != nil {
		return err
	}
	verified := "未认证"
	if r.store.Verified {
		verified = "已认证"
	}
	if err := r.buyer(event.StageBrowse, fmt.Sprintf("店铺筛选完成：已选择「%s」（%s，评分 %.1f，响应约 %d 分钟）。",
		r.store.Name, verified, r.store.Rating, r.store.ResponseMins)); err != nil {
		return err
	}
	if err := r.pause(); err != nil {
		return err
	}

	callID, err = r.callTool(event.StageBrowse, "search_products", map[string]any{
		"storeId": r.store.ID,
		"query":   r.req.Goal,
		"limit":   r.p.productLimit,
	})
	if err != nil {
		return err
	}
	products, err := r.p.catalog.SearchProducts(r.ctx, r.store.ID, r.req.Goal, r.p.productLimit)
	if err != nil {
		return collaboratorError(err, "商品检索失败")
	}
	if len(products) == 0 {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("店铺 %s 没有可售商品", r.store.Name))
	}
	r.product = pickProduct(products, r.req.Mode == ModeTestnet)
	if err := r.toolResult(callID, map[string]any{
		"products": productSummaries(products),
		"picked":   r.product.ID,
	}); err != nil {
		return err
	}
	if err := r.state(event.State{SelectedProductID: event.Ptr(r.product.ID)}); err != nil {
		return err
	}
	chainLabel := "仅模拟"
	if r.product.DemoReady {
		chainLabel = "可上链"
	}
	if err := r.buyer(event.StageBrowse, fmt.Sprintf("商品已锁定：%s（%s，Token #%d，%s USDC，%s，%s）。",
		r.product.Name, r.product.Kind.Label(), r.product.TokenID, r.product.PriceUSDC,
		r.product.InventoryLabel(), chainLabel)); err != nil {
		return err
	}
	return r.step(stepBrowse, event.StatusDone, "已选择："+r.product.Name)
}

func (r *run) negotiate() error {
	if err := r.step(stepNegotiate, event.StatusRunning, ""); err != nil {
		return err
	}
	if err := r.buyer(event.StageNegotiate, fmt.Sprintf("正在联系卖家 Agent（%s）...", r.store.SellerAgentName)); err != nil {
		return err
	}
	if err := r.pause(); err != nil {
		return err
	}

	listPrice, err := r.product.Price()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("商品 %s 标价无效", r.product.ID))
	}
	ceiling := decimal.Min(r.p.ledger.MaxPerDeal(), r.p.ledger.Remaining())
	listing := negotiation.Listing{
		StoreID:     r.store.ID,
		StoreName:   r.store.Name,
		SellerName:  r.store.SellerAgentName,
		SellerStyle: r.store.SellerStyle,
		ProductID:   r.product.ID,
		ProductName: r.product.Name,
		ProductKind: string(r.product.Kind),
		ListPrice:   listPrice,
	}
	outcome, err := r.p.negotiator.Run(r.ctx, listing, ceiling, r.relayTurn)
	r.rounds = outcome.Rounds
	if err != nil {
		return collaboratorError(err, "议价失败")
	}
	r.p.metrics.ObserveNegotiation(outcome.Rounds, outcome.Accepted)

	if !outcome.Accepted {
		r.outcome = OutcomeRejected
		if err := r.step(stepNegotiate, event.StatusDone, "未成交："+outcome.Reason); err != nil {
			return err
		}
		if err := r.state(event.State{Running: event.Ptr(false)}); err != nil {
			return err
		}
		return r.send(event.Done{})
	}

	r.price = outcome.Price
	if err := r.step(stepNegotiate, event.StatusDone, fmt.Sprintf("已确认价格：%s USDC", r.price.StringFixed(2))); err != nil {
		return err
	}
	return r.system(event.StageNegotiate, fmt.Sprintf("条款摘要：价格 %s USDC，付款链 Base，交付链 Polygon，截止时间 %s。",
		r.price.StringFixed(2), horizonLabel(r.p.horizon)))
}

// relayTurn 把议价发言转为 negotiate 阶段的消息，并在每条发言后停顿。
func (r *run) relayTurn(_ context.Context, turn negotiation.Turn) error {
	role, speaker := event.RoleBuyer, speakerBuyer
	if turn.Speaker == negotiation.SpeakerSeller {
		role, speaker = event.RoleSeller, r.store.SellerAgentName
	}
	if err := r.say(role, event.StageNegotiate, speaker, turn.Text); err != nil {
		return err
	}
	return r.pause()
}

func (r *run) prepare() error {
	if err := r.step(stepPrepare, event.StatusRunning, ""); err != nil {
		return err
	}
	addrs := r.p.addresses
	deadline := r.p.now().Add(r.p.horizon)
	callID, err := r.callTool(event.StagePrepare, "prepare_deal", map[string]any{
		"buyer":                  addrs.Buyer.Hex(),
		"sellerBase":             addrs.SellerBase.Hex(),
		"polygonEscrow":          addrs.Escrow.Hex(),
		"nft":                    addrs.NFT.Hex(),
		"tokenId":                r.product.TokenID,
		"priceUSDC":              r.price.StringFixed(2),
		"deadlineSecondsFromNow": int64(r.p.horizon / time.Second),
	})
	if err != nil {
		return err
	}

	d, err := deal.New(deal.Params{
		Buyer:          addrs.Buyer.Hex(),
		SellerBase:     addrs.SellerBase.Hex(),
		EscrowContract: addrs.Escrow.Hex(),
		NFTContract:    addrs.NFT.Hex(),
		TokenID:        big.NewInt(r.product.TokenID),
		Price:          deal.USDCUnits(r.price),
		Deadline:       deadline.Unix(),
	}, r.p.now())
	if err != nil {
		return err
	}
	serialized := d.Serialize()
	if r.p.signer != nil {
		sig, err := r.p.signer.SignTypedData(r.ctx, d.TypedData(r.p.domain))
		if err != nil {
			return collaboratorError(err, "订单签名失败")
		}
		serialized = serialized.WithSignature(sig)
	}

	dealID := d.ID.Hex()
	orderID := ReservationID(dealID, r.runID)
	if !r.p.ledger.Reserve(orderID, r.price) {
		decision := r.p.ledger.CanAccept(r.price)
		return xerrors.New(xerrors.CodeBudgetRejected, "预算不足，无法锁定订单："+decision.Reason,
			xerrors.WithMetadata("deal_id", dealID),
			xerrors.WithMetadata("price", r.price.StringFixed(2)))
	}
	r.reserved = orderID
	r.deal = &d
	r.serialized = &serialized
	logger.Audit().Info("锁定预算",
		slog.String("run_id", r.runID),
		slog.String("deal_id", dealID),
		slog.String("order_id", orderID),
		slog.String("amount", r.price.StringFixed(2)))

	if err := r.toolResult(callID, map[string]any{
		"dealId":        dealID,
		"reservationId": orderID,
		"price":         deal.FormatUSDC(d.Price),
		"tokenId":       d.TokenID.String(),
		"deadline":      time.Unix(d.Deadline, 0).UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if err := r.state(event.State{Deal: r.serialized}); err != nil {
		return err
	}
	if err := r.step(stepPrepare, event.StatusDone, "dealId "+d.ShortID()); err != nil {
		return err
	}
	if err := r.system(event.StagePrepare, fmt.Sprintf("Deal 已生成：%s（Payload 已就绪，可发起跨链结算）。", d.ShortID())); err != nil {
		return err
	}
	if err := r.buyer(event.StagePrepare, r.checkoutMessage()); err != nil {
		return err
	}
	return r.state(event.State{Running: event.Ptr(false)})
}

// autoEligible 判断是否无需确认直接结算。
func (r *run) autoEligible() bool {
	if r.req.Checkout != CheckoutAuto {
		return false
	}
	if r.req.Mode == ModeSimulate {
		return true
	}
	return r.p.addresses.LiveReady() && r.product.DemoReady
}

func (r *run) checkoutMessage() string {
	testnet := r.req.Mode == ModeTestnet
	switch {
	case r.autoEligible() && testnet:
		return "订单已生成，已开启全自动结算：我将立即在测试网发起跨链结算。"
	case r.autoEligible():
		return "订单已生成，已开启全自动结算：我将立即模拟发起跨链结算流程。"
	case r.req.Checkout == CheckoutAuto:
		return "订单已生成，但当前条件不支持全自动结算；请点击「发起结算」继续。"
	case testnet:
		return "订单已生成。点击「发起结算」即可在测试网执行跨链结算。"
	default:
		return "订单已生成。点击「发起结算」即可模拟跨链结算流程。"
	}
}

func (r *run) awaitConfirm() error {
	if r.autoEligible() {
		return r.state(event.State{Running: event.Ptr(true), Settling: event.Ptr(true)})
	}
	if err := r.p.sessions.Create(r.sessionID); err != nil {
		return err
	}
	r.sessionCreated = true
	if err := r.step(stepConfirm, event.StatusRunning, "等待确认结算"); err != nil {
		return err
	}
	if err := r.state(event.State{AwaitingConfirm: event.Ptr(true)}); err != nil {
		return err
	}
	logger.Audit().Info("等待结算确认",
		slog.String("run_id", r.runID),
		slog.String("session_id", r.sessionID),
		slog.String("order_id", r.reserved))
	r.p.metrics.SetPendingSessions(r.p.sessions.Len())

	err := r.p.sessions.Wait(r.ctx, r.sessionID)
	r.p.sessions.Clear(r.sessionID)
	r.sessionCreated = false
	r.p.metrics.SetPendingSessions(r.p.sessions.Len())

	var rejected *session.RejectedError
	switch {
	case err == nil:
		logger.Audit().Info("结算已确认", slog.String("run_id", r.runID), slog.String("session_id", r.sessionID))
		if err := r.step(stepConfirm, event.StatusDone, "已确认"); err != nil {
			return err
		}
		return r.state(event.State{AwaitingConfirm: event.Ptr(false), Running: event.Ptr(true), Settling: event.Ptr(true)})
	case errors.As(err, &rejected):
		return r.cancelled(rejected.Reason)
	default:
		return err
	}
}

// cancelled 在观察者取消结算后释放预算并正常结束运行。
func (r *run) cancelled(reason string) error {
	r.outcome = OutcomeCancelled
	if r.reserved != "" {
		r.p.ledger.Cancel(r.reserved)
		r.reserved = ""
	}
	if reason == "" {
		reason = "用户取消"
	}
	logger.Audit().Info("结算已取消",
		slog.String("run_id", r.runID),
		slog.String("session_id", r.sessionID),
		slog.String("reason", reason))
	if err := r.step(stepConfirm, event.StatusDone, "已取消："+reason); err != nil {
		return err
	}
	if err := r.system(event.StageConfirm, "已取消结算："+reason+"。预算占用已释放。"); err != nil {
		return err
	}
	if err := r.state(event.State{AwaitingConfirm: event.Ptr(false), Running: event.Ptr(false)}); err != nil {
		return err
	}
	return r.send(event.Done{})
}

func (r *run) settle() error {
	if err := r.step(stepSettle, event.StatusRunning, ""); err != nil {
		return err
	}
	dealID := r.deal.ID.Hex()
	callID, err := r.callTool(event.StageSettle, "settle_deal", map[string]any{
		"mode":   string(r.req.Mode),
		"dealId": dealID,
	})
	if err != nil {
		return err
	}
	payload, err := deal.EncodePayload(*r.serialized)
	if err != nil {
		return err
	}
	stream, err := r.p.settler.Open(r.ctx, settlement.Request{Mode: r.req.Mode, DealID: dealID, Payload: payload})
	if err != nil {
		return collaboratorError(err, "无法发起结算")
	}
	defer stream.Close()

	for finished := false; !finished; {
		update, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return r.ambiguous(xerrors.New(xerrors.CodeSettlementFailed, "结算子流在完成前结束",
				xerrors.WithMetadata("deal_id", dealID)))
		}
		if err != nil {
			if isCancellation(err) || r.ctx.Err() != nil {
				return err
			}
			return r.ambiguous(xerrors.Wrap(xerrors.CodeSettlementFailed, err, "结算子流中断",
				xerrors.WithMetadata("deal_id", dealID)))
		}
		switch update.Kind {
		case settlement.UpdateStep:
			if err := r.send(update.Step); err != nil {
				return err
			}
		case settlement.UpdateLog:
			if err := r.say(update.Log.Role, event.StageSettle, r.speakerFor(update.Log.Role), update.Log.Content); err != nil {
				return err
			}
		case settlement.UpdateError:
			return r.ambiguous(xerrors.New(xerrors.CodeSettlementFailed, update.Message,
				xerrors.WithMetadata("deal_id", dealID)))
		case settlement.UpdateDone:
			finished = true
		}
	}

	orderID := r.reserved
	r.p.ledger.Confirm(orderID)
	r.reserved = ""
	logger.Audit().Info("结算完成",
		slog.String("run_id", r.runID),
		slog.String("order_id", orderID),
		slog.String("amount", r.price.StringFixed(2)))
	if err := r.toolResult(callID, map[string]any{"ok": true}); err != nil {
		return err
	}
	if err := r.step(stepSettle, event.StatusDone, "结算完成"); err != nil {
		return err
	}
	if err := r.state(event.State{Settling: event.Ptr(false), Running: event.Ptr(false)}); err != nil {
		return err
	}
	return r.send(event.Done{})
}

// ambiguous 处理结果不明的结算：默认保留预算占用，配置了 Reconciler 时按其裁决处理。
func (r *run) ambiguous(cause error) error {
	orderID, dealID := r.reserved, r.deal.ID.Hex()
	resolution := ResolutionUnknown
	if r.p.reconciler != nil && orderID != "" {
		res, err := r.p.reconciler.Reconcile(context.WithoutCancel(r.ctx), dealID, cause)
		if err != nil {
			r.log.Warn("结算对账失败", slog.String("order_id", dealID), slog.Any("error", err))
		} else {
			resolution = res
		}
	}
	switch resolution {
	case ResolutionSettled:
		r.p.ledger.Confirm(orderID)
		r.reserved = ""
	case ResolutionReverted:
		r.p.ledger.Cancel(orderID)
		r.reserved = ""
	default:
		r.pendingOrder = orderID
	}
	logger.Audit().Warn("结算结果不明",
		slog.String("run_id", r.runID),
		slog.String("deal_id", dealID),
		slog.String("order_id", orderID),
		slog.Int("resolution", int(resolution)))
	return cause
}

func (r *run) speakerFor(role event.Role) string {
	switch role {
	case event.RoleBuyer:
		return speakerBuyer
	case event.RoleSeller:
		return r.store.SellerAgentName
	default:
		return speakerSystem
	}
}

// collaboratorError 保留取消与已编码的错误，其余归为协作方失败。
func collaboratorError(err error, message string) error {
	if isCancellation(err) || errors.Is(err, ErrObserverGone) {
		return err
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, message)
}

func pickStore(matches []catalog.StoreMatch, testnet bool) catalog.Store {
	pool := matches
	if testnet {
		var ready []catalog.StoreMatch
		for _, m := range matches {
			if m.Store.HasDemoReady() {
				ready = append(ready, m)
			}
		}
		if len(ready) > 0 {
			pool = ready
		}
	}
	best, bestScore := pool[0].Store, -1
	for _, m := range pool {
		score := m.Score
		if testnet && m.Store.HasDemoReady() {
			score += demoReadyBonus
		}
		if score > bestScore {
			best, bestScore = m.Store, score
		}
	}
	return best
}

func pickProduct(matches []catalog.ProductMatch, testnet bool) catalog.Product {
	pool := matches
	if testnet {
		var ready []catalog.ProductMatch
		for _, m := range matches {
			if m.Product.DemoReady {
				ready = append(ready, m)
			}
		}
		if len(ready) > 0 {
			pool = ready
		}
	}
	best, bestScore := pool[0].Product, -1
	for _, m := range pool {
		score := m.Score
		if testnet && m.Product.DemoReady {
			score += demoReadyBonus
		}
		if score > bestScore {
			best, bestScore = m.Product, score
		}
	}
	return best
}

func storeSummaries(matches []catalog.StoreMatch) []map[string]any {
	out := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		s := m.Store
		out = append(out, map[string]any{
			"id":           s.ID,
			"name":         s.Name,
			"tagline":      s.Tagline,
			"location":     s.Location,
			"verified":     s.Verified,
			"rating":       s.Rating,
			"orders":       s.Orders,
			"responseMins": s.ResponseMins,
			"categories":   s.Categories,
		})
	}
	return out
}

func productSummaries(matches []catalog.ProductMatch) []map[string]any {
	out := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		p := m.Product
		out = append(out, map[string]any{
			"id":        p.ID,
			"name":      p.Name,
			"kind":      p.Kind,
			"priceUSDC": p.PriceUSDC,
			"demoReady": p.DemoReady,
			"inventory": p.Inventory,
			"leadTime":  p.LeadTime,
		})
	}
	return out
}

func horizonLabel(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%d 小时", int(d/time.Hour))
	}
	return fmt.Sprintf("%d 分钟", int(d/time.Minute))
}
