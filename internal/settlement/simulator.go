package settlement

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"AgentMarket/internal/deal"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/event"
)

// 结算子步骤 ID。
const (
	StepApprove     = "approve"
	StepDeposit     = "deposit"
	StepOrchestrate = "orchestrate"
	StepDeliver     = "deliver"
)

type simStep struct {
	id      string
	role    event.Role
	running string
	done    string
}

var simSteps = []simStep{
	{StepApprove, event.RoleBuyer, "授权 USDC 给 Base Gateway...", "USDC 授权完成"},
	{StepDeposit, event.RoleBuyer, "在 Base 发起跨链付款 %s...", "付款已进入 Gateway"},
	{StepOrchestrate, event.RoleSystem, "ZetaChain UniversalMarket 正在编排跨链结算...", "跨链消息已确认"},
	{StepDeliver, event.RoleSeller, "Polygon 托管合约正在释放商品...", "已交付给买家，卖家已在 Base 收款"},
}

// Simulator 在进程内模拟跨链结算，不触达任何链。
type Simulator struct {
	delay  time.Duration
	failAt string
}

// SimulatorOption 定义模拟器的可选配置。
type SimulatorOption func(*Simulator)

// WithStepDelay 设置每个子步骤的耗时。
func WithStepDelay(d time.Duration) SimulatorOption {
	return func(s *Simulator) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithFailureAt 让模拟器在指定子步骤报错，用于演练结算失败。
func WithFailureAt(step string) SimulatorOption {
	return func(s *Simulator) {
		s.failAt = step
	}
}

// NewSimulator 创建模拟器。
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{delay: 300 * time.Millisecond}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Open 校验 payload 并返回模拟子流。
func (s *Simulator) Open(ctx context.Context, req Request) (Stream, error) {
	d, _, err := deal.DecodePayload(req.Payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "结算 payload 无效")
	}
	if req.DealID != "" && req.DealID != d.ID.Hex() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "dealId 与 payload 不一致")
	}
	return &simStream{ctx: ctx, sim: s, queue: s.script(d, req.Mode)}, nil
}

type simStream struct {
	ctx   context.Context
	sim   *Simulator
	queue []scripted
}

type scripted struct {
	update Update
	pause  bool
}

func (s *Simulator) script(d deal.Deal, mode Mode) []scripted {
	var out []scripted
	out = append(out, scripted{update: Update{Kind: UpdateLog, Log: Log{
		Role:    event.RoleSystem,
		Content: fmt.Sprintf("开始%s跨链结算：%s", modeLabel(mode), d.ShortID()),
	}}})
	for _, step := range simSteps {
		running := step.running
		if step.id == StepDeposit {
			running = fmt.Sprintf(step.running, deal.FormatUSDC(d.Price))
		}
		out = append(out,
			scripted{update: Update{Kind: UpdateStep, Step: event.TimelineStep{ID: step.id, Status: event.StatusRunning}}},
			scripted{update: Update{Kind: UpdateLog, Log: Log{Role: step.role, Content: running}}},
		)
		if step.id == s.failAt {
			out = append(out,
				scripted{pause: true, update: Update{Kind: UpdateStep, Step: event.TimelineStep{ID: step.id, Status: event.StatusError, Detail: "模拟失败"}}},
				scripted{update: Update{Kind: UpdateError, Message: fmt.Sprintf("结算步骤 %s 失败", step.id)}},
			)
			return out
		}
		out = append(out, scripted{pause: true, update: Update{Kind: UpdateStep, Step: event.TimelineStep{
			ID:     step.id,
			Status: event.StatusDone,
			Detail: step.done,
			TxHash: fakeTxHash(d, step.id),
		}}})
	}
	out = append(out,
		scripted{update: Update{Kind: UpdateLog, Log: Log{Role: event.RoleSystem, Content: "结算完成。"}}},
		scripted{update: Update{Kind: UpdateDone}},
	)
	return out
}

func modeLabel(mode Mode) string {
	if mode == ModeTestnet {
		return "测试网"
	}
	return "模拟"
}

func fakeTxHash(d deal.Deal, step string) string {
	return crypto.Keccak256Hash(d.ID.Bytes(), []byte(step)).Hex()
}

func (s *simStream) Next() (Update, error) {
	if err := s.ctx.Err(); err != nil {
		return Update{}, err
	}
	if len(s.queue) == 0 {
		return Update{}, io.EOF
	}
	next := s.queue[0]
	if next.pause && s.sim.delay > 0 {
		timer := time.NewTimer(s.sim.delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return Update{}, s.ctx.Err()
		case <-timer.C:
		}
	}
	s.queue = s.queue[1:]
	return next.update, nil
}

func (s *simStream) Close() error {
	s.queue = nil
	return nil
}

var _ Settler = (*Simulator)(nil)
