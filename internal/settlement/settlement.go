package settlement

import (
	"context"

	"AgentMarket/internal/event"
)

// Mode 是结算模式。
type Mode string

const (
	ModeSimulate Mode = "simulate"
	ModeTestnet  Mode = "testnet"
)

// ParseMode 解析结算模式，未知取值回落为 simulate。
func ParseMode(raw string) Mode {
	if Mode(raw) == ModeTestnet {
		return ModeTestnet
	}
	return ModeSimulate
}

// UpdateKind 是结算子流中的事件类型。
type UpdateKind string

const (
	UpdateStep  UpdateKind = "step"
	UpdateLog   UpdateKind = "log"
	UpdateError UpdateKind = "error"
	// UpdateDone 表示结算已全部完成，之后不再有事件。
	UpdateDone UpdateKind = "done"
)

// Log 是结算过程中的一条叙述。
type Log struct {
	Role    event.Role `json:"role"`
	Content string     `json:"content"`
}

// Update 是结算子流中的一个事件，按 Kind 只填充对应字段。
type Update struct {
	Kind    UpdateKind
	Step    event.TimelineStep
	Log     Log
	Message string
}

// Request 描述一次结算。
type Request struct {
	Mode    Mode
	DealID  string
	Payload string
}

// Stream 是按顺序读取的结算子流。成功的子流以 UpdateDone 结束；
// 未出现 UpdateDone 就返回 io.EOF 说明子流被提前截断，结算结果不明。
type Stream interface {
	Next() (Update, error)
	Close() error
}

// Settler 打开结算子流，ctx 取消时子流随之终止。
type Settler interface {
	Open(ctx context.Context, req Request) (Stream, error)
}
