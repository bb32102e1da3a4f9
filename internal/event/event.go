package event

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"AgentMarket/internal/deal"
)

// Kind 是事件类型判别字段。
type Kind string

const (
	KindMessage      Kind = "message"
	KindToolCall     Kind = "tool_call"
	KindToolResult   Kind = "tool_result"
	KindTimelineStep Kind = "timeline_step"
	KindState        Kind = "state"
	KindDone         Kind = "done"
	KindError        Kind = "error"
)

// Role 是聊天消息的角色。
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleSystem Role = "system"
	RoleTool   Role = "tool"
)

// Stage 是编排阶段标识，同时用作时间线步骤 ID。
type Stage string

const (
	StageDiscover  Stage = "discover"
	StageBrowse    Stage = "browse"
	StageNegotiate Stage = "negotiate"
	StagePrepare   Stage = "prepare"
	StageConfirm   Stage = "confirm"
	StageSettle    Stage = "settle"
)

// Status 是时间线步骤的状态：idle → running → done | error。
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Event 是封闭的事件联合类型，只有本包内的类型可以实现。
type Event interface {
	Kind() Kind
	sealed()
}

// Message 是一条聊天消息。
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Stage   Stage  `json:"stage"`
	Speaker string `json:"speaker"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

// ToolCall 记录一次工具调用。
type ToolCall struct {
	ID    string `json:"id"`
	Stage Stage  `json:"stage"`
	Name  string `json:"name"`
	Args  any    `json:"args"`
	TS    int64  `json:"ts"`
}

// ToolResult 是工具调用的结果，ID 与 ToolCall 对应。
type ToolResult struct {
	ID     string `json:"id"`
	Result any    `json:"result"`
	TS     int64  `json:"ts"`
}

// TimelineStep 更新一个时间线步骤。
type TimelineStep struct {
	ID     string `json:"id"`
	Status Status `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
	TxHash string `json:"txHash,omitempty"`
}

// State 是部分状态更新，nil 字段表示未变化。
type State struct {
	SelectedStoreID   *string          `json:"selectedStoreId,omitempty"`
	SelectedProductID *string          `json:"selectedProductId,omitempty"`
	Deal              *deal.Serialized `json:"deal,omitempty"`
	Running           *bool            `json:"running,omitempty"`
	Settling          *bool            `json:"settling,omitempty"`
	AwaitingConfirm   *bool            `json:"awaitingConfirm,omitempty"`
	SessionID         *string          `json:"sessionId,omitempty"`
}

// Done 表示运行正常结束。
type Done struct{}

// Failure 表示运行以错误结束。
type Failure struct {
	Message string `json:"message"`
}

func (Message) Kind() Kind      { return KindMessage }
func (ToolCall) Kind() Kind     { return KindToolCall }
func (ToolResult) Kind() Kind   { return KindToolResult }
func (TimelineStep) Kind() Kind { return KindTimelineStep }
func (State) Kind() Kind        { return KindState }
func (Done) Kind() Kind         { return KindDone }
func (Failure) Kind() Kind      { return KindError }

func (Message) sealed()      {}
func (ToolCall) sealed()     {}
func (ToolResult) sealed()   {}
func (TimelineStep) sealed() {}
func (State) sealed()        {}
func (Done) sealed()         {}
func (Failure) sealed()      {}

// NewID 生成按时间有序的事件 ID。
func NewID() string {
	return ulid.Make().String()
}

// Clock 为同一运行内的事件生成单调不减的毫秒时间戳。
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock 创建时钟，now 为 nil 时使用 time.Now。
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Stamp 返回下一个时间戳。
func (c *Clock) Stamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixMilli()
	if ts < c.last {
		ts = c.last
	}
	c.last = ts
	return ts
}

// Ptr 返回值的指针，便于构造 State。
func Ptr[T any](v T) *T {
	return &v
}
