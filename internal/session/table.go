package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	xerrors "AgentMarket/internal/errors"
)

var (
	// ErrSessionNotFound 表示会话不存在或已被处理。
	ErrSessionNotFound = xerrors.New(xerrors.CodeSessionNotFound, "Session not found or expired")
	// ErrDuplicateWaiter 表示同一会话已有等待者，属于调用方的编程错误。
	ErrDuplicateWaiter = xerrors.New(xerrors.CodeConflict, "session already has a waiter")
)

// RejectedError 表示会话被外部拒绝。
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "session rejected"
	}
	return "session rejected: " + e.Reason
}

// Unwrap 使 RejectedError 可以按 SESSION_REJECTED 错误码匹配。
func (e *RejectedError) Unwrap() error {
	return xerrors.New(xerrors.CodeSessionRejected, e.Reason)
}

type entry struct {
	done     chan struct{}
	outcome  error
	resolved bool
	waiting  bool
}

// Table 是会话汇合表：编排流程在 Wait 处挂起，外部通过 Resolve 或 Reject 唤醒。
// 每个会话最多被处理一次、最多一个等待者，调用方负责在任何退出路径上 Clear。
type Table struct {
	mu       sync.Mutex
	sessions map[string]*entry
}

// NewTable 创建空的会话表。
func NewTable() *Table {
	return &Table{sessions: make(map[string]*entry)}
}

// NewID 生成新的会话 ID。
func NewID() string {
	return uuid.NewString()
}

// Create 登记一个待处理会话。
func (t *Table) Create(id string) error {
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session id 不能为空")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[id]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("session %s 已存在", id))
	}
	t.sessions[id] = &entry{done: make(chan struct{})}
	return nil
}

// Wait 阻塞直到会话被处理或 ctx 结束。批准返回 nil，拒绝返回 *RejectedError。
// 没有隐含超时。
func (t *Table) Wait(ctx context.Context, id string) error {
	t.mu.Lock()
	e, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()
		return ErrSessionNotFound
	}
	if e.waiting {
		t.mu.Unlock()
		return ErrDuplicateWaiter
	}
	e.waiting = true
	t.mu.Unlock()

	select {
	case <-e.done:
		return e.outcome
	case <-ctx.Done():
		t.mu.Lock()
		e.waiting = false
		t.mu.Unlock()
		return ctx.Err()
	}
}

// Resolve 以批准结果唤醒等待者。
func (t *Table) Resolve(id string) error {
	return t.finish(id, nil)
}

// Reject 以拒绝结果唤醒等待者。
func (t *Table) Reject(id, reason string) error {
	return t.finish(id, &RejectedError{Reason: reason})
}

func (t *Table) finish(id string, outcome error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[id]
	if !ok || e.resolved {
		return ErrSessionNotFound
	}
	e.resolved = true
	e.outcome = outcome
	close(e.done)
	return nil
}

// Has 判断会话是否存在且尚未处理。
func (t *Table) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[id]
	return ok && !e.resolved
}

// Clear 删除会话记录，可重复调用。
func (t *Table) Clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Len 返回当前登记的会话数量。
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
