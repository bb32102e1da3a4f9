package eventbus

import (
	"context"
	"sync"

	xerrors "AgentMarket/internal/errors"
)

// MemoryBus 在进程内把事件分发给订阅者。订阅者消费过慢时丢弃事件，发布方永不阻塞。
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Record
	nextID int
	buffer int
	closed bool
}

// NewMemoryBus 创建内存事件总线。
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{subs: make(map[string]map[int]chan Record), buffer: buffer}
}

// Publish 将事件分发给该运行的全部订阅者。
func (b *MemoryBus) Publish(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return xerrors.New(xerrors.CodePublishFailure, "事件总线已关闭")
	}
	for _, ch := range b.subs[rec.RunID] {
		select {
		case ch <- rec:
		default:
		}
	}
	return nil
}

// Subscribe 订阅指定运行的事件，ctx 结束或调用 cancel 时关闭通道。
func (b *MemoryBus) Subscribe(ctx context.Context, runID string) (<-chan Record, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, xerrors.New(xerrors.CodePublishFailure, "事件总线已关闭")
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Record, b.buffer)
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan Record)
	}
	b.subs[runID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[runID]; ok {
				if _, live := subs[id]; live {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(b.subs, runID)
				}
			}
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

// Subscribers 返回指定运行的订阅者数量。
func (b *MemoryBus) Subscribers(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

// Close 关闭总线及所有订阅通道。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for runID, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, runID)
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
