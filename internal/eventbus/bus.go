package eventbus

import (
	"context"
	"encoding/json"
	"errors"

	"AgentMarket/internal/event"
)

// Record 是带运行 ID 和序号的事件，用于跨进程转发。
type Record struct {
	RunID string
	Seq   int64
	Event event.Event
}

type wireRecord struct {
	RunID string          `json:"runId"`
	Seq   int64           `json:"seq"`
	Event json.RawMessage `json:"event"`
}

// MarshalJSON 将事件编码为 NDJSON 信封。
func (r Record) MarshalJSON() ([]byte, error) {
	env, err := event.MarshalEnvelope(r.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireRecord{RunID: r.RunID, Seq: r.Seq, Event: env})
}

// UnmarshalJSON 解析 MarshalJSON 的输出。
func (r *Record) UnmarshalJSON(data []byte) error {
	var wire wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	ev, err := event.UnmarshalEnvelope(wire.Event)
	if err != nil {
		return err
	}
	*r = Record{RunID: wire.RunID, Seq: wire.Seq, Event: ev}
	return nil
}

// Publisher 负责把运行事件投递到外部观察者。
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// Subscriber 可以按运行 ID 订阅事件。cancel 必须被调用以释放资源。
type Subscriber interface {
	Subscribe(ctx context.Context, runID string) (records <-chan Record, cancel func(), err error)
}

// Bus 同时具备发布与订阅能力。
type Bus interface {
	Publisher
	Subscriber
}

// Fanout 将同一事件投递给多个发布者，收集全部错误。
type Fanout []Publisher

// Publish 依次调用每个发布者。
func (f Fanout) Publish(ctx context.Context, rec Record) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 关闭所有发布者。
func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Publisher = Fanout(nil)
