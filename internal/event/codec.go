package event

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	xerrors "AgentMarket/internal/errors"
)

type envelope struct {
	Type    Kind            `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
	Tool    json.RawMessage `json:"tool,omitempty"`
	Step    json.RawMessage `json:"step,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Payload 返回事件在 SSE data 行中的 JSON 内容。Done 编码为 {}。
func Payload(e Event) ([]byte, error) {
	switch v := e.(type) {
	case Done, *Done:
		return []byte("{}"), nil
	case nil:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "event is nil")
	default:
		return json.Marshal(v)
	}
}

// MarshalEnvelope 编码为 {"type": ..., "<key>": {...}} 形式的一行 JSON。
func MarshalEnvelope(e Event) ([]byte, error) {
	payload, err := Payload(e)
	if err != nil {
		return nil, err
	}
	env := envelope{Type: e.Kind()}
	switch e.Kind() {
	case KindMessage:
		env.Message = payload
	case KindToolCall, KindToolResult:
		env.Tool = payload
	case KindTimelineStep:
		env.Step = payload
	case KindState:
		env.State = payload
	case KindError:
		env.Error = payload
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope 解析一行 JSON 信封。
func UnmarshalEnvelope(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "事件信封不是合法 JSON")
	}
	var payload json.RawMessage
	switch env.Type {
	case KindMessage:
		payload = env.Message
	case KindToolCall, KindToolResult:
		payload = env.Tool
	case KindTimelineStep:
		payload = env.Step
	case KindState:
		payload = env.State
	case KindError:
		payload = env.Error
	}
	return Decode(env.Type, payload)
}

// Decode 根据事件类型解析 payload。
func Decode(kind Kind, payload []byte) (Event, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var (
		out Event
		err error
	)
	switch kind {
	case KindMessage:
		var v Message
		err = json.Unmarshal(payload, &v)
		out = v
	case KindToolCall:
		var v ToolCall
		err = json.Unmarshal(payload, &v)
		out = v
	case KindToolResult:
		var v ToolResult
		err = json.Unmarshal(payload, &v)
		out = v
	case KindTimelineStep:
		var v TimelineStep
		err = json.Unmarshal(payload, &v)
		out = v
	case KindState:
		var v State
		err = json.Unmarshal(payload, &v)
		out = v
	case KindDone:
		out = Done{}
	case KindError:
		var v Failure
		if jsonErr := json.Unmarshal(payload, &v); jsonErr != nil {
			v.Message = strings.TrimSpace(string(payload))
		}
		out = v
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的事件类型: %q", kind))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("%s 事件解析失败", kind))
	}
	return out, nil
}

// NDJSONEncoder 以每行一个信封的形式写出事件。
type NDJSONEncoder struct {
	w io.Writer
}

// NewNDJSONEncoder 创建编码器。
func NewNDJSONEncoder(w io.Writer) *NDJSONEncoder {
	return &NDJSONEncoder{w: w}
}

// Encode 写出一个事件。
func (e *NDJSONEncoder) Encode(ev Event) error {
	line, err := MarshalEnvelope(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = e.w.Write(line)
	return err
}

// WriteSSE 写出一个 SSE 帧：event: <type>\ndata: <payload>\n\n。
func WriteSSE(w io.Writer, ev Event) error {
	payload, err := Payload(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), payload)
	return err
}

// Frame 是一个原始 SSE 帧。
type Frame struct {
	Event string
	Data  string
}

// SSEReader 从字节流中逐帧读取 SSE。未声明 event 的帧默认为 message。
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader 创建读取器。
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEReader{scanner: scanner}
}

// Next 返回下一帧，流结束时返回 io.EOF。
func (r *SSEReader) Next() (Frame, error) {
	name := "message"
	var data strings.Builder
	hasData := false
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		switch {
		case line == "":
			if hasData {
				return Frame{Event: name, Data: data.String()}, nil
			}
			name = "message"
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimLeft(strings.TrimPrefix(line, "data:"), " "))
			hasData = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if hasData {
		return Frame{Event: name, Data: data.String()}, nil
	}
	return Frame{}, io.EOF
}

// ReadEvent 读取下一帧并解析为事件。
func (r *SSEReader) ReadEvent() (Event, error) {
	frame, err := r.Next()
	if err != nil {
		return nil, err
	}
	return Decode(Kind(frame.Event), []byte(frame.Data))
}
