package llm

import "context"

// Role 标识对话中一条消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是对话历史中的一条记录。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request 描述一次文本生成：系统指令、历史对话与本轮提示。
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Transcript   []Message
}

// Response 是生成结果。Thought 为可选的推理摘要。
type Response struct {
	Thought string
	Reply   string
}

// Generator 定义了调用文本生成后端的统一接口。
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GeneratorFunc 允许使用普通函数实现 Generator。
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Generator。
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Messages 按 system、历史、user 的顺序展开请求。
func (r Request) Messages() []Message {
	out := make([]Message, 0, len(r.Transcript)+2)
	if r.SystemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: r.SystemPrompt})
	}
	out = append(out, r.Transcript...)
	if r.UserPrompt != "" {
		out = append(out, Message{Role: RoleUser, Content: r.UserPrompt})
	}
	return out
}
