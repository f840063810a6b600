package middleware

import (
	"context"
	"errors"
)

// ErrMissingNext 表示中间件调用链缺失下游处理器。
var ErrMissingNext = errors.New("middleware: next handler is nil")

// 消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// State 键约定。除 messages 以外的字段均不保证存在。
const (
	StateMessages     = "messages"
	StateSessionID    = "session_id"
	StateTicker       = "ticker"
	StateRiskBlocked  = "risk_blocked"
	StateRejected     = "approval_rejected"
	StateTimeout      = "approval_timeout"
	StateSummarized   = "conversation_summarized"
	StateHumanChanged = "human_modified"
)

// 消息扩展字段键。
const (
	ExtraStructuredOutput = "structured_output"
	ExtraAnalystType      = "analyst_type"
	ExtraContentBlocks    = "content_blocks"
)

// State 在链中流转的可变状态，由调用方持有；链可以原地修改或整体替换。
type State map[string]any

// Messages 返回状态中的消息序列，缺失时返回 nil。
func (s State) Messages() []Message {
	if s == nil {
		return nil
	}
	msgs, _ := s[StateMessages].([]Message)
	return msgs
}

// SetMessages 整体替换消息序列。
func (s State) SetMessages(msgs []Message) {
	s[StateMessages] = msgs
}

// SessionID 返回会话 ID，缺失时为空串。
func (s State) SessionID() string {
	if s == nil {
		return ""
	}
	id, _ := s[StateSessionID].(string)
	return id
}

// Ticker 返回股票代码，缺失时为空串。
func (s State) Ticker() string {
	if s == nil {
		return ""
	}
	t, _ := s[StateTicker].(string)
	return t
}

// LastMessage 返回末尾消息，不存在时第二个返回值为 false。
func (s State) LastMessage() (Message, bool) {
	msgs := s.Messages()
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// ReplaceLastMessage 用 msg 替换末尾消息；消息为空时追加。
func (s State) ReplaceLastMessage(msg Message) {
	msgs := s.Messages()
	if len(msgs) == 0 {
		s.SetMessages([]Message{msg})
		return
	}
	replaced := make([]Message, len(msgs))
	copy(replaced, msgs[:len(msgs)-1])
	replaced[len(msgs)-1] = msg
	s.SetMessages(replaced)
}

// AppendMessage 追加一条消息。
func (s State) AppendMessage(msg Message) {
	s.SetMessages(append(s.Messages(), msg))
}

// Message 链中单条角色消息。Blocks 为供应商返回的结构化内容，
// Extra 为扩展字段（如 structured_output），Metadata 为响应元数据。
type Message struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Blocks   []Block        `json:"blocks,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StructuredOutput 返回消息携带的结构化分析结果（recommendation、confidence 等）。
func (m Message) StructuredOutput() (map[string]any, bool) {
	if m.Extra == nil {
		return nil, false
	}
	out, ok := m.Extra[ExtraStructuredOutput].(map[string]any)
	if !ok || len(out) == 0 {
		return nil, false
	}
	return out, true
}

// AgentFunc 被链包装的 agent 函数：状态进、状态出，可能返回错误。
type AgentFunc func(ctx context.Context, st State) (State, error)

// Middleware 定义链中单个拦截单元。实现必须内嵌 *Core。
type Middleware interface {
	// Name 返回中间件名称。
	Name() string

	// Enabled 返回启用状态；停用的单元对流经的状态不做任何处理。
	Enabled() bool

	// SetEnabled 切换启用状态。
	SetEnabled(enabled bool)

	// Before 前置处理：在 agent 执行前调用。
	Before(ctx context.Context, st State) (State, error)

	// After 后置处理：在 agent 执行后调用，input 为前置处理后的输入状态。
	After(ctx context.Context, input, output State) (State, error)

	// OnError 错误处理：Before、下游或 After 出错时调用，返回值作为本层最终结果。
	OnError(ctx context.Context, st State, err error) State

	// Stats 返回本单元的统计信息。
	Stats() Stats

	base() *Core
}

// Stats 单个中间件的统计信息。Extra 为各中间件自有的计数。
type Stats struct {
	Name       string         `json:"name"`
	Enabled    bool           `json:"enabled"`
	CallCount  int64          `json:"call_count"`
	ErrorCount int64          `json:"error_count"`
	ErrorRate  float64        `json:"error_rate"`
	Extra      map[string]any `json:"extra,omitempty"`
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
