package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/godeps/tradingagents-go/pkg/event"
	"github.com/godeps/tradingagents-go/pkg/summarize"
)

// DefaultReasoningMaxLen 推理内容展示的默认截断长度
const DefaultReasoningMaxLen = 2000

// ContentBlocksMiddleware 在 agent 输出后解析供应商内容块，
// 提取推理过程与引用来源，并按开关将其渲染进最终消息。
type ContentBlocksMiddleware struct {
	*Core

	showReasoning   bool
	showCitations   bool
	showToolCalls   bool
	reasoningMaxLen int
	reasoning       *ReasoningHandler
	citations       *CitationsHandler
	sink            event.Sink

	toolCalls atomic.Int64
}

// BlocksOption 配置 ContentBlocksMiddleware
type BlocksOption func(*ContentBlocksMiddleware)

// WithShowReasoning 控制是否在消息中展示推理过程。
func WithShowReasoning(show bool) BlocksOption {
	return func(m *ContentBlocksMiddleware) { m.showReasoning = show }
}

// WithShowCitations 控制是否在消息中展示引用来源。
func WithShowCitations(show bool) BlocksOption {
	return func(m *ContentBlocksMiddleware) { m.showCitations = show }
}

// WithShowToolCalls 控制是否在消息中展示工具调用列表，默认关闭。
func WithShowToolCalls(show bool) BlocksOption {
	return func(m *ContentBlocksMiddleware) { m.showToolCalls = show }
}

// WithReasoningMaxLen 设置推理内容的展示截断长度。
func WithReasoningMaxLen(n int) BlocksOption {
	return func(m *ContentBlocksMiddleware) {
		if n > 0 {
			m.reasoningMaxLen = n
		}
	}
}

// WithBlocksEventSink 挂接事件持久化。
func WithBlocksEventSink(sink event.Sink) BlocksOption {
	return func(m *ContentBlocksMiddleware) { m.sink = sink }
}

func NewContentBlocks(logger *slog.Logger, opts ...BlocksOption) *ContentBlocksMiddleware {
	m := &ContentBlocksMiddleware{
		Core:            NewCore("content_blocks", logger),
		showReasoning:   true,
		showCitations:   true,
		reasoningMaxLen: DefaultReasoningMaxLen,
		reasoning:       NewReasoningHandler(),
		citations:       NewCitationsHandler(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reasoning 返回推理处理器，供调用方直接查询。
func (m *ContentBlocksMiddleware) Reasoning() *ReasoningHandler { return m.reasoning }

// Citations 返回引用处理器，供调用方直接查询。
func (m *ContentBlocksMiddleware) Citations() *CitationsHandler { return m.citations }

// After 解析输出消息中的内容块。
func (m *ContentBlocksMiddleware) After(ctx context.Context, _, output State) (State, error) {
	last, ok := output.LastMessage()
	if !ok {
		return output, nil
	}
	blocks := ExtractBlocks(last)
	trace, hasReasoning := m.reasoning.Extract(last)
	if !hasReasoning {
		// 模型类别未识别时直接从内容块兜底提取，token 数只能估算，
		// 不计入推理统计。
		if raw := rawReasoningFromBlocks(blocks); raw != "" {
			trace = ReasoningTrace{
				ModelType:       ModelUnknown,
				Content:         raw,
				Tokens:          summarize.EstimateTokens(raw),
				EstimatedTokens: true,
			}
			hasReasoning = true
		}
	}
	citations := m.citations.ExtractFromBlocks(blocks)
	if len(blocks) == 0 && !hasReasoning {
		return output, nil
	}

	for _, b := range blocks {
		if b.Type == BlockToolCall {
			m.toolCalls.Add(1)
		}
	}

	var sections []string
	if m.showReasoning && hasReasoning {
		sections = append(sections, m.reasoning.Format(trace, m.reasoningMaxLen))
	}
	if m.showCitations && len(citations) > 0 {
		sections = append(sections, m.citations.Format(citations))
	}
	if m.showToolCalls {
		if s := formatToolCalls(blocks); s != "" {
			sections = append(sections, s)
		}
	}
	if s := formatUnknownBlocks(blocks); s != "" {
		sections = append(sections, s)
	}
	if len(sections) > 0 {
		updated := last
		updated.Content = last.Content + "\n\n---\n\n" + strings.Join(sections, "\n\n")
		output.ReplaceLastMessage(updated)
	}

	m.emitEvent(output, trace, hasReasoning, citations, len(blocks))
	return output, nil
}

// Stats 附加内容块计数。
func (m *ContentBlocksMiddleware) Stats() Stats {
	reasoningStats := m.reasoning.Stats()
	return m.statsWith(map[string]any{
		"reasoning_count":        reasoningStats["reasoning_count"],
		"total_reasoning_tokens": reasoningStats["total_reasoning_tokens"],
		"avg_reasoning_tokens":   reasoningStats["avg_reasoning_tokens"],
		"citations_count":        m.citations.Count(),
		"tool_calls_count":       m.toolCalls.Load(),
	})
}

func rawReasoningFromBlocks(blocks []Block) string {
	for _, b := range blocks {
		if b.Type != BlockReasoning && b.Type != BlockThinking {
			continue
		}
		if b.Reasoning != "" {
			return b.Reasoning
		}
		if b.Text != "" {
			return b.Text
		}
	}
	return ""
}

func formatToolCalls(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type != BlockToolCall {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("### 🔧 工具调用\n")
		}
		name := b.ToolName
		if name == "" {
			name = "(未命名工具)"
		}
		if len(b.ToolInput) > 0 {
			input, err := json.Marshal(b.ToolInput)
			if err == nil {
				sb.WriteString(fmt.Sprintf("\n- **%s** `%s`", name, input))
				continue
			}
		}
		sb.WriteString(fmt.Sprintf("\n- **%s**", name))
	}
	return sb.String()
}

func formatUnknownBlocks(blocks []Block) string {
	var types []string
	for _, b := range blocks {
		if b.Type != BlockUnknown {
			continue
		}
		original := string(BlockUnknown)
		if s, ok := b.Extra["original_type"].(string); ok && s != "" {
			original = s
		}
		types = append(types, original)
	}
	if len(types) == 0 {
		return ""
	}
	return fmt.Sprintf("> ⚠️ 响应中包含 %d 个无法识别的内容块（类型：%s），未参与渲染。",
		len(types), strings.Join(types, ", "))
}

func (m *ContentBlocksMiddleware) emitEvent(st State, trace ReasoningTrace, hasReasoning bool, citations []Citation, blockCount int) {
	if m.sink == nil {
		return
	}
	out := map[string]any{"block_count": blockCount}
	if hasReasoning {
		sample := trace.Content
		if runes := []rune(sample); len(runes) > 500 {
			sample = string(runes[:500])
		}
		out["model_type"] = string(trace.ModelType)
		out["reasoning_tokens"] = trace.Tokens
		out["reasoning_sample"] = sample
	}
	if len(citations) > 0 {
		items := make([]map[string]any, 0, len(citations))
		for _, c := range citations {
			items = append(items, map[string]any{
				"citation_id": c.CitationID,
				"type":        string(c.Type),
				"source":      c.Source,
			})
		}
		out["citations"] = items
	}
	evt := event.New(m.Name(), event.TypeBlocksExtract,
		event.WithSession(st.SessionID()),
		event.WithTicker(st.Ticker()),
		event.WithOutput(out),
	)
	event.Persist(evt, m.sink)
}
