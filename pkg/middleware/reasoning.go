package middleware

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godeps/tradingagents-go/pkg/summarize"
)

// ModelType 推理型模型类别
type ModelType string

const (
	ModelOpenAIo1      ModelType = "openai_o1"
	ModelDeepSeekR1    ModelType = "deepseek_r1"
	ModelClaudeThinked ModelType = "claude_thinking"
	ModelUnknown       ModelType = "unknown"
)

// ReasoningTrace 一次响应中提取到的推理过程
type ReasoningTrace struct {
	ModelType       ModelType `json:"model_type"`
	Content         string    `json:"content"`
	Tokens          int       `json:"tokens"`
	EstimatedTokens bool      `json:"estimated_tokens,omitempty"`
}

// DetectModelType 依据响应元数据判断推理模型类别。
func DetectModelType(metadata map[string]any) ModelType {
	name := strings.ToLower(metadataString(metadata, "model_name"))
	provider := strings.ToLower(metadataString(metadata, "model_provider"))

	switch {
	case strings.HasPrefix(name, "o1") || strings.HasPrefix(name, "o3"):
		return ModelOpenAIo1
	case strings.Contains(name, "deepseek-r") || strings.Contains(name, "deepseek-reasoner") || provider == "deepseek":
		return ModelDeepSeekR1
	case strings.Contains(name, "claude") && metadata["thinking"] != nil:
		return ModelClaudeThinked
	case provider == "anthropic" && metadata["thinking"] != nil:
		return ModelClaudeThinked
	default:
		return ModelUnknown
	}
}

// ReasoningHandler extracts reasoning traces from model responses and
// accumulates counts across a session.
type ReasoningHandler struct {
	mu          sync.Mutex
	count       int64
	totalTokens int64
	byModel     map[ModelType]int64
}

func NewReasoningHandler() *ReasoningHandler {
	return &ReasoningHandler{byModel: make(map[ModelType]int64)}
}

// Extract pulls the reasoning trace out of a message. The extraction
// path depends on where each model family puts its reasoning.
func (h *ReasoningHandler) Extract(msg Message) (ReasoningTrace, bool) {
	modelType := DetectModelType(msg.Metadata)

	var trace ReasoningTrace
	switch modelType {
	case ModelOpenAIo1:
		// o1 系列：推理文本与 token 数都在元数据里
		content := metadataString(msg.Metadata, "reasoning")
		if content == "" {
			return ReasoningTrace{}, false
		}
		trace = ReasoningTrace{
			ModelType: modelType,
			Content:   content,
			Tokens:    intValue(msg.Metadata["reasoning_tokens"]),
		}
		if trace.Tokens == 0 {
			trace.Tokens = summarize.EstimateTokens(content)
			trace.EstimatedTokens = true
		}

	case ModelDeepSeekR1:
		content := reasoningFromBlocks(msg)
		if content == "" {
			content = metadataString(msg.Metadata, "reasoning")
		}
		if content == "" {
			return ReasoningTrace{}, false
		}
		trace = ReasoningTrace{
			ModelType:       modelType,
			Content:         content,
			Tokens:          summarize.EstimateTokens(content),
			EstimatedTokens: true,
		}

	case ModelClaudeThinked:
		content := thinkingFromBlocks(msg)
		if content == "" {
			content = metadataString(msg.Metadata, "thinking")
		}
		if content == "" {
			return ReasoningTrace{}, false
		}
		trace = ReasoningTrace{
			ModelType:       modelType,
			Content:         content,
			Tokens:          summarize.EstimateTokens(content),
			EstimatedTokens: true,
		}

	default:
		return ReasoningTrace{}, false
	}

	h.mu.Lock()
	h.count++
	h.totalTokens += int64(trace.Tokens)
	h.byModel[modelType]++
	h.mu.Unlock()
	return trace, true
}

// Format 将推理过程渲染为可折叠的 markdown 片段。
func (h *ReasoningHandler) Format(trace ReasoningTrace, maxLen int) string {
	content := trace.Content
	if maxLen > 0 {
		if runes := []rune(content); len(runes) > maxLen {
			content = string(runes[:maxLen]) + "\n\n...(推理内容已截断)"
		}
	}
	return fmt.Sprintf(`<details>
<summary>🧠 推理过程 (%s, %d tokens)</summary>

%s

</details>`, trace.ModelType, trace.Tokens, content)
}

// Quality scores the structure of a reasoning trace from 0 to 100
// based on length and the presence of analysis markers.
func (h *ReasoningHandler) Quality(trace ReasoningTrace) map[string]any {
	content := trace.Content
	score := 0

	runeCount := len([]rune(content))
	switch {
	case runeCount >= 500:
		score += 40
	case runeCount >= 100:
		score += 20
	case runeCount > 0:
		score += 10
	}

	markers := []string{"首先", "其次", "因此", "综上", "结论", "步骤", "分析",
		"first", "second", "therefore", "conclusion", "step"}
	found := 0
	lower := strings.ToLower(content)
	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			found++
		}
	}
	if found > 6 {
		found = 6
	}
	score += found * 10

	if score > 100 {
		score = 100
	}
	return map[string]any{
		"length":          runeCount,
		"structure_hits":  found,
		"quality_score":   score,
		"tokens":          trace.Tokens,
		"tokens_estimate": trace.EstimatedTokens,
	}
}

// Stats 返回累计推理统计与模型分布。
func (h *ReasoningHandler) Stats() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	distribution := make(map[string]int64, len(h.byModel))
	for model, n := range h.byModel {
		distribution[string(model)] = n
	}
	return map[string]any{
		"reasoning_count":        h.count,
		"total_reasoning_tokens": h.totalTokens,
		"avg_reasoning_tokens":   ratio(h.totalTokens, h.count),
		"model_distribution":     distribution,
	}
}

func reasoningFromBlocks(msg Message) string {
	for _, b := range ExtractBlocks(msg) {
		if b.Type == BlockReasoning && b.Reasoning != "" {
			return b.Reasoning
		}
	}
	return ""
}

func thinkingFromBlocks(msg Message) string {
	for _, b := range ExtractBlocks(msg) {
		if b.Type == BlockThinking {
			if b.Reasoning != "" {
				return b.Reasoning
			}
			if b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
