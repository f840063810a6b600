// Package summarize 生成多轮分析对话的摘要，用于在长会话中压缩历史消息。
package summarize

import (
	"context"
	"fmt"
	"strings"
)

// Turn 对话中的一轮
type Turn struct {
	Role    string
	Content string
}

// Summarizer condenses a slice of turns into one summary string.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// Naive builds a summary by listing each turn's role and a content
// preview. It never fails, which makes it the fallback for LLM-backed
// summarizers.
type Naive struct {
	// MaxPreview 每轮保留的最大字符数（按 rune 计），默认 100
	MaxPreview int
}

func (n *Naive) Summarize(_ context.Context, turns []Turn) (string, error) {
	maxPreview := n.MaxPreview
	if maxPreview <= 0 {
		maxPreview = 100
	}
	var b strings.Builder
	for i, turn := range turns {
		preview := turn.Content
		if runes := []rune(preview); len(runes) > maxPreview {
			preview = string(runes[:maxPreview])
		}
		fmt.Fprintf(&b, "%d. **%s**: %s...\n", i+1, turn.Role, preview)
	}
	return b.String(), nil
}

// prompt used by the LLM-backed summarizers.
const summaryPrompt = `请总结以下股票分析对话的关键信息。要求：
1. 保留所有分析结论（投资建议、置信度、目标价）
2. 保留关键数据和指标
3. 保留风险提示
4. 使用简洁的要点形式

对话内容：
%s

请直接输出总结，不要添加额外说明。`

func renderTurns(turns []Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&b, "[%s] %s\n", turn.Role, turn.Content)
	}
	return b.String()
}

// EstimateTokens approximates the token count of Chinese/English mixed
// text as rune count times 1.5.
func EstimateTokens(text string) int {
	return int(float64(len([]rune(text))) * 1.5)
}
