package middleware

import (
	"strings"
	"testing"
)

func TestDetectModelType(t *testing.T) {
	cases := []struct {
		name     string
		metadata map[string]any
		want     ModelType
	}{
		{"o1", map[string]any{"model_name": "o1-preview"}, ModelOpenAIo1},
		{"o3", map[string]any{"model_name": "o3-mini"}, ModelOpenAIo1},
		{"deepseek by name", map[string]any{"model_name": "deepseek-reasoner"}, ModelDeepSeekR1},
		{"deepseek by provider", map[string]any{"model_provider": "DeepSeek"}, ModelDeepSeekR1},
		{"claude with thinking", map[string]any{"model_name": "claude-sonnet-4", "thinking": "..."}, ModelClaudeThinked},
		{"claude without thinking", map[string]any{"model_name": "claude-sonnet-4"}, ModelUnknown},
		{"gpt-4o", map[string]any{"model_name": "gpt-4o"}, ModelUnknown},
		{"nil metadata", nil, ModelUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectModelType(tc.metadata); got != tc.want {
				t.Fatalf("DetectModelType = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestExtractO1Reasoning(t *testing.T) {
	h := NewReasoningHandler()
	trace, ok := h.Extract(Message{
		Metadata: map[string]any{
			"model_name":       "o1-preview",
			"reasoning":        "分步推理内容",
			"reasoning_tokens": 128,
		},
	})
	if !ok {
		t.Fatal("no trace extracted")
	}
	if trace.ModelType != ModelOpenAIo1 || trace.Tokens != 128 || trace.EstimatedTokens {
		t.Fatalf("trace = %+v", trace)
	}
}

func TestExtractDeepSeekEstimatesTokens(t *testing.T) {
	h := NewReasoningHandler()
	trace, ok := h.Extract(Message{
		Content:  "结论",
		Metadata: map[string]any{"model_name": "deepseek-reasoner", "reasoning": "首先分析基本面"},
	})
	if !ok {
		t.Fatal("no trace extracted")
	}
	if !trace.EstimatedTokens {
		t.Fatal("deepseek tokens must be marked as estimated")
	}
	want := int(float64(len([]rune("首先分析基本面"))) * 1.5)
	if trace.Tokens != want {
		t.Fatalf("tokens = %d, want %d", trace.Tokens, want)
	}
}

func TestExtractClaudeThinkingBlocks(t *testing.T) {
	h := NewReasoningHandler()
	trace, ok := h.Extract(Message{
		Blocks: []Block{
			{Type: BlockThinking, Text: "先梳理财务数据"},
			{Type: BlockText, Text: "结论"},
		},
		Metadata: map[string]any{"model_provider": "anthropic", "thinking": true},
	})
	if !ok {
		t.Fatal("no trace extracted")
	}
	if trace.ModelType != ModelClaudeThinked || trace.Content != "先梳理财务数据" {
		t.Fatalf("trace = %+v", trace)
	}
}

func TestExtractUnknownModelNoTrace(t *testing.T) {
	h := NewReasoningHandler()
	if _, ok := h.Extract(Message{Content: "hi", Metadata: map[string]any{"model_name": "gpt-4o"}}); ok {
		t.Fatal("extracted reasoning from a non-reasoning model")
	}
}

func TestReasoningStatsAccumulate(t *testing.T) {
	h := NewReasoningHandler()
	for i := 0; i < 3; i++ {
		h.Extract(Message{Metadata: map[string]any{"model_name": "deepseek-reasoner", "reasoning": "推理内容"}})
	}
	stats := h.Stats()
	if stats["reasoning_count"] != int64(3) {
		t.Fatalf("count = %v", stats["reasoning_count"])
	}
	distribution := stats["model_distribution"].(map[string]int64)
	if distribution[string(ModelDeepSeekR1)] != 3 {
		t.Fatalf("distribution = %v", distribution)
	}
}

func TestFormatTruncatesReasoning(t *testing.T) {
	h := NewReasoningHandler()
	trace := ReasoningTrace{ModelType: ModelDeepSeekR1, Content: strings.Repeat("长", 100), Tokens: 150}
	out := h.Format(trace, 10)
	if !strings.Contains(out, "推理内容已截断") {
		t.Fatalf("no truncation marker: %q", out)
	}
	full := h.Format(trace, 0)
	if strings.Contains(full, "已截断") {
		t.Fatal("maxLen 0 must not truncate")
	}
}

func TestQualityScore(t *testing.T) {
	h := NewReasoningHandler()
	rich := ReasoningTrace{Content: strings.Repeat("首先分析营收，其次看估值，因此维持买入，综上结论明确。", 20)}
	poor := ReasoningTrace{Content: "嗯"}

	richScore := h.Quality(rich)["quality_score"].(int)
	poorScore := h.Quality(poor)["quality_score"].(int)
	if richScore <= poorScore {
		t.Fatalf("rich %d should beat poor %d", richScore, poorScore)
	}
	if richScore > 100 {
		t.Fatalf("score %d exceeds 100", richScore)
	}
}
