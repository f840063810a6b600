package middleware

// BlockType 内容块类型。未能识别的类型归入 BlockUnknown。
type BlockType string

const (
	BlockReasoning  BlockType = "reasoning"
	BlockThinking   BlockType = "thinking"
	BlockText       BlockType = "text"
	BlockCitation   BlockType = "citation"
	BlockToolCall   BlockType = "tool_call"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockPDF        BlockType = "pdf"
	BlockAudio      BlockType = "audio"
	BlockUnknown    BlockType = "unknown"
)

// Block 供应商响应中的一个结构化内容块。字段按类型选用：
// 文本/推理类填 Text 或 Reasoning，引用类填 Citation/Source/URL，
// 工具类填 ToolName/ToolInput。其余字段落入 Extra。
type Block struct {
	Type      BlockType      `json:"type"`
	Text      string         `json:"text,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Citation  string         `json:"citation,omitempty"`
	Source    string         `json:"source,omitempty"`
	SourceID  int            `json:"source_id,omitempty"`
	URL       string         `json:"url,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// NormalizeBlock converts a loosely typed block (as decoded from JSON)
// into a Block. Vendor-specific "tool_use" maps to tool_call.
func NormalizeBlock(raw any) Block {
	m, ok := raw.(map[string]any)
	if !ok {
		if b, ok := raw.(Block); ok {
			return normalizeType(b)
		}
		return Block{Type: BlockUnknown}
	}

	b := Block{Type: BlockUnknown, Extra: map[string]any{}}
	for k, v := range m {
		switch k {
		case "type":
			if t, ok := v.(string); ok {
				b.Type = BlockType(t)
			}
		case "text", "content":
			if s, ok := v.(string); ok && b.Text == "" {
				b.Text = s
			}
		case "reasoning", "thinking":
			if s, ok := v.(string); ok && b.Reasoning == "" {
				b.Reasoning = s
			}
		case "citation", "cited_text":
			if s, ok := v.(string); ok && b.Citation == "" {
				b.Citation = s
			}
		case "source", "document_title":
			if s, ok := v.(string); ok && b.Source == "" {
				b.Source = s
			}
		case "source_id", "document_index":
			switch n := v.(type) {
			case int:
				b.SourceID = n
			case float64:
				b.SourceID = int(n)
			}
		case "url":
			if s, ok := v.(string); ok {
				b.URL = s
			}
		case "name", "tool_name":
			if s, ok := v.(string); ok && b.ToolName == "" {
				b.ToolName = s
			}
		case "input", "tool_input":
			if in, ok := v.(map[string]any); ok {
				b.ToolInput = in
			}
		default:
			b.Extra[k] = v
		}
	}
	if len(b.Extra) == 0 {
		b.Extra = nil
	}
	return normalizeType(b)
}

func normalizeType(b Block) Block {
	switch b.Type {
	case "tool_use":
		b.Type = BlockToolCall
	case BlockReasoning, BlockThinking, BlockText, BlockCitation,
		BlockToolCall, BlockToolResult, BlockImage, BlockPDF, BlockAudio:
		// 已是标准类型
	default:
		if b.Type != BlockUnknown {
			if b.Extra == nil {
				b.Extra = map[string]any{}
			}
			b.Extra["original_type"] = string(b.Type)
			b.Type = BlockUnknown
		}
	}
	return b
}

// ExtractBlocks pulls the structured content blocks out of a message.
// Precedence: typed Blocks field, then Extra["content_blocks"], then a
// reasoning/thinking pair synthesized from response metadata.
func ExtractBlocks(msg Message) []Block {
	if len(msg.Blocks) > 0 {
		out := make([]Block, 0, len(msg.Blocks))
		for _, b := range msg.Blocks {
			out = append(out, normalizeType(b))
		}
		return out
	}

	if raw, ok := msg.Extra[ExtraContentBlocks]; ok {
		if items, ok := raw.([]any); ok && len(items) > 0 {
			out := make([]Block, 0, len(items))
			for _, item := range items {
				out = append(out, NormalizeBlock(item))
			}
			return out
		}
		if items, ok := raw.([]Block); ok && len(items) > 0 {
			out := make([]Block, 0, len(items))
			for _, b := range items {
				out = append(out, normalizeType(b))
			}
			return out
		}
	}

	// DeepSeek R1 等模型把推理内容放在响应元数据里
	reasoning := metadataString(msg.Metadata, "reasoning")
	if reasoning == "" {
		reasoning = metadataString(msg.Metadata, "thinking")
	}
	if reasoning != "" {
		return []Block{
			{Type: BlockReasoning, Reasoning: reasoning},
			{Type: BlockText, Text: msg.Content},
		}
	}
	return nil
}

func metadataString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
