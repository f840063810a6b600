package middleware

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

// CitationType 引用来源类型
type CitationType string

const (
	CitationClaudeNative    CitationType = "claude_native"
	CitationRAGDocument     CitationType = "rag_document"
	CitationNewsArticle     CitationType = "news_article"
	CitationFinancialReport CitationType = "financial_report"
	CitationMarketData      CitationType = "market_data"
	CitationSocialMedia     CitationType = "social_media"
	CitationWebSearch       CitationType = "web_search"
	CitationUnknown         CitationType = "unknown"
)

// Citation 分析结论引用的一条来源
type Citation struct {
	CitationID int            `json:"citation_id"`
	Type       CitationType   `json:"type"`
	Content    string         `json:"content"`
	Source     string         `json:"source"`
	URL        string         `json:"url,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SourceDocument RAG 检索到的候选文档
type SourceDocument struct {
	Content  string         `json:"content"`
	Source   string         `json:"source"`
	URL      string         `json:"url,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewsArticle 新闻检索结果
type NewsArticle struct {
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Publisher   string `json:"publisher"`
	URL         string `json:"url,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

// CitationsHandler accumulates citations across a session. IDs are
// monotonic and never reused; extraction only appends.
type CitationsHandler struct {
	mu        sync.Mutex
	citations []Citation
	nextID    int
}

func NewCitationsHandler() *CitationsHandler {
	return &CitationsHandler{nextID: 1}
}

// ExtractFromBlocks 从内容块中提取引用类块。
func (h *CitationsHandler) ExtractFromBlocks(blocks []Block) []Citation {
	var out []Citation
	for _, b := range blocks {
		switch string(b.Type) {
		case string(BlockCitation), "source", "reference":
		default:
			continue
		}
		content := b.Citation
		if content == "" {
			content = b.Text
		}
		out = append(out, h.add(Citation{
			Type:    CitationClaudeNative,
			Content: content,
			Source:  b.Source,
			URL:     b.URL,
		}))
	}
	return out
}

// ExtractFromDocuments 按被引用的下标从检索文档生成引用。
// 下标越界的引用被忽略；来源缺失时使用 "Document {idx}" 占位。
func (h *CitationsHandler) ExtractFromDocuments(docs []SourceDocument, citedIndexes []int) []Citation {
	var out []Citation
	for _, idx := range citedIndexes {
		if idx < 0 || idx >= len(docs) {
			continue
		}
		doc := docs[idx]
		source := doc.Source
		if source == "" {
			source = fmt.Sprintf("Document %d", idx)
		}
		out = append(out, h.add(Citation{
			Type:     CitationRAGDocument,
			Content:  doc.Content,
			Source:   source,
			URL:      doc.URL,
			Metadata: doc.Metadata,
		}))
	}
	return out
}

// ExtractFromNews 从新闻检索结果生成引用。
func (h *CitationsHandler) ExtractFromNews(articles []NewsArticle) []Citation {
	var out []Citation
	for _, article := range articles {
		content := article.Summary
		if content == "" {
			content = article.Title
		}
		out = append(out, h.add(Citation{
			Type:    CitationNewsArticle,
			Content: content,
			Source:  article.Publisher,
			URL:     article.URL,
			Metadata: map[string]any{
				"title":        article.Title,
				"published_at": article.PublishedAt,
			},
		}))
	}
	return out
}

func (h *CitationsHandler) add(c Citation) Citation {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.CitationID = h.nextID
	h.nextID++
	h.citations = append(h.citations, c)
	return c
}

// Citations 返回累计引用的快照。
func (h *CitationsHandler) Citations() []Citation {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Citation, len(h.citations))
	copy(out, h.citations)
	return out
}

// Count 返回累计引用数。
func (h *CitationsHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.citations)
}

// Validate 校验引用质量，返回问题列表与整体是否可信。
// 检查项：重复内容、过短内容、URL 协议前缀、结论中是否实际
// 引用了编号。
func (h *CitationsHandler) Validate(answer string, citations []Citation) (issues []string, valid bool) {
	seen := make(map[uint64]int)
	for _, c := range citations {
		hash := contentHash(c.Content)
		if firstID, ok := seen[hash]; ok {
			issues = append(issues, fmt.Sprintf("引用 [%d] 与引用 [%d] 内容重复", c.CitationID, firstID))
		} else {
			seen[hash] = c.CitationID
		}
		if len([]rune(strings.TrimSpace(c.Content))) < 10 {
			issues = append(issues, fmt.Sprintf("引用 [%d] 内容过短", c.CitationID))
		}
		if c.URL != "" && !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			issues = append(issues, fmt.Sprintf("引用 [%d] 的 URL 缺少协议前缀: %s", c.CitationID, c.URL))
		}
		if !strings.Contains(answer, fmt.Sprintf("[%d]", c.CitationID)) {
			issues = append(issues, fmt.Sprintf("结论中未使用引用 [%d]", c.CitationID))
		}
	}
	return issues, len(issues) == 0
}

// Format 将引用渲染为 markdown 来源列表。
func (h *CitationsHandler) Format(citations []Citation) string {
	if len(citations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("### 📚 数据来源\n\n")
	for _, c := range citations {
		fmt.Fprintf(&b, "[%d] **%s**", c.CitationID, c.Source)
		if c.URL != "" {
			fmt.Fprintf(&b, " (%s)", c.URL)
		}
		preview := c.Content
		if runes := []rune(preview); len(runes) > 80 {
			preview = string(runes[:80]) + "..."
		}
		fmt.Fprintf(&b, ": %s\n", preview)
	}
	return b.String()
}

// Stats 按类型统计累计引用。
func (h *CitationsHandler) Stats() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	byType := make(map[string]int)
	for _, c := range h.citations {
		byType[string(c.Type)]++
	}
	return map[string]any{
		"total_citations":   len(h.citations),
		"citations_by_type": byType,
	}
}

func contentHash(content string) uint64 {
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(strings.TrimSpace(content)))
	return hash.Sum64()
}
