// Package approval 实现分析结果的人工审批队列与会话级自动放行。
package approval

import (
	"time"
)

// Outcome 审批结论
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeModified Outcome = "modified"
	OutcomeTimeout  Outcome = "timeout"
)

// MatchedRule 命中的审批规则（快照，便于审批界面展示）
type MatchedRule struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Record 一次待审批的分析结果
type Record struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Ticker    string         `json:"ticker"`
	Result    map[string]any `json:"result"`
	Rules     []MatchedRule  `json:"rules"`
	CreatedAt time.Time      `json:"created_at"`
	Deadline  time.Time      `json:"deadline"`

	Outcome    Outcome        `json:"outcome"`
	Comment    string         `json:"comment,omitempty"`
	Modified   map[string]any `json:"modified,omitempty"`
	DecidedAt  time.Time      `json:"decided_at,omitempty"`
	DecidedVia string         `json:"decided_via,omitempty"`
}

// Decision 审批人的裁定
type Decision struct {
	Outcome  Outcome        `json:"outcome"`
	Comment  string         `json:"comment,omitempty"`
	Modified map[string]any `json:"modified,omitempty"`
	Via      string         `json:"via,omitempty"`
}
