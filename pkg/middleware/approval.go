package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/godeps/tradingagents-go/pkg/approval"
	"github.com/godeps/tradingagents-go/pkg/event"
	"github.com/godeps/tradingagents-go/pkg/telemetry"
)

// Decision 审批结论
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionModified Decision = "modified"
	DecisionTimeout  Decision = "timeout"
)

// DefaultApprovalTimeout 等待人工裁定的默认时限
const DefaultApprovalTimeout = 5 * time.Minute

// TimeoutPolicy 超时后的处置策略
type TimeoutPolicy string

const (
	// TimeoutReject 超时视同拒绝，改写输出为超时通知。
	TimeoutReject TimeoutPolicy = "reject"
	// TimeoutApprove 超时放行，输出原样通过。
	TimeoutApprove TimeoutPolicy = "approve"
)

// Rule 触发人工审批的规则。Condition 以结构化分析结果为输入，
// 返回 true 表示命中。
type Rule struct {
	Name      string
	Reason    string
	Condition func(result map[string]any) bool
}

// DefaultRules 返回内置的三条审批规则。
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:   "strong_recommendation",
			Reason: "强烈买入/卖出建议需人工确认",
			Condition: func(result map[string]any) bool {
				rec, _ := result["recommendation"].(string)
				normalized := NormalizeRecommendation(rec)
				return normalized == RecStrongBuy || normalized == RecStrongSell
			},
		},
		{
			Name:   "high_confidence",
			Reason: "置信度超过 0.9 的建议需人工确认",
			Condition: func(result map[string]any) bool {
				return floatValue(result["confidence"]) >= 0.9
			},
		},
		{
			Name:   "trade_execution",
			Reason: "交易执行操作需人工确认",
			Condition: func(result map[string]any) bool {
				action, _ := result["action"].(string)
				return action == "execute_trade"
			},
		},
	}
}

// ApprovalRequest 交给 Requester 的审批请求。
type ApprovalRequest struct {
	SessionID string
	Ticker    string
	Result    map[string]any
	Matched   []Rule
	Timeout   time.Duration
}

// Requester dispatches an approval request to a human (or a policy)
// and blocks until a decision or the deadline. The returned map holds
// the modified result when the decision is DecisionModified.
type Requester interface {
	Request(ctx context.Context, req ApprovalRequest) (Decision, map[string]any, error)
}

// HumanApprovalMiddleware 在 agent 输出后按规则判断是否需要人工审批，
// 需要时阻塞等待裁定并按结论改写状态。同一会话中已放行的
// 股票+建议组合不再重复请求。
type HumanApprovalMiddleware struct {
	*Core

	rules     []Rule
	requester Requester
	timeout   time.Duration
	onTimeout TimeoutPolicy
	memory    *approval.Memory
	sink      event.Sink
	tel       *telemetry.Manager

	requested atomic.Int64
	approved  atomic.Int64
	rejected  atomic.Int64
	timeouts  atomic.Int64
	modified  atomic.Int64
}

// ApprovalOption 配置 HumanApprovalMiddleware
type ApprovalOption func(*HumanApprovalMiddleware)

// WithRules 覆盖默认审批规则。
func WithRules(rules []Rule) ApprovalOption {
	return func(m *HumanApprovalMiddleware) { m.rules = rules }
}

// WithApprovalTimeout 设置等待裁定的时限。
func WithApprovalTimeout(d time.Duration) ApprovalOption {
	return func(m *HumanApprovalMiddleware) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithTimeoutPolicy 设置超时处置策略，默认超时拒绝。
func WithTimeoutPolicy(p TimeoutPolicy) ApprovalOption {
	return func(m *HumanApprovalMiddleware) {
		if p == TimeoutApprove {
			m.onTimeout = TimeoutApprove
		}
	}
}

// WithSessionMemory 开启会话级自动放行。
func WithSessionMemory(mem *approval.Memory) ApprovalOption {
	return func(m *HumanApprovalMiddleware) { m.memory = mem }
}

// WithApprovalEventSink 挂接事件持久化。
func WithApprovalEventSink(sink event.Sink) ApprovalOption {
	return func(m *HumanApprovalMiddleware) { m.sink = sink }
}

// WithApprovalTelemetry 挂接遥测。
func WithApprovalTelemetry(tel *telemetry.Manager) ApprovalOption {
	return func(m *HumanApprovalMiddleware) { m.tel = tel }
}

func NewHumanApproval(requester Requester, logger *slog.Logger, opts ...ApprovalOption) *HumanApprovalMiddleware {
	m := &HumanApprovalMiddleware{
		Core:      NewCore("human_approval", logger),
		rules:     DefaultRules(),
		requester: requester,
		timeout:   DefaultApprovalTimeout,
		onTimeout: TimeoutReject,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.requester == nil {
		m.requester = &AutoRequester{}
	}
	return m
}

// After 对携带结构化结果的输出执行审批流程。
func (m *HumanApprovalMiddleware) After(ctx context.Context, _, output State) (State, error) {
	last, ok := output.LastMessage()
	if !ok {
		return output, nil
	}
	result, ok := last.StructuredOutput()
	if !ok {
		return output, nil
	}

	matched := m.evaluateRules(result)
	if len(matched) == 0 {
		return output, nil
	}

	recommendation, _ := result["recommendation"].(string)
	if m.memory != nil && m.memory.Granted(output.SessionID(), output.Ticker(), recommendation) {
		m.log().DebugContext(ctx, "会话内已放行，跳过审批",
			"ticker", output.Ticker(), "recommendation", recommendation)
		return output, nil
	}

	m.requested.Add(1)
	m.emitRequestEvent(output, result, matched)

	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	decision, modifiedResult, err := m.requester.Request(reqCtx, ApprovalRequest{
		SessionID: output.SessionID(),
		Ticker:    output.Ticker(),
		Result:    result,
		Matched:   matched,
		Timeout:   m.timeout,
	})
	if err != nil {
		// 审批通道本身失败时按拒绝处理，绝不放行
		m.log().ErrorContext(ctx, "审批请求失败，按拒绝处理", "error", err)
		decision = DecisionRejected
	}
	m.tel.RecordApproval(ctx, string(decision))

	switch decision {
	case DecisionApproved:
		m.approved.Add(1)
		if m.memory != nil {
			m.memory.Remember(output.SessionID(), output.Ticker(), recommendation)
		}

	case DecisionModified:
		m.modified.Add(1)
		merged := cloneMapWith(result, "human_modified", true)
		for k, v := range modifiedResult {
			merged[k] = v
		}
		updated := last
		updated.Extra = cloneMapWith(last.Extra, ExtraStructuredOutput, merged)
		output.ReplaceLastMessage(updated)
		output[StateHumanChanged] = true

	case DecisionTimeout:
		m.timeouts.Add(1)
		if m.onTimeout == TimeoutApprove {
			// 超时放行：输出原样通过，仅记录计数与事件
			m.log().WarnContext(ctx, "审批超时，按策略放行",
				"ticker", output.Ticker(), "timeout", m.timeout)
			break
		}
		notice := last
		notice.Content = timeoutNotice(output.Ticker(), m.timeout)
		output.ReplaceLastMessage(notice)
		output[StateTimeout] = true

	default: // DecisionRejected 与未知结论均按拒绝处理
		decision = DecisionRejected
		m.rejected.Add(1)
		notice := last
		notice.Content = rejectionNotice(output.Ticker(), result, matched)
		output.ReplaceLastMessage(notice)
		output[StateRejected] = true
	}

	m.emitDecisionEvent(output, decision)
	return output, nil
}

// Stats 附加审批计数。
func (m *HumanApprovalMiddleware) Stats() Stats {
	requested := m.requested.Load()
	return m.statsWith(map[string]any{
		"approval_count": requested,
		"approved_count": m.approved.Load(),
		"rejected_count": m.rejected.Load(),
		"timeout_count":  m.timeouts.Load(),
		"modified_count": m.modified.Load(),
		"approval_rate":  ratio(m.approved.Load(), requested),
		"rejection_rate": ratio(m.rejected.Load(), requested),
		"timeout_rate":   ratio(m.timeouts.Load(), requested),
	})
}

// evaluateRules 逐条评估规则；单条规则 panic 只使该条失效。
func (m *HumanApprovalMiddleware) evaluateRules(result map[string]any) []Rule {
	var matched []Rule
	for _, rule := range m.rules {
		if rule.Condition == nil {
			continue
		}
		if m.safeEvaluate(rule, result) {
			matched = append(matched, rule)
		}
	}
	return matched
}

func (m *HumanApprovalMiddleware) safeEvaluate(rule Rule, result map[string]any) (hit bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log().Error("审批规则执行 panic", "rule", rule.Name, "panic", r)
			hit = false
		}
	}()
	return rule.Condition(result)
}

func (m *HumanApprovalMiddleware) emitRequestEvent(st State, result map[string]any, matched []Rule) {
	if m.sink == nil {
		return
	}
	reasons := make([]string, 0, len(matched))
	for _, rule := range matched {
		reasons = append(reasons, rule.Reason)
	}
	evt := event.New(m.Name(), event.TypeApproval,
		event.WithSession(st.SessionID()),
		event.WithTicker(st.Ticker()),
		event.WithOutput(result),
		event.WithApproval(event.ApprovalPending, strings.Join(reasons, "; ")),
	)
	event.Persist(evt, m.sink)
}

func (m *HumanApprovalMiddleware) emitDecisionEvent(st State, decision Decision) {
	if m.sink == nil {
		return
	}
	status := event.ApprovalRejected
	switch {
	case decision == DecisionApproved || decision == DecisionModified:
		status = event.ApprovalApproved
	case decision == DecisionTimeout && m.onTimeout == TimeoutApprove:
		status = event.ApprovalApproved
	}
	evt := event.New(m.Name(), event.TypeOnDecision,
		event.WithSession(st.SessionID()),
		event.WithTicker(st.Ticker()),
		event.WithMetadata(map[string]any{"decision": string(decision)}),
		event.WithApproval(status, ""),
	)
	event.Persist(evt, m.sink)
}

func rejectionNotice(ticker string, result map[string]any, matched []Rule) string {
	reasons := ""
	for _, rule := range matched {
		reasons += fmt.Sprintf("- %s\n", rule.Reason)
	}
	recommendation, _ := result["recommendation"].(string)
	reasoning, _ := result["reasoning"].(string)
	return fmt.Sprintf(`## ❌ 审批未通过

股票 %s 的分析结果未通过人工审批，建议不予执行。

原分析结果：
- 建议：%s
- 置信度：%.2f
- 分析理由：%s

触发审批的原因：
%s`, ticker, recommendation, floatValue(result["confidence"]), reasoning, reasons)
}

func timeoutNotice(ticker string, timeout time.Duration) string {
	return fmt.Sprintf(`## ⏰ 审批超时

股票 %s 的分析结果在 %s 内未获人工裁定，按超时处理，建议不予执行。`, ticker, timeout)
}
