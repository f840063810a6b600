package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/godeps/tradingagents-go/pkg/alert"
	"github.com/godeps/tradingagents-go/pkg/event"
	"github.com/godeps/tradingagents-go/pkg/telemetry"
)

// RiskTier 风险等级
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// 标准化后的投资建议取值
const (
	RecStrongBuy  = "strong_buy"
	RecBuy        = "buy"
	RecHold       = "hold"
	RecSell       = "sell"
	RecStrongSell = "strong_sell"
)

// DefaultRiskThreshold 高风险判定的默认置信度阈值
const DefaultRiskThreshold = 0.85

// RiskControlMiddleware 在 agent 输出后评估投资建议的风险等级，
// 高风险时发送告警并可选地拦截结果。
type RiskControlMiddleware struct {
	*Core

	threshold     float64
	blockHighRisk bool
	alertChannels []string
	alerts        *alert.Dispatcher
	sink          event.Sink
	tel           *telemetry.Manager

	highRisk atomic.Int64
	blocked  atomic.Int64
}

// RiskOption 配置 RiskControlMiddleware
type RiskOption func(*RiskControlMiddleware)

// WithRiskThreshold 设置高风险置信度阈值，(0,1] 以外的值被忽略。
func WithRiskThreshold(threshold float64) RiskOption {
	return func(m *RiskControlMiddleware) {
		if threshold > 0 && threshold <= 1 {
			m.threshold = threshold
		}
	}
}

// WithBlockHighRisk 开启拦截模式：高风险结果被替换为阻断提示。
func WithBlockHighRisk(block bool) RiskOption {
	return func(m *RiskControlMiddleware) { m.blockHighRisk = block }
}

// WithAlertChannels 设置告警通道名称列表。
func WithAlertChannels(channels ...string) RiskOption {
	return func(m *RiskControlMiddleware) { m.alertChannels = channels }
}

// WithRiskAlerts 挂接告警分发器。
func WithRiskAlerts(d *alert.Dispatcher) RiskOption {
	return func(m *RiskControlMiddleware) { m.alerts = d }
}

// WithRiskEventSink 挂接事件持久化。
func WithRiskEventSink(sink event.Sink) RiskOption {
	return func(m *RiskControlMiddleware) { m.sink = sink }
}

// WithRiskTelemetry 挂接遥测。
func WithRiskTelemetry(tel *telemetry.Manager) RiskOption {
	return func(m *RiskControlMiddleware) { m.tel = tel }
}

func NewRiskControl(logger *slog.Logger, opts ...RiskOption) *RiskControlMiddleware {
	m := &RiskControlMiddleware{
		Core:          NewCore("risk_control", logger),
		threshold:     DefaultRiskThreshold,
		alertChannels: []string{"log"},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NormalizeRecommendation maps Chinese and English recommendation
// labels onto one canonical scale. Unrecognized input normalizes to hold.
func NormalizeRecommendation(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "强烈买入", "strong_buy", "strong buy", "强买":
		return RecStrongBuy
	case "买入", "buy":
		return RecBuy
	case "持有", "hold", "观望":
		return RecHold
	case "卖出", "sell":
		return RecSell
	case "强烈卖出", "strong_sell", "strong sell", "强卖":
		return RecStrongSell
	default:
		return RecHold
	}
}

// AssessRisk 依据标准化建议与置信度给出风险等级。
func AssessRisk(recommendation string, confidence, threshold float64) RiskTier {
	rec := NormalizeRecommendation(recommendation)
	strong := rec == RecStrongBuy || rec == RecStrongSell
	switch {
	case strong && confidence >= threshold:
		return RiskHigh
	case strong && confidence >= 0.70:
		return RiskMedium
	case (rec == RecBuy || rec == RecSell) && confidence >= 0.90:
		return RiskMedium
	default:
		return RiskLow
	}
}

// After 评估输出消息中的结构化建议。
func (m *RiskControlMiddleware) After(ctx context.Context, _, output State) (State, error) {
	last, ok := output.LastMessage()
	if !ok {
		return output, nil
	}
	result, ok := last.StructuredOutput()
	if !ok {
		return output, nil
	}

	recommendation, _ := result["recommendation"].(string)
	confidence := floatValue(result["confidence"])
	tier := AssessRisk(recommendation, confidence, m.threshold)

	if tier == RiskLow {
		return output, nil
	}

	// 中风险只留审计事件，不告警不拦截
	m.emitEvent(output, recommendation, confidence, tier)
	if tier != RiskHigh {
		return output, nil
	}

	m.highRisk.Add(1)
	m.log().WarnContext(ctx, "检测到高风险投资建议",
		"ticker", output.Ticker(),
		"recommendation", recommendation,
		"confidence", confidence,
	)
	m.tel.RecordHighRisk(ctx, output.Ticker(), m.blockHighRisk)
	m.sendAlert(ctx, output, recommendation, confidence)

	if !m.blockHighRisk {
		return output, nil
	}

	m.blocked.Add(1)
	notice := last
	notice.Content = blockNotice(output.Ticker(), recommendation, confidence)
	notice.Extra = cloneMapWith(last.Extra, "risk_blocked", true)
	output.ReplaceLastMessage(notice)
	output[StateRiskBlocked] = true
	return output, nil
}

// Stats 附加风险计数。
func (m *RiskControlMiddleware) Stats() Stats {
	calls := m.CallCount()
	high := m.highRisk.Load()
	blocked := m.blocked.Load()
	return m.statsWith(map[string]any{
		"high_risk_count": high,
		"blocked_count":   blocked,
		"high_risk_rate":  ratio(high, calls),
		"block_rate":      ratio(blocked, high),
	})
}

func (m *RiskControlMiddleware) emitEvent(st State, recommendation string, confidence float64, tier RiskTier) {
	if m.sink == nil {
		return
	}
	evt := event.New(m.Name(), event.TypeRiskDetected,
		event.WithSession(st.SessionID()),
		event.WithTicker(st.Ticker()),
		event.WithOutput(map[string]any{
			"recommendation": recommendation,
			"confidence":     confidence,
			"risk_tier":      string(tier),
			"blocked":        tier == RiskHigh && m.blockHighRisk,
		}),
	)
	event.Persist(evt, m.sink)
}

func (m *RiskControlMiddleware) sendAlert(ctx context.Context, st State, recommendation string, confidence float64) {
	if m.alerts == nil {
		return
	}
	m.alerts.Dispatch(ctx, m.alertChannels, alert.Alert{
		Severity:       alert.SeverityCritical,
		Title:          "高风险投资建议告警",
		Message:        fmt.Sprintf("股票 %s 收到高风险建议 %s（置信度 %.2f）", st.Ticker(), recommendation, confidence),
		SessionID:      st.SessionID(),
		Ticker:         st.Ticker(),
		Recommendation: NormalizeRecommendation(recommendation),
		Confidence:     confidence,
		Timestamp:      time.Now(),
	})
}

func blockNotice(ticker, recommendation string, confidence float64) string {
	return fmt.Sprintf(`## ⚠️ 风险控制拦截

检测到高风险投资建议，已被风险控制系统拦截。

- **股票代码**: %s
- **原始建议**: %s
- **置信度**: %.2f

高风险建议需经人工复核后方可执行。请联系风控人员处理。`, ticker, recommendation, confidence)
}

func floatValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func cloneMapWith(m map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
