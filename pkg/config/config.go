// Package config 加载分析管道的 YAML 配置，并支持文件变更热加载。
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/godeps/tradingagents-go/pkg/middleware"
)

// Duration 支持 "30s" 这类字面量的时长字段。
type Duration time.Duration

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 转换为标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config 管道顶层配置
type Config struct {
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Events        EventsConfig    `yaml:"events"`
	Alerts        AlertsConfig    `yaml:"alerts"`
	Risk          RiskConfig      `yaml:"risk"`
	Approval      ApprovalConfig  `yaml:"approval"`
	Summary       SummaryConfig   `yaml:"summary"`
	ContentBlocks BlocksConfig    `yaml:"content_blocks"`
	Trace         TraceConfig     `yaml:"trace"`
}

// TelemetryConfig 遥测上报配置
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// EventsConfig 事件持久化配置。Backend 取值 memory、file 或 sqlite。
type EventsConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AlertsConfig 告警通道配置。Webhooks 为通道名到 URL 的映射。
type AlertsConfig struct {
	Webhooks map[string]string `yaml:"webhooks"`
}

// RiskConfig 风险控制中间件配置
type RiskConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Threshold     float64  `yaml:"threshold"`
	BlockHighRisk bool     `yaml:"block_high_risk"`
	AlertChannels []string `yaml:"alert_channels"`
}

// ApprovalConfig 人工审批中间件配置。Method 取值 cli、web、api 或 auto，
// DefaultOnTimeout 取值 reject 或 approve。
type ApprovalConfig struct {
	Enabled          bool       `yaml:"enabled"`
	Method           string     `yaml:"method"`
	Timeout          Duration   `yaml:"timeout"`
	DefaultOnTimeout string     `yaml:"default_on_timeout"`
	SessionMemory    bool       `yaml:"session_memory"`
	Rules            []RuleSpec `yaml:"rules"`
}

// SummaryConfig 对话摘要中间件配置。Provider 取值 naive、openai 或 anthropic。
// SummarizeEvery 仅为兼容保留，压缩只由 max_messages 触发。
type SummaryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	MaxMessages    int    `yaml:"max_messages"`
	KeepRecent     int    `yaml:"keep_recent"`
	SummarizeEvery int    `yaml:"summarize_every"`
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	APIKeyEnv      string `yaml:"api_key_env"`
}

// BlocksConfig 内容块中间件配置
type BlocksConfig struct {
	Enabled         bool `yaml:"enabled"`
	ShowReasoning   bool `yaml:"show_reasoning"`
	ShowCitations   bool `yaml:"show_citations"`
	ShowToolCalls   bool `yaml:"show_tool_calls"`
	ReasoningMaxLen int  `yaml:"reasoning_max_len"`
}

// TraceConfig 会话日志配置
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// RuleSpec 审批规则的声明式定义。各条件取交集；全部为空的
// 规则永不命中。
type RuleSpec struct {
	Name             string   `yaml:"name"`
	Reason           string   `yaml:"reason"`
	RecommendationIn []string `yaml:"recommendation_in"`
	MinConfidence    *float64 `yaml:"min_confidence"`
	ActionIn         []string `yaml:"action_in"`
}

// Compile 将声明式规则编译为可执行规则。
func (spec RuleSpec) Compile() middleware.Rule {
	recSet := make(map[string]struct{}, len(spec.RecommendationIn))
	for _, rec := range spec.RecommendationIn {
		recSet[middleware.NormalizeRecommendation(rec)] = struct{}{}
	}
	actionSet := make(map[string]struct{}, len(spec.ActionIn))
	for _, action := range spec.ActionIn {
		actionSet[action] = struct{}{}
	}
	minConfidence := spec.MinConfidence

	return middleware.Rule{
		Name:   spec.Name,
		Reason: spec.Reason,
		Condition: func(result map[string]any) bool {
			if len(recSet) == 0 && minConfidence == nil && len(actionSet) == 0 {
				return false
			}
			if len(recSet) > 0 {
				rec, _ := result["recommendation"].(string)
				if _, ok := recSet[middleware.NormalizeRecommendation(rec)]; !ok {
					return false
				}
			}
			if minConfidence != nil {
				confidence, ok := numeric(result["confidence"])
				if !ok || confidence < *minConfidence {
					return false
				}
			}
			if len(actionSet) > 0 {
				action, _ := result["action"].(string)
				if _, ok := actionSet[action]; !ok {
					return false
				}
			}
			return true
		},
	}
}

// numeric 宽松读取数值，YAML 与 JSON 解码出的整型也接受。
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// CompileRules 编译全部规则；列表为空时返回内置默认规则。
func (c ApprovalConfig) CompileRules() []middleware.Rule {
	if len(c.Rules) == 0 {
		return middleware.DefaultRules()
	}
	rules := make([]middleware.Rule, 0, len(c.Rules))
	for _, spec := range c.Rules {
		rules = append(rules, spec.Compile())
	}
	return rules
}

// Default 返回全部中间件启用的默认配置。
func Default() Config {
	return Config{
		Telemetry: TelemetryConfig{
			ServiceName: "tradingagents",
			Environment: "development",
		},
		Events: EventsConfig{
			Backend: "file",
			Path:    "data/events.jsonl",
		},
		Risk: RiskConfig{
			Enabled:       true,
			Threshold:     middleware.DefaultRiskThreshold,
			AlertChannels: []string{"log"},
		},
		Approval: ApprovalConfig{
			Enabled:          true,
			Method:           "auto",
			Timeout:          Duration(middleware.DefaultApprovalTimeout),
			DefaultOnTimeout: string(middleware.TimeoutReject),
			SessionMemory:    true,
		},
		Summary: SummaryConfig{
			Enabled:     true,
			MaxMessages: middleware.DefaultMaxMessages,
			KeepRecent:  middleware.DefaultKeepRecent,
			Provider:    "naive",
		},
		ContentBlocks: BlocksConfig{
			Enabled:         true,
			ShowReasoning:   true,
			ShowCitations:   true,
			ReasoningMaxLen: middleware.DefaultReasoningMaxLen,
		},
		Trace: TraceConfig{
			Enabled: false,
			Dir:     "data/traces",
		},
	}
}

// Load 读取 YAML 文件并与默认值合并。文件不存在时返回默认配置。
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Default(), err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Events.Backend {
	case "", "memory", "file", "sqlite":
	default:
		return fmt.Errorf("config: unknown events backend %q", c.Events.Backend)
	}
	switch c.Approval.Method {
	case "", "cli", "web", "api", "auto":
	default:
		return fmt.Errorf("config: unknown approval method %q", c.Approval.Method)
	}
	switch c.Approval.DefaultOnTimeout {
	case "", string(middleware.TimeoutReject), string(middleware.TimeoutApprove):
	default:
		return fmt.Errorf("config: unknown approval default_on_timeout %q", c.Approval.DefaultOnTimeout)
	}
	switch c.Summary.Provider {
	case "", "naive", "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown summary provider %q", c.Summary.Provider)
	}
	if c.Risk.Threshold < 0 || c.Risk.Threshold > 1 {
		return fmt.Errorf("config: risk threshold %v out of range", c.Risk.Threshold)
	}
	return nil
}
