package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"github.com/godeps/tradingagents-go/pkg/alert"
	"github.com/godeps/tradingagents-go/pkg/approval"
	"github.com/godeps/tradingagents-go/pkg/event"
	"github.com/godeps/tradingagents-go/pkg/middleware"
	"github.com/godeps/tradingagents-go/pkg/summarize"
	"github.com/godeps/tradingagents-go/pkg/telemetry"
)

// Pipeline 按配置组装出的完整中间件链及其外围设施。
type Pipeline struct {
	Chain     *middleware.Chain
	Events    event.Sink
	Alerts    *alert.Dispatcher
	Approvals *approval.Queue
	Telemetry *telemetry.Manager

	closers []func() error
}

// Close 释放管道持有的资源。
func (p *Pipeline) Close(ctx context.Context) error {
	var firstErr error
	for _, closeFn := range p.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.Telemetry.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Build 按配置组装中间件链。链序固定为：
// trace → summary → content_blocks → risk_control → human_approval。
func Build(ctx context.Context, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tel, err := telemetry.NewManager(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  cfg.Telemetry.Environment,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("config: init telemetry: %w", err)
	}

	p := &Pipeline{Telemetry: tel}

	sink, err := buildSink(cfg.Events)
	if err != nil {
		return nil, err
	}
	p.Events = sink
	p.closers = append(p.closers, sink.Close)

	p.Alerts = alert.NewDispatcher(logger)
	for name, url := range cfg.Alerts.Webhooks {
		p.Alerts.Register(alert.NewWebhookChannel(name, url))
	}

	chain := middleware.NewChain().WithTelemetry(tel)

	if cfg.Trace.Enabled {
		trace := middleware.NewTrace(cfg.Trace.Dir, logger)
		p.closers = append(p.closers, trace.Close)
		chain.Add(trace)
	}

	if cfg.Summary.Enabled {
		chain.Add(middleware.NewSummary(logger,
			middleware.WithMaxMessages(cfg.Summary.MaxMessages),
			middleware.WithKeepRecent(cfg.Summary.KeepRecent),
			middleware.WithSummarizer(buildSummarizer(cfg.Summary)),
		))
	}

	if cfg.ContentBlocks.Enabled {
		chain.Add(middleware.NewContentBlocks(logger,
			middleware.WithShowReasoning(cfg.ContentBlocks.ShowReasoning),
			middleware.WithShowCitations(cfg.ContentBlocks.ShowCitations),
			middleware.WithShowToolCalls(cfg.ContentBlocks.ShowToolCalls),
			middleware.WithReasoningMaxLen(cfg.ContentBlocks.ReasoningMaxLen),
			middleware.WithBlocksEventSink(sink),
		))
	}

	if cfg.Risk.Enabled {
		chain.Add(middleware.NewRiskControl(logger,
			middleware.WithRiskThreshold(cfg.Risk.Threshold),
			middleware.WithBlockHighRisk(cfg.Risk.BlockHighRisk),
			middleware.WithAlertChannels(cfg.Risk.AlertChannels...),
			middleware.WithRiskAlerts(p.Alerts),
			middleware.WithRiskEventSink(sink),
			middleware.WithRiskTelemetry(tel),
		))
	}

	if cfg.Approval.Enabled {
		requester, queue := buildRequester(cfg.Approval)
		p.Approvals = queue
		opts := []middleware.ApprovalOption{
			middleware.WithRules(cfg.Approval.CompileRules()),
			middleware.WithApprovalTimeout(cfg.Approval.Timeout.Std()),
			middleware.WithTimeoutPolicy(middleware.TimeoutPolicy(cfg.Approval.DefaultOnTimeout)),
			middleware.WithApprovalEventSink(sink),
			middleware.WithApprovalTelemetry(tel),
		}
		if cfg.Approval.SessionMemory {
			opts = append(opts, middleware.WithSessionMemory(approval.NewMemory()))
		}
		chain.Add(middleware.NewHumanApproval(requester, logger, opts...))
	}

	p.Chain = chain
	return p, nil
}

func buildSink(cfg EventsConfig) (event.Sink, error) {
	switch cfg.Backend {
	case "", "memory":
		return event.NewMemorySink(), nil
	case "file":
		return event.NewFileSink(cfg.Path)
	case "sqlite":
		return event.NewSQLiteSink(cfg.Path)
	default:
		return nil, fmt.Errorf("config: unknown events backend %q", cfg.Backend)
	}
}

func buildSummarizer(cfg SummaryConfig) summarize.Summarizer {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	switch cfg.Provider {
	case "openai":
		return summarize.NewOpenAI(apiKey, openai.ChatModel(cfg.Model))
	case "anthropic":
		return summarize.NewAnthropic(apiKey, anthropic.Model(cfg.Model))
	default:
		return &summarize.Naive{}
	}
}

func buildRequester(cfg ApprovalConfig) (middleware.Requester, *approval.Queue) {
	switch cfg.Method {
	case "cli":
		return &middleware.CLIRequester{In: os.Stdin, Out: os.Stdout}, nil
	case "web", "api":
		queue := approval.NewQueue()
		return &middleware.WebRequester{Queue: queue}, queue
	default:
		return &middleware.AutoRequester{}, nil
	}
}
