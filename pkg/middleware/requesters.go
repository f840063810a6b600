package middleware

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/godeps/tradingagents-go/pkg/approval"
)

// AutoRequester decides without human input: low confidence or a
// strong sell is rejected, everything else passes.
type AutoRequester struct{}

func (r *AutoRequester) Request(_ context.Context, req ApprovalRequest) (Decision, map[string]any, error) {
	confidence := floatValue(req.Result["confidence"])
	if confidence < 0.7 {
		return DecisionRejected, nil, nil
	}
	rec, _ := req.Result["recommendation"].(string)
	if NormalizeRecommendation(rec) == RecStrongSell {
		return DecisionRejected, nil, nil
	}
	return DecisionApproved, nil, nil
}

// CLIRequester prompts on a terminal and reads y/n/m. Input is read
// in a goroutine so the deadline always wins over a stalled reader.
type CLIRequester struct {
	In  io.Reader
	Out io.Writer
}

type cliAnswer struct {
	line string
	err  error
}

func (r *CLIRequester) Request(ctx context.Context, req ApprovalRequest) (Decision, map[string]any, error) {
	fmt.Fprintf(r.Out, "\n=== 人工审批请求 ===\n")
	fmt.Fprintf(r.Out, "股票: %s  会话: %s\n", req.Ticker, req.SessionID)
	fmt.Fprintf(r.Out, "建议: %v  置信度: %v\n", req.Result["recommendation"], req.Result["confidence"])
	for _, rule := range req.Matched {
		fmt.Fprintf(r.Out, "触发规则: %s (%s)\n", rule.Name, rule.Reason)
	}
	fmt.Fprintf(r.Out, "批准(y) / 拒绝(n) / 修改(m)？[%s 内回复，超时按拒绝] ", req.Timeout)

	reader := bufio.NewReader(r.In)
	answers := make(chan cliAnswer, 1)
	go func() {
		line, err := reader.ReadString('\n')
		answers <- cliAnswer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return DecisionTimeout, nil, nil
	case ans := <-answers:
		if ans.err != nil && strings.TrimSpace(ans.line) == "" {
			return DecisionRejected, nil, fmt.Errorf("middleware: read approval input: %w", ans.err)
		}
		switch strings.ToLower(strings.TrimSpace(ans.line)) {
		case "y", "yes":
			return DecisionApproved, nil, nil
		case "m", "modify":
			return r.readModification(ctx, reader)
		default:
			return DecisionRejected, nil, nil
		}
	}
}

func (r *CLIRequester) readModification(ctx context.Context, reader *bufio.Reader) (Decision, map[string]any, error) {
	fmt.Fprintf(r.Out, "请输入修改后的建议（强烈买入/买入/持有/卖出/强烈卖出）: ")
	answers := make(chan cliAnswer, 1)
	go func() {
		line, err := reader.ReadString('\n')
		answers <- cliAnswer{line: line, err: err}
	}()
	select {
	case <-ctx.Done():
		return DecisionTimeout, nil, nil
	case ans := <-answers:
		rec := strings.TrimSpace(ans.line)
		if rec == "" {
			return DecisionRejected, nil, nil
		}
		return DecisionModified, map[string]any{"recommendation": rec}, nil
	}
}

// CallbackRequester delegates to an injected function, for embedding
// the pipeline in systems with their own approval surface.
type CallbackRequester struct {
	Callback func(ctx context.Context, req ApprovalRequest) (Decision, map[string]any, error)
}

func (r *CallbackRequester) Request(ctx context.Context, req ApprovalRequest) (Decision, map[string]any, error) {
	if r.Callback == nil {
		return DecisionRejected, nil, fmt.Errorf("middleware: approval callback is nil")
	}
	return r.Callback(ctx, req)
}

// WebRequester submits the request to the approval queue and blocks
// until the web console decides or the deadline passes.
type WebRequester struct {
	Queue *approval.Queue
}

func (r *WebRequester) Request(ctx context.Context, req ApprovalRequest) (Decision, map[string]any, error) {
	if r.Queue == nil {
		return DecisionRejected, nil, fmt.Errorf("middleware: approval queue is nil")
	}
	rules := make([]approval.MatchedRule, 0, len(req.Matched))
	for _, rule := range req.Matched {
		rules = append(rules, approval.MatchedRule{Name: rule.Name, Reason: rule.Reason})
	}
	rec := r.Queue.Submit(req.SessionID, req.Ticker, req.Result, rules, req.Timeout)
	decision, err := r.Queue.Await(ctx, rec.ID)
	if err != nil && decision.Outcome == "" {
		return DecisionRejected, nil, err
	}

	switch decision.Outcome {
	case approval.OutcomeApproved:
		return DecisionApproved, nil, nil
	case approval.OutcomeModified:
		return DecisionModified, decision.Modified, nil
	case approval.OutcomeTimeout:
		return DecisionTimeout, nil, nil
	default:
		return DecisionRejected, nil, nil
	}
}
