package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// state key holding the trace start time; internal to this middleware.
const stateTraceStart = "__trace_start"

// TraceMiddleware 将每次 agent 调用的前后快照写入会话级 JSONL 文件，
// 便于离线回放一次分析的完整过程。
type TraceMiddleware struct {
	*Core

	dir   string
	clock func() time.Time

	mu    sync.Mutex
	files map[string]*os.File
}

type traceRecord struct {
	Timestamp    string `json:"timestamp"`
	Stage        string `json:"stage"`
	SessionID    string `json:"session_id"`
	Ticker       string `json:"ticker,omitempty"`
	MessageCount int    `json:"message_count"`
	LastRole     string `json:"last_role,omitempty"`
	LastPreview  string `json:"last_preview,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	Error        string `json:"error,omitempty"`
}

func NewTrace(dir string, logger *slog.Logger) *TraceMiddleware {
	return &TraceMiddleware{
		Core:  NewCore("trace", logger),
		dir:   dir,
		clock: time.Now,
		files: make(map[string]*os.File),
	}
}

// Before 记录调用前快照并标记开始时间。
func (m *TraceMiddleware) Before(ctx context.Context, st State) (State, error) {
	m.write(ctx, st, "before", 0, "")
	st[stateTraceStart] = m.clock()
	return st, nil
}

// After 记录调用后快照与耗时。
func (m *TraceMiddleware) After(ctx context.Context, input, output State) (State, error) {
	var duration time.Duration
	if start, ok := input[stateTraceStart].(time.Time); ok {
		duration = m.clock().Sub(start)
	}
	delete(output, stateTraceStart)
	m.write(ctx, output, "after", duration, "")
	return output, nil
}

// OnError 记录错误后沿用默认兜底。
func (m *TraceMiddleware) OnError(ctx context.Context, st State, err error) State {
	m.write(ctx, st, "error", 0, err.Error())
	delete(st, stateTraceStart)
	return m.Core.OnError(ctx, st, err)
}

// Close 关闭所有会话文件。
func (m *TraceMiddleware) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for session, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.files, session)
	}
	return firstErr
}

func (m *TraceMiddleware) write(ctx context.Context, st State, stage string, duration time.Duration, errText string) {
	rec := traceRecord{
		Timestamp:    m.clock().Format(time.RFC3339Nano),
		Stage:        stage,
		SessionID:    st.SessionID(),
		Ticker:       st.Ticker(),
		MessageCount: len(st.Messages()),
		DurationMS:   duration.Milliseconds(),
		Error:        errText,
	}
	if last, ok := st.LastMessage(); ok {
		rec.LastRole = last.Role
		preview := last.Content
		if runes := []rune(preview); len(runes) > 120 {
			preview = string(runes[:120])
		}
		rec.LastPreview = preview
	}

	f, err := m.file(st.SessionID())
	if err != nil {
		m.log().WarnContext(ctx, "打开会话日志失败", "error", err)
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		m.log().WarnContext(ctx, "序列化会话日志失败", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := f.Write(append(line, '\n')); err != nil {
		m.log().WarnContext(ctx, "写入会话日志失败", "error", err)
	}
}

func (m *TraceMiddleware) file(sessionID string) (*os.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[sessionID]; ok {
		return f, nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, err
	}
	name := "log-" + sanitizeSessionComponent(sessionID) + ".jsonl"
	f, err := os.OpenFile(filepath.Join(m.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	m.files[sessionID] = f
	return f, nil
}

// sanitizeSessionComponent keeps filenames safe for any filesystem.
func sanitizeSessionComponent(s string) string {
	if s == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
