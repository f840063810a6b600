package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Core 提供名称、启用开关与调用/错误计数，供具体中间件内嵌。
// 计数器使用原子操作，同一实例可在并发调用间安全复用。
type Core struct {
	name    string
	enabled atomic.Bool
	calls   atomic.Int64
	errs    atomic.Int64
	logger  *slog.Logger
}

// NewCore 构造一个启用状态的基础单元。
func NewCore(name string, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Core{name: name, logger: logger.With("middleware", name)}
	c.enabled.Store(true)
	return c
}

// Name 返回中间件名称。
func (c *Core) Name() string { return c.name }

// Enabled 返回启用状态。
func (c *Core) Enabled() bool { return c.enabled.Load() }

// SetEnabled 切换启用状态。
func (c *Core) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

// Before 默认直接透传。
func (c *Core) Before(_ context.Context, st State) (State, error) { return st, nil }

// After 默认直接透传输出状态。
func (c *Core) After(_ context.Context, _, output State) (State, error) { return output, nil }

// OnError 默认在消息尾部追加一条描述失败的 assistant 消息并返回状态。
// 所有实现都应保持这一"管道永不崩溃"的兜底语义。
func (c *Core) OnError(_ context.Context, st State, err error) State {
	c.logger.Error("middleware failed", "error", err)
	if st == nil {
		st = State{}
	}
	st.AppendMessage(Message{
		Role:    RoleAssistant,
		Content: fmt.Sprintf("中间件 %s 处理失败: %v", c.name, err),
	})
	return st
}

// Stats 返回基础统计。具体中间件通过 statsWith 附加自有计数。
func (c *Core) Stats() Stats { return c.statsWith(nil) }

func (c *Core) statsWith(extra map[string]any) Stats {
	calls := c.calls.Load()
	errs := c.errs.Load()
	return Stats{
		Name:       c.name,
		Enabled:    c.enabled.Load(),
		CallCount:  calls,
		ErrorCount: errs,
		ErrorRate:  ratio(errs, calls),
		Extra:      extra,
	}
}

// CallCount 返回累计调用次数。
func (c *Core) CallCount() int64 { return c.calls.Load() }

func (c *Core) log() *slog.Logger { return c.logger }

func (c *Core) base() *Core { return c }
