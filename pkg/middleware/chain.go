package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godeps/tradingagents-go/pkg/telemetry"
)

// Chain 维护洋葱模型的中间件执行链。顺序由调用方通过 Add 控制：
// 先加入的单元在最外层，其 Before 最先执行、After 最后执行。
type Chain struct {
	mu    sync.RWMutex
	units []Middleware
	tel   *telemetry.Manager
}

// NewChain 创建一个空链。
func NewChain() *Chain {
	return &Chain{units: make([]Middleware, 0)}
}

// WithTelemetry 注入遥测管理器，链会为每层调用记录 span 与指标。
func (c *Chain) WithTelemetry(tel *telemetry.Manager) *Chain {
	c.mu.Lock()
	c.tel = tel
	c.mu.Unlock()
	return c
}

// Add 将中间件追加到链尾，返回链自身以支持链式调用。
func (c *Chain) Add(mw Middleware) *Chain {
	if mw == nil {
		return c
	}
	c.mu.Lock()
	c.units = append(c.units, mw)
	c.mu.Unlock()
	return c
}

// Remove 按名称移除第一个匹配的中间件，存在则返回 true。
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, mw := range c.units {
		if mw.Name() == name {
			c.units = append(c.units[:i], c.units[i+1:]...)
			return true
		}
	}
	return false
}

// Apply 基于当前链的快照构建组合函数。之后对链的 Add/Remove
// 不影响已组合出的函数；需要新顺序时重新 Apply。
func (c *Chain) Apply(fn AgentFunc) AgentFunc {
	if fn == nil {
		return func(_ context.Context, st State) (State, error) {
			return st, ErrMissingNext
		}
	}
	units := c.snapshot()
	tel := c.telemetry()

	handler := fn
	for i := len(units) - 1; i >= 0; i-- {
		handler = wrapUnit(units[i], handler, tel)
	}
	return handler
}

// Stats 按链序返回所有单元的统计信息。
func (c *Chain) Stats() []Stats {
	units := c.snapshot()
	out := make([]Stats, len(units))
	for i, mw := range units {
		out[i] = mw.Stats()
	}
	return out
}

// Len 返回链中单元数。
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.units)
}

func (c *Chain) snapshot() []Middleware {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cloned := make([]Middleware, len(c.units))
	copy(cloned, c.units)
	return cloned
}

func (c *Chain) telemetry() *telemetry.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tel
}

// wrapUnit 将单个中间件套在下游处理器外。除停用直通外，
// 任何一层抛出的错误都在本层吸收：计入错误数并交给 OnError，
// 其返回值成为本层结果，错误不再向外传播。
func wrapUnit(mw Middleware, next AgentFunc, tel *telemetry.Manager) AgentFunc {
	return func(ctx context.Context, st State) (State, error) {
		if !mw.Enabled() {
			return next(ctx, st)
		}

		core := mw.base()
		core.calls.Add(1)
		start := time.Now()

		ctx, span := tel.StartSpan(ctx, "middleware."+mw.Name(),
			telemetry.WithSession(st.SessionID()), telemetry.WithTicker(st.Ticker()))

		out, last, err := runHooks(ctx, mw, st, next)

		tel.RecordInvocation(ctx, mw.Name(), time.Since(start), err)
		telemetry.EndSpan(span, err)

		if err != nil {
			core.errs.Add(1)
			return mw.OnError(ctx, last, err), nil
		}
		return out, nil
	}
}

// runHooks 依次执行 Before、下游与 After。last 始终指向出错时
// 最近一次成功产出的状态，供 OnError 使用。
func runHooks(ctx context.Context, mw Middleware, st State, next AgentFunc) (out, last State, err error) {
	last = st
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("middleware %s: panic: %v", mw.Name(), r)
		}
	}()

	before, err := mw.Before(ctx, st)
	if err != nil {
		return nil, last, err
	}
	last = before
	result, err := next(ctx, before)
	if err != nil {
		return nil, last, err
	}
	last = result
	out, err = mw.After(ctx, before, result)
	return out, last, err
}
