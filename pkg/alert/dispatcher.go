package alert

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher fans an alert out to named channels. A failing channel never
// blocks the others; its error is logged and the next channel runs.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		channels: make(map[string]Channel),
		logger:   logger.With("component", "alert"),
	}
	// "log" 通道始终可用；email/sms 暂为仅记录的占位通道
	d.Register(NewLogChannel(logger))
	d.Register(NewStubChannel("email", logger))
	d.Register(NewStubChannel("sms", logger))
	return d
}

// Register adds or replaces a channel under its own name.
func (d *Dispatcher) Register(c Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[c.Name()] = c
}

// Dispatch sends the alert to each named channel. Unknown names are
// logged at debug level and skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, names []string, a Alert) {
	for _, name := range names {
		d.mu.RLock()
		ch, ok := d.channels[name]
		d.mu.RUnlock()
		if !ok {
			d.logger.DebugContext(ctx, "告警通道未注册", "channel", name)
			continue
		}
		d.send(ctx, ch, a)
	}
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "告警通道 panic", "channel", ch.Name(), "panic", r)
		}
	}()
	if err := ch.Send(ctx, a); err != nil {
		d.logger.ErrorContext(ctx, "告警发送失败", "channel", ch.Name(), "error", err)
	}
}
