package pipeline

import (
	"time"

	"github.com/Iron-Ham/oxyrun/internal/logging"
)

// DefaultGracePeriod bounds how long Close waits for gated waiters.
const DefaultGracePeriod = 500 * time.Millisecond

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	logger        *logging.Logger
	gracePeriod   time.Duration
	onServerBuilt func(CycleResult)
}

// WithLogger sets the logger used for cycle bookkeeping.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		o.gracePeriod = d
	}
}

// WithServerBuiltHook registers the "server build finished" notification.
// It fires only when the server stage of a cycle resolves.
func WithServerBuiltHook(fn func(CycleResult)) Option {
	return func(o *options) {
		o.onServerBuilt = fn
	}
}
