package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/oxyrun/internal/deferred"
	"github.com/Iron-Ham/oxyrun/internal/errors"
	"github.com/Iron-Ham/oxyrun/internal/logging"
)

// ErrNoCycle is returned by server hooks invoked before any client build started.
var ErrNoCycle = errors.New("pipeline: no build cycle in progress")

// Coordinator enforces client-before-server ordering across build cycles.
// It is safe for concurrent use.
type Coordinator struct {
	mu      sync.Mutex
	opts    options
	logger  *logging.Logger
	next    uint64
	current *cycle
	closed  bool

	waiters   sync.WaitGroup
	closeOnce sync.Once
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	o := options{gracePeriod: DefaultGracePeriod}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	return &Coordinator{
		opts:   o,
		logger: o.logger.WithComponent("pipeline"),
	}
}

// OnClientBuildStart opens a new cycle and returns its id. The signals of
// the previous cycle are force-rejected if still pending.
func (c *Coordinator) OnClientBuildStart() uint64 {
	return c.begin().id
}

func (c *Coordinator) begin() *cycle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.current; prev != nil {
		reason := errors.Wrapf(errors.ErrCycleSuperseded, "cycle %d", prev.id)
		clientRejected := prev.client.Reject(reason)
		serverRejected := prev.server.Reject(reason)
		if clientRejected || serverRejected {
			c.logger.WithCycle(prev.id).Debug("cycle superseded with pending stages")
		}
	}

	c.next++
	cy := newCycle(c.next)
	if c.closed {
		reason := errors.Wrapf(errors.ErrCoordinatorClosed, "cycle %d", cy.id)
		cy.client.Reject(reason)
		cy.server.Reject(reason)
	}
	c.current = cy
	c.logger.WithCycle(cy.id).Debug("client build started")
	return cy
}

// OnClientBuildEnd reports the end of client compilation. A non-nil err
// rejects the client signal, which in turn blocks the server stage.
func (c *Coordinator) OnClientBuildEnd(err error) {
	if cy := c.cycle(); cy != nil {
		c.clientEnd(cy, err)
	}
}

func (c *Coordinator) clientEnd(cy *cycle, err error) {
	if err == nil {
		return
	}
	compileErr := errors.NewCompileError(errors.StageClient, err).WithCycle(cy.id)
	if cy.client.Reject(compileErr) {
		c.logger.WithCycle(cy.id).Warn("client build failed", "error", err.Error())
	}
}

// OnClientWritten resolves the client signal of the current cycle.
func (c *Coordinator) OnClientWritten() {
	if cy := c.cycle(); cy != nil {
		c.clientWritten(cy)
	}
}

func (c *Coordinator) clientWritten(cy *cycle) {
	if cy.client.Resolve() {
		c.logger.WithCycle(cy.id).Debug("client build written")
	}
}

// OnServerBuildStart blocks until the current cycle's client stage settles.
// It returns nil when the server stage may proceed. Any other result means
// the bundler must skip the server stage; the server signal is then rejected.
func (c *Coordinator) OnServerBuildStart(ctx context.Context) error {
	cy := c.cycle()
	if cy == nil {
		return ErrNoCycle
	}
	return c.serverStart(ctx, cy)
}

func (c *Coordinator) serverStart(ctx context.Context, cy *cycle) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		err := errors.Wrapf(errors.ErrCoordinatorClosed, "cycle %d", cy.id)
		c.skipServer(cy, err)
		return err
	}
	c.waiters.Add(1)
	c.mu.Unlock()
	defer c.waiters.Done()

	if err := cy.client.Wait(ctx); err != nil {
		c.skipServer(cy, err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cy.server.State() == deferred.Rejected {
		cy.serverSkipped = true
		return cy.server.Err()
	}
	cy.serverStarted = time.Now()
	c.logger.WithCycle(cy.id).Debug("server build started")
	return nil
}

func (c *Coordinator) skipServer(cy *cycle, err error) {
	cy.server.Reject(err)
	c.mu.Lock()
	cy.serverSkipped = true
	c.mu.Unlock()
	c.logger.WithCycle(cy.id).Debug("server build skipped", "reason", err.Error())
}

// OnServerBuildEnd reports the end of server compilation. A non-nil err
// rejects the server signal.
func (c *Coordinator) OnServerBuildEnd(err error) {
	if cy := c.cycle(); cy != nil {
		c.serverEnd(cy, err)
	}
}

func (c *Coordinator) serverEnd(cy *cycle, err error) {
	if err == nil || !c.serverAdmitted(cy) {
		return
	}
	compileErr := errors.NewCompileError(errors.StageServer, err).WithCycle(cy.id)
	if cy.server.Reject(compileErr) {
		c.logger.WithCycle(cy.id).Warn("server build failed", "error", err.Error())
	}
}

// OnServerWritten resolves the server signal and fires the server-built
// notification, unless the stage was rejected in the meantime.
func (c *Coordinator) OnServerWritten() {
	if cy := c.cycle(); cy != nil {
		c.serverWritten(cy)
	}
}

// serverAdmitted reports whether serverStart let the server stage of cy
// proceed. Server reports for any other stage belong to an older cycle.
func (c *Coordinator) serverAdmitted(cy *cycle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !cy.serverStarted.IsZero()
}

func (c *Coordinator) serverWritten(cy *cycle) {
	if !c.serverAdmitted(cy) {
		c.logger.WithCycle(cy.id).Debug("server output discarded", "reason", "server stage not started")
		return
	}
	if !cy.server.Resolve() {
		c.logger.WithCycle(cy.id).Debug("server output discarded", "state", cy.server.State().String())
		return
	}
	c.logger.WithCycle(cy.id).Info("server build finished")
	if c.opts.onServerBuilt != nil {
		c.opts.onServerBuilt(c.snapshot(cy))
	}
}

// RunCycle runs one cycle with b: both stages are launched concurrently and
// the server stage waits for the client stage. It returns once both stages
// have settled.
func (c *Coordinator) RunCycle(ctx context.Context, b Builder) CycleResult {
	cy := c.begin()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if cy.client.State() != deferred.Pending {
			return
		}
		err := b.BuildClient(ctx)
		c.clientEnd(cy, err)
		if err == nil {
			c.clientWritten(cy)
		}
	}()
	go func() {
		defer wg.Done()
		if err := c.serverStart(ctx, cy); err != nil {
			return
		}
		err := b.BuildServer(ctx)
		c.serverEnd(cy, err)
		if err == nil {
			c.serverWritten(cy)
		}
	}()
	wg.Wait()

	return c.snapshot(cy)
}

// Current returns the state of the latest cycle, or false before the first.
func (c *Coordinator) Current() (CycleResult, bool) {
	cy := c.cycle()
	if cy == nil {
		return CycleResult{}, false
	}
	return c.snapshot(cy), true
}

// Close force-rejects pending signals with ErrCoordinatorClosed and waits up
// to the grace period for server-stage waiters to unwind. Calling Close more
// than once is safe; later calls return immediately.
func (c *Coordinator) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if cy := c.current; cy != nil {
			reason := errors.Wrapf(errors.ErrCoordinatorClosed, "cycle %d", cy.id)
			cy.client.Reject(reason)
			cy.server.Reject(reason)
		}
		c.mu.Unlock()

		done := make(chan struct{})
		go func() {
			c.waiters.Wait()
			close(done)
		}()

		timer := time.NewTimer(c.opts.gracePeriod)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			c.logger.Warn("close grace period elapsed with waiters pending")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (c *Coordinator) cycle() *cycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Coordinator) snapshot(cy *cycle) CycleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cy.result()
}
