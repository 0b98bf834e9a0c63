package pipeline

import (
	"context"
	"time"

	"github.com/Iron-Ham/oxyrun/internal/deferred"
)

// Builder compiles the two stages of a cycle. Implementations must be safe
// to call from separate goroutines.
type Builder interface {
	BuildClient(ctx context.Context) error
	BuildServer(ctx context.Context) error
}

// BuilderFuncs adapts two functions to a Builder.
type BuilderFuncs struct {
	Client func(ctx context.Context) error
	Server func(ctx context.Context) error
}

// BuildClient calls f.Client.
func (f BuilderFuncs) BuildClient(ctx context.Context) error { return f.Client(ctx) }

// BuildServer calls f.Server.
func (f BuilderFuncs) BuildServer(ctx context.Context) error { return f.Server(ctx) }

// StageResult describes how one stage of a cycle settled.
type StageResult struct {
	State   deferred.State
	Err     error
	Started time.Time
	Settled time.Time
	// Skipped is set when the stage never ran because its gate rejected.
	Skipped bool
}

// CycleResult is the outcome of one build cycle.
type CycleResult struct {
	ID     uint64
	Client StageResult
	Server StageResult
}

// OK reports whether both stages resolved.
func (r CycleResult) OK() bool {
	return r.Client.State == deferred.Resolved && r.Server.State == deferred.Resolved
}

// Err returns the single error that describes the cycle, or nil.
// A client failure always wins over the server error it caused.
func (r CycleResult) Err() error {
	if r.Client.Err != nil {
		return r.Client.Err
	}
	return r.Server.Err
}

// cycle holds the per-cycle signals. Fields other than the signals are
// guarded by Coordinator.mu.
type cycle struct {
	id            uint64
	client        *deferred.Signal
	server        *deferred.Signal
	clientStarted time.Time
	serverStarted time.Time
	serverSkipped bool
}

func newCycle(id uint64) *cycle {
	return &cycle{
		id:            id,
		client:        deferred.New(),
		server:        deferred.New(),
		clientStarted: time.Now(),
	}
}

func (cy *cycle) result() CycleResult {
	return CycleResult{
		ID: cy.id,
		Client: StageResult{
			State:   cy.client.State(),
			Err:     cy.client.Err(),
			Started: cy.clientStarted,
			Settled: cy.client.SettledAt(),
		},
		Server: StageResult{
			State:   cy.server.State(),
			Err:     cy.server.Err(),
			Started: cy.serverStarted,
			Settled: cy.server.SettledAt(),
			Skipped: cy.serverSkipped,
		},
	}
}
