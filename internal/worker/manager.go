package worker

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/oxyrun/internal/errors"
	"github.com/Iron-Ham/oxyrun/internal/event"
	"github.com/Iron-Ham/oxyrun/internal/logging"
	"github.com/Iron-Ham/oxyrun/internal/sandbox"
)

// appModuleID is the id of the server bundle inside the app worker.
const appModuleID = "index.js"

// State is the lifecycle state of a Handle.
type State int

const (
	StateRunning State = iota
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithBus sets the bus request events are recorded on.
func WithBus(b *event.Bus) Option {
	return func(m *Manager) {
		m.bus = b
	}
}

// WithSourceMaps sets the resolver used for stack lines. It is purged after
// every successful reload.
func WithSourceMaps(r *event.SourceMapResolver) Option {
	return func(m *Manager) {
		m.sourceMaps = r
	}
}

// Manager owns at most one running sandbox.
type Manager struct {
	backend    sandbox.Backend
	logger     *logging.Logger
	bus        *event.Bus
	sourceMaps *event.SourceMapResolver

	mu     sync.Mutex
	active *Handle
}

// NewManager creates a manager that boots sandboxes on backend.
func NewManager(backend sandbox.Backend, opts ...Option) *Manager {
	m := &Manager{backend: backend}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.NopLogger()
	}
	m.logger = m.logger.WithComponent("runtime")
	if m.bus == nil {
		m.bus = event.NewBus(event.WithLogger(m.logger))
	}
	return m
}

// Bus returns the request event bus shared by every handle.
func (m *Manager) Bus() *event.Bus {
	return m.bus
}

// Active returns the running handle, or nil.
func (m *Manager) Active() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Handle is a running sandbox.
type Handle struct {
	cfg  Config
	inst sandbox.Instance

	// reloadMu serializes Reload and Close.
	reloadMu sync.Mutex

	mu      sync.RWMutex
	opts    sandbox.Options
	state   State
	onClose []func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// ListeningAt returns the origin the sandbox serves on.
func (h *Handle) ListeningAt() string { return h.inst.Ready() }

// InspectorAt returns the debugger URL, or "" when disabled.
func (h *Handle) InspectorAt() string { return h.inst.InspectorURL() }

// State returns the handle state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Bindings returns a copy of the app worker bindings currently loaded.
func (h *Handle) Bindings() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	spec, _ := h.opts.Worker(AppWorker)
	return cloneEnv(spec.Bindings)
}

// ModuleContents returns a copy of the server bundle currently loaded.
func (h *Handle) ModuleContents() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	spec, _ := h.opts.Worker(AppWorker)
	if len(spec.Modules) == 0 {
		return nil
	}
	return bytes.Clone(spec.Modules[0].Contents)
}

// OnClose registers fn to run when the handle closes. Registering on a
// closed handle is a no-op.
func (h *Handle) OnClose(fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return
	}
	h.onClose = append(h.onClose, fn)
}

// Start reads the bundle and boots the sandbox.
func (m *Manager) Start(ctx context.Context, cfg Config) (*Handle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, errors.ErrRuntimeAlreadyRunning
	}

	bundle := cfg.bundlePath()
	contents, err := readBundle(bundle)
	if err != nil {
		return nil, err
	}

	opts, err := m.options(cfg, contents)
	if err != nil {
		return nil, err
	}

	inst, err := m.backend.Boot(ctx, opts)
	if err != nil {
		return nil, startError("failed to boot runtime", err, bundle)
	}

	h := &Handle{cfg: cfg, inst: inst, opts: opts, state: StateRunning}
	m.active = h
	m.logger.Info("runtime started", "origin", inst.Ready(), "bundle", bundle)
	return h, nil
}

// Reload re-reads the bundle and reloads h with it. A nil patch or a nil
// Patch.Env keeps the bindings already loaded. On failure the previous
// bundle and bindings keep serving.
func (m *Manager) Reload(ctx context.Context, h *Handle, patch *Patch) error {
	if h == nil {
		return errors.ErrRuntimeNotRunning
	}

	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	if h.State() == StateClosed {
		return errors.ErrHandleClosed
	}

	bundle := h.cfg.bundlePath()
	contents, err := readBundle(bundle)
	if err != nil {
		return reloadError(err)
	}

	h.mu.RLock()
	current := h.opts
	h.mu.RUnlock()

	next, err := sandbox.WithModule(current, AppWorker, appModuleID, contents)
	if err != nil {
		return err
	}
	if patch != nil && patch.Env != nil {
		next, err = sandbox.WithBindings(next, AppWorker, patch.Env)
		if err != nil {
			return err
		}
	}

	if err := h.inst.Reload(ctx, next); err != nil {
		return reloadError(startError("failed to reload runtime", err, bundle))
	}

	h.mu.Lock()
	h.opts = next
	h.mu.Unlock()

	if m.sourceMaps != nil {
		m.sourceMaps.Purge()
	}
	m.logger.Debug("runtime reloaded", "env_patched", patch != nil && patch.Env != nil)
	return nil
}

// Close disposes h and runs its close listeners concurrently. Every step
// runs even if another fails; failures come back joined as DisposalErrors.
// Later calls return the first result.
func (m *Manager) Close(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	h.closeOnce.Do(func() {
		h.reloadMu.Lock()
		defer h.reloadMu.Unlock()

		h.mu.Lock()
		h.state = StateClosed
		listeners := h.onClose
		h.onClose = nil
		h.mu.Unlock()

		p := pool.New().WithErrors()
		p.Go(func() error {
			if err := h.inst.Dispose(ctx); err != nil {
				return errors.NewDisposalError("sandbox", err)
			}
			return nil
		})
		for i, fn := range listeners {
			p.Go(func() error {
				if err := fn(ctx); err != nil {
					return errors.NewDisposalError(fmt.Sprintf("close listener %d", i), err)
				}
				return nil
			})
		}
		h.closeErr = p.Wait()

		m.mu.Lock()
		if m.active == h {
			m.active = nil
		}
		m.mu.Unlock()

		if h.closeErr != nil {
			m.logger.Warn("runtime closed with errors", "error", h.closeErr.Error())
		} else {
			m.logger.Info("runtime closed")
		}
	})
	return h.closeErr
}

func (m *Manager) options(cfg Config, contents []byte) (sandbox.Options, error) {
	edge, err := edgeSpec(cfg, m.logger.WithWorker(EdgeWorker))
	if err != nil {
		return sandbox.Options{}, errors.NewValidationError(err.Error()).WithField("TunnelDomains")
	}

	bundle := cfg.bundlePath()
	app := sandbox.WorkerSpec{
		Name:     AppWorker,
		Modules:  []sandbox.Module{{ID: appModuleID, Path: bundle, Contents: contents}},
		Bindings: cloneEnv(cfg.Env),
		Services: map[string]sandbox.Service{
			event.BindingName: {Worker: ProfilerWorker},
		},
	}

	return sandbox.Options{
		Host:          cfg.Host,
		Port:          cfg.Port,
		InspectorPort: cfg.InspectorPort,
		Workers:       []sandbox.WorkerSpec{edge, app, m.profilerSpec(bundle)},
	}, nil
}

// profilerSpec records events posted by the app and streams them to the
// debug-network page.
func (m *Manager) profilerSpec(bundle string) sandbox.WorkerSpec {
	var mapper event.PositionMapper
	if m.sourceMaps != nil {
		mapper = m.sourceMaps
	}
	bus := m.bus

	return sandbox.WorkerSpec{
		Name: ProfilerWorker,
		Native: func(sandbox.Env) (http.Handler, error) {
			stream := event.StreamHandler{Bus: bus}
			recorder := &event.Recorder{Bus: bus, Mapper: mapper, BundlePath: bundle}
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == event.DebugNetworkPath {
					stream.ServeHTTP(w, r)
					return
				}
				recorder.ServeHTTP(w, r)
			}), nil
		},
	}
}

func readBundle(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	cause := err
	if errors.Is(err, fs.ErrNotExist) {
		cause = fmt.Errorf("%w: %w", errors.ErrBundleMissing, err)
	}
	return nil, errors.NewRuntimeStartError("cannot read server bundle", cause).WithBundlePath(path)
}

// reloadError lowers the severity of a runtime error raised by a reload:
// the previous bundle is still serving.
func reloadError(err error) error {
	var rse *errors.RuntimeStartError
	if errors.As(err, &rse) {
		rse.WithSeverity(errors.SeverityError)
	}
	return err
}

func startError(msg string, err error, bundle string) error {
	var rse *errors.RuntimeStartError
	if errors.As(err, &rse) {
		if rse.BundlePath == "" {
			rse.WithBundlePath(bundle)
		}
		return rse
	}
	return errors.NewRuntimeStartError(msg, err).WithBundlePath(bundle)
}
