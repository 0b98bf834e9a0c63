package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Iron-Ham/oxyrun/internal/errors"
	"github.com/Iron-Ham/oxyrun/internal/logging"
)

// ServerBackend runs workers in-process behind a net/http server.
type ServerBackend struct {
	// Engine loads script workers. Required only if a worker has no Native.
	Engine Engine
	Logger *logging.Logger
}

// Boot builds every worker, then starts listening on opts.Host:opts.Port.
func (b *ServerBackend) Boot(ctx context.Context, opts Options) (Instance, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := b.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	inst := &serverInstance{
		engine: b.Engine,
		logger: logger.WithComponent("sandbox"),
	}

	table, err := inst.build(ctx, opts)
	if err != nil {
		return nil, err
	}

	host := opts.Host
	if host == "" {
		host = "localhost"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(opts.Port)))
	if err != nil {
		closeTable(table, inst.logger)
		return nil, fmt.Errorf("%w: %w", errors.ErrSandboxBoot, err)
	}

	inst.table = table
	inst.entry = opts.Workers[0].Name
	inst.origin = "http://" + publicAddr(host, ln.Addr())
	if opts.InspectorPort > 0 {
		inst.inspector = fmt.Sprintf("ws://%s", net.JoinHostPort(host, strconv.Itoa(opts.InspectorPort)))
	}
	inst.server = &http.Server{
		Handler:           inst,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := inst.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			inst.logger.Error("sandbox listener stopped", "error", err.Error())
		}
	}()

	inst.logger.Info("sandbox listening", "origin", inst.origin, "workers", len(opts.Workers))
	return inst, nil
}

type serverInstance struct {
	engine Engine
	logger *logging.Logger

	reloadMu sync.Mutex

	mu        sync.RWMutex
	table     map[string]http.Handler
	entry     string
	disposed  bool
	origin    string
	inspector string
	server    *http.Server

	disposeOnce sync.Once
	disposeErr  error
}

func (s *serverInstance) Ready() string        { return s.origin }
func (s *serverInstance) InspectorURL() string { return s.inspector }

// ServeHTTP dispatches inbound traffic to the entry worker.
func (s *serverInstance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.serveWorker(s.entry, w, r)
}

func (s *serverInstance) serveWorker(name string, w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h, ok := s.table[name]
	disposed := s.disposed
	s.mu.RUnlock()

	if disposed || !ok {
		http.Error(w, fmt.Sprintf("worker %q unavailable", name), http.StatusServiceUnavailable)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.WithWorker(name).Error("worker panicked", "panic", fmt.Sprint(rec))
			http.Error(w, "worker failed", http.StatusBadGateway)
		}
	}()
	h.ServeHTTP(w, r)
}

// workerRef is a late-bound service binding to another worker.
type workerRef struct {
	inst *serverInstance
	name string
}

func (ref workerRef) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ref.inst.serveWorker(ref.name, w, r)
}

// build loads every worker of opts. On failure, handlers already built are
// closed and nothing else changes.
func (s *serverInstance) build(ctx context.Context, opts Options) (map[string]http.Handler, error) {
	table := make(map[string]http.Handler, len(opts.Workers))
	for _, spec := range opts.Workers {
		env := Env{
			Bindings: cloneMap(spec.Bindings),
			Services: make(map[string]http.Handler, len(spec.Services)),
		}
		for binding, svc := range spec.Services {
			if svc.Handler != nil {
				env.Services[binding] = svc.Handler
			} else {
				env.Services[binding] = workerRef{inst: s, name: svc.Worker}
			}
		}

		h, err := s.load(ctx, spec, env, opts.InspectorPort)
		if err != nil {
			closeTable(table, s.logger)
			return nil, errors.NewRuntimeStartError("worker failed to load", fmt.Errorf("%w: %w", errors.ErrSandboxBoot, err)).
				WithWorker(spec.Name)
		}
		table[spec.Name] = h
	}
	return table, nil
}

func (s *serverInstance) load(ctx context.Context, spec WorkerSpec, env Env, inspectorPort int) (h http.Handler, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("load panicked: %v", rec)
		}
	}()
	if spec.Native != nil {
		return spec.Native(env)
	}
	if s.engine == nil {
		return nil, fmt.Errorf("no engine for script worker %q", spec.Name)
	}
	return s.engine.Load(ctx, LoadRequest{Spec: spec, Env: env, InspectorPort: inspectorPort})
}

// Reload rebuilds all workers and swaps them in only if every one loaded.
// The listener, origin and entry worker are unchanged.
func (s *serverInstance) Reload(ctx context.Context, opts Options) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.mu.RLock()
	disposed := s.disposed
	s.mu.RUnlock()
	if disposed {
		return errors.ErrHandleClosed
	}

	if err := opts.Validate(); err != nil {
		return err
	}

	table, err := s.build(ctx, opts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		closeTable(table, s.logger)
		return errors.ErrHandleClosed
	}
	old := s.table
	s.table = table
	s.mu.Unlock()

	closeTable(old, s.logger)
	s.logger.Debug("sandbox reloaded", "workers", len(table))
	return nil
}

// Dispose shuts the listener down and closes every worker. Later calls
// return the first result.
func (s *serverInstance) Dispose(ctx context.Context) error {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		s.disposed = true
		table := s.table
		s.table = nil
		s.mu.Unlock()

		var errs []error
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
			_ = s.server.Close()
		}
		closeTable(table, s.logger)
		s.disposeErr = errors.Join(errs...)
		s.logger.Info("sandbox disposed")
	})
	return s.disposeErr
}

func closeTable(table map[string]http.Handler, logger *logging.Logger) {
	for name, h := range table {
		if c, ok := h.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.WithWorker(name).Warn("failed to close worker", "error", err.Error())
			}
		}
	}
}

// publicAddr renders the listener address using the configured host name
// rather than the resolved IP.
func publicAddr(host string, addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
	}
	return addr.String()
}
