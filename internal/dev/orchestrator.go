// Package dev runs the storefront dev server. It rebuilds the project on
// change, keeps one runtime serving the latest server bundle, and tells
// connected browsers whether to patch modules in place or reload.
package dev

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/oxyrun/internal/bundler"
	"github.com/Iron-Ham/oxyrun/internal/codegen"
	"github.com/Iron-Ham/oxyrun/internal/envvars"
	"github.com/Iron-Ham/oxyrun/internal/errors"
	"github.com/Iron-Ham/oxyrun/internal/event"
	"github.com/Iron-Ham/oxyrun/internal/livereload"
	"github.com/Iron-Ham/oxyrun/internal/logging"
	"github.com/Iron-Ham/oxyrun/internal/pipeline"
	"github.com/Iron-Ham/oxyrun/internal/sandbox"
	"github.com/Iron-Ham/oxyrun/internal/worker"
)

// ReloadRequest asks for a runtime reload outside the build loop.
type ReloadRequest struct {
	// Env re-resolves the environment variables and binds the result.
	Env bool
}

// Orchestrator owns one dev session.
type Orchestrator struct {
	opts   Options
	logger *logging.Logger

	appDir     string
	publicDir  string
	clientDir  string
	bundlePath string

	pipeline   *pipeline.Coordinator
	bundler    *bundler.ExecBundler
	runtime    *worker.Manager
	live       *livereload.Coordinator
	liveServer *livereload.Server

	fatal chan error

	mu      sync.Mutex
	handle  *worker.Handle
	env     *envvars.Set
	session *bundler.Session
	codegen *codegen.Process
	tunnel  TunnelSession
	closed  bool

	closeOnce sync.Once
}

// New creates an orchestrator. Nothing runs until Run.
func New(opts Options) *Orchestrator {
	opts = opts.withDefaults()
	logger := opts.Logger.WithComponent("dev")

	backend := opts.Backend
	if backend == nil {
		backend = &sandbox.ServerBackend{
			Engine: &sandbox.ProcessEngine{Command: []string{"node"}, Logger: opts.Logger},
			Logger: opts.Logger,
		}
	}

	o := &Orchestrator{
		opts:       opts,
		logger:     logger,
		appDir:     opts.abs(opts.AppDir),
		publicDir:  opts.abs(opts.PublicDir),
		clientDir:  opts.abs(opts.ClientDir),
		bundlePath: opts.abs(opts.BundlePath),
		pipeline:   pipeline.NewCoordinator(pipeline.WithLogger(opts.Logger)),
		fatal:      make(chan error, 1),
	}
	runtimeOpts := []worker.Option{worker.WithLogger(opts.Logger)}
	if opts.SourceMaps != nil {
		runtimeOpts = append(runtimeOpts, worker.WithSourceMaps(opts.SourceMaps))
	}
	o.runtime = worker.NewManager(backend, runtimeOpts...)
	if opts.LiveReload {
		o.live = livereload.NewCoordinator(livereload.WithLogger(opts.Logger))
		o.liveServer = livereload.NewServer(opts.Logger)
	}
	o.bundler = bundler.New(opts.Build, o.pipeline, o, opts.Logger)
	return o
}

// Run prepares the session, starts watching, and blocks until ctx ends or
// a fatal error occurs. The session is closed before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.run(ctx)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultCloseTimeout)
	defer cancel()
	o.Close(closeCtx)
	return err
}

func (o *Orchestrator) run(ctx context.Context) error {
	set, err := o.opts.Env.Resolve(ctx)
	if err != nil {
		return err
	}
	o.setEnv(set)

	if err := o.copyPublic(); err != nil {
		o.logger.Warn("failed to copy public files", "error", err.Error())
	}

	if o.opts.Tunnel != nil {
		local := "http://" + net.JoinHostPort(o.host(), strconv.Itoa(o.opts.Port))
		tunnel, err := o.opts.Tunnel.Open(ctx, local)
		if err != nil {
			return fmt.Errorf("open tunnel: %w", err)
		}
		o.mu.Lock()
		o.tunnel = tunnel
		o.mu.Unlock()
	}

	if len(o.opts.CodegenCommand) > 0 {
		proc, err := codegen.Spawn(ctx, codegen.Options{
			Command:    o.opts.CodegenCommand,
			Root:       o.opts.Root,
			ConfigPath: o.opts.CodegenConfig,
			Logger:     o.opts.Logger,
		})
		if err != nil {
			return err
		}
		proc.OnExit(func(err error) {
			if err != nil {
				o.fail(fmt.Errorf("codegen process exited: %w; try restarting the dev server", err))
			}
		})
		o.mu.Lock()
		o.codegen = proc
		o.mu.Unlock()
	}

	session, err := o.bundler.Watch(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.session = session
	o.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil
	case err := <-o.fatal:
		return err
	}
}

// OnBuildStart implements bundler.Hooks.
func (o *Orchestrator) OnBuildStart(ctx context.Context) {
	if o.live == nil {
		return
	}
	routes, err := livereload.ScanRoutes(o.appDir)
	if err != nil {
		o.logger.Warn("route scan failed", "error", err.Error())
		return
	}
	o.live.OnBuildStart(ctx, livereload.BuildContext{AppDir: o.appDir, Routes: routes})
}

// OnBuildManifest implements bundler.Hooks.
func (o *Orchestrator) OnBuildManifest(m *livereload.Manifest) {
	if o.live != nil {
		o.live.OnBuildManifest(m)
	}
}

// OnBuildFinish implements bundler.Hooks. The first successful build
// starts the runtime; later ones reload it.
func (o *Orchestrator) OnBuildFinish(ctx context.Context, res pipeline.CycleResult) {
	if err := res.Err(); err != nil {
		if errors.Is(err, errors.ErrCoordinatorClosed) || errors.Is(err, context.Canceled) {
			return
		}
		o.report(err)
		return
	}
	if !res.OK() {
		return
	}

	h := o.Handle()
	if h == nil {
		o.start(ctx)
		return
	}
	if err := o.runtime.Reload(ctx, h, nil); err != nil {
		o.report(err)
		return
	}
	if o.live != nil {
		d := o.live.OnAppReady(ctx)
		n := o.liveServer.Broadcast(d)
		o.logger.Info("browsers notified", "decision", d.Kind.String(), "clients", n, "cycle", res.ID)
	}
}

func (o *Orchestrator) start(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := os.Stat(o.bundlePath); errors.Is(err, fs.ErrNotExist) {
		o.fail(errors.NewRuntimeStartError(
			"the runtime cannot start because the server bundle has not been generated",
			errors.ErrBundleMissing,
		).WithBundlePath(o.bundlePath))
		return
	}

	set, err := o.currentEnv(ctx)
	if err != nil {
		o.fail(err)
		return
	}

	cfg := worker.Config{
		Root:          o.opts.Root,
		BundlePath:    o.bundlePath,
		AssetsDir:     o.clientDir,
		Env:           set.All(),
		Host:          o.host(),
		Port:          o.opts.Port,
		InspectorPort: o.opts.InspectorPort,
	}
	if o.liveServer != nil {
		cfg.LiveReload = o.liveServer
	}
	o.mu.Lock()
	if o.tunnel != nil {
		cfg.TunnelDomains = o.tunnel.Domains()
		cfg.PublicHost = o.tunnel.Host()
	}
	o.mu.Unlock()

	h, err := o.runtime.Start(ctx, cfg)
	if err != nil {
		o.fail(err)
		return
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = o.runtime.Close(ctx, h)
		return
	}
	o.handle = h
	o.mu.Unlock()

	if o.live != nil {
		o.live.OnAppReady(ctx)
	}
	printBanner(o.opts.Out, bannerInfo{
		AppURL:     o.URL(),
		Inspector:  h.InspectorAt(),
		LiveReload: o.live != nil,
	})
}

// OnFileChanged implements bundler.Hooks.
func (o *Orchestrator) OnFileChanged(ctx context.Context, path string) {
	if path == o.opts.Env.EnvFile() {
		o.reloadEnv(ctx)
		return
	}
	if dst, ok := o.publicTarget(path); ok {
		if err := copyFile(path, dst); err != nil {
			o.logger.Warn("failed to copy public file", "path", path, "error", err.Error())
		}
	}
}

// OnFileDeleted implements bundler.Hooks.
func (o *Orchestrator) OnFileDeleted(ctx context.Context, path string) {
	if path == o.opts.Env.EnvFile() {
		o.reloadEnv(ctx)
		return
	}
	if dst, ok := o.publicTarget(path); ok {
		if err := os.RemoveAll(dst); err != nil {
			o.logger.Warn("failed to remove public file", "path", dst, "error", err.Error())
		}
	}
}

func (o *Orchestrator) reloadEnv(ctx context.Context) {
	err := o.Reload(ctx, ReloadRequest{Env: true})
	if err != nil && !errors.Is(err, errors.ErrRuntimeNotRunning) {
		o.report(err)
	}
}

// Reload reloads the running runtime with the current bundle. With
// req.Env the variables are resolved again, listed, and bound; otherwise
// the bound variables are kept. Browsers are told to reload after an
// environment change.
func (o *Orchestrator) Reload(ctx context.Context, req ReloadRequest) error {
	var patch *worker.Patch
	if req.Env {
		set, err := o.opts.Env.Resolve(ctx)
		if err != nil {
			return err
		}
		o.setEnv(set)
		patch = &worker.Patch{Env: set.All()}
	}

	h := o.Handle()
	if h == nil {
		return errors.ErrRuntimeNotRunning
	}
	if err := o.runtime.Reload(ctx, h, patch); err != nil {
		return err
	}
	if req.Env && o.liveServer != nil {
		o.liveServer.Broadcast(livereload.Decision{
			Kind:   livereload.DecisionFullReload,
			Reason: "environment variables changed",
		})
	}
	return nil
}

// Close tears down codegen, the watcher, the runtime and the tunnel
// concurrently. Failures are logged and never returned. Close is
// idempotent.
func (o *Orchestrator) Close(ctx context.Context) {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		proc, session, h, tunnel := o.codegen, o.session, o.handle, o.tunnel
		o.mu.Unlock()

		p := pool.New()
		dispose := func(resource string, fn func() error) {
			p.Go(func() {
				if err := fn(); err != nil {
					o.logger.Warn("disposal failed", "error", errors.NewDisposalError(resource, err).Error())
				}
			})
		}

		if proc != nil {
			proc.RemoveListeners()
			dispose("codegen", func() error { return proc.Stop(ctx) })
		}
		if session != nil {
			dispose("watcher", session.Close)
		}
		if h != nil {
			dispose("runtime", func() error { return o.runtime.Close(ctx, h) })
		}
		if tunnel != nil {
			dispose("tunnel", func() error { return tunnel.Close(ctx) })
		}
		if o.liveServer != nil {
			dispose("live reload", o.liveServer.Close)
		}
		dispose("build pipeline", func() error { return o.pipeline.Close(ctx) })
		p.Wait()

		o.logger.Info("dev server closed")
	})
}

// URL is where the app is served: the tunnel host when one is open,
// otherwise the local origin. It is empty before the runtime starts.
func (o *Orchestrator) URL() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tunnel != nil {
		return "https://" + o.tunnel.Host()
	}
	if o.handle != nil {
		return o.handle.ListeningAt()
	}
	return ""
}

// Handle returns the running runtime, or nil.
func (o *Orchestrator) Handle() *worker.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle
}

// Bus returns the request event bus of the runtime.
func (o *Orchestrator) Bus() *event.Bus { return o.runtime.Bus() }

func (o *Orchestrator) host() string {
	if o.opts.Host == "" {
		return "localhost"
	}
	return o.opts.Host
}

func (o *Orchestrator) setEnv(set *envvars.Set) {
	if err := set.Log(o.opts.Out); err != nil {
		o.logger.Warn("failed to list environment variables", "error", err.Error())
	}
	o.mu.Lock()
	o.env = set
	o.mu.Unlock()
}

func (o *Orchestrator) currentEnv(ctx context.Context) (*envvars.Set, error) {
	o.mu.Lock()
	set := o.env
	o.mu.Unlock()
	if set != nil {
		return set, nil
	}
	set, err := o.opts.Env.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	o.setEnv(set)
	return set, nil
}

// report surfaces a failure that leaves the previous runtime serving.
func (o *Orchestrator) report(err error) {
	o.logger.Report("previous runtime kept serving", err)
	if o.opts.OnError != nil {
		o.opts.OnError(err)
	}
}

// fail ends Run with err. Only the first fatal error is kept.
func (o *Orchestrator) fail(err error) {
	o.logger.Report("fatal", err)
	select {
	case o.fatal <- err:
	default:
	}
}
