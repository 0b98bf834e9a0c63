// Package bundler runs the project's client and server builds as pipeline
// cycles and rebuilds when sources change.
package bundler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/oxyrun/internal/livereload"
	"github.com/Iron-Ham/oxyrun/internal/logging"
	"github.com/Iron-Ham/oxyrun/internal/pipeline"
	"github.com/Iron-Ham/oxyrun/internal/watcher"
)

// stopGrace is how long a build command has to exit after SIGINT.
const stopGrace = 500 * time.Millisecond

// stderrTail bounds the build output quoted in errors.
const stderrTail = 20

// Hooks receive build and file notifications.
type Hooks interface {
	OnBuildStart(ctx context.Context)
	OnBuildManifest(m *livereload.Manifest)
	OnBuildFinish(ctx context.Context, res pipeline.CycleResult)
	OnFileChanged(ctx context.Context, path string)
	OnFileDeleted(ctx context.Context, path string)
}

// NopHooks ignores every notification.
type NopHooks struct{}

func (NopHooks) OnBuildStart(context.Context) {}
func (NopHooks) OnBuildManifest(*livereload.Manifest) {}
func (NopHooks) OnBuildFinish(context.Context, pipeline.CycleResult) {}
func (NopHooks) OnFileChanged(context.Context, string) {}
func (NopHooks) OnFileDeleted(context.Context, string) {}

// Config describes the project build.
type Config struct {
	Root string
	// ClientCommand and ServerCommand run with Root as working directory.
	// An empty command succeeds without doing anything.
	ClientCommand []string
	ServerCommand []string
	// ManifestPath is the assets manifest written by the client build.
	ManifestPath string
	// SourceDirs are the directories whose changes trigger a rebuild.
	SourceDirs []string
	// Ignore replaces the watcher's default ignore patterns when set.
	Ignore   []string
	Env      []string
	Stdout   io.Writer
	Stderr   io.Writer
	Debounce time.Duration
}

func (c Config) abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// ExecBundler runs build commands through a pipeline coordinator.
type ExecBundler struct {
	cfg    Config
	coord  *pipeline.Coordinator
	hooks  Hooks
	logger *logging.Logger

	// buildMu serializes cycles.
	buildMu sync.Mutex
}

// New creates a bundler. A nil hooks is replaced by NopHooks.
func New(cfg Config, coord *pipeline.Coordinator, hooks Hooks, logger *logging.Logger) *ExecBundler {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if len(cfg.SourceDirs) == 0 {
		cfg.SourceDirs = []string{"app"}
	}
	return &ExecBundler{cfg: cfg, coord: coord, hooks: hooks, logger: logger.WithComponent("bundler")}
}

// Build runs one cycle: the client build, then the server build once the
// client succeeded.
func (b *ExecBundler) Build(ctx context.Context) pipeline.CycleResult {
	b.buildMu.Lock()
	defer b.buildMu.Unlock()

	start := time.Now()
	b.hooks.OnBuildStart(ctx)
	res := b.coord.RunCycle(ctx, pipeline.BuilderFuncs{
		Client: b.buildClient,
		Server: func(ctx context.Context) error { return b.run(ctx, "server", b.cfg.ServerCommand) },
	})

	logger := b.logger.WithCycle(res.ID)
	if err := res.Err(); err != nil {
		logger.Warn("build failed", "error", err.Error(), "duration_ms", time.Since(start).Milliseconds())
	} else {
		logger.Info("build finished", "duration_ms", time.Since(start).Milliseconds())
	}
	b.hooks.OnBuildFinish(ctx, res)
	return res
}

func (b *ExecBundler) buildClient(ctx context.Context) error {
	if err := b.run(ctx, "client", b.cfg.ClientCommand); err != nil {
		return err
	}
	if b.cfg.ManifestPath == "" {
		return nil
	}
	m, err := livereload.ReadManifest(b.cfg.abs(b.cfg.ManifestPath))
	if err != nil {
		b.logger.Warn("assets manifest unavailable", "error", err.Error())
		return nil
	}
	b.hooks.OnBuildManifest(m)
	return nil
}

func (b *ExecBundler) run(ctx context.Context, stage string, command []string) error {
	if len(command) == 0 {
		return nil
	}

	var tail bytes.Buffer
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = b.cfg.Root
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	cmd.Stdout = b.cfg.Stdout
	cmd.Stderr = &tail
	if b.cfg.Stderr != nil {
		cmd.Stderr = io.MultiWriter(b.cfg.Stderr, &tail)
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGrace

	b.logger.Debug("running build command", "stage", stage, "command", strings.Join(command, " "))
	if err := cmd.Run(); err != nil {
		if out := lastLines(tail.String(), stderrTail); out != "" {
			return fmt.Errorf("%s build: %w\n%s", stage, err, out)
		}
		return fmt.Errorf("%s build: %w", stage, err)
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// isSource reports whether a change to path needs a rebuild.
func (b *ExecBundler) isSource(path string) bool {
	for _, dir := range b.cfg.SourceDirs {
		rel, err := filepath.Rel(b.cfg.abs(dir), path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Session is a running watch. Close stops it.
type Session struct {
	watcher   *watcher.Watcher
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// Close stops the watcher and waits for the build loop to exit.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		werr := s.watcher.Close()
		err := s.group.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.closeErr = errors.Join(werr, err)
	})
	return s.closeErr
}

// Watch runs an initial build, then rebuilds after every batch of source
// changes until the session is closed or ctx ends. Every change is also
// reported to the file hooks.
func (b *ExecBundler) Watch(ctx context.Context) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	changes := make(chan []watcher.Change, 16)

	opts := []watcher.Option{watcher.WithLogger(b.logger)}
	if len(b.cfg.Ignore) > 0 {
		opts = append(opts, watcher.WithIgnore(b.cfg.Ignore...))
	}
	if b.cfg.Debounce > 0 {
		opts = append(opts, watcher.WithDebounce(b.cfg.Debounce))
	}
	w, err := watcher.New(b.cfg.Root, func(batch []watcher.Change) {
		select {
		case changes <- batch:
		case <-ctx.Done():
		}
	}, opts...)
	if err != nil {
		cancel()
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.Build(gctx)
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case batch := <-changes:
				if b.dispatch(gctx, batch) {
					b.Build(gctx)
				}
			}
		}
	})

	return &Session{watcher: w, cancel: cancel, group: g}, nil
}

// dispatch reports a batch to the file hooks and tells whether it touched
// a source directory.
func (b *ExecBundler) dispatch(ctx context.Context, batch []watcher.Change) bool {
	rebuild := false
	for _, ch := range batch {
		if ch.Op == watcher.OpDelete {
			b.hooks.OnFileDeleted(ctx, ch.Path)
		} else {
			b.hooks.OnFileChanged(ctx, ch.Path)
		}
		if b.isSource(ch.Path) {
			rebuild = true
		}
	}
	return rebuild
}
