// Package codegen supervises the GraphQL type generator running in watch
// mode next to the dev server.
package codegen

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/oxyrun/internal/logging"
)

// DefaultStopGrace is how long Stop waits after SIGINT before killing.
const DefaultStopGrace = 500 * time.Millisecond

// Options describe the generator process.
type Options struct {
	// Command is the generator executable and its arguments.
	Command []string
	// Root is the working directory; its path is trimmed from messages.
	Root       string
	ConfigPath string
	StopGrace  time.Duration
	Logger     *logging.Logger
}

// ExitFunc is called once when the process exits on its own. err is nil
// for a clean exit.
type ExitFunc func(err error)

// Process is a running generator.
type Process struct {
	cmd       *exec.Cmd
	root      string
	stopGrace time.Duration
	logger    *logging.Logger
	exited    chan struct{}
	exitErr   error

	mu        sync.Mutex
	listeners []ExitFunc
	stopping  bool
	notified  bool
}

// Spawn starts the generator. Its stderr is reported as warnings.
func Spawn(ctx context.Context, opts Options) (*Process, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("codegen: no command configured")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	args := append([]string{}, opts.Command[1:]...)
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	cmd := exec.Command(opts.Command[0], args...)
	cmd.Dir = opts.Root
	cmd.Stdout = io.Discard
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("codegen: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("codegen: start %s: %w", opts.Command[0], err)
	}

	p := &Process{
		cmd:       cmd,
		root:      opts.Root,
		stopGrace: opts.StopGrace,
		logger:    logger.WithComponent("codegen"),
		exited:    make(chan struct{}),
	}
	if p.stopGrace <= 0 {
		p.stopGrace = DefaultStopGrace
	}

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		p.scan(stderr)
	}()
	go func() {
		<-scanned
		p.exitErr = cmd.Wait()
		close(p.exited)
		p.notify()
	}()

	p.logger.Info("codegen started", "pid", cmd.Process.Pid)
	return p, nil
}

// scan reports each stderr line with the project root trimmed.
func (p *Process) scan(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if p.root != "" {
			line = strings.ReplaceAll(line, p.root+string(os.PathSeparator), "")
		}
		p.logger.Warn("codegen", "message", line)
	}
}

func (p *Process) notify() {
	p.mu.Lock()
	listeners := p.listeners
	p.listeners = nil
	p.notified = true
	stopping := p.stopping
	p.mu.Unlock()

	if stopping {
		return
	}
	if p.exitErr != nil {
		p.logger.Error("codegen exited", "error", p.exitErr.Error())
	}
	for _, fn := range listeners {
		fn(p.exitErr)
	}
}

// OnExit registers fn for an exit that Stop did not cause. If the process
// has already exited that way, fn is called immediately.
func (p *Process) OnExit(fn ExitFunc) {
	p.mu.Lock()
	if !p.notified {
		p.listeners = append(p.listeners, fn)
		p.mu.Unlock()
		return
	}
	stopping := p.stopping
	p.mu.Unlock()
	if !stopping {
		fn(p.exitErr)
	}
}

// RemoveListeners drops every OnExit listener.
func (p *Process) RemoveListeners() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = nil
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.exited }

// Stop interrupts the process and kills it if it is still running after
// the stop grace period. Listeners are not called. Stop is idempotent.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("codegen: interrupt: %w", err)
	}

	timer := time.NewTimer(p.stopGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("codegen: kill: %w", err)
	}
	<-p.exited
	return nil
}
