package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/oxyrun/internal/errors"
	"github.com/Iron-Ham/oxyrun/internal/logging"
)

// ProcessEngine runs each script worker as a child process speaking HTTP.
//
// The worker's modules are written to a fresh staging directory and the
// first module is passed as the last argument of Command. The process
// receives its listening port in PORT, every binding as an environment
// variable, and every service binding as <BINDING>_URL pointing at a
// loopback listener owned by the engine.
type ProcessEngine struct {
	// Command is the runtime executable and its leading arguments.
	Command []string
	// InspectArgs returns the arguments enabling the debugger on port.
	InspectArgs func(port int) []string
	// StagingDir holds module snapshots; defaults to os.TempDir().
	StagingDir   string
	StartTimeout time.Duration
	StopTimeout  time.Duration
	Stdout       io.Writer
	Stderr       io.Writer
	Logger       *logging.Logger
}

// Load implements Engine.
func (e *ProcessEngine) Load(ctx context.Context, req LoadRequest) (http.Handler, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("process engine: no command configured")
	}
	logger := e.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithWorker(req.Spec.Name)

	staging := e.StagingDir
	if staging == "" {
		staging = os.TempDir()
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	dir, err := os.MkdirTemp(staging, req.Spec.Name+"-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	w := &processWorker{dir: dir, stopTimeout: e.StopTimeout, logger: logger}
	if w.stopTimeout <= 0 {
		w.stopTimeout = 500 * time.Millisecond
	}
	fail := func(err error) (http.Handler, error) {
		_ = w.Close()
		return nil, err
	}

	entry, err := stageModules(dir, req.Spec.Modules)
	if err != nil {
		return fail(err)
	}

	serviceEnv, err := w.serveServices(req.Env.Services)
	if err != nil {
		return fail(err)
	}

	port, err := freePort()
	if err != nil {
		return fail(err)
	}

	args := append([]string{}, e.Command[1:]...)
	if req.InspectorPort > 0 && e.InspectArgs != nil {
		args = append(args, e.InspectArgs(req.InspectorPort)...)
	}
	args = append(args, entry)

	cmd := exec.Command(e.Command[0], args...)
	cmd.Dir = dir
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(port))
	for k, v := range req.Env.Bindings {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, serviceEnv...)

	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start %s: %w", e.Command[0], err))
	}
	w.cmd = cmd
	w.exited = make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(w.exited)
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	timeout := e.StartTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := waitListening(ctx, addr, timeout, w.exited); err != nil {
		return fail(err)
	}

	target := &url.URL{Scheme: "http", Host: addr}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(rw http.ResponseWriter, _ *http.Request, err error) {
		logger.Warn("worker process request failed", "error", err.Error())
		http.Error(rw, "worker unavailable", http.StatusBadGateway)
	}
	w.proxy = proxy

	logger.Debug("worker process started", "pid", cmd.Process.Pid, "addr", addr)
	return w, nil
}

type processWorker struct {
	dir         string
	cmd         *exec.Cmd
	exited      chan struct{}
	proxy       *httputil.ReverseProxy
	services    *http.Server
	stopTimeout time.Duration
	logger      *logging.Logger

	closeOnce sync.Once
}

func (w *processWorker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.proxy.ServeHTTP(rw, r)
}

// serveServices exposes each service binding under /<binding>/ on a
// loopback listener and returns the <BINDING>_URL variables.
func (w *processWorker) serveServices(services map[string]http.Handler) ([]string, error) {
	if len(services) == 0 {
		return nil, nil
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for services: %w", err)
	}

	mux := http.NewServeMux()
	var env []string
	for binding, h := range services {
		prefix := "/" + binding
		mux.Handle(prefix+"/", http.StripPrefix(prefix, h))
		env = append(env, fmt.Sprintf("%s_URL=http://%s%s", strings.ToUpper(binding), ln.Addr().String(), prefix))
	}

	w.services = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = w.services.Serve(ln) }()
	return env, nil
}

// Close interrupts the process, kills it after the stop timeout, and
// removes the staging directory.
func (w *processWorker) Close() error {
	w.closeOnce.Do(func() {
		if w.cmd != nil && w.cmd.Process != nil {
			_ = w.cmd.Process.Signal(os.Interrupt)
			select {
			case <-w.exited:
			case <-time.After(w.stopTimeout):
				_ = w.cmd.Process.Kill()
				<-w.exited
			}
		}
		if w.services != nil {
			_ = w.services.Close()
		}
		_ = os.RemoveAll(w.dir)
	})
	return nil
}

func stageModules(dir string, modules []Module) (string, error) {
	var entry string
	for i, m := range modules {
		name := filepath.Base(m.Path)
		if m.Path == "" {
			name = filepath.Base(m.ID)
		}
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, m.Contents, 0o644); err != nil {
			return "", fmt.Errorf("stage module %s: %w", m.ID, err)
		}
		if i == 0 {
			entry = p
		}
	}
	return entry, nil
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func waitListening(parent context.Context, addr string, timeout time.Duration, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-exited:
			return fmt.Errorf("worker process exited before listening on %s", addr)
		case <-ctx.Done():
			if parent.Err() == nil {
				return errors.NewTimeoutError("worker process listening on "+addr, timeout).WithCause(ctx.Err())
			}
			return fmt.Errorf("worker process not listening on %s: %w", addr, parent.Err())
		case <-ticker.C:
		}
	}
}
