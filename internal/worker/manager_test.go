package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Iron-Ham/oxyrun/internal/errors"
	"github.com/Iron-Ham/oxyrun/internal/event"
	"github.com/Iron-Ham/oxyrun/internal/sandbox"
)

// echoEngine stands in for a JavaScript runtime: the app answers with its
// module contents, a binding, or the request headers it received.
type echoEngine struct{}

func (echoEngine) Load(_ context.Context, req sandbox.LoadRequest) (http.Handler, error) {
	contents := string(req.Spec.Modules[0].Contents)
	bindings := req.Env.Bindings
	logEvent := req.Env.Services[event.BindingName]

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/env":
			_, _ = io.WriteString(w, bindings[r.URL.Query().Get("key")])
		case "/headers":
			_, _ = io.WriteString(w, strings.Join([]string{
				r.Header.Get("request-id"),
				r.Header.Get("oxygen-buyer-country"),
				r.Host,
				r.Header.Get("X-Forwarded-Host"),
			}, "|"))
		case "/log":
			body := `{"eventType":"request","url":"http://localhost/products","requestId":"r1","startTime":1}`
			ev := httptest.NewRequest(http.MethodPost, "http://localhost/", strings.NewReader(body))
			logEvent.ServeHTTP(httptest.NewRecorder(), ev)
			_, _ = io.WriteString(w, "logged")
		default:
			_, _ = io.WriteString(w, contents)
		}
	}), nil
}

type testRuntime struct {
	manager *Manager
	handle  *Handle
	bundle  string
	cfg     Config
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func startRuntime(t *testing.T, mutate func(*Config)) *testRuntime {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "dist", "server", "index.js"), "A")

	cfg := Config{
		Root:       root,
		BundlePath: filepath.Join("dist", "server", "index.js"),
		AssetsDir:  filepath.Join("dist", "client"),
		Env:        map[string]string{"SECRET": "s1"},
		Host:       "127.0.0.1",
	}
	if err := os.MkdirAll(filepath.Join(root, "dist", "client"), 0o755); err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m := NewManager(&sandbox.ServerBackend{Engine: echoEngine{}})
	h, err := m.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background(), h) })

	return &testRuntime{manager: m, handle: h, bundle: filepath.Join(root, cfg.BundlePath), cfg: cfg}
}

func (rt *testRuntime) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(rt.handle.ListeningAt() + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestManager_ReloadSwapsBundle(t *testing.T) {
	rt := startRuntime(t, nil)
	ctx := context.Background()

	if _, body := rt.get(t, "/"); body != "A" {
		t.Fatalf("body = %q, want A", body)
	}

	tests := []struct {
		name     string
		contents string
		patch    *Patch
		wantEnv  string
	}{
		{"nil patch keeps env", "B", nil, "s1"},
		{"patch without env keeps env", "C", &Patch{}, "s1"},
		{"env patch replaces env", "D", &Patch{Env: map[string]string{"SECRET": "s2"}}, "s2"},
		{"later nil patch keeps patched env", "E", nil, "s2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeFile(t, rt.bundle, tt.contents)
			if err := rt.manager.Reload(ctx, rt.handle, tt.patch); err != nil {
				t.Fatalf("Reload() error = %v", err)
			}
			if _, body := rt.get(t, "/"); body != tt.contents {
				t.Errorf("body = %q, want %q", body, tt.contents)
			}
			if _, env := rt.get(t, "/env?key=SECRET"); env != tt.wantEnv {
				t.Errorf("SECRET = %q, want %q", env, tt.wantEnv)
			}
			if got := string(rt.handle.ModuleContents()); got != tt.contents {
				t.Errorf("ModuleContents() = %q", got)
			}
			if got := rt.handle.Bindings()["SECRET"]; got != tt.wantEnv {
				t.Errorf("Bindings()[SECRET] = %q", got)
			}
		})
	}
}

func TestManager_ReloadMissingBundleKeepsServing(t *testing.T) {
	rt := startRuntime(t, nil)

	if err := os.Remove(rt.bundle); err != nil {
		t.Fatal(err)
	}
	err := rt.manager.Reload(context.Background(), rt.handle, nil)
	if !errors.Is(err, errors.ErrBundleMissing) {
		t.Fatalf("Reload() error = %v, want ErrBundleMissing", err)
	}
	var startErr *errors.RuntimeStartError
	if !errors.As(err, &startErr) || startErr.BundlePath != rt.bundle {
		t.Errorf("expected RuntimeStartError for %s, got %v", rt.bundle, err)
	}
	if got := errors.GetSeverity(err); got != errors.SeverityError {
		t.Errorf("GetSeverity() = %v, want %v", got, errors.SeverityError)
	}

	if _, body := rt.get(t, "/"); body != "A" {
		t.Errorf("body after failed reload = %q, want A", body)
	}
	if got := string(rt.handle.ModuleContents()); got != "A" {
		t.Errorf("ModuleContents() = %q, want A", got)
	}
}

func TestManager_StartErrors(t *testing.T) {
	t.Run("missing bundle", func(t *testing.T) {
		m := NewManager(&sandbox.ServerBackend{Engine: echoEngine{}})
		_, err := m.Start(context.Background(), Config{BundlePath: filepath.Join(t.TempDir(), "index.js"), Host: "127.0.0.1"})
		if !errors.Is(err, errors.ErrBundleMissing) {
			t.Errorf("Start() error = %v, want ErrBundleMissing", err)
		}
		if m.Active() != nil {
			t.Error("Active() should be nil after a failed start")
		}
	})

	t.Run("empty bundle path", func(t *testing.T) {
		m := NewManager(&sandbox.ServerBackend{Engine: echoEngine{}})
		if _, err := m.Start(context.Background(), Config{}); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("Start() error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("already running", func(t *testing.T) {
		rt := startRuntime(t, nil)
		if _, err := rt.manager.Start(context.Background(), rt.cfg); !errors.Is(err, errors.ErrRuntimeAlreadyRunning) {
			t.Errorf("second Start() error = %v, want ErrRuntimeAlreadyRunning", err)
		}
	})

	t.Run("nil handle", func(t *testing.T) {
		m := NewManager(&sandbox.ServerBackend{})
		if err := m.Reload(context.Background(), nil, nil); !errors.Is(err, errors.ErrRuntimeNotRunning) {
			t.Errorf("Reload(nil) error = %v", err)
		}
		if err := m.Close(context.Background(), nil); err != nil {
			t.Errorf("Close(nil) error = %v", err)
		}
	})
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	rt := startRuntime(t, nil)
	ctx := context.Background()

	var calls atomic.Int32
	rt.handle.OnClose(func(context.Context) error {
		calls.Add(1)
		return nil
	})

	if err := rt.manager.Close(ctx, rt.handle); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := rt.manager.Close(ctx, rt.handle); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("close listener ran %d times, want 1", calls.Load())
	}
	if rt.handle.State() != StateClosed {
		t.Errorf("State() = %v", rt.handle.State())
	}
	if rt.manager.Active() != nil {
		t.Error("Active() should be nil after Close")
	}
	if err := rt.manager.Reload(ctx, rt.handle, nil); !errors.Is(err, errors.ErrHandleClosed) {
		t.Errorf("Reload() after Close = %v, want ErrHandleClosed", err)
	}

	h, err := rt.manager.Start(ctx, rt.cfg)
	if err != nil {
		t.Fatalf("Start() after Close error = %v", err)
	}
	_ = rt.manager.Close(ctx, h)
}

func TestManager_CloseRunsEveryListener(t *testing.T) {
	rt := startRuntime(t, nil)

	var ran atomic.Int32
	rt.handle.OnClose(func(context.Context) error {
		ran.Add(1)
		return errors.New("tunnel stuck")
	})
	rt.handle.OnClose(func(context.Context) error {
		ran.Add(1)
		return nil
	})

	err := rt.manager.Close(context.Background(), rt.handle)
	var disposal *errors.DisposalError
	if !errors.As(err, &disposal) {
		t.Fatalf("Close() error = %v, want DisposalError", err)
	}
	if ran.Load() != 2 {
		t.Errorf("listeners ran = %d, want 2", ran.Load())
	}
	if rt.manager.Active() != nil {
		t.Error("Active() should be nil even when disposal fails")
	}
}

func TestManager_RecordsRequestEvents(t *testing.T) {
	rt := startRuntime(t, nil)
	bus := rt.manager.Bus()

	if _, body := rt.get(t, "/log"); body != "logged" {
		t.Fatalf("body = %q", body)
	}
	history := bus.History()
	if len(history) != 1 || history[0].Kind != event.KindRequest {
		t.Fatalf("History() = %+v", history)
	}

	req, _ := http.NewRequest(http.MethodDelete, rt.handle.ListeningAt()+event.DebugNetworkPath, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if n := len(bus.History()); n != 0 {
		t.Errorf("History() after DELETE has %d events", n)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateRunning, "running"},
		{StateClosed, "closed"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
