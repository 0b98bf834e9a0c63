package dev

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/oxyrun/internal/bundler"
	"github.com/Iron-Ham/oxyrun/internal/deferred"
	"github.com/Iron-Ham/oxyrun/internal/errors"
	"github.com/Iron-Ham/oxyrun/internal/livereload"
	"github.com/Iron-Ham/oxyrun/internal/pipeline"
	"github.com/Iron-Ham/oxyrun/internal/sandbox"
	"github.com/Iron-Ham/oxyrun/internal/worker"
)

// bundleEngine answers with the server bundle it was loaded with, or with
// a binding when asked for one.
type bundleEngine struct{}

func (bundleEngine) Load(_ context.Context, req sandbox.LoadRequest) (http.Handler, error) {
	contents := string(req.Spec.Modules[0].Contents)
	bindings := req.Env.Bindings
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.URL.Query().Get("env"); key != "" {
			_, _ = io.WriteString(w, bindings[key])
			return
		}
		_, _ = io.WriteString(w, contents)
	}), nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	o      *Orchestrator
	root   string
	out    *syncBuffer
	errsMu sync.Mutex
	errs   []error
}

func (f *fixture) reported() []error {
	f.errsMu.Lock()
	defer f.errsMu.Unlock()
	return append([]error(nil), f.errs...)
}

func (f *fixture) path(rel string) string {
	return filepath.Join(f.root, filepath.FromSlash(rel))
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

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{root: t.TempDir(), out: &syncBuffer{}}
	writeFile(t, f.path(".env"), "GREETING=hello\n")

	opts := Options{
		Root:    f.root,
		Host:    "127.0.0.1",
		Backend: &sandbox.ServerBackend{Engine: bundleEngine{}},
		Out:     f.out,
		OnError: func(err error) {
			f.errsMu.Lock()
			f.errs = append(f.errs, err)
			f.errsMu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.o = New(opts)
	t.Cleanup(func() { f.o.Close(context.Background()) })
	return f
}

var okCycle = pipeline.CycleResult{
	ID:     1,
	Client: pipeline.StageResult{State: deferred.Resolved},
	Server: pipeline.StageResult{State: deferred.Resolved},
}

var clientFailure = pipeline.CycleResult{
	ID:     2,
	Client: pipeline.StageResult{State: deferred.Rejected, Err: errors.NewCompileError(errors.StageClient, errors.New("unexpected token"))},
	Server: pipeline.StageResult{State: deferred.Rejected, Err: errors.ErrCycleSuperseded, Skipped: true},
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestOrchestrator_StartThenReload(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	writeFile(t, f.path(DefaultBundlePath), "A")
	f.o.OnBuildFinish(ctx, okCycle)

	h := f.o.Handle()
	if h == nil {
		t.Fatal("runtime not started after the first build")
	}
	origin := h.ListeningAt()
	if got := get(t, origin+"/"); got != "A" {
		t.Errorf("body = %q, want A", got)
	}
	if !strings.Contains(f.out.String(), origin) {
		t.Errorf("banner does not show %s:\n%s", origin, f.out.String())
	}
	if !strings.Contains(f.out.String(), "GREETING") {
		t.Errorf("variables were not listed:\n%s", f.out.String())
	}

	writeFile(t, f.path(DefaultBundlePath), "B")
	f.o.OnBuildFinish(ctx, okCycle)

	if f.o.Handle() != h {
		t.Error("a later build replaced the handle")
	}
	if got := get(t, origin+"/"); got != "B" {
		t.Errorf("body after rebuild = %q, want B", got)
	}
	if got := get(t, origin+"/?env=GREETING"); got != "hello" {
		t.Errorf("GREETING after rebuild = %q, want hello", got)
	}
	if len(f.reported()) != 0 {
		t.Errorf("unexpected errors: %v", f.reported())
	}
}

func TestOrchestrator_ClientFailure(t *testing.T) {
	tests := []struct {
		name    string
		running bool
	}{
		{"before the first start", false},
		{"with a running runtime", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			writeFile(t, f.path(DefaultBundlePath), "A")
			if tt.running {
				f.o.OnBuildFinish(ctx, okCycle)
			}
			writeFile(t, f.path(DefaultBundlePath), "B")

			f.o.OnBuildFinish(ctx, clientFailure)

			errs := f.reported()
			if len(errs) != 1 {
				t.Fatalf("reported %d errors, want 1: %v", len(errs), errs)
			}
			if !errors.Is(errs[0], errors.ErrClientBuildFailed) {
				t.Errorf("reported %v, want a client build failure", errs[0])
			}

			h := f.o.Handle()
			if !tt.running {
				if h != nil {
					t.Error("runtime started after a failed build")
				}
				return
			}
			if got := get(t, h.ListeningAt()+"/"); got != "A" {
				t.Errorf("body = %q, want the previous bundle A", got)
			}
		})
	}
}

func TestOrchestrator_MissingBundleIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.o.OnBuildFinish(context.Background(), okCycle)

	select {
	case err := <-f.o.fatal:
		if !errors.Is(err, errors.ErrBundleMissing) {
			t.Errorf("fatal error = %v, want ErrBundleMissing", err)
		}
		if !strings.Contains(err.Error(), "has not been generated") {
			t.Errorf("fatal error = %v", err)
		}
	default:
		t.Fatal("no fatal error reported")
	}
	if f.o.Handle() != nil {
		t.Error("runtime started without a bundle")
	}
}

func TestOrchestrator_EnvFileChange(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	writeFile(t, f.path(DefaultBundlePath), "A")
	f.o.OnBuildFinish(ctx, okCycle)
	origin := f.o.Handle().ListeningAt()

	writeFile(t, f.path(".env"), "GREETING=bye\n")
	f.o.OnFileChanged(ctx, f.path(".env"))
	if got := get(t, origin+"/?env=GREETING"); got != "bye" {
		t.Errorf("GREETING = %q, want bye", got)
	}

	if err := f.o.Reload(ctx, ReloadRequest{}); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := get(t, origin+"/?env=GREETING"); got != "bye" {
		t.Errorf("GREETING after plain reload = %q, want bye", got)
	}

	if err := os.Remove(f.path(".env")); err != nil {
		t.Fatal(err)
	}
	f.o.OnFileDeleted(ctx, f.path(".env"))
	if got := get(t, origin+"/?env=GREETING"); got != "" {
		t.Errorf("GREETING after deleting .env = %q, want empty", got)
	}
}

func TestOrchestrator_ReloadWithoutRuntime(t *testing.T) {
	f := newFixture(t, nil)
	err := f.o.Reload(context.Background(), ReloadRequest{Env: true})
	if !errors.Is(err, errors.ErrRuntimeNotRunning) {
		t.Errorf("Reload() error = %v, want ErrRuntimeNotRunning", err)
	}
}

func TestOrchestrator_PublicMirroring(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	writeFile(t, f.path("public/images/logo.svg"), "<svg/>")
	if err := f.o.copyPublic(); err != nil {
		t.Fatalf("copyPublic() error = %v", err)
	}
	if data, err := os.ReadFile(f.path("dist/client/images/logo.svg")); err != nil || string(data) != "<svg/>" {
		t.Errorf("initial copy = %q, %v", data, err)
	}

	writeFile(t, f.path("public/robots.txt"), "User-agent: *")
	f.o.OnFileChanged(ctx, f.path("public/robots.txt"))
	if data, err := os.ReadFile(f.path("dist/client/robots.txt")); err != nil || string(data) != "User-agent: *" {
		t.Errorf("copied robots.txt = %q, %v", data, err)
	}

	if err := os.Remove(f.path("public/robots.txt")); err != nil {
		t.Fatal(err)
	}
	f.o.OnFileDeleted(ctx, f.path("public/robots.txt"))
	if _, err := os.Stat(f.path("dist/client/robots.txt")); !os.IsNotExist(err) {
		t.Errorf("robots.txt still mirrored: %v", err)
	}

	writeFile(t, f.path("app/root.tsx"), "export default 1")
	f.o.OnFileChanged(ctx, f.path("app/root.tsx"))
	if _, err := os.Stat(f.path("dist/client/root.tsx")); !os.IsNotExist(err) {
		t.Error("a source file was mirrored")
	}
}

func TestOrchestrator_CopyPublicWithoutDir(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.o.copyPublic(); err != nil {
		t.Errorf("copyPublic() without a public dir: %v", err)
	}
}

func TestOrchestrator_CloseIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	writeFile(t, f.path(DefaultBundlePath), "A")
	f.o.OnBuildFinish(ctx, okCycle)
	h := f.o.Handle()

	done := make(chan struct{})
	go func() {
		f.o.Close(ctx)
		f.o.Close(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return")
	}

	if h.State() != worker.StateClosed {
		t.Errorf("handle state = %v, want closed", h.State())
	}
	if _, err := http.Get(h.ListeningAt() + "/"); err == nil {
		t.Error("runtime still serving after Close")
	}
}

func TestOrchestrator_LiveReload(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.LiveReload = true })
	ctx := context.Background()

	manifest := func(module string) *livereload.Manifest {
		return &livereload.Manifest{
			Version: module,
			Routes: map[string]livereload.ManifestRoute{
				"root": {ID: "root", Module: module},
			},
		}
	}

	writeFile(t, f.path(DefaultBundlePath), "A")
	f.o.OnBuildStart(ctx)
	f.o.OnBuildManifest(manifest("/assets/root-1.js"))
	f.o.OnBuildFinish(ctx, okCycle)

	origin := f.o.Handle().ListeningAt()
	wsURL := "ws" + strings.TrimPrefix(origin, "http") + worker.LiveReloadPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial live reload: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for f.o.liveServer.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("browser never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.o.OnBuildStart(ctx)
	f.o.OnBuildManifest(manifest("/assets/root-2.js"))
	f.o.OnBuildFinish(ctx, okCycle)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"type":"HMR"`) || !strings.Contains(string(msg), "root-2.js") {
		t.Errorf("message = %s, want an HMR patch for root-2.js", msg)
	}

	writeFile(t, f.path(".env"), "GREETING=bye\n")
	if err := f.o.Reload(ctx, ReloadRequest{Env: true}); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"type":"RELOAD"}` {
		t.Errorf("message after env reload = %s", msg)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOrchestrator_Run(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.LiveReload = true
		o.Tunnel = StaticTunnel{PublicHost: "shop.example.com"}
		o.Build = bundler.Config{
			ServerCommand: []string{"sh", "-c", "mkdir -p dist/server && printf A > dist/server/index.js"},
		}
	})
	writeFile(t, f.path("public/favicon.ico"), "icon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.o.Run(ctx) }()

	waitFor(t, "runtime start", func() bool { return f.o.Handle() != nil })
	h := f.o.Handle()

	if got := f.o.URL(); got != "https://shop.example.com" {
		t.Errorf("URL() = %q, want the tunnel host", got)
	}
	if got := get(t, h.ListeningAt()+"/"); got != "A" {
		t.Errorf("body = %q, want A", got)
	}
	if got := get(t, h.ListeningAt()+"/favicon.ico"); got != "icon" {
		t.Errorf("favicon = %q, want the mirrored public file", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if h.State() != worker.StateClosed {
		t.Errorf("handle state = %v after Run returned", h.State())
	}
}

func TestOrchestrator_RunStopsOnCodegenExit(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.CodegenCommand = []string{"sh", "-c", "echo 'schema.graphql: not found' >&2; exit 3"}
	})
	writeFile(t, f.path(DefaultBundlePath), "A")

	done := make(chan error, 1)
	go func() { done <- f.o.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "codegen") {
			t.Errorf("Run() error = %v, want a codegen failure", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not stop after codegen exited")
	}
}

func TestStaticTunnel(t *testing.T) {
	tests := []struct {
		name    string
		tunnel  StaticTunnel
		domains []string
		wantErr bool
	}{
		{"host only", StaticTunnel{PublicHost: "shop.example.com"}, []string{"shop.example.com"}, false},
		{"patterns", StaticTunnel{PublicHost: "a.trycloudflare.com", Patterns: []string{"*.trycloudflare.com"}}, []string{"*.trycloudflare.com"}, false},
		{"empty host", StaticTunnel{PublicHost: "  "}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := tt.tunnel.Open(context.Background(), "http://localhost:3000")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if strings.Join(s.Domains(), ",") != strings.Join(tt.domains, ",") {
				t.Errorf("Domains() = %v, want %v", s.Domains(), tt.domains)
			}
			if err := s.Close(context.Background()); err != nil {
				t.Errorf("Close() error = %v", err)
			}
		})
	}
}

func TestRenderBanner(t *testing.T) {
	var buf bytes.Buffer
	out := renderBanner(&buf, bannerInfo{
		AppURL:     "http://localhost:3000",
		Inspector:  "ws://localhost:9229",
		LiveReload: true,
	})
	for _, want := range []string{
		"http://localhost:3000",
		"http://localhost:3000/debug-network-server",
		"ws://localhost:9229",
		"Live reload enabled",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q:\n%s", want, out)
		}
	}
}
