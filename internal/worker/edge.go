package worker

import (
	"fmt"
	"maps"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/Iron-Ham/oxyrun/internal/event"
	"github.com/Iron-Ham/oxyrun/internal/logging"
	"github.com/Iron-Ham/oxyrun/internal/sandbox"
)

// Service binding names of the edge worker.
const (
	bindApp        = "hydrogen"
	bindAssets     = "assets"
	bindDebug      = "debugNetwork"
	bindLiveReload = "liveReload"
)

// staticAssetExtensions are upper-case file extensions that GET requests
// try against the asset directory before reaching the app.
var staticAssetExtensions = toSet(
	"7Z", "AVI", "AVIF", "APK", "BIN", "BMP", "BZ2", "CLASS", "CSS", "CSV",
	"DMG", "DOC", "DOCX", "EJS", "EOT", "EPS", "EXE", "FLAC", "GIF", "GZ",
	"ICO", "ISO", "JAR", "JPEG", "JPG", "JS", "MAP", "MID", "MIDI", "MKV",
	"MP3", "MP4", "OGG", "OTF", "PDF", "PICT", "PLS", "PNG", "PPT", "PPTX",
	"PS", "RAR", "SVG", "SVGZ", "SWF", "TAR", "TIF", "TIFF", "TTF", "TXT",
	"WASM", "WEBM", "WEBP", "WOFF", "WOFF2", "XLS", "XLSX", "XML", "ZIP", "ZST",
)

// oxygenHeaders are the defaults production injects on every request.
var oxygenHeaders = map[string]string{
	"oxygen-buyer-ip":            "127.0.0.1",
	"oxygen-buyer-country":       "CA",
	"oxygen-buyer-continent":     "NA",
	"oxygen-buyer-region":        "Ontario",
	"oxygen-buyer-region-code":   "ON",
	"oxygen-buyer-city":          "Ottawa",
	"oxygen-buyer-postal-code":   "K1P 1J1",
	"oxygen-buyer-latitude":      "45.4215",
	"oxygen-buyer-longitude":     "-75.6972",
	"oxygen-buyer-timezone":      "America/Toronto",
	"oxygen-buyer-is-eu-country": "",
}

func toSet(items ...string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}

// edge is the entry worker. It rebrands tunnel hosts, serves the debug
// network stream, tries static assets, and forwards everything else to the
// app with a request id and the oxygen headers.
type edge struct {
	app        http.Handler
	assets     http.Handler
	debug      http.Handler
	liveReload http.Handler
	tunnels    []glob.Glob
	publicHost string
	logger     *logging.Logger
}

func edgeSpec(cfg Config, logger *logging.Logger) (sandbox.WorkerSpec, error) {
	tunnels := make([]glob.Glob, 0, len(cfg.TunnelDomains))
	for _, pattern := range cfg.TunnelDomains {
		g, err := glob.Compile(strings.ToLower(pattern), '.')
		if err != nil {
			return sandbox.WorkerSpec{}, fmt.Errorf("tunnel domain %q: %w", pattern, err)
		}
		tunnels = append(tunnels, g)
	}

	services := map[string]sandbox.Service{
		bindApp:   {Worker: AppWorker},
		bindDebug: {Worker: ProfilerWorker},
	}
	if dir := cfg.assetsDir(); dir != "" {
		services[bindAssets] = sandbox.Service{Handler: http.FileServer(assetDir{http.Dir(dir)})}
	}
	if cfg.LiveReload != nil {
		services[bindLiveReload] = sandbox.Service{Handler: cfg.LiveReload}
	}

	return sandbox.WorkerSpec{
		Name:     EdgeWorker,
		Services: services,
		Native: func(env sandbox.Env) (http.Handler, error) {
			return &edge{
				app:        env.Services[bindApp],
				assets:     env.Services[bindAssets],
				debug:      env.Services[bindDebug],
				liveReload: env.Services[bindLiveReload],
				tunnels:    tunnels,
				publicHost: cfg.PublicHost,
				logger:     logger,
			}, nil
		},
	}, nil
}

func (e *edge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.rebrand(r)

	switch {
	case r.URL.Path == event.DebugNetworkPath:
		e.debug.ServeHTTP(w, r)
		return
	case e.liveReload != nil && r.URL.Path == LiveReloadPath:
		e.liveReload.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && e.assets != nil && isAsset(r.URL.Path) {
		aw := &assetWriter{dst: w, header: http.Header{}}
		e.assets.ServeHTTP(aw, r)
		if aw.status != http.StatusNotFound {
			return
		}
	}

	if r.Header.Get("request-id") == "" {
		r.Header.Set("request-id", uuid.NewString())
	}
	for name, value := range oxygenHeaders {
		if r.Header.Get(name) == "" {
			r.Header.Set(name, value)
		}
	}

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	e.app.ServeHTTP(sw, r)

	e.logger.Info("request",
		"method", r.Method,
		"path", r.URL.RequestURI(),
		"status", sw.Status(),
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", r.Header.Get("request-id"))
}

// rebrand points requests that arrived through a tunnel domain at the
// public host, keeping the original host in X-Forwarded-Host.
func (e *edge) rebrand(r *http.Request) {
	if e.publicHost == "" || len(e.tunnels) == 0 {
		return
	}
	host := strings.ToLower(r.Host)
	if i := strings.LastIndex(host, ":"); i > strings.LastIndex(host, "]") {
		host = host[:i]
	}
	for _, g := range e.tunnels {
		if g.Match(host) {
			r.Header.Set("X-Forwarded-Host", r.Host)
			r.Header.Set("X-Forwarded-Proto", "https")
			r.Host = e.publicHost
			r.URL.Host = e.publicHost
			return
		}
	}
}

// assetDir serves files only. Directories report as missing so they are
// never listed and the request reaches the app.
type assetDir struct {
	http.Dir
}

func (d assetDir) Open(name string) (http.File, error) {
	f, err := d.Dir.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		_ = f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}

func isAsset(p string) bool {
	if strings.HasPrefix(p, "/.well-known") {
		return true
	}
	ext := strings.TrimPrefix(path.Ext(p), ".")
	return ext != "" && staticAssetExtensions[strings.ToUpper(ext)]
}

// assetWriter forwards a response unless it is a 404, in which case
// nothing reaches dst and the request falls through to the app.
type assetWriter struct {
	dst    http.ResponseWriter
	header http.Header
	status int
}

func (a *assetWriter) Header() http.Header { return a.header }

func (a *assetWriter) WriteHeader(code int) {
	if a.status != 0 {
		return
	}
	a.status = code
	if code == http.StatusNotFound {
		return
	}
	maps.Copy(a.dst.Header(), a.header)
	a.dst.WriteHeader(code)
}

func (a *assetWriter) Write(b []byte) (int, error) {
	if a.status == 0 {
		a.WriteHeader(http.StatusOK)
	}
	if a.status == http.StatusNotFound {
		return len(b), nil
	}
	return a.dst.Write(b)
}

// statusWriter records the response status while keeping streaming intact.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Status returns the written status, 200 if the handler wrote nothing.
func (s *statusWriter) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
