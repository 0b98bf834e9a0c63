package worker

import (
	"maps"
	"net/http"
	"path/filepath"

	"github.com/Iron-Ham/oxyrun/internal/errors"
)

// Worker names inside the sandbox.
const (
	EdgeWorker     = "mini-oxygen"
	AppWorker      = "hydrogen"
	ProfilerWorker = "profiler"
)

// LiveReloadPath is where the edge worker mounts Config.LiveReload.
const LiveReloadPath = "/__oxyrun/livereload"

// Config describes the runtime to start.
type Config struct {
	// Root is the project directory; relative paths resolve against it.
	Root string
	// BundlePath is the server bundle executed by the app worker.
	BundlePath string
	// AssetsDir holds the client build served for static asset requests.
	AssetsDir string
	// Env is bound into the app worker.
	Env map[string]string

	Host          string
	Port          int
	InspectorPort int

	// LiveReload, when set, is mounted by the edge worker at LiveReloadPath.
	LiveReload http.Handler

	// TunnelDomains are host globs (for example "*.trycloudflare.com").
	// Requests arriving on a matching host are rebranded to PublicHost.
	TunnelDomains []string
	PublicHost    string
}

// Patch changes a running handle on reload. A nil Env keeps the current
// bindings.
type Patch struct {
	Env map[string]string
}

func (c Config) bundlePath() string {
	if c.BundlePath == "" || filepath.IsAbs(c.BundlePath) || c.Root == "" {
		return c.BundlePath
	}
	return filepath.Join(c.Root, c.BundlePath)
}

func (c Config) assetsDir() string {
	if c.AssetsDir == "" || filepath.IsAbs(c.AssetsDir) || c.Root == "" {
		return c.AssetsDir
	}
	return filepath.Join(c.Root, c.AssetsDir)
}

func (c Config) validate() error {
	if c.BundlePath == "" {
		return errors.NewValidationError("bundle path cannot be empty").WithField("BundlePath")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.NewValidationError("port out of range").WithField("Port").WithValue(c.Port)
	}
	if c.InspectorPort < 0 || c.InspectorPort > 65535 {
		return errors.NewValidationError("inspector port out of range").WithField("InspectorPort").WithValue(c.InspectorPort)
	}
	return nil
}

func cloneEnv(env map[string]string) map[string]string {
	if env == nil {
		return map[string]string{}
	}
	return maps.Clone(env)
}
