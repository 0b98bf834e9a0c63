package dev

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/oxyrun/internal/bundler"
	"github.com/Iron-Ham/oxyrun/internal/envvars"
	"github.com/Iron-Ham/oxyrun/internal/event"
	"github.com/Iron-Ham/oxyrun/internal/logging"
	"github.com/Iron-Ham/oxyrun/internal/sandbox"
)

// Default project layout, relative to Options.Root.
const (
	DefaultAppDir     = "app"
	DefaultPublicDir  = "public"
	DefaultClientDir  = "dist/client"
	DefaultBundlePath = "dist/server/index.js"
)

// DefaultCloseTimeout bounds the teardown done by Run when its context ends.
const DefaultCloseTimeout = 5 * time.Second

// Options configure an Orchestrator.
type Options struct {
	Root       string
	AppDir     string
	PublicDir  string
	ClientDir  string
	BundlePath string

	Host          string
	Port          int
	InspectorPort int

	// LiveReload pushes HMR patches or reloads to connected browsers after
	// every rebuild.
	LiveReload bool

	// Build configures the bundler. Its Root defaults to Root.
	Build bundler.Config

	// CodegenCommand, when set, runs the type generator next to the server.
	CodegenCommand []string
	CodegenConfig  string

	// Env resolves the variables bound into the app worker. Defaults to a
	// resolver reading Root/.env.
	Env *envvars.Resolver
	// Backend boots the runtime sandbox.
	Backend sandbox.Backend
	// SourceMaps maps bundle positions in request event stack lines.
	SourceMaps *event.SourceMapResolver
	// Tunnel, when set, exposes the server on a public host.
	Tunnel TunnelProvider

	// Out receives the banner and the variable list. Defaults to stdout.
	Out    io.Writer
	Logger *logging.Logger
	// OnError is called once for every failed build or reload that leaves
	// the previous runtime serving.
	OnError func(error)
}

func (o Options) withDefaults() Options {
	if o.AppDir == "" {
		o.AppDir = DefaultAppDir
	}
	if o.PublicDir == "" {
		o.PublicDir = DefaultPublicDir
	}
	if o.ClientDir == "" {
		o.ClientDir = DefaultClientDir
	}
	if o.BundlePath == "" {
		o.BundlePath = DefaultBundlePath
	}
	if o.Build.Root == "" {
		o.Build.Root = o.Root
	}
	if len(o.Build.SourceDirs) == 0 {
		o.Build.SourceDirs = []string{o.AppDir}
	}
	if o.Env == nil {
		o.Env = envvars.NewResolver(o.Root, envvars.WithLogger(o.Logger))
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Logger == nil {
		o.Logger = logging.NopLogger()
	}
	return o
}

func (o Options) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(o.Root, p)
}
