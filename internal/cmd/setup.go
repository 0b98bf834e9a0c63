package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/Iron-Ham/oxyrun/internal/bundler"
	"github.com/Iron-Ham/oxyrun/internal/config"
	"github.com/Iron-Ham/oxyrun/internal/envvars"
	"github.com/Iron-Ham/oxyrun/internal/logging"
)

// project is the loaded configuration of the project a command runs on.
type project struct {
	cfg    *config.Config
	root   string
	logger *logging.Logger
}

// resolveProject loads the configuration without opening the log file.
func resolveProject() (*project, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	root, err := cfg.Project.ResolveRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	return &project{cfg: cfg, root: root, logger: logging.NopLogger()}, nil
}

func loadProject() (*project, error) {
	p, err := resolveProject()
	if err != nil {
		return nil, err
	}
	if p.cfg.Logging.Enabled {
		p.logger, err = logging.NewLogger(p.logDir(), p.cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  p.cfg.Logging.MaxSizeMB,
			MaxBackups: p.cfg.Logging.MaxBackups,
		})
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *project) logDir() string {
	if filepath.IsAbs(p.cfg.Logging.Dir) {
		return p.cfg.Logging.Dir
	}
	return filepath.Join(p.root, p.cfg.Logging.Dir)
}

func (p *project) buildConfig(stdout, stderr io.Writer) bundler.Config {
	b := p.cfg.Build
	sourceDirs := b.SourceDirs
	if len(sourceDirs) == 0 {
		sourceDirs = []string{p.cfg.Project.AppDir}
	}
	return bundler.Config{
		Root:          p.root,
		ClientCommand: b.ClientCommand,
		ServerCommand: b.ServerCommand,
		ManifestPath:  b.ManifestPath,
		SourceDirs:    sourceDirs,
		Ignore:        p.cfg.Dev.Ignore,
		Stdout:        stdout,
		Stderr:        stderr,
		Debounce:      p.cfg.Dev.Debounce(),
	}
}

func (p *project) resolver() *envvars.Resolver {
	opts := []envvars.Option{
		envvars.WithEnvFile(p.cfg.Project.EnvFile),
		envvars.WithLogger(p.logger),
	}
	if remote := p.cfg.Project.RemoteVariables; remote != "" {
		if !filepath.IsAbs(remote) {
			remote = filepath.Join(p.root, remote)
		}
		opts = append(opts, envvars.WithRemote(envvars.FileSource{Path: remote}))
	}
	return envvars.NewResolver(p.root, opts...)
}

// nodeInspectArgs enables the V8 inspector of a node worker.
func nodeInspectArgs(port int) []string {
	return []string{"--inspect=127.0.0.1:" + strconv.Itoa(port)}
}
