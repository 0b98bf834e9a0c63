package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete oxyrun configuration
type Config struct {
	Project ProjectConfig `mapstructure:"project"`
	Dev     DevConfig     `mapstructure:"dev"`
	Build   BuildConfig   `mapstructure:"build"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ProjectConfig describes the storefront project layout
type ProjectConfig struct {
	// Root is the project directory (default: current directory)
	Root string `mapstructure:"root"`
	// AppDir holds the route modules, relative to Root (default: "app")
	AppDir string `mapstructure:"app_dir"`
	// PublicDir is mirrored into the client build (default: "public")
	PublicDir string `mapstructure:"public_dir"`
	// EnvFile holds local variables, relative to Root (default: ".env")
	EnvFile string `mapstructure:"env_file"`
	// RemoteVariables is a YAML file with variables pulled from the hosting
	// platform. Empty disables remote variables.
	RemoteVariables string `mapstructure:"remote_variables"`
}

// DevConfig controls the dev server
type DevConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// LiveReload pushes HMR patches or reloads to browsers (default: true)
	LiveReload bool `mapstructure:"live_reload"`
	// DebounceMs groups file changes into one rebuild
	DebounceMs int `mapstructure:"debounce_ms"`
	// Ignore replaces the default watcher ignore globs when set
	Ignore []string `mapstructure:"ignore"`
	// TunnelHost is a public host forwarding to the dev server
	TunnelHost string `mapstructure:"tunnel_host"`
	// TunnelDomains are the host globs the tunnel answers on
	TunnelDomains []string `mapstructure:"tunnel_domains"`
	// CodegenCommand runs the GraphQL type generator in watch mode
	CodegenCommand []string `mapstructure:"codegen_command"`
	CodegenConfig  string   `mapstructure:"codegen_config"`
}

// BuildConfig controls the client and server builds
type BuildConfig struct {
	ClientCommand []string `mapstructure:"client_command"`
	ServerCommand []string `mapstructure:"server_command"`
	ClientDir     string   `mapstructure:"client_dir"`
	BundlePath    string   `mapstructure:"bundle_path"`
	ManifestPath  string   `mapstructure:"manifest_path"`
	// SourceDirs trigger a rebuild when they change (default: the app dir)
	SourceDirs []string `mapstructure:"source_dirs"`
}

// RuntimeConfig controls the sandbox running the server bundle
type RuntimeConfig struct {
	// Command runs the app worker; the staged bundle is appended
	Command []string `mapstructure:"command"`
	// InspectorPort enables the debugger when non-zero
	InspectorPort  int `mapstructure:"inspector_port"`
	StartTimeoutMs int `mapstructure:"start_timeout_ms"`
	StopTimeoutMs  int `mapstructure:"stop_timeout_ms"`
	// SourceMapCacheSize bounds the parsed source maps kept for stack lines
	SourceMapCacheSize int `mapstructure:"source_map_cache_size"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir holds dev.log, relative to the project root (default: ".oxyrun")
	Dir string `mapstructure:"dir"`
	// MaxSizeMB is the maximum size of a log file before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Project: ProjectConfig{
			Root:      ".",
			AppDir:    "app",
			PublicDir: "public",
			EnvFile:   ".env",
		},
		Dev: DevConfig{
			Host:          "localhost",
			Port:          3000,
			LiveReload:    true,
			DebounceMs:    50,
			Ignore:        []string{},
			TunnelDomains: []string{},
		},
		Build: BuildConfig{
			ClientCommand: []string{"npx", "vite", "build", "--outDir", "dist/client"},
			ServerCommand: []string{"npx", "vite", "build", "--ssr", "--outDir", "dist/server"},
			ClientDir:     "dist/client",
			BundlePath:    "dist/server/index.js",
			ManifestPath:  "dist/client/manifest.json",
			SourceDirs:    []string{},
		},
		Runtime: RuntimeConfig{
			Command:            []string{"node"},
			InspectorPort:      0,
			StartTimeoutMs:     10000,
			StopTimeoutMs:      500,
			SourceMapCacheSize: 32,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			Dir:        ".oxyrun",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Debounce returns the watcher debounce window
func (c *DevConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// StartTimeout returns how long a worker may take to listen
func (c *RuntimeConfig) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutMs) * time.Millisecond
}

// StopTimeout returns the grace period between interrupt and kill
func (c *RuntimeConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMs) * time.Millisecond
}

// ResolveRoot returns the absolute project root
func (p *ProjectConfig) ResolveRoot() (string, error) {
	root := p.Root
	if root == "" {
		root = "."
	}
	return filepath.Abs(root)
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("project.root", defaults.Project.Root)
	viper.SetDefault("project.app_dir", defaults.Project.AppDir)
	viper.SetDefault("project.public_dir", defaults.Project.PublicDir)
	viper.SetDefault("project.env_file", defaults.Project.EnvFile)
	viper.SetDefault("project.remote_variables", defaults.Project.RemoteVariables)

	viper.SetDefault("dev.host", defaults.Dev.Host)
	viper.SetDefault("dev.port", defaults.Dev.Port)
	viper.SetDefault("dev.live_reload", defaults.Dev.LiveReload)
	viper.SetDefault("dev.debounce_ms", defaults.Dev.DebounceMs)
	viper.SetDefault("dev.ignore", defaults.Dev.Ignore)
	viper.SetDefault("dev.tunnel_host", defaults.Dev.TunnelHost)
	viper.SetDefault("dev.tunnel_domains", defaults.Dev.TunnelDomains)
	viper.SetDefault("dev.codegen_command", defaults.Dev.CodegenCommand)
	viper.SetDefault("dev.codegen_config", defaults.Dev.CodegenConfig)

	viper.SetDefault("build.client_command", defaults.Build.ClientCommand)
	viper.SetDefault("build.server_command", defaults.Build.ServerCommand)
	viper.SetDefault("build.client_dir", defaults.Build.ClientDir)
	viper.SetDefault("build.bundle_path", defaults.Build.BundlePath)
	viper.SetDefault("build.manifest_path", defaults.Build.ManifestPath)
	viper.SetDefault("build.source_dirs", defaults.Build.SourceDirs)

	viper.SetDefault("runtime.command", defaults.Runtime.Command)
	viper.SetDefault("runtime.inspector_port", defaults.Runtime.InspectorPort)
	viper.SetDefault("runtime.start_timeout_ms", defaults.Runtime.StartTimeoutMs)
	viper.SetDefault("runtime.stop_timeout_ms", defaults.Runtime.StopTimeoutMs)
	viper.SetDefault("runtime.source_map_cache_size", defaults.Runtime.SourceMapCacheSize)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the user configuration directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "oxyrun")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".oxyrun"
	}
	return filepath.Join(home, ".config", "oxyrun")
}

// ConfigFile returns the path of the user configuration file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "oxyrun.yaml")
}
