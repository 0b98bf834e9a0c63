package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "dev.port")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateProject()...)
	errors = append(errors, c.validateDev()...)
	errors = append(errors, c.validateBuild()...)
	errors = append(errors, c.validateRuntime()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func validatePort(field string, port int, allowZero bool) []ValidationError {
	if (port == 0 && allowZero) || (port > 0 && port <= 65535) {
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Value:   port,
		Message: "must be between 1 and 65535",
	}}
}

func validateRelative(field, value string) []ValidationError {
	if value == "" {
		return []ValidationError{{Field: field, Value: value, Message: "cannot be empty"}}
	}
	if strings.HasPrefix(value, "..") {
		return []ValidationError{{Field: field, Value: value, Message: "must be inside the project"}}
	}
	return nil
}

func validatePatterns(field string, patterns []string) []ValidationError {
	var errors []ValidationError
	for _, pattern := range patterns {
		if _, err := glob.Compile(pattern); err != nil {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   pattern,
				Message: fmt.Sprintf("invalid pattern: %v", err),
			})
		}
	}
	return errors
}

// validateProject validates the ProjectConfig
func (c *Config) validateProject() []ValidationError {
	var errors []ValidationError

	errors = append(errors, validateRelative("project.app_dir", c.Project.AppDir)...)
	errors = append(errors, validateRelative("project.public_dir", c.Project.PublicDir)...)
	errors = append(errors, validateRelative("project.env_file", c.Project.EnvFile)...)

	return errors
}

// validateDev validates the DevConfig
func (c *Config) validateDev() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Dev.Host) == "" {
		errors = append(errors, ValidationError{
			Field:   "dev.host",
			Value:   c.Dev.Host,
			Message: "cannot be empty",
		})
	}

	// Port 0 picks a free port
	errors = append(errors, validatePort("dev.port", c.Dev.Port, true)...)

	if c.Dev.DebounceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "dev.debounce_ms",
			Value:   c.Dev.DebounceMs,
			Message: "must be non-negative",
		})
	}

	errors = append(errors, validatePatterns("dev.ignore", c.Dev.Ignore)...)
	errors = append(errors, validatePatterns("dev.tunnel_domains", c.Dev.TunnelDomains)...)

	if len(c.Dev.TunnelDomains) > 0 && c.Dev.TunnelHost == "" {
		errors = append(errors, ValidationError{
			Field:   "dev.tunnel_host",
			Value:   c.Dev.TunnelHost,
			Message: "is required when tunnel_domains is set",
		})
	}

	return errors
}

// validateBuild validates the BuildConfig
func (c *Config) validateBuild() []ValidationError {
	var errors []ValidationError

	if len(c.Build.ServerCommand) == 0 {
		errors = append(errors, ValidationError{
			Field:   "build.server_command",
			Value:   c.Build.ServerCommand,
			Message: "cannot be empty",
		})
	}
	errors = append(errors, validateRelative("build.client_dir", c.Build.ClientDir)...)
	errors = append(errors, validateRelative("build.bundle_path", c.Build.BundlePath)...)

	if c.Build.ClientDir != "" && c.Build.ClientDir == c.Project.PublicDir {
		errors = append(errors, ValidationError{
			Field:   "build.client_dir",
			Value:   c.Build.ClientDir,
			Message: "must differ from project.public_dir",
		})
	}

	return errors
}

// validateRuntime validates the RuntimeConfig
func (c *Config) validateRuntime() []ValidationError {
	var errors []ValidationError

	if len(c.Runtime.Command) == 0 {
		errors = append(errors, ValidationError{
			Field:   "runtime.command",
			Value:   c.Runtime.Command,
			Message: "cannot be empty",
		})
	}

	errors = append(errors, validatePort("runtime.inspector_port", c.Runtime.InspectorPort, true)...)
	if c.Runtime.InspectorPort != 0 && c.Runtime.InspectorPort == c.Dev.Port {
		errors = append(errors, ValidationError{
			Field:   "runtime.inspector_port",
			Value:   c.Runtime.InspectorPort,
			Message: "must differ from dev.port",
		})
	}

	if c.Runtime.StartTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "runtime.start_timeout_ms",
			Value:   c.Runtime.StartTimeoutMs,
			Message: "must be positive",
		})
	}
	if c.Runtime.StopTimeoutMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "runtime.stop_timeout_ms",
			Value:   c.Runtime.StopTimeoutMs,
			Message: "must be non-negative",
		})
	}
	if c.Runtime.SourceMapCacheSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "runtime.source_map_cache_size",
			Value:   c.Runtime.SourceMapCacheSize,
			Message: "must be positive",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
