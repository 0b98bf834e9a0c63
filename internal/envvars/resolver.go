package envvars

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/oxyrun/internal/logging"
)

// DefaultEnvFile is the local variables file, relative to the project root.
const DefaultEnvFile = ".env"

// RemoteSource pulls the variables configured on the hosting platform.
type RemoteSource interface {
	Pull(ctx context.Context) ([]Variable, error)
}

// FileSource reads a cached remote pull from a YAML file:
//
//	variables:
//	  - key: PUBLIC_STORE_DOMAIN
//	    value: shop.example.com
//	  - key: PRIVATE_API_TOKEN
//	    secret: true
type FileSource struct {
	Path string
}

// Pull implements RemoteSource.
func (f FileSource) Pull(ctx context.Context) ([]Variable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read remote variables: %w", err)
	}
	var doc struct {
		Variables []Variable `yaml:"variables"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode remote variables %s: %w", f.Path, err)
	}
	return doc.Variables, nil
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRemote sets the remote source. Without one only the .env file is read.
func WithRemote(src RemoteSource) Option {
	return func(r *Resolver) {
		r.remote = src
	}
}

// WithEnvFile overrides DefaultEnvFile.
func WithEnvFile(name string) Option {
	return func(r *Resolver) {
		r.envFile = name
	}
}

// WithLogger sets the resolver logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// Resolver merges remote and local variables for one project.
type Resolver struct {
	root    string
	envFile string
	remote  RemoteSource
	logger  *logging.Logger
	group   singleflight.Group
}

// NewResolver creates a resolver for the project at root.
func NewResolver(root string, opts ...Option) *Resolver {
	r := &Resolver{root: root, envFile: DefaultEnvFile}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.NopLogger()
	}
	r.logger = r.logger.WithComponent("envvars")
	return r
}

// EnvFile returns the absolute path of the local variables file.
func (r *Resolver) EnvFile() string {
	if filepath.IsAbs(r.envFile) {
		return r.envFile
	}
	return filepath.Join(r.root, r.envFile)
}

// Resolve reads every source and merges the result. Concurrent calls share
// one read. Only a malformed .env file is an error.
func (r *Resolver) Resolve(ctx context.Context) (*Set, error) {
	v, err, _ := r.group.Do("resolve", func() (any, error) {
		return r.resolve(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Set), nil
}

func (r *Resolver) resolve(ctx context.Context) (*Set, error) {
	set := &Set{vars: map[string]Variable{}}

	if r.remote != nil {
		remote, err := r.remote.Pull(ctx)
		if err != nil {
			msg := fmt.Sprintf("failed to load environment variables from Oxygen: %v", err)
			set.warnings = append(set.warnings, msg)
			r.logger.Warn("remote variables unavailable", "error", err.Error())
		}
		for _, v := range remote {
			if v.Secret {
				merge(set.vars, v, OriginRemote)
			}
		}
		for _, v := range remote {
			if !v.Secret {
				merge(set.vars, v, OriginRemote)
			}
		}
	}

	local, err := godotenv.Read(r.EnvFile())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("parse %s: %w", r.EnvFile(), err)
	}
	for k, v := range local {
		merge(set.vars, Variable{Key: k, Value: v}, OriginLocal)
	}

	r.logger.Debug("variables resolved", "count", len(set.vars), "local", len(local))
	return set, nil
}

func merge(vars map[string]Variable, v Variable, origin Origin) {
	if v.Key == "" {
		return
	}
	v.Origin = origin
	vars[v.Key] = v
}
