// Package sandbox hosts a set of named workers behind one HTTP listener.
//
// A worker is either native (a Go handler built from its environment) or
// script-backed (its modules are handed to an [Engine]). Workers call each
// other through service bindings, which are resolved by worker name at
// request time, so a reload is immediately visible to every caller.
//
// [ServerBackend] keeps the listener open across reloads and swaps the whole
// worker table at once: either every worker of the new [Options] builds, or
// the previous table keeps serving.
package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/Iron-Ham/oxyrun/internal/errors"
)

// Module is one unit of worker code.
type Module struct {
	ID       string
	Path     string
	Contents []byte
}

// Service is a service binding. Exactly one of Worker or Handler is set:
// Worker references another worker of the same sandbox by name, Handler is
// supplied by the host.
type Service struct {
	Worker  string
	Handler http.Handler
}

// Env is what a worker sees at load time.
type Env struct {
	Bindings map[string]string
	Services map[string]http.Handler
}

// WorkerSpec describes one worker.
type WorkerSpec struct {
	Name     string
	Modules  []Module
	Native   func(env Env) (http.Handler, error)
	Bindings map[string]string
	Services map[string]Service
}

// Options configure a sandbox. The first worker receives inbound traffic.
type Options struct {
	Host          string
	Port          int
	InspectorPort int
	Workers       []WorkerSpec
}

// Worker returns the spec named name.
func (o Options) Worker(name string) (WorkerSpec, bool) {
	for _, w := range o.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return WorkerSpec{}, false
}

// LoadRequest is passed to an Engine for script workers.
type LoadRequest struct {
	Spec          WorkerSpec
	Env           Env
	InspectorPort int
}

// Engine executes script workers. The returned handler may implement
// io.Closer; it is closed when replaced or disposed.
type Engine interface {
	Load(ctx context.Context, req LoadRequest) (http.Handler, error)
}

// Backend boots sandboxes.
type Backend interface {
	Boot(ctx context.Context, opts Options) (Instance, error)
}

// Instance is a running sandbox.
type Instance interface {
	// Ready returns the origin the sandbox listens on.
	Ready() string
	// InspectorURL returns the debugger endpoint, or "" when disabled.
	InspectorURL() string
	// Reload rebuilds every worker from opts and swaps them in atomically.
	Reload(ctx context.Context, opts Options) error
	// Dispose stops the listener and releases every worker.
	Dispose(ctx context.Context) error
}

// Validate checks worker names and service references.
func (o Options) Validate() error {
	if len(o.Workers) == 0 {
		return errors.NewValidationError("at least one worker is required").WithField("Workers")
	}
	seen := make(map[string]bool, len(o.Workers))
	for _, w := range o.Workers {
		if w.Name == "" {
			return errors.NewValidationError("worker name cannot be empty").WithField("Workers.Name")
		}
		if seen[w.Name] {
			return errors.NewValidationError("duplicate worker name").WithField("Workers.Name").WithValue(w.Name)
		}
		seen[w.Name] = true
		if w.Native == nil && len(w.Modules) == 0 {
			return errors.NewValidationError(fmt.Sprintf("worker %q has no modules", w.Name)).WithField("Workers.Modules")
		}
	}
	for _, w := range o.Workers {
		for binding, svc := range w.Services {
			if (svc.Worker == "") == (svc.Handler == nil) {
				return errors.NewValidationError(fmt.Sprintf("service %q of worker %q must set exactly one of Worker or Handler", binding, w.Name)).
					WithField("Workers.Services")
			}
			if svc.Worker != "" && !seen[svc.Worker] {
				return errors.NewValidationError(fmt.Sprintf("service %q of worker %q references unknown worker", binding, w.Name)).
					WithField("Workers.Services").WithValue(svc.Worker)
			}
		}
	}
	return nil
}

// WithModule returns a copy of opts in which the module moduleID of worker
// has the given contents. opts itself is not modified, so a snapshot held
// by a running sandbox never changes underneath it.
func WithModule(opts Options, worker, moduleID string, contents []byte) (Options, error) {
	out := opts
	out.Workers = slices.Clone(opts.Workers)
	for i := range out.Workers {
		if out.Workers[i].Name != worker {
			continue
		}
		modules := slices.Clone(out.Workers[i].Modules)
		for j := range modules {
			if modules[j].ID == moduleID {
				modules[j].Contents = slices.Clone(contents)
				out.Workers[i].Modules = modules
				return out, nil
			}
		}
		return opts, fmt.Errorf("worker %q has no module %q", worker, moduleID)
	}
	return opts, fmt.Errorf("no worker %q", worker)
}

// WithBindings returns a copy of opts in which worker's bindings are
// replaced by a copy of bindings.
func WithBindings(opts Options, worker string, bindings map[string]string) (Options, error) {
	out := opts
	out.Workers = slices.Clone(opts.Workers)
	for i := range out.Workers {
		if out.Workers[i].Name == worker {
			out.Workers[i].Bindings = cloneMap(bindings)
			return out, nil
		}
	}
	return opts, fmt.Errorf("no worker %q", worker)
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
