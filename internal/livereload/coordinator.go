package livereload

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/oxyrun/internal/logging"
)

// DecisionKind is what browsers are told after a build.
type DecisionKind int

const (
	// DecisionNone leaves browsers alone.
	DecisionNone DecisionKind = iota
	// DecisionHMR patches the changed route modules in place.
	DecisionHMR
	// DecisionFullReload reloads the page.
	DecisionFullReload
)

// String returns a human-readable decision name.
func (k DecisionKind) String() string {
	switch k {
	case DecisionNone:
		return "none"
	case DecisionHMR:
		return "hmr"
	case DecisionFullReload:
		return "full-reload"
	default:
		return "unknown"
	}
}

// Update is one changed route module of an HMR patch.
type Update struct {
	ID      string `json:"id"`
	RouteID string `json:"routeId"`
	URL     string `json:"url"`
}

// Decision is the outcome of OnAppReady.
type Decision struct {
	Kind     DecisionKind
	Updates  []Update
	Manifest *Manifest
	Reason   string
	At       time.Time
}

var errNoHashes = errors.New("loader hashes were not computed for this build")

type hashJob struct {
	done   chan struct{}
	hashes map[string]string
	err    error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHasher replaces the default FileHasher.
func WithHasher(h LoaderHasher) Option {
	return func(c *Coordinator) {
		c.hasher = h
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// Coordinator remembers the previous build and decides between a hot
// patch and a full reload for the next one.
type Coordinator struct {
	hasher LoaderHasher
	logger *logging.Logger

	mu           sync.Mutex
	job          *hashJob
	manifest     *Manifest
	prevManifest *Manifest
	prevHashes   map[string]string
}

// NewCoordinator creates a coordinator with no previous build.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{hasher: FileHasher{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.NopLogger()
	}
	c.logger = c.logger.WithComponent("livereload")
	return c
}

// OnBuildStart starts hashing route loaders in the background. The hashes
// are awaited by the next OnAppReady.
func (c *Coordinator) OnBuildStart(ctx context.Context, bc BuildContext) {
	job := &hashJob{done: make(chan struct{})}

	c.mu.Lock()
	c.job = job
	c.manifest = nil
	c.mu.Unlock()

	go func() {
		defer close(job.done)
		job.hashes, job.err = hashRoutes(ctx, c.hasher, bc)
	}()
}

// OnBuildManifest records the manifest of the build in progress.
func (c *Coordinator) OnBuildManifest(m *Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manifest = m
}

// OnAppReady waits for the loader hashes and decides what browsers should
// do. The current build then becomes the previous one, whatever the
// decision. A build that produced no manifest keeps the previous manifest.
func (c *Coordinator) OnAppReady(ctx context.Context) Decision {
	c.mu.Lock()
	job := c.job
	manifest := c.manifest
	c.job = nil
	c.mu.Unlock()

	hashes, hashErr := awaitHashes(ctx, job)

	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.decide(manifest, hashes, hashErr)
	d.At = time.Now()

	if manifest != nil {
		c.prevManifest = manifest
	}
	c.prevHashes = hashes

	c.logger.Debug("live reload decision",
		"decision", d.Kind.String(),
		"updates", len(d.Updates),
		"reason", d.Reason)
	return d
}

func awaitHashes(ctx context.Context, job *hashJob) (map[string]string, error) {
	if job == nil {
		return nil, errNoHashes
	}
	select {
	case <-job.done:
		return job.hashes, job.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) decide(manifest *Manifest, hashes map[string]string, hashErr error) Decision {
	prev := c.prevManifest
	if prev == nil {
		return Decision{Kind: DecisionNone, Manifest: manifest, Reason: "first build"}
	}
	if hashErr != nil {
		return Decision{Kind: DecisionFullReload, Manifest: manifest, Reason: hashErr.Error()}
	}
	if c.prevHashes == nil {
		return Decision{Kind: DecisionFullReload, Manifest: manifest, Reason: "no loader hashes from the previous build"}
	}
	if manifest == nil {
		return Decision{Kind: DecisionFullReload, Reason: "build produced no manifest"}
	}

	for id := range prev.Routes {
		if _, ok := manifest.Routes[id]; !ok {
			return Decision{Kind: DecisionFullReload, Manifest: manifest, Reason: fmt.Sprintf("route %s removed", id)}
		}
	}
	for id, h := range hashes {
		if old, ok := c.prevHashes[id]; ok && old != h {
			return Decision{Kind: DecisionFullReload, Manifest: manifest, Reason: fmt.Sprintf("loader of %s changed", id)}
		}
	}

	ids := make([]string, 0, len(manifest.Routes))
	for id := range manifest.Routes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	updates := []Update{}
	for _, id := range ids {
		cur := manifest.Routes[id]
		old, ok := prev.Routes[id]
		if ok && old.Module == cur.Module && slices.Equal(old.Imports, cur.Imports) {
			continue
		}
		updates = append(updates, Update{ID: cur.Module, RouteID: id, URL: cur.Module})
	}
	return Decision{Kind: DecisionHMR, Updates: updates, Manifest: manifest}
}
