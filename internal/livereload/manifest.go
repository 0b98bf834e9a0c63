package livereload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Manifest is the assets manifest written by the client build.
type Manifest struct {
	Version string                   `json:"version"`
	URL     string                   `json:"url,omitempty"`
	Entry   ManifestEntry            `json:"entry"`
	Routes  map[string]ManifestRoute `json:"routes"`
}

// ManifestEntry is the browser entry module.
type ManifestEntry struct {
	Module  string   `json:"module"`
	Imports []string `json:"imports,omitempty"`
}

// ManifestRoute is one route of the manifest.
type ManifestRoute struct {
	ID        string   `json:"id"`
	ParentID  string   `json:"parentId,omitempty"`
	Path      string   `json:"path,omitempty"`
	Index     bool     `json:"index,omitempty"`
	Module    string   `json:"module"`
	Imports   []string `json:"imports,omitempty"`
	HasLoader bool     `json:"hasLoader"`
}

// ReadManifest decodes the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return &m, nil
}

// Route is a route module discovered on disk.
type Route struct {
	// ID is the file path relative to the app directory, without extension,
	// for example "routes/products.$handle".
	ID string
	// File is the module path relative to the app directory.
	File  string
	Index bool
}

// BuildContext is what the bundler knows at the start of a build.
type BuildContext struct {
	AppDir string
	Routes []Route
}

var routeExtensions = []string{".tsx", ".ts", ".jsx", ".js", ".mdx", ".md"}

// ScanRoutes discovers the root route and the flat file routes under
// appDir/routes. A directory route is the route.* module inside it. Routes
// other than root are sorted by ID.
func ScanRoutes(appDir string) ([]Route, error) {
	var routes []Route
	if file, ok := findModule(appDir, "root"); ok {
		routes = append(routes, Route{ID: "root", File: file})
	}

	routesDir := filepath.Join(appDir, "routes")
	entries, err := os.ReadDir(routesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return routes, nil
		}
		return nil, fmt.Errorf("scan routes: %w", err)
	}

	var files []Route
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		var file, base string
		if entry.IsDir() {
			f, ok := findModule(filepath.Join(routesDir, name), "route")
			if !ok {
				continue
			}
			file = "routes/" + name + "/" + f
			base = name
		} else {
			ext := filepath.Ext(name)
			if !slices.Contains(routeExtensions, ext) {
				continue
			}
			file = "routes/" + name
			base = strings.TrimSuffix(name, ext)
		}

		files = append(files, Route{
			ID:    "routes/" + base,
			File:  file,
			Index: base == "_index" || strings.HasSuffix(base, "._index"),
		})
	}

	slices.SortFunc(files, func(a, b Route) int {
		return strings.Compare(a.ID, b.ID)
	})
	return append(routes, files...), nil
}

// findModule returns the file name of dir/<stem>.<ext> for the first
// supported extension present.
func findModule(dir, stem string) (string, bool) {
	for _, ext := range routeExtensions {
		info, err := os.Stat(filepath.Join(dir, stem+ext))
		if err == nil && info.Mode().IsRegular() {
			return stem + ext, true
		}
	}
	return "", false
}
