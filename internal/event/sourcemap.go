package event

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sourcemap/sourcemap"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Position is a location in a source file. Line is 1-based, Column 0-based.
type Position struct {
	Source string
	Line   int
	Column int
}

// PositionMapper maps a generated position to its original position.
// Implementations return the input unchanged when no mapping is known.
type PositionMapper interface {
	MapPosition(pos Position) Position
}

const sourceMappingPrefix = "//# sourceMappingURL="

// SourceMapResolver maps bundle positions through the bundle's source maps.
// Candidate maps are tried in order (the sourceMappingURL comment, then
// "<file>.map") and the first one that resolves the position wins.
// Parsed maps are kept in an LRU cache; call Purge after a rebuild.
type SourceMapResolver struct {
	cache *lru.Cache[string, *sourcemap.Consumer]
}

// NewSourceMapResolver creates a resolver caching up to size parsed maps.
func NewSourceMapResolver(size int) (*SourceMapResolver, error) {
	if size < 1 {
		size = 16
	}
	cache, err := lru.New[string, *sourcemap.Consumer](size)
	if err != nil {
		return nil, err
	}
	return &SourceMapResolver{cache: cache}, nil
}

// MapPosition implements PositionMapper.
func (r *SourceMapResolver) MapPosition(pos Position) Position {
	for _, mapPath := range candidateMaps(pos.Source) {
		consumer := r.load(pos.Source, mapPath)
		if consumer == nil {
			continue
		}
		source, _, line, col, ok := consumer.Source(pos.Line, pos.Column)
		if !ok {
			continue
		}
		if !filepath.IsAbs(source) && !strings.Contains(source, "://") {
			source = filepath.Join(filepath.Dir(mapPath), source)
		}
		return Position{Source: source, Line: line, Column: col}
	}
	return pos
}

// Purge drops every cached map.
func (r *SourceMapResolver) Purge() {
	r.cache.Purge()
}

// load returns the parsed map at mapPath, or nil if it is missing or
// invalid. Failures are cached too so a broken map is read once per build.
func (r *SourceMapResolver) load(file, mapPath string) *sourcemap.Consumer {
	if c, ok := r.cache.Get(mapPath); ok {
		return c
	}

	var data []byte
	if strings.HasPrefix(mapPath, "data:") {
		data = decodeDataURL(mapPath)
	} else {
		data, _ = os.ReadFile(mapPath)
	}

	var consumer *sourcemap.Consumer
	if len(data) > 0 {
		if c, err := sourcemap.Parse("", data); err == nil {
			consumer = c
		}
	}
	r.cache.Add(mapPath, consumer)
	return consumer
}

func candidateMaps(file string) []string {
	var out []string
	if ref := sourceMappingURL(file); ref != "" {
		switch {
		case strings.HasPrefix(ref, "data:"):
			out = append(out, ref)
		case filepath.IsAbs(ref):
			out = append(out, ref)
		default:
			out = append(out, filepath.Join(filepath.Dir(file), ref))
		}
	}
	fallback := file + ".map"
	if len(out) == 0 || out[0] != fallback {
		out = append(out, fallback)
	}
	return out
}

// sourceMappingURL returns the last sourceMappingURL reference in file.
func sourceMappingURL(file string) string {
	f, err := os.Open(file)
	if err != nil {
		return ""
	}
	defer f.Close()

	var ref string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if bytes.HasPrefix(line, []byte(sourceMappingPrefix)) {
			ref = string(line[len(sourceMappingPrefix):])
		}
	}
	return ref
}

func decodeDataURL(ref string) []byte {
	_, payload, ok := strings.Cut(ref, ";base64,")
	if !ok {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil
	}
	return data
}
