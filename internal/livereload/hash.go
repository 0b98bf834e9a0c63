package livereload

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

// LoaderHasher fingerprints the loader of a route. Two builds with equal
// hashes for a route have the same loader.
type LoaderHasher interface {
	Hash(ctx context.Context, appDir string, route Route) (string, error)
}

// FileHasher hashes the loader export of the route source file with
// BLAKE3. A route without a loader hashes the empty input.
type FileHasher struct{}

// Hash implements LoaderHasher.
func (FileHasher) Hash(ctx context.Context, appDir string, route Route) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := os.ReadFile(filepath.Join(appDir, filepath.FromSlash(route.File)))
	if err != nil {
		return "", fmt.Errorf("hash loader of %s: %w", route.ID, err)
	}
	sum := blake3.Sum256(loaderSource(src))
	return hex.EncodeToString(sum[:]), nil
}

var loaderExport = regexp.MustCompile(`export\s+(?:async\s+function|function|const|let|var)\s+loader\b`)

// loaderSource returns the text of the exported loader: from the export
// keyword through the brace that closes its body, or through the end of
// the statement for a body without braces. Braces inside parentheses,
// such as destructured parameters, do not open the body.
func loaderSource(src []byte) []byte {
	loc := loaderExport.FindIndex(src)
	if loc == nil {
		return nil
	}
	start := loc[0]

	depth, parens := 0, 0
	for i := loc[1]; i < len(src); i++ {
		switch src[i] {
		case '(':
			parens++
		case ')':
			parens--
		case '{':
			if parens == 0 {
				depth++
			}
		case '}':
			if parens == 0 {
				depth--
				if depth == 0 {
					return src[start : i+1]
				}
			}
		case '\n':
			if depth == 0 && parens == 0 && src[i-1] == ';' {
				return src[start:i]
			}
		}
	}
	return src[start:]
}

// maxHashers bounds concurrent route hashing.
const maxHashers = 8

// hashRoutes hashes every route of bc. The first failure cancels the rest.
func hashRoutes(ctx context.Context, hasher LoaderHasher, bc BuildContext) (map[string]string, error) {
	hashes := make([]string, len(bc.Routes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxHashers)
	for i, route := range bc.Routes {
		g.Go(func() error {
			h, err := hasher.Hash(ctx, bc.AppDir, route)
			if err != nil {
				return err
			}
			hashes[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(bc.Routes))
	for i, route := range bc.Routes {
		out[route.ID] = hashes[i]
	}
	return out, nil
}
