package filesystem

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/sourcegraph/conc"
)

// search walks root and returns the paths of the entries whose name contains pattern, compared
// case-insensitively. Entries matching an exclude glob, by name or by slash separated path relative
// to root, are skipped along with their subtrees. Subdirectories are read concurrently while a
// search slot is free and inline otherwise.
func (s *Server) search(ctx context.Context, root, pattern string, exclude []string) ([]string, error) {
	excludes := make([]glob.Glob, 0, len(exclude))
	for _, p := range exclude {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		excludes = append(excludes, g)
	}
	needle := strings.ToLower(pattern)

	var (
		mu      sync.Mutex
		matches []string
		wg      conc.WaitGroup
	)

	var walk func(dir string)
	walk = func(dir string) {
		if ctx.Err() != nil {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Debug("skipping unreadable directory", slog.String("dir", dir), slog.String("err", err.Error()))
			return
		}

		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			rel, err := filepath.Rel(root, full)
			if err != nil || excluded(excludes, entry.Name(), filepath.ToSlash(rel)) {
				continue
			}

			if strings.Contains(strings.ToLower(entry.Name()), needle) {
				mu.Lock()
				matches = append(matches, full)
				mu.Unlock()
			}

			// Symlinked directories are not followed; ReadDir reports them as links.
			if !entry.IsDir() {
				continue
			}
			if s.searchSlots.TryAcquire(1) {
				wg.Go(func() {
					defer s.searchSlots.Release(1)
					walk(full)
				})
				continue
			}
			walk(full)
		}
	}

	walk(root)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.Sort(matches)
	return matches, nil
}

func excluded(excludes []glob.Glob, name, rel string) bool {
	for _, g := range excludes {
		if g.Match(name) || g.Match(rel) {
			return true
		}
	}
	return false
}
