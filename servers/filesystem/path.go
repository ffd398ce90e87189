package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// resolve maps a requested path to a real path inside the allowed roots. A path that does not
// exist yet is accepted when its nearest existing ancestor resolves inside the roots.
func (s *Server) resolve(requested string) (string, error) {
	if requested == "" {
		return "", errors.New("path is empty")
	}

	p := filepath.FromSlash(requested)
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.roots[0], p)
	}
	p = filepath.Clean(p)
	if !s.allowed(p) {
		return "", fmt.Errorf("access denied: %s is outside the allowed directories %s",
			requested, strings.Join(s.roots, ", "))
	}

	// Resolve the nearest existing ancestor and keep the missing tail as requested. A component
	// that exists but does not resolve is a dangling link and is refused.
	existing, tail := p, ""
	for {
		real, err := filepath.EvalSymlinks(existing)
		if err == nil {
			if !s.allowed(real) {
				return "", fmt.Errorf("access denied: %s links outside the allowed directories", requested)
			}
			return filepath.Join(real, tail), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to resolve %s: %w", requested, err)
		}
		if _, err := os.Lstat(existing); err == nil {
			return "", fmt.Errorf("access denied: %s is a dangling link", existing)
		}

		parent := filepath.Dir(existing)
		if parent == existing {
			return "", fmt.Errorf("failed to resolve %s: no existing ancestor", requested)
		}
		tail = filepath.Join(filepath.Base(existing), tail)
		existing = parent
	}
}

func (s *Server) allowed(path string) bool {
	for _, root := range s.roots {
		if isSubpath(path, root) {
			return true
		}
	}
	return false
}

func isSubpath(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
