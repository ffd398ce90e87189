package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func decodeArgs(arguments json.RawMessage, v any) error {
	if err := json.Unmarshal(arguments, v); err != nil {
		return fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	return nil
}

func (s *Server) readFile(_ context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args ReadFileArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return nil, err
	}
	path, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return json.Marshal(string(content))
}

func (s *Server) readMultipleFiles(_ context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args ReadMultipleFilesArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return nil, err
	}
	if len(args.Paths) == 0 {
		return nil, errors.New("paths is empty")
	}

	parts := make([]string, 0, len(args.Paths))
	for _, p := range args.Paths {
		path, err := s.resolve(p)
		if err != nil {
			parts = append(parts, fmt.Sprintf("%s: Error - %s", p, err))
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			parts = append(parts, fmt.Sprintf("%s: Error - %s", p, err))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:\n%s", p, content))
	}
	return json.Marshal(strings.Join(parts, "\n---\n"))
}

func (s *Server) writeFile(_ context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args WriteFileArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return nil, err
	}
	path, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, []byte(args.Content), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	s.logger.Debug("wrote file", slog.String("path", path), slog.Int("bytes", len(args.Content)))
	return json.Marshal("Successfully wrote to " + args.Path)
}

func (s *Server) editFile(_ context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args EditFileArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return nil, err
	}
	if len(args.Edits) == 0 {
		return nil, errors.New("edits is empty")
	}
	path, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	diff, err := applyFileEdits(path, args.Edits, args.DryRun)
	if err != nil {
		return nil, err
	}
	return json.Marshal(diff)
}

func (s *Server) createDirectory(_ context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args PathArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return nil, err
	}
	path, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return json.Marshal("Successfully created directory " + args.Path)
}

func (s *Server) listDirectory(_ context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args PathArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return nil, err
	}
	path, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		prefix := "[FILE] "
		if entry.IsDir() {
			prefix = "[DIR] "
		}
		lines = append(lines, prefix+entry.Name())
	}
	return json.Marshal(strings.Join(lines, "\n"))
}

func (s *Server) directoryTree(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args PathArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return nil, err
	}
	path, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	tree, err := s.buildTree(ctx, path)
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tree: %w", err)
	}
	return json.Marshal(string(out))
}

// buildTree lists dir recursively, skipping .git directories. Children are resolved again so a
// symbolic link cannot lead the walk outside the roots.
func (s *Server) buildTree(ctx context.Context, dir string) ([]treeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	tree := make([]treeEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		node := treeEntry{Name: entry.Name(), Type: "file"}
		if entry.IsDir() {
			node.Type = "directory"
			sub, err := s.resolve(filepath.Join(dir, entry.Name()))
			if err != nil {
				return nil, err
			}
			if node.Children, err = s.buildTree(ctx, sub); err != nil {
				return nil, err
			}
		}
		tree = append(tree, node)
	}
	return tree, nil
}

func (s *Server) moveFile(_ context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args MoveFileArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return nil, err
	}
	source, err := s.resolve(args.Source)
	if err != nil {
		return nil, err
	}
	destination, err := s.resolve(args.Destination)
	if err != nil {
		return nil, err
	}

	if _, err := os.Lstat(destination); err == nil {
		return nil, fmt.Errorf("destination %s already exists", args.Destination)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat destination: %w", err)
	}
	if err := os.Rename(source, destination); err != nil {
		return nil, fmt.Errorf("failed to move file: %w", err)
	}
	return json.Marshal(fmt.Sprintf("Successfully moved %s to %s", args.Source, args.Destination))
}

func (s *Server) searchFiles(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args SearchFilesArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return nil, err
	}
	root, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	matches, err := s.search(ctx, root, args.Pattern, args.Exclude)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return json.Marshal("No matches found")
	}
	return json.Marshal(strings.Join(matches, "\n"))
}

func (s *Server) getFileInfo(_ context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args PathArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return nil, err
	}
	path, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	fileType := "file"
	if info.IsDir() {
		fileType = "directory"
	}
	return json.Marshal(FileInfo{
		Path:        path,
		Type:        fileType,
		Size:        info.Size(),
		Permissions: fmt.Sprintf("%o", info.Mode().Perm()),
		Modified:    info.ModTime().UTC().Format(time.RFC3339),
	})
}

func (s *Server) listAllowedDirectories(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal("Allowed directories:\n" + strings.Join(s.roots, "\n"))
}
