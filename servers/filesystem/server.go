package filesystem

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/TangGee/go-mcp-tools"
	"golang.org/x/sync/semaphore"
)

// Server exposes filesystem operations as MCP tools. Every path a tool receives must resolve,
// symbolic links included, to a location inside one of the allowed root directories; relative
// paths are taken relative to the first root.
type Server struct {
	roots  []string
	logger *slog.Logger

	// searchSlots bounds the goroutines walking directories for search_files.
	searchSlots *semaphore.Weighted
}

// Option configures a Server.
type Option func(*Server)

const defaultSearchWorkers = 16

// NewServer creates a Server restricted to roots. It returns an error if no root is given or a root
// is not an accessible directory.
func NewServer(roots []string, options ...Option) (*Server, error) {
	if len(roots) == 0 {
		return nil, errors.New("at least one root directory is required")
	}

	resolved := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root directory %s: %w", root, err)
		}
		real, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root directory %s: %w", root, err)
		}
		info, err := os.Stat(real)
		if err != nil {
			return nil, fmt.Errorf("failed to stat root directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root directory is not a directory: %s", root)
		}
		resolved = append(resolved, real)
	}

	s := &Server{
		roots:       resolved,
		logger:      slog.Default(),
		searchSlots: semaphore.NewWeighted(defaultSearchWorkers),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// WithLogger sets the logger of the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("package", "filesystem"))
	}
}

// WithSearchWorkers bounds the number of directories search_files reads concurrently.
func WithSearchWorkers(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.searchSlots = semaphore.NewWeighted(n)
		}
	}
}

// Roots returns the resolved allowed directories.
func (s *Server) Roots() []string {
	return append([]string(nil), s.roots...)
}

// Tools returns the executors of the filesystem tools, ready to be passed to mcp.NewServer.
func (s *Server) Tools() []mcp.ToolExecutor {
	return []mcp.ToolExecutor{
		mcp.NewTool("read_file", "Read the complete contents of a file. Only works within allowed directories.",
			pathSchema, s.readFile),
		mcp.NewTool("read_multiple_files", "Read the contents of multiple files. A failed read does not stop "+
			"the others. Only works within allowed directories.", readMultipleFilesSchema, s.readMultipleFiles),
		mcp.NewTool("write_file", "Create a new file or overwrite an existing one. Only works within allowed "+
			"directories.", writeFileSchema, s.writeFile),
		mcp.NewTool("edit_file", "Replace text in a file and return a git-style diff of the change. Only works "+
			"within allowed directories.", editFileSchema, s.editFile),
		mcp.NewTool("create_directory", "Create a directory and any missing parents. Succeeds if it already "+
			"exists. Only works within allowed directories.", pathSchema, s.createDirectory),
		mcp.NewTool("list_directory", "List a directory, prefixing entries with [FILE] or [DIR]. Only works "+
			"within allowed directories.", pathSchema, s.listDirectory),
		mcp.NewTool("directory_tree", "Recursive tree of a directory as indented JSON with name, type and "+
			"children. Only works within allowed directories.", pathSchema, s.directoryTree),
		mcp.NewTool("move_file", "Move or rename a file or directory. Fails if the destination exists. Both "+
			"paths must be within allowed directories.", moveFileSchema, s.moveFile),
		mcp.NewTool("search_files", "Recursively find files and directories whose name contains the "+
			"case-insensitive pattern. Only searches within allowed directories.", searchFilesSchema, s.searchFiles),
		mcp.NewTool("get_file_info", "Size, type, permissions and modification time of a file or directory. "+
			"Only works within allowed directories.", pathSchema, s.getFileInfo),
		mcp.NewTool("list_allowed_directories", "List the directories this server may access.",
			emptySchema, s.listAllowedDirectories),
	}
}
