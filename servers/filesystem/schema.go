package filesystem

import "encoding/json"

// ReadFileArgs is the arguments for the read_file tool.
type ReadFileArgs struct {
	Path string `json:"path"`
}

// ReadMultipleFilesArgs is the arguments for the read_multiple_files tool.
type ReadMultipleFilesArgs struct {
	Paths []string `json:"paths"`
}

// WriteFileArgs is the arguments for the write_file tool.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// EditFileArgs is the arguments for the edit_file tool. With DryRun the diff is returned without
// touching the file.
type EditFileArgs struct {
	Path   string          `json:"path"`
	Edits  []EditOperation `json:"edits"`
	DryRun bool            `json:"dryRun"`
}

// EditOperation replaces OldText with NewText.
type EditOperation struct {
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}

// PathArgs is the arguments for the tools operating on a single path: create_directory,
// list_directory, directory_tree and get_file_info.
type PathArgs struct {
	Path string `json:"path"`
}

// MoveFileArgs is the arguments for the move_file tool.
type MoveFileArgs struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// SearchFilesArgs is the arguments for the search_files tool. Exclude holds glob patterns matched
// against paths relative to Path.
type SearchFilesArgs struct {
	Path    string   `json:"path"`
	Pattern string   `json:"pattern"`
	Exclude []string `json:"excludePatterns"`
}

// FileInfo is the result of the get_file_info tool.
type FileInfo struct {
	Path        string `json:"path"`
	Type        string `json:"type"`
	Size        int64  `json:"size"`
	Permissions string `json:"permissions"`
	Modified    string `json:"modified"`
}

type treeEntry struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Children []treeEntry `json:"children,omitempty"`
}

var pathSchema = json.RawMessage(`
  {
    "type": "object",
    "properties": {
      "path": { "type": "string" }
    },
    "required": ["path"]
  }
`)

var readMultipleFilesSchema = json.RawMessage(`
  {
    "type": "object",
    "properties": {
      "paths": {
        "type": "array",
        "items": { "type": "string" }
      }
    },
    "required": ["paths"]
  }
`)

var writeFileSchema = json.RawMessage(`
  {
    "type": "object",
    "properties": {
      "path": { "type": "string" },
      "content": { "type": "string" }
    },
    "required": ["path", "content"]
  }
`)

var editFileSchema = json.RawMessage(`
  {
    "type": "object",
    "properties": {
      "path": { "type": "string" },
      "edits": {
        "type": "array",
        "items": {
          "type": "object",
          "properties": {
            "oldText": { "type": "string" },
            "newText": { "type": "string" }
          },
          "required": ["oldText", "newText"]
        }
      },
      "dryRun": { "type": "boolean" }
    },
    "required": ["path", "edits"]
  }
`)

var moveFileSchema = json.RawMessage(`
  {
    "type": "object",
    "properties": {
      "source": { "type": "string" },
      "destination": { "type": "string" }
    },
    "required": ["source", "destination"]
  }
`)

var searchFilesSchema = json.RawMessage(`
  {
    "type": "object",
    "properties": {
      "path": { "type": "string" },
      "pattern": { "type": "string" },
      "excludePatterns": {
        "type": "array",
        "items": { "type": "string" }
      }
    },
    "required": ["path", "pattern"]
  }
`)

var emptySchema = json.RawMessage(`{ "type": "object" }`)
