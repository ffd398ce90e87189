package filesystem

import (
	"fmt"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// applyFileEdits applies edits to the file at path and returns the diff of the change as a fenced
// block. The file is left untouched when dryRun is set.
func applyFileEdits(path string, edits []EditOperation, dryRun bool) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	modified, err := applyEdits(string(content), edits)
	if err != nil {
		return "", err
	}
	diff := fenceDiff(unifiedDiff(string(content), modified, path))

	if !dryRun {
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("failed to stat file: %w", err)
		}
		if err := os.WriteFile(path, []byte(modified), info.Mode().Perm()); err != nil {
			return "", fmt.Errorf("failed to write file: %w", err)
		}
	}
	return diff, nil
}

// applyEdits replaces the first occurrence of each OldText in turn. When there is no exact match,
// a block of lines equal after trimming whitespace is replaced instead and NewText is re-indented
// to the block's indentation.
func applyEdits(content string, edits []EditOperation) (string, error) {
	modified := normalizeLineEndings(content)

	for i, edit := range edits {
		oldText := normalizeLineEndings(edit.OldText)
		newText := normalizeLineEndings(edit.NewText)
		if oldText == "" {
			return "", fmt.Errorf("edit %d: oldText is empty", i)
		}

		if strings.Contains(modified, oldText) {
			modified = strings.Replace(modified, oldText, newText, 1)
			continue
		}

		replaced, ok := replaceLines(modified, oldText, newText)
		if !ok {
			return "", fmt.Errorf("edit %d: could not find a match for:\n%s", i, edit.OldText)
		}
		modified = replaced
	}
	return modified, nil
}

func replaceLines(content, oldText, newText string) (string, bool) {
	oldLines := strings.Split(oldText, "\n")
	lines := strings.Split(content, "\n")

	for start := 0; start+len(oldLines) <= len(lines); start++ {
		if !sameTrimmed(lines[start:start+len(oldLines)], oldLines) {
			continue
		}

		indent := leadingWhitespace(lines[start])
		newLines := reindent(indent, oldLines, strings.Split(newText, "\n"))

		result := make([]string, 0, len(lines)-len(oldLines)+len(newLines))
		result = append(result, lines[:start]...)
		result = append(result, newLines...)
		result = append(result, lines[start+len(oldLines):]...)
		return strings.Join(result, "\n"), true
	}
	return content, false
}

func sameTrimmed(block, oldLines []string) bool {
	for i, line := range oldLines {
		if strings.TrimSpace(line) != strings.TrimSpace(block[i]) {
			return false
		}
	}
	return true
}

// reindent moves newLines under indent, keeping each line's indentation relative to the old line
// at the same position.
func reindent(indent string, oldLines, newLines []string) []string {
	result := make([]string, 0, len(newLines))
	for i, line := range newLines {
		trimmed := strings.TrimLeft(line, " \t")
		switch {
		case i == 0:
			result = append(result, indent+trimmed)
		case strings.TrimSpace(line) == "":
			result = append(result, indent)
		default:
			oldIndent := ""
			if i < len(oldLines) {
				oldIndent = leadingWhitespace(oldLines[i])
			}
			extra := max(0, len(leadingWhitespace(line))-len(oldIndent))
			result = append(result, indent+strings.Repeat(" ", extra)+trimmed)
		}
	}
	return result
}

func leadingWhitespace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func unifiedDiff(original, modified, path string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(normalizeLineEndings(original), modified, true)
	patches := dmp.PatchMake(normalizeLineEndings(original), diffs)

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s (original)\n", path)
	fmt.Fprintf(&b, "+++ %s (modified)\n", path)
	b.WriteString(dmp.PatchToText(patches))
	return b.String()
}

// fenceDiff wraps diff in a code fence longer than any backtick run inside it.
func fenceDiff(diff string) string {
	fence := "```"
	for strings.Contains(diff, fence) {
		fence += "`"
	}
	return fmt.Sprintf("%s diff\n%s%s\n", fence, diff, fence)
}
