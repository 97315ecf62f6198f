package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/meanwhile131/deepseek-cli/config"
	"github.com/meanwhile131/deepseek-cli/errors"
)

// maxListedFiles caps list_files output so a large tree cannot flood the
// conversation.
const maxListedFiles = 1000

// singlePath extracts the only argument of a path-taking tool.
func singlePath(args string) (string, error) {
	path := strings.TrimSpace(args)
	if path == "" {
		return "", errors.New("missing path argument")
	}
	return path, nil
}

// ListFilesTool lists a directory tree.
type ListFilesTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ListFilesTool) Name() string { return "list_files" }
func (t *ListFilesTool) Description() string {
	return "lists files recursively (first and only argument is the directory)"
}

func (t *ListFilesTool) Execute(ctx context.Context, args string) (string, error) {
	dir, err := singlePath(args)
	if err != nil {
		return "", err
	}
	if err := checkReadable(dir, t.fsAccess); err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list '%s'", dir)
	}
	if !info.IsDir() {
		return "", errors.New("'%s' is not a directory", dir)
	}

	var entries []string
	more := 0
	err = doublestar.GlobWalk(os.DirFS(dir), "**", func(p string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == "." {
			return nil
		}
		if inGitDir(p) {
			return nil
		}
		full := filepath.Join(dir, filepath.FromSlash(p))
		if hidden, _ := isPathRestricted(full, t.fsAccess.Hidden); hidden {
			return nil
		}
		if len(entries) == maxListedFiles {
			more++
			return nil
		}
		if d.IsDir() {
			full += string(filepath.Separator)
		}
		entries = append(entries, full)
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to list '%s'", dir)
	}
	if more > 0 {
		entries = append(entries, fmt.Sprintf("... and %d more", more))
	}
	return strings.Join(entries, "\n"), nil
}

func inGitDir(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".git" {
			return true
		}
	}
	return false
}

// CreateDirectoryTool creates a directory and any missing parents.
type CreateDirectoryTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *CreateDirectoryTool) Name() string { return "create_directory" }
func (t *CreateDirectoryTool) Description() string {
	return "creates a directory (first and only argument is the directory)"
}

func (t *CreateDirectoryTool) Execute(ctx context.Context, args string) (string, error) {
	dir, err := singlePath(args)
	if err != nil {
		return "", err
	}
	if err := checkWritable(dir, t.fsAccess); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create directory '%s'", dir)
	}
	return fmt.Sprintf("Created directory at %s", dir), nil
}

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "outputs the text contents of a file (first and only argument is the file path)"
}

func (t *ReadFileTool) Execute(ctx context.Context, args string) (string, error) {
	path, err := singlePath(args)
	if err != nil {
		return "", err
	}
	if err := checkReadable(path, t.fsAccess); err != nil {
		return "", err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "overwrites a file with specified contents. arguments: path, then newline, then all of the contents (don't escape anything)"
}

func (t *WriteFileTool) Execute(ctx context.Context, args string) (string, error) {
	first, content, found := strings.Cut(args, "\n")
	path := strings.TrimSpace(first)
	if !found || path == "" {
		return "", errors.New("expected the file path, a newline, then the contents")
	}
	if err := checkWritable(path, t.fsAccess); err != nil {
		return "", err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Written %d bytes to %s", len(content), path), nil
}
