package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/meanwhile131/deepseek-cli/config"
	"github.com/meanwhile131/deepseek-cli/errors"
)

const (
	searchMarker  = "<<<<<<< SEARCH"
	sepMarker     = "======="
	replaceMarker = ">>>>>>> REPLACE"
)

// SearchReplaceTool applies one SEARCH/REPLACE block to a file.
type SearchReplaceTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *SearchReplaceTool) Name() string { return "apply_search_replace" }
func (t *SearchReplaceTool) Description() string {
	return "applies a search/replace block to a file. will create the file if it doesn't exist. " +
		"arguments: file path, then newline, then the block with " + searchMarker + ", " + sepMarker + ", and " + replaceMarker + " markers"
}

// parseBlock returns the path and the search and replace texts.
func parseBlock(args string) (path, search, replace string, err error) {
	lines := strings.Split(strings.ReplaceAll(args, "\r\n", "\n"), "\n")
	path = strings.TrimSpace(lines[0])
	if path == "" {
		return "", "", "", errors.New("missing file path")
	}
	block := lines[1:]

	searchIdx, sepIdx, replaceIdx := -1, -1, -1
	for i, line := range block {
		switch {
		case line == searchMarker && searchIdx < 0:
			searchIdx = i
		case line == sepMarker && searchIdx >= 0 && sepIdx < 0:
			sepIdx = i
		case line == replaceMarker && sepIdx >= 0 && replaceIdx < 0:
			replaceIdx = i
		}
		if replaceIdx >= 0 {
			break
		}
	}
	switch {
	case searchIdx < 0:
		return "", "", "", errors.New("could not find %s marker line", searchMarker)
	case sepIdx < 0:
		return "", "", "", errors.New("could not find %s marker line", sepMarker)
	case replaceIdx < 0:
		return "", "", "", errors.New("could not find %s marker line", replaceMarker)
	}
	search = strings.Join(block[searchIdx+1:sepIdx], "\n")
	replace = strings.Join(block[sepIdx+1:replaceIdx], "\n")
	return path, search, replace, nil
}

func (t *SearchReplaceTool) Execute(ctx context.Context, args string) (string, error) {
	path, search, replace, err := parseBlock(args)
	if err != nil {
		return "", err
	}
	if err := checkWritable(path, t.fsAccess); err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	content := string(data)

	var updated string
	count := 0
	switch {
	case search == "" && content == "":
		// New or empty file: the replace text becomes its content.
		updated, count = replace, 1
	case search == "":
		return "", errors.New("empty search block is only allowed for new or empty files")
	default:
		count = strings.Count(content, search)
		if count == 0 {
			return "", errors.New("search string not found in file '%s'", path)
		}
		updated = strings.ReplaceAll(content, search, replace)
	}

	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", count, path), nil
}
