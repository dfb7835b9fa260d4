package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// FileReadResult is the payload of a file_read action.
type FileReadResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
}

func fileRead(_ context.Context, params map[string]any) (any, error) {
	path, err := stringParam(params, "file")
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path %q is a directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	// ReadFull keeps reading on short counts so a slow reader cannot
	// silently truncate below the cap without the marker.
	buf := make([]byte, maxFileRead)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read file: %w", err)
	}

	content := decode(buf[:n])
	truncated := info.Size() > int64(maxFileRead)
	if truncated {
		content += "\n... [truncated at 64KiB]"
	}

	return &FileReadResult{
		Path:      path,
		Content:   content,
		Size:      info.Size(),
		Truncated: truncated,
	}, nil
}

// FileWriteResult is the payload of a file_write action.
type FileWriteResult struct {
	Path    string `json:"path"`
	Written int    `json:"written"`
}

func fileWrite(_ context.Context, params map[string]any) (any, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringParam(params, "content")
	if err != nil {
		return nil, err
	}
	if len(content) > maxFileWrite {
		return nil, fmt.Errorf("content exceeds maximum size of %d bytes", maxFileWrite)
	}

	// The parent path already satisfies the path-jail; creating it is safe.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	return &FileWriteResult{Path: path, Written: len(content)}, nil
}

func createDirectory(_ context.Context, params map[string]any) (any, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	return map[string]any{"path": path, "created": true}, nil
}

// ListDirectoryResult is the payload of a list_directory action.
type ListDirectoryResult struct {
	Directory string   `json:"directory"`
	Entries   []string `json:"entries"`
	Truncated bool     `json:"truncated"`
}

const (
	maxListEntries = 500
	maxListDepth   = 3
)

func listDirectory(_ context.Context, params map[string]any) (any, error) {
	dir, err := stringParam(params, "directory")
	if err != nil {
		return nil, err
	}

	result := &ListDirectoryResult{Directory: dir, Entries: []string{}}
	if err := listInto(dir, "", 1, result); err != nil {
		return nil, err
	}
	return result, nil
}

// listInto appends formatted entries for dir, recursing up to maxListDepth.
// Entries within each directory are alphabetical; directories carry a
// "[DIR]" prefix, files their size in bytes.
func listInto(dir, prefix string, depth int, result *ListDirectoryResult) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if prefix == "" {
			return fmt.Errorf("read directory: %w", err)
		}
		return nil // unreadable subdirectory, skip
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if len(result.Entries) >= maxListEntries {
			result.Truncated = true
			return nil
		}
		rel := e.Name()
		if prefix != "" {
			rel = prefix + "/" + e.Name()
		}
		if e.IsDir() {
			result.Entries = append(result.Entries, "[DIR] "+rel)
			if depth < maxListDepth {
				if err := listInto(filepath.Join(dir, e.Name()), rel, depth+1, result); err != nil {
					return err
				}
				if result.Truncated {
					return nil
				}
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		result.Entries = append(result.Entries, fmt.Sprintf("%s (%d bytes)", rel, info.Size()))
	}
	return nil
}
