package sshexec

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pkg/sftp"

	"github.com/opsrelay/opsrelay/internal/worker/actions"
)

const (
	maxFileRead  = 64 * 1024
	maxFileWrite = 1 << 20
)

const (
	maxListEntries = 500
	maxListDepth   = 3
)

// sftpSession returns the cached SFTP client, creating it on first use.
func (e *Executor) sftpSession(ctx context.Context) (*sftp.Client, error) {
	client, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sftpc != nil {
		return e.sftpc, nil
	}
	c, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	e.sftpc = c
	return c, nil
}

// remotePath converts a jail-canonical path to SFTP notation. The SFTP
// protocol uses forward slashes even against Windows OpenSSH servers.
func (e *Executor) remotePath(p string) string {
	if e.opts.WindowsHost {
		return strings.ReplaceAll(p, `\`, "/")
	}
	return p
}

func (e *Executor) fileRead(ctx context.Context, params map[string]any) (any, error) {
	path, _ := params["file"].(string)

	c, err := e.sftpSession(ctx)
	if err != nil {
		if e.opts.WindowsHost {
			return e.fileReadPowerShell(ctx, path)
		}
		return nil, err
	}

	rp := e.remotePath(path)
	info, err := c.Stat(rp)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path %q is a directory", path)
	}

	f, err := c.Open(rp)
	if err != nil {
		if e.opts.WindowsHost {
			return e.fileReadPowerShell(ctx, path)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, maxFileRead)
	n, err := f.Read(buf)
	if err != nil && n == 0 && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read file: %w", err)
	}

	content := strings.ToValidUTF8(string(buf[:n]), "�")
	truncated := info.Size() > int64(maxFileRead)
	if truncated {
		content += "\n... [truncated at 64KiB]"
	}

	return &actions.FileReadResult{
		Path:      path,
		Content:   content,
		Size:      info.Size(),
		Truncated: truncated,
	}, nil
}

func (e *Executor) fileWrite(ctx context.Context, params map[string]any) (any, error) {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)
	if len(content) > maxFileWrite {
		return nil, fmt.Errorf("content exceeds maximum size of %d bytes", maxFileWrite)
	}

	c, err := e.sftpSession(ctx)
	if err != nil {
		if e.opts.WindowsHost {
			return e.fileWritePowerShell(ctx, path, content)
		}
		return nil, err
	}

	rp := e.remotePath(path)
	if err := c.MkdirAll(parentDir(rp)); err != nil {
		return nil, fmt.Errorf("create parent directories: %w", err)
	}
	f, err := c.Create(rp)
	if err != nil {
		if e.opts.WindowsHost {
			return e.fileWritePowerShell(ctx, path, content)
		}
		return nil, fmt.Errorf("create file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write([]byte(content)); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}
	return &actions.FileWriteResult{Path: path, Written: len(content)}, nil
}

func (e *Executor) createDirectory(ctx context.Context, params map[string]any) (any, error) {
	path, _ := params["path"].(string)

	c, err := e.sftpSession(ctx)
	if err != nil {
		if e.opts.WindowsHost {
			return e.createDirectoryPowerShell(ctx, path)
		}
		return nil, err
	}
	if err := c.MkdirAll(e.remotePath(path)); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	return map[string]any{"path": path, "created": true}, nil
}

func (e *Executor) listDirectory(ctx context.Context, params map[string]any) (any, error) {
	dir, _ := params["directory"].(string)

	c, err := e.sftpSession(ctx)
	if err != nil {
		if e.opts.WindowsHost {
			return e.listDirectoryPowerShell(ctx, dir)
		}
		return nil, err
	}

	result := &actions.ListDirectoryResult{Directory: dir, Entries: []string{}}
	if err := e.listInto(c, e.remotePath(dir), "", 1, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Executor) listInto(c *sftp.Client, dir, prefix string, depth int, result *actions.ListDirectoryResult) error {
	entries, err := c.ReadDir(dir)
	if err != nil {
		if prefix == "" {
			return fmt.Errorf("read directory: %w", err)
		}
		return nil // unreadable subdirectory, skip
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, info := range entries {
		if len(result.Entries) >= maxListEntries {
			result.Truncated = true
			return nil
		}
		rel := info.Name()
		if prefix != "" {
			rel = prefix + "/" + info.Name()
		}
		if info.IsDir() {
			result.Entries = append(result.Entries, "[DIR] "+rel)
			if depth < maxListDepth {
				if err := e.listInto(c, dir+"/"+info.Name(), rel, depth+1, result); err != nil {
					return err
				}
				if result.Truncated {
					return nil
				}
			}
			continue
		}
		result.Entries = append(result.Entries, fmt.Sprintf("%s (%d bytes)", rel, info.Size()))
	}
	return nil
}

// parentDir is filepath.Dir for forward-slash remote paths.
func parentDir(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

// PowerShell fallbacks for Windows hosts without a usable SFTP subsystem.

func (e *Executor) fileReadPowerShell(ctx context.Context, path string) (any, error) {
	res, err := e.runRemote(ctx, powershellScript("Get-Content -LiteralPath "+psQuote(path)+" -Raw"), actions.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if res.ReturnCode != 0 {
		return nil, fmt.Errorf("read file: %s", res.Stderr)
	}
	return &actions.FileReadResult{
		Path:    path,
		Content: res.Stdout,
		Size:    int64(len(res.Stdout)),
	}, nil
}

func (e *Executor) fileWritePowerShell(ctx context.Context, path, content string) (any, error) {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	script := "New-Item -ItemType Directory -Force -Path (Split-Path -Parent " + psQuote(path) + ") | Out-Null; " +
		"[IO.File]::WriteAllBytes(" + psQuote(path) + ", [Convert]::FromBase64String(" + psQuote(encoded) + "))"
	res, err := e.runRemote(ctx, powershellScript(script), actions.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if res.ReturnCode != 0 {
		return nil, fmt.Errorf("write file: %s", res.Stderr)
	}
	return &actions.FileWriteResult{Path: path, Written: len(content)}, nil
}

func (e *Executor) createDirectoryPowerShell(ctx context.Context, path string) (any, error) {
	res, err := e.runRemote(ctx, powershellScript("New-Item -ItemType Directory -Force -Path "+psQuote(path)+" | Out-Null"), actions.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if res.ReturnCode != 0 {
		return nil, fmt.Errorf("create directory: %s", res.Stderr)
	}
	return map[string]any{"path": path, "created": true}, nil
}

func (e *Executor) listDirectoryPowerShell(ctx context.Context, dir string) (any, error) {
	script := "Get-ChildItem -LiteralPath " + psQuote(dir) + " | ForEach-Object { " +
		`if ($_.PSIsContainer) { "[DIR] " + $_.Name } else { "$($_.Name) ($($_.Length) bytes)" } }`
	res, err := e.runRemote(ctx, powershellScript(script), actions.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if res.ReturnCode != 0 {
		return nil, fmt.Errorf("read directory: %s", res.Stderr)
	}

	result := &actions.ListDirectoryResult{Directory: dir, Entries: []string{}}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			result.Entries = append(result.Entries, line)
		}
	}
	return result, nil
}
