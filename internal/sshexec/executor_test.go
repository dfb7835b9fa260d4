package sshexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrelay/opsrelay/internal/protocol"
	"github.com/opsrelay/opsrelay/internal/worker/actions"
	"github.com/opsrelay/opsrelay/internal/worker/ratelimit"
)

// newTestExecutor builds an Executor that never dials: only validation and
// command construction are exercised here.
func newTestExecutor(t *testing.T, windows bool, roots ...string) *Executor {
	t.Helper()

	if len(roots) == 0 {
		if windows {
			roots = []string{`C:\projects`}
		} else {
			roots = []string{"/srv/projects"}
		}
	}
	e, err := New(Options{
		Host:        "198.51.100.7",
		User:        "ops",
		Password:    "unused",
		WindowsHost: windows,
		Roots:       roots,
	})
	require.NoError(t, err)
	return e
}

func TestExecute_BlockedActions(t *testing.T) {
	e := newTestExecutor(t, false)

	resp, err := e.Execute(context.Background(), &protocol.ActionRequest{Action: "system_shutdown"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "explicitly blocked")

	resp, err = e.Execute(context.Background(), &protocol.ActionRequest{Action: "format_disk"})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "implicitly blocked")
}

func TestExecute_RateLimited(t *testing.T) {
	e := newTestExecutor(t, false)
	e.limiter = ratelimit.New(1, time.Minute)

	// First request consumes the window; it fails later in the chain.
	resp, err := e.Execute(context.Background(), &protocol.ActionRequest{Action: "file_read"})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "missing required parameter")

	resp, err = e.Execute(context.Background(), &protocol.ActionRequest{Action: "file_read"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "Rate limit exceeded: 1 actions per 60s")

	// Blocked actions never reach the limiter, matching the worker.
	resp, err = e.Execute(context.Background(), &protocol.ActionRequest{Action: "system_shutdown"})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "explicitly blocked")
}

func TestExecute_MissingRequiredParam(t *testing.T) {
	e := newTestExecutor(t, false)

	resp, err := e.Execute(context.Background(), &protocol.ActionRequest{Action: "file_read"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "missing required parameter 'file'")
}

func TestExecute_JailRejectsOutsidePaths(t *testing.T) {
	e := newTestExecutor(t, false)

	resp, err := e.Execute(context.Background(), &protocol.ActionRequest{
		Action: "file_read",
		Params: map[string]any{"file": "/etc/shadow"},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "outside allowed roots")
}

func TestExecute_ShellMetaRejected(t *testing.T) {
	e := newTestExecutor(t, false)

	resp, err := e.Execute(context.Background(), &protocol.ActionRequest{
		Action: "run_script",
		Params: map[string]any{"working_dir": "/srv/projects/app", "script": "build;rm"},
		// Pre-confirmed so the sanitiser, not the confirmation gate, rejects.
		Confirmed: true,
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "shell metacharacters")
}

func TestExecute_ConfirmTierNeedsConfirmed(t *testing.T) {
	e := newTestExecutor(t, false)

	resp, err := e.Execute(context.Background(), &protocol.ActionRequest{
		Action: "git_commit",
		Params: map[string]any{"working_dir": "/srv/projects/app", "message": "fix"},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "requires confirmation")
}

func TestExecute_UnsupportedActions(t *testing.T) {
	e := newTestExecutor(t, false)

	for _, action := range []string{"ollama_chat", "zip_project"} {
		params := map[string]any{"messages": []any{}, "working_dir": "/srv/projects"}
		resp, err := e.Execute(context.Background(), &protocol.ActionRequest{Action: action, Params: params})
		require.NoError(t, err)
		assert.Contains(t, resp.Error, "not supported by the SSH executor", "action %s", action)
	}
}

func TestCommand_Posix(t *testing.T) {
	e := newTestExecutor(t, false)

	cmd, timeout, err := e.command("git_status", map[string]any{"working_dir": "/srv/projects/app"})
	require.NoError(t, err)
	assert.Equal(t, "cd '/srv/projects/app' && 'git' 'status' '--porcelain'", cmd)
	assert.Equal(t, actions.DefaultTimeout, timeout)

	cmd, _, err = e.command("git_commit", map[string]any{
		"working_dir": "/srv/projects/app",
		"message":     "fix the build; again",
	})
	require.NoError(t, err)
	assert.Equal(t, "cd '/srv/projects/app' && git add -A && git commit -m 'fix the build; again'", cmd)

	_, timeout, err = e.command("install_dependencies", map[string]any{
		"working_dir": "/srv/projects/app",
		"manager":     "pip",
	})
	require.NoError(t, err)
	assert.Equal(t, actions.InstallTimeout, timeout)
}

func TestCommand_Windows(t *testing.T) {
	e := newTestExecutor(t, true)

	cmd, _, err := e.command("git_status", map[string]any{"working_dir": `c:\projects\app`})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cmd, "powershell -NoProfile -NonInteractive -EncodedCommand "))

	script := decodePowerShell(t, cmd)
	assert.Contains(t, script, `Set-Location -LiteralPath 'c:\projects\app'`)
	assert.Contains(t, script, "& 'git' 'status' '--porcelain'")
}

func TestCommand_ValidationMatchesWorker(t *testing.T) {
	e := newTestExecutor(t, false)
	dir := map[string]any{"working_dir": "/srv/projects/app"}

	_, _, err := e.command("docker_build", map[string]any{"working_dir": "/srv/projects/app", "tag": "bad tag"})
	require.ErrorContains(t, err, "invalid docker tag")

	_, _, err = e.command("run_script", map[string]any{"working_dir": "/srv/projects/app", "script": "a b"})
	require.ErrorContains(t, err, "invalid script name")

	_, _, err = e.command("install_dependencies", map[string]any{"working_dir": "/srv/projects/app", "manager": "cargo"})
	require.ErrorContains(t, err, "unknown package manager")

	_, _, err = e.command("close_app", map[string]any{"app": "winlogon"})
	require.ErrorContains(t, err, "not in the allowed list")

	_, _, err = e.command("git_diff", dir)
	require.NoError(t, err)
}

func TestTarget(t *testing.T) {
	e := newTestExecutor(t, false)
	assert.Equal(t, "ops@198.51.100.7:22", e.Target())
}
