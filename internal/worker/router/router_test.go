package router

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsrelay/opsrelay/internal/protocol"
	"github.com/opsrelay/opsrelay/internal/worker/actions"
	"github.com/opsrelay/opsrelay/internal/worker/approval"
	"github.com/opsrelay/opsrelay/internal/worker/audit"
	"github.com/opsrelay/opsrelay/internal/worker/locks"
	"github.com/opsrelay/opsrelay/internal/worker/ratelimit"
	"github.com/opsrelay/opsrelay/internal/worker/security"
)

type stubApprover struct {
	decision approval.Decision
	called   bool
}

func (s *stubApprover) Prompt(context.Context, string, string, map[string]any) approval.Decision {
	s.called = true
	return s.decision
}

func newTestRouter(t *testing.T, root string, approver Approver, maxRate int) (*Router, *security.StopFlag) {
	t.Helper()

	stop := &security.StopFlag{}
	registry := actions.NewRegistry()
	validator, err := security.NewValidator(
		stop,
		registry.TierNames(security.TierAuto),
		registry.TierNames(security.TierConfirm),
		actions.ExplicitlyBlocked,
		[]string{root},
	)
	require.NoError(t, err)

	auditLog := audit.New(t.TempDir())
	t.Cleanup(auditLog.Close)

	return New(ratelimit.New(maxRate, time.Minute), validator, registry, locks.NewSet(), approver, auditLog), stop
}

func TestDispatch_FileWriteSucceeds(t *testing.T) {
	root := t.TempDir()
	r, _ := newTestRouter(t, root, &stubApprover{}, 100)

	target := filepath.Join(root, "out.txt")
	resp := r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action: "file_write",
		Params: map[string]any{"path": target, "content": "hello"},
	})

	require.Equal(t, protocol.StatusSuccess, resp.Status)
	require.NotEmpty(t, resp.RequestID)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestDispatch_FileWriteFullSizeContent(t *testing.T) {
	root := t.TempDir()
	r, _ := newTestRouter(t, root, &stubApprover{}, 100)

	// A maximum-size body passes the whole gate chain; only the
	// executor's own cap may refuse content, one byte higher.
	target := filepath.Join(root, "big.bin")
	resp := r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action: "file_write",
		Params: map[string]any{"path": target, "content": strings.Repeat("a", 1<<20)},
	})
	require.Equal(t, protocol.StatusSuccess, resp.Status)

	info, err := os.Stat(target)
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), info.Size())

	resp = r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action: "file_write",
		Params: map[string]any{"path": target, "content": strings.Repeat("a", 1<<20+1)},
	})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Contains(t, resp.Error, "maximum size")
}

func TestDispatch_ExplicitlyBlocked(t *testing.T) {
	r, _ := newTestRouter(t, t.TempDir(), &stubApprover{}, 100)

	resp := r.Dispatch(context.Background(), &protocol.ActionRequest{Action: "system_shutdown"})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Contains(t, resp.Error, "explicitly blocked")
}

func TestDispatch_UnknownActionBlocked(t *testing.T) {
	r, _ := newTestRouter(t, t.TempDir(), &stubApprover{}, 100)

	resp := r.Dispatch(context.Background(), &protocol.ActionRequest{Action: "format_disk"})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Contains(t, resp.Error, "implicitly blocked")
}

func TestDispatch_EmergencyStop(t *testing.T) {
	root := t.TempDir()
	r, stop := newTestRouter(t, root, &stubApprover{}, 100)
	stop.Set()

	resp := r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action: "file_read",
		Params: map[string]any{"file": filepath.Join(root, "x")},
	})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Contains(t, resp.Error, "Emergency stop is active")
}

func TestDispatch_RateLimited(t *testing.T) {
	root := t.TempDir()
	r, _ := newTestRouter(t, root, &stubApprover{}, 1)

	first := r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action: "file_write",
		Params: map[string]any{"path": filepath.Join(root, "a"), "content": "x"},
	})
	require.Equal(t, protocol.StatusSuccess, first.Status)

	second := r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action: "file_write",
		Params: map[string]any{"path": filepath.Join(root, "b"), "content": "x"},
	})
	require.Equal(t, protocol.StatusError, second.Status)
	require.Contains(t, second.Error, "Rate limit exceeded")
}

func TestDispatch_PathOutsideRoots(t *testing.T) {
	r, _ := newTestRouter(t, t.TempDir(), &stubApprover{}, 100)

	resp := r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action: "file_read",
		Params: map[string]any{"file": "/etc/passwd"},
	})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Contains(t, resp.Error, "outside allowed roots")
}

func TestDispatch_ShellMetacharsRejected(t *testing.T) {
	r, _ := newTestRouter(t, t.TempDir(), &stubApprover{}, 100)

	resp := r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action: "list_directory",
		Params: map[string]any{"directory": "x; rm -rf /"},
	})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Contains(t, resp.Error, "shell metacharacters")
}

func TestDispatch_MissingRequiredParam(t *testing.T) {
	root := t.TempDir()
	r, _ := newTestRouter(t, root, &stubApprover{}, 100)

	resp := r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action: "file_write",
		Params: map[string]any{"path": filepath.Join(root, "a")},
	})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Contains(t, resp.Error, "missing required parameter 'content'")
}

func TestDispatch_ConfirmTierDenied(t *testing.T) {
	root := t.TempDir()
	approver := &stubApprover{decision: approval.Denied}
	r, _ := newTestRouter(t, root, approver, 100)

	resp := r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action: "git_commit",
		Params: map[string]any{"working_dir": root, "message": "m"},
	})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Equal(t, "Operator denied the action.", resp.Error)
	require.True(t, approver.called)
}

func TestDispatch_ConfirmTierTimeoutDenies(t *testing.T) {
	root := t.TempDir()
	approver := &stubApprover{decision: approval.TimedOut}
	r, _ := newTestRouter(t, root, approver, 100)

	resp := r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action: "install_dependencies",
		Params: map[string]any{"working_dir": root},
	})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Equal(t, "Operator denied the action.", resp.Error)
}

func TestDispatch_PreConfirmedSkipsPrompt(t *testing.T) {
	approver := &stubApprover{decision: approval.Denied}
	r, _ := newTestRouter(t, t.TempDir(), approver, 100)

	// chrome is in the allowlist; whether any process matches is irrelevant
	// here, the point is that the approver must not be consulted.
	r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action:    "close_app",
		Params:    map[string]any{"app": "chrome"},
		Confirmed: true,
	})
	require.False(t, approver.called)
}

func TestDispatch_AssignsRequestID(t *testing.T) {
	root := t.TempDir()
	r, _ := newTestRouter(t, root, &stubApprover{}, 100)

	resp := r.Dispatch(context.Background(), &protocol.ActionRequest{
		Action: "create_directory",
		Params: map[string]any{"path": filepath.Join(root, "sub")},
	})
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	require.NotEmpty(t, resp.RequestID)
}

func TestCapabilities(t *testing.T) {
	r, _ := newTestRouter(t, t.TempDir(), &stubApprover{}, 100)

	caps := r.Capabilities()
	require.Contains(t, caps, "file_read")
	require.Contains(t, caps, "git_commit")
	require.NotContains(t, caps, "system_shutdown")
}
