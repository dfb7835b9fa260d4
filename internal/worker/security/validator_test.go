package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, roots ...string) *Validator {
	t.Helper()
	if len(roots) == 0 {
		roots = []string{t.TempDir()}
	}
	v, err := NewValidator(&StopFlag{},
		[]string{"git_status", "file_read"},
		[]string{"git_commit"},
		[]string{"system_shutdown"},
		roots)
	require.NoError(t, err)
	return v
}

func TestValidateAction_Tiers(t *testing.T) {
	v := newTestValidator(t)

	tier, err := v.ValidateAction("git_status")
	require.NoError(t, err)
	require.Equal(t, TierAuto, tier)

	tier, err = v.ValidateAction("git_commit")
	require.NoError(t, err)
	require.Equal(t, TierConfirm, tier)

	_, err = v.ValidateAction("system_shutdown")
	var viol *Violation
	require.ErrorAs(t, err, &viol)
	require.Equal(t, OutcomeBlocked, viol.Outcome)
	require.Contains(t, viol.Reason, "explicitly blocked")

	_, err = v.ValidateAction("rm_everything")
	require.ErrorAs(t, err, &viol)
	require.Contains(t, viol.Reason, "implicitly blocked")
}

func TestValidateAction_EmergencyStop(t *testing.T) {
	stop := &StopFlag{}
	v, err := NewValidator(stop, []string{"git_status"}, nil, nil, []string{t.TempDir()})
	require.NoError(t, err)

	stop.Set()
	_, err = v.ValidateAction("git_status")
	var viol *Violation
	require.ErrorAs(t, err, &viol)
	require.Equal(t, OutcomeBlocked, viol.Outcome)
	require.Contains(t, viol.Reason, "Emergency stop")

	stop.Clear()
	_, err = v.ValidateAction("git_status")
	require.NoError(t, err)
}

func TestValidateParams_ShellMeta(t *testing.T) {
	v := newTestValidator(t)

	for _, meta := range []string{";", "&", "|", "`", "$", "(", ")", "{", "}", "!", "<", ">", `"`, "'"} {
		err := v.ValidateParams(map[string]any{"working_dir": "/tmp/x" + meta})
		var viol *Violation
		require.ErrorAs(t, err, &viol, "metacharacter %q", meta)
		require.Contains(t, viol.Reason, "shell metacharacters")
	}
}

func TestValidateParams_ExemptKeys(t *testing.T) {
	v := newTestValidator(t)

	err := v.ValidateParams(map[string]any{
		"content": "echo $(whoami); rm -rf /",
		"message": "fix(parser): don't crash on `nil`",
	})
	require.NoError(t, err)
}

func TestValidateParams_LengthCap(t *testing.T) {
	v := newTestValidator(t)

	require.NoError(t, v.ValidateParams(map[string]any{"name": strings.Repeat("a", 4096)}))

	err := v.ValidateParams(map[string]any{"name": strings.Repeat("a", 4097)})
	var viol *Violation
	require.ErrorAs(t, err, &viol)
	require.Contains(t, viol.Reason, "maximum length")
}

func TestValidateParams_ExemptKeysNotLengthCapped(t *testing.T) {
	v := newTestValidator(t)

	// Free-text keys carry payloads far beyond the generic cap; a full
	// 1 MiB file body must pass sanitisation untouched. Size limits on
	// these keys belong to the consuming executor.
	require.NoError(t, v.ValidateParams(map[string]any{"content": strings.Repeat("a", 4097)}))
	require.NoError(t, v.ValidateParams(map[string]any{"content": strings.Repeat("a", 1<<20)}))
	require.NoError(t, v.ValidateParams(map[string]any{"message": strings.Repeat("m", 8192)}))
}

func TestValidateParams_NonStringSkipped(t *testing.T) {
	v := newTestValidator(t)
	require.NoError(t, v.ValidateParams(map[string]any{"count": 42, "flags": []any{"$("}}))
}

func TestValidatePathParams_InsideRoot(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "demo")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	v := newTestValidator(t, root)

	params := map[string]any{"working_dir": sub}
	require.NoError(t, v.ValidatePathParams(params))

	// The canonical path is substituted back.
	canon := params["working_dir"].(string)
	require.True(t, filepath.IsAbs(canon))
	require.Contains(t, canon, "demo")
}

func TestValidatePathParams_Escape(t *testing.T) {
	root := t.TempDir()
	v := newTestValidator(t, root)

	err := v.ValidatePathParams(map[string]any{"file": "/etc/passwd"})
	var viol *Violation
	require.ErrorAs(t, err, &viol)
	require.Contains(t, viol.Reason, "outside allowed roots")
}

func TestValidatePathParams_DotDotEscape(t *testing.T) {
	root := t.TempDir()
	v := newTestValidator(t, root)

	err := v.ValidatePathParams(map[string]any{"path": filepath.Join(root, "..", "elsewhere")})
	var viol *Violation
	require.ErrorAs(t, err, &viol)
}

func TestValidatePathParams_PrefixSibling(t *testing.T) {
	// /tmp/xyzroot-evil must not pass for root /tmp/xyzroot.
	base := t.TempDir()
	root := filepath.Join(base, "jail")
	evil := filepath.Join(base, "jail-evil")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(evil, 0o755))
	v := newTestValidator(t, root)

	err := v.ValidatePathParams(map[string]any{"path": evil})
	var viol *Violation
	require.ErrorAs(t, err, &viol)
}

func TestValidatePathParams_EmptyAndWhitespace(t *testing.T) {
	v := newTestValidator(t)

	for _, bad := range []string{"", "   ", "\t"} {
		err := v.ValidatePathParams(map[string]any{"directory": bad})
		var viol *Violation
		require.ErrorAs(t, err, &viol)
	}
}

func TestValidatePathParams_NewFileUnderRoot(t *testing.T) {
	root := t.TempDir()
	v := newTestValidator(t, root)

	// Target does not exist yet; the existing ancestor resolves the jail.
	params := map[string]any{"path": filepath.Join(root, "new", "file.txt")}
	require.NoError(t, v.ValidatePathParams(params))
}

func TestNewValidator_RequiresRoots(t *testing.T) {
	_, err := NewValidator(&StopFlag{}, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestViolation_IsError(t *testing.T) {
	var err error = Blocked("Action '%s' is implicitly blocked", "x")
	var viol *Violation
	require.True(t, errors.As(err, &viol))
	require.Equal(t, TierBlocked, viol.Tier)
}
