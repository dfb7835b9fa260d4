package sshexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJail_Linux(t *testing.T) {
	j, err := NewJail([]string{"/srv/projects"}, false)
	require.NoError(t, err)

	require.NoError(t, j.CheckParams(map[string]any{"path": "/srv/projects/app/main.py"}))

	params := map[string]any{"path": "/srv/projects/app/../app2/x"}
	require.NoError(t, j.CheckParams(params))
	assert.Equal(t, "/srv/projects/app2/x", params["path"], "canonical path substituted back")

	err = j.CheckParams(map[string]any{"path": "/srv/projects/../../etc/passwd"})
	require.ErrorContains(t, err, "outside allowed roots")

	err = j.CheckParams(map[string]any{"path": "/etc/passwd"})
	require.ErrorContains(t, err, "outside allowed roots")

	err = j.CheckParams(map[string]any{"path": "relative/path"})
	require.ErrorContains(t, err, "could not be resolved")
}

func TestJail_Windows(t *testing.T) {
	j, err := NewJail([]string{`C:\Projects`}, true)
	require.NoError(t, err)

	params := map[string]any{"working_dir": `C:/Projects/App`}
	require.NoError(t, j.CheckParams(params))
	assert.Equal(t, `c:\projects\app`, params["working_dir"], "lowercased backslash form")

	err = j.CheckParams(map[string]any{"working_dir": `D:\Projects\App`})
	require.ErrorContains(t, err, "outside allowed roots")

	err = j.CheckParams(map[string]any{"working_dir": `C:\Projects\..\Windows`})
	require.ErrorContains(t, err, "outside allowed roots")
}

func TestJail_DriveRootIsUsableRoot(t *testing.T) {
	j, err := NewJail([]string{`C:\`}, true)
	require.NoError(t, err)

	require.NoError(t, j.CheckParams(map[string]any{"path": `C:\anything\here`}))
	err = j.CheckParams(map[string]any{"path": `D:\other`})
	require.ErrorContains(t, err, "outside allowed roots")
}

func TestJail_OnlyPathKeysChecked(t *testing.T) {
	j, err := NewJail([]string{"/srv"}, false)
	require.NoError(t, err)

	// Non-path parameters are ignored even if they look like paths.
	require.NoError(t, j.CheckParams(map[string]any{"message": "/etc/passwd"}))
}

func TestJail_EmptyPathRejected(t *testing.T) {
	j, err := NewJail([]string{"/srv"}, false)
	require.NoError(t, err)

	err = j.CheckParams(map[string]any{"path": "   "})
	require.ErrorContains(t, err, "non-empty path")
}

func TestNewJail_RequiresRoots(t *testing.T) {
	_, err := NewJail(nil, false)
	require.Error(t, err)

	_, err = NewJail([]string{"relative"}, false)
	require.Error(t, err)
}
