package actions

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZipProject_SkipsExcludedDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "left-pad"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "left-pad", "index.js"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "lib.go"), []byte("package src"), 0o644))

	out, err := zipProject(context.Background(), map[string]any{"working_dir": dir})
	require.NoError(t, err)

	result := out.(*ZipProjectResult)
	require.Equal(t, 2, result.FileCount)

	raw, err := base64.StdEncoding.DecodeString(result.ArchiveBase64)
	require.NoError(t, err)
	require.Equal(t, len(raw), result.CompressedSize)

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.ElementsMatch(t, []string{"main.go", "src/lib.go"}, names)
}

func TestZipProject_RoundTripContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("archive me"), 0o644))

	out, err := zipProject(context.Background(), map[string]any{"working_dir": dir})
	require.NoError(t, err)
	result := out.(*ZipProjectResult)

	raw, err := base64.StdEncoding.DecodeString(result.ArchiveBase64)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	require.Equal(t, "archive me", buf.String())
}
