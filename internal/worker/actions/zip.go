package actions

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
)

// zipSkipDirs are directory names excluded from project archives.
var zipSkipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	".git":         true,
	"venv":         true,
	".venv":        true,
	"dist":         true,
	"build":        true,
	".next":        true,
}

// ZipProjectResult is the payload of a zip_project action.
type ZipProjectResult struct {
	ArchiveBase64  string `json:"archive_base64"`
	FileCount      int    `json:"file_count"`
	CompressedSize int    `json:"compressed_size"`
}

func zipProject(ctx context.Context, params map[string]any) (any, error) {
	dir, err := stringParam(params, "working_dir")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	count := 0
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if zipSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   filepath.ToSlash(rel),
			Method: zip.Deflate,
		})
		if err != nil {
			return fmt.Errorf("create archive entry: %w", err)
		}

		f, err := os.Open(path)
		if err != nil {
			return nil // vanished or unreadable, skip
		}
		_, copyErr := io.Copy(w, f)
		_ = f.Close()
		if copyErr != nil {
			return fmt.Errorf("archive %s: %w", rel, copyErr)
		}
		count++

		// Abort mid-walk once the compressed stream exceeds the cap.
		if buf.Len() > maxZipBytes {
			return fmt.Errorf("archive exceeds %d MiB limit", maxZipBytes>>20)
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	if buf.Len() > maxZipBytes {
		return nil, fmt.Errorf("archive exceeds %d MiB limit", maxZipBytes>>20)
	}

	return &ZipProjectResult{
		ArchiveBase64:  base64.StdEncoding.EncodeToString(buf.Bytes()),
		FileCount:      count,
		CompressedSize: buf.Len(),
	}, nil
}
