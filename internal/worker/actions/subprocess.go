package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/opsrelay/opsrelay/internal/protocol"
)

// runCommand spawns argv (never a shell string) in dir with the given
// timeout. On timeout the whole process group is killed and a synthetic
// result with returncode -1 is produced. Output is decoded as UTF-8 with
// replacement and truncated.
func runCommand(ctx context.Context, dir string, timeout time.Duration, argv ...string) protocol.ExecResult {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	setProcAttr(cmd)
	cmd.Cancel = func() error { return killTree(cmd) }
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return protocol.ExecResult{
			ReturnCode: -1,
			Stdout:     truncate(decode(stdout.Bytes()), maxStdout),
			Stderr:     fmt.Sprintf("%s timed out after %ds", argv[0], int(timeout.Seconds())),
		}
	}

	rc := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			rc = exitErr.ExitCode()
		} else {
			return protocol.ExecResult{
				ReturnCode: -1,
				Stdout:     truncate(decode(stdout.Bytes()), maxStdout),
				Stderr:     truncate(err.Error(), maxStderr),
			}
		}
	}

	return protocol.ExecResult{
		ReturnCode: rc,
		Stdout:     truncate(decode(stdout.Bytes()), maxStdout),
		Stderr:     truncate(decode(stderr.Bytes()), maxStderr),
	}
}

// decode interprets raw subprocess output as UTF-8, replacing invalid bytes.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// truncate cuts s at limit bytes, appending a marker when cut.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [truncated]"
}
