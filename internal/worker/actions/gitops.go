package actions

import (
	"context"
	"fmt"
)

func gitStatus(ctx context.Context, params map[string]any) (any, error) {
	dir, err := stringParam(params, "working_dir")
	if err != nil {
		return nil, err
	}
	return runCommand(ctx, dir, DefaultTimeout, "git", "status", "--porcelain"), nil
}

func gitDiff(ctx context.Context, params map[string]any) (any, error) {
	dir, err := stringParam(params, "working_dir")
	if err != nil {
		return nil, err
	}
	return runCommand(ctx, dir, DefaultTimeout, "git", "diff", "--stat"), nil
}

func gitLog(ctx context.Context, params map[string]any) (any, error) {
	dir, err := stringParam(params, "working_dir")
	if err != nil {
		return nil, err
	}
	return runCommand(ctx, dir, DefaultTimeout, "git", "log", "--oneline", "-20"), nil
}

func gitCommit(ctx context.Context, params map[string]any) (any, error) {
	dir, err := stringParam(params, "working_dir")
	if err != nil {
		return nil, err
	}
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}
	if message == "" {
		return nil, fmt.Errorf("commit message must not be empty")
	}

	// Stage everything first; a failed add is the result.
	if add := runCommand(ctx, dir, DefaultTimeout, "git", "add", "-A"); add.ReturnCode != 0 {
		return add, nil
	}
	return runCommand(ctx, dir, DefaultTimeout, "git", "commit", "-m", message), nil
}

func gitPush(ctx context.Context, params map[string]any) (any, error) {
	dir, err := stringParam(params, "working_dir")
	if err != nil {
		return nil, err
	}
	return runCommand(ctx, dir, DefaultTimeout, "git", "push"), nil
}
