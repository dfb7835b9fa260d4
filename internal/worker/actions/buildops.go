package actions

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"time"
)

// DockerTag validates image tags before they are placed in argv.
var DockerTag = regexp.MustCompile(`^[A-Za-z0-9._/:@-]+$`)

func runTests(ctx context.Context, params map[string]any) (any, error) {
	dir, err := stringParam(params, "working_dir")
	if err != nil {
		return nil, err
	}
	return runCommand(ctx, dir, DefaultTimeout, "python", "-m", "pytest", "--tb=short", "-q"), nil
}

// ScriptName restricts run_script to package.json script identifiers.
var ScriptName = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

func runScript(ctx context.Context, params map[string]any) (any, error) {
	dir, err := stringParam(params, "working_dir")
	if err != nil {
		return nil, err
	}
	script, err := stringParam(params, "script")
	if err != nil {
		return nil, err
	}
	if !ScriptName.MatchString(script) {
		return nil, fmt.Errorf("invalid script name %q", script)
	}
	return runCommand(ctx, dir, DefaultTimeout, "npm", "run", script), nil
}

func installDependencies(ctx context.Context, params map[string]any) (any, error) {
	dir, err := stringParam(params, "working_dir")
	if err != nil {
		return nil, err
	}

	manager, _ := params["manager"].(string)
	switch manager {
	case "pip":
		return runCommand(ctx, dir, InstallTimeout, "pip", "install", "-r", "requirements.txt"), nil
	case "", "npm":
		return runCommand(ctx, dir, InstallTimeout, "npm", "install"), nil
	default:
		return nil, fmt.Errorf("unknown package manager %q", manager)
	}
}

func dockerBuild(ctx context.Context, params map[string]any) (any, error) {
	dir, err := stringParam(params, "working_dir")
	if err != nil {
		return nil, err
	}
	tag, err := stringParam(params, "tag")
	if err != nil {
		return nil, err
	}
	if !DockerTag.MatchString(tag) {
		return nil, fmt.Errorf("invalid docker tag %q", tag)
	}
	return runCommand(ctx, dir, DockerTimeout, "docker", "build", "-t", tag, "."), nil
}

// CheckPortResult is the payload of a check_port action.
type CheckPortResult struct {
	Port      int  `json:"port"`
	Listening bool `json:"listening"`
}

func checkPort(_ context.Context, params map[string]any) (any, error) {
	port, err := intParam(params, "port")
	if err != nil {
		return nil, err
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("port %d out of range", port)
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	if err != nil {
		return &CheckPortResult{Port: port, Listening: false}, nil
	}
	_ = conn.Close()
	return &CheckPortResult{Port: port, Listening: true}, nil
}

// intParam extracts an integer parameter. JSON numbers decode as float64.
func intParam(params map[string]any, key string) (int, error) {
	switch v := params[key].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("parameter '%s' must be a number", key)
	}
}
