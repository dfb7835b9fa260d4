// Package sshexec executes the worker's action contract on a remote host
// over SSH, for deployments where no worker agent can run. Subprocess
// actions become remote shell commands, filesystem actions go over SFTP,
// and the same validation chain applies before anything leaves the gateway.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/opsrelay/opsrelay/internal/protocol"
	"github.com/opsrelay/opsrelay/internal/websearch"
	"github.com/opsrelay/opsrelay/internal/worker/actions"
	"github.com/opsrelay/opsrelay/internal/worker/ratelimit"
	"github.com/opsrelay/opsrelay/internal/worker/security"
)

const (
	connectTimeout = 10 * time.Second
	healthInterval = 15 * time.Second
	healthTimeout  = 5 * time.Second

	maxStdout = 8 * 1024
	maxStderr = 4 * 1024

	// Same admission budget the worker dispatch loop applies, so a
	// gateway failing over to SSH does not suddenly allow more traffic.
	maxActionsPerWindow = 120
	rateWindow          = time.Minute
)

// ErrUnreachable wraps transport-level failures so the HTTP layer can map
// them to 503 instead of a policy error.
var ErrUnreachable = errors.New("ssh unreachable")

// Options configures the remote target.
type Options struct {
	Host        string
	Port        int
	User        string
	Password    string
	KeyFile     string
	WindowsHost bool
	Roots       []string // allowed roots on the remote host
}

// Executor runs actions on the remote host. Safe for concurrent use; the
// SSH client multiplexes sessions over one connection.
type Executor struct {
	opts     Options
	jail     *Jail
	registry *actions.Registry
	search   *websearch.Client
	limiter  *ratelimit.Limiter

	mu     sync.Mutex
	client *ssh.Client
	sftpc  *sftp.Client

	healthMu  sync.Mutex
	healthAt  time.Time
	healthyOK bool
}

// New builds an Executor. The remote jail is constructed from opts.Roots.
func New(opts Options) (*Executor, error) {
	if opts.Port == 0 {
		opts.Port = 22
	}
	jail, err := NewJail(opts.Roots, opts.WindowsHost)
	if err != nil {
		return nil, err
	}
	return &Executor{
		opts:     opts,
		jail:     jail,
		registry: actions.NewRegistry(),
		search:   websearch.New(),
		limiter:  ratelimit.New(maxActionsPerWindow, rateWindow),
	}, nil
}

// Target returns the remote endpoint for status reporting.
func (e *Executor) Target() string {
	return fmt.Sprintf("%s@%s:%d", e.opts.User, e.opts.Host, e.opts.Port)
}

// Close tears down the cached SSH connection.
func (e *Executor) Close() {
	e.dropClient()
}

// Execute runs one action through the same validation chain as the worker
// and returns the worker-shaped response. Transport failures are returned
// as an error wrapping ErrUnreachable; everything else is a response.
func (e *Executor) Execute(ctx context.Context, req *protocol.ActionRequest) (*protocol.ActionResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Params == nil {
		req.Params = make(map[string]any)
	}

	spec, ok := e.registry.Lookup(req.Action)
	if !ok {
		for _, name := range actions.ExplicitlyBlocked {
			if name == req.Action {
				return protocol.Failure(req.RequestID, req.Action,
					fmt.Sprintf("Action '%s' is explicitly blocked", req.Action)), nil
			}
		}
		return protocol.Failure(req.RequestID, req.Action,
			fmt.Sprintf("Action '%s' is implicitly blocked", req.Action)), nil
	}
	if !e.limiter.Acquire() {
		return protocol.Failure(req.RequestID, req.Action,
			fmt.Sprintf("Rate limit exceeded: %d actions per %ds",
				e.limiter.Max(), int(e.limiter.Window().Seconds()))), nil
	}
	if err := spec.CheckRequired(req.Params); err != nil {
		return protocol.Failure(req.RequestID, req.Action, err.Error()), nil
	}
	if err := security.SanitizeParams(req.Params); err != nil {
		return e.violation(req, err), nil
	}
	if err := e.jail.CheckParams(req.Params); err != nil {
		return e.violation(req, err), nil
	}
	// There is no operator terminal on this path: CONFIRM-tier actions
	// must arrive pre-confirmed by the submitter.
	if spec.Tier == security.TierConfirm && !req.Confirmed {
		return protocol.Failure(req.RequestID, req.Action,
			fmt.Sprintf("Action '%s' requires confirmation", req.Action)), nil
	}

	result, err := e.run(ctx, req.Action, req.Params)
	if err != nil {
		if errors.Is(err, ErrUnreachable) {
			return nil, err
		}
		return protocol.Failure(req.RequestID, req.Action, err.Error()), nil
	}
	resp, err := protocol.Success(req.RequestID, req.Action, result)
	if err != nil {
		return protocol.Failure(req.RequestID, req.Action, "Internal gateway error."), nil
	}
	return resp, nil
}

func (e *Executor) violation(req *protocol.ActionRequest, err error) *protocol.ActionResponse {
	var viol *security.Violation
	if errors.As(err, &viol) {
		return protocol.Failure(req.RequestID, req.Action, viol.Reason)
	}
	return protocol.Failure(req.RequestID, req.Action, err.Error())
}

func (e *Executor) run(ctx context.Context, action string, params map[string]any) (any, error) {
	switch action {
	case "file_read":
		return e.fileRead(ctx, params)
	case "file_write":
		return e.fileWrite(ctx, params)
	case "create_directory":
		return e.createDirectory(ctx, params)
	case "list_directory":
		return e.listDirectory(ctx, params)
	case "web_search":
		// Searching happens from the gateway itself; nothing remote about it.
		query, _ := params["query"].(string)
		return e.search.Search(ctx, query)
	case "ollama_chat", "zip_project":
		return nil, fmt.Errorf("action '%s' is not supported by the SSH executor", action)
	case "check_port":
		return e.checkPort(ctx, params)
	}

	cmd, timeout, err := e.command(action, params)
	if err != nil {
		return nil, err
	}
	return e.runRemote(ctx, cmd, timeout)
}

// command maps one subprocess action to its remote command line, applying
// the same argument validation as the local executors.
func (e *Executor) command(action string, params map[string]any) (string, time.Duration, error) {
	dir, _ := params["working_dir"].(string)

	wrap := func(timeout time.Duration, argv ...string) (string, time.Duration, error) {
		if e.opts.WindowsHost {
			return powershellCommand(dir, argv...), timeout, nil
		}
		return posixCommand(dir, argv...), timeout, nil
	}

	switch action {
	case "git_status":
		return wrap(actions.DefaultTimeout, "git", "status", "--porcelain")
	case "git_diff":
		return wrap(actions.DefaultTimeout, "git", "diff", "--stat")
	case "git_log":
		return wrap(actions.DefaultTimeout, "git", "log", "--oneline", "-20")
	case "git_commit":
		message, _ := params["message"].(string)
		if e.opts.WindowsHost {
			return powershellScript(
				"Set-Location -LiteralPath " + psQuote(dir) +
					"; & git add -A; & git commit -m " + psQuote(message) + "; exit $LASTEXITCODE",
			), actions.DefaultTimeout, nil
		}
		return fmt.Sprintf("cd %s && git add -A && git commit -m %s",
			posixQuote(dir), posixQuote(message)), actions.DefaultTimeout, nil
	case "git_push":
		return wrap(actions.DefaultTimeout, "git", "push")
	case "run_tests":
		return wrap(actions.DefaultTimeout, "python", "-m", "pytest", "--tb=short", "-q")
	case "run_script":
		script, _ := params["script"].(string)
		if !actions.ScriptName.MatchString(script) {
			return "", 0, fmt.Errorf("invalid script name %q", script)
		}
		return wrap(actions.DefaultTimeout, "npm", "run", script)
	case "install_dependencies":
		manager, _ := params["manager"].(string)
		switch manager {
		case "pip":
			return wrap(actions.InstallTimeout, "pip", "install", "-r", "requirements.txt")
		case "", "npm":
			return wrap(actions.InstallTimeout, "npm", "install")
		default:
			return "", 0, fmt.Errorf("unknown package manager %q", manager)
		}
	case "docker_build":
		tag, _ := params["tag"].(string)
		if !actions.DockerTag.MatchString(tag) {
			return "", 0, fmt.Errorf("invalid docker tag %q", tag)
		}
		return wrap(actions.DockerTimeout, "docker", "build", "-t", tag, ".")
	case "close_app":
		app, _ := params["app"].(string)
		exe, ok := actions.AllowedApps[app]
		if !ok {
			return "", 0, fmt.Errorf("application %q is not in the allowed list", app)
		}
		if e.opts.WindowsHost {
			return powershellCommand("", "taskkill", "/IM", exe, "/F"), actions.DefaultTimeout, nil
		}
		return posixCommand("", "pkill", "-x", strings.TrimSuffix(exe, ".exe")), actions.DefaultTimeout, nil
	default:
		return "", 0, fmt.Errorf("action '%s' is not supported by the SSH executor", action)
	}
}

func (e *Executor) checkPort(ctx context.Context, params map[string]any) (any, error) {
	port, ok := params["port"].(float64)
	if !ok {
		return nil, fmt.Errorf("parameter 'port' must be a number")
	}
	p := int(port)
	if p < 1 || p > 65535 {
		return nil, fmt.Errorf("port %d out of range", p)
	}

	var cmd string
	if e.opts.WindowsHost {
		cmd = powershellScript(fmt.Sprintf(
			"if ((Test-NetConnection -ComputerName 127.0.0.1 -Port %d -WarningAction SilentlyContinue).TcpTestSucceeded) { exit 0 } else { exit 1 }", p))
	} else {
		cmd = fmt.Sprintf("nc -z -w 2 127.0.0.1 %d", p)
	}

	res, err := e.runRemote(ctx, cmd, healthTimeout)
	if err != nil {
		return nil, err
	}
	return &actions.CheckPortResult{Port: p, Listening: res.ReturnCode == 0}, nil
}

// Healthy probes the remote host with `echo ok`, caching the verdict.
func (e *Executor) Healthy(ctx context.Context) bool {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()

	if time.Since(e.healthAt) < healthInterval {
		return e.healthyOK
	}

	res, err := e.runRemote(ctx, "echo ok", healthTimeout)
	e.healthAt = time.Now()
	e.healthyOK = err == nil && res.ReturnCode == 0
	return e.healthyOK
}

// runRemote executes one command line on the remote host with output
// capture, truncation and a hard timeout.
func (e *Executor) runRemote(ctx context.Context, cmd string, timeout time.Duration) (protocol.ExecResult, error) {
	client, err := e.connect(ctx)
	if err != nil {
		return protocol.ExecResult{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		e.dropClient()
		return protocol.ExecResult{}, fmt.Errorf("%w: open session: %v", ErrUnreachable, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return protocol.ExecResult{
			ReturnCode: -1,
			Stdout:     e.captured(&stdout, maxStdout),
			Stderr:     fmt.Sprintf("timed out after %ds", int(timeout.Seconds())),
		}, nil
	case runErr = <-done:
	}

	rc := 0
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			rc = exitErr.ExitStatus()
		} else {
			e.dropClient()
			return protocol.ExecResult{}, fmt.Errorf("%w: %v", ErrUnreachable, runErr)
		}
	}

	return protocol.ExecResult{
		ReturnCode: rc,
		Stdout:     e.captured(&stdout, maxStdout),
		Stderr:     e.captured(&stderr, maxStderr),
	}, nil
}

func (e *Executor) captured(buf *bytes.Buffer, limit int) string {
	s := strings.ToValidUTF8(buf.String(), "�")
	if e.opts.WindowsHost {
		s = sanitizeWindowsOutput(s)
	}
	if len(s) > limit {
		s = s[:limit] + "\n... [truncated]"
	}
	return s
}

func (e *Executor) connect(ctx context.Context) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:    e.opts.User,
		Timeout: connectTimeout,
		// The fallback targets operator-owned hosts addressed by IP;
		// there is no host key distribution channel.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
	}
	if e.opts.KeyFile != "" {
		keyData, err := os.ReadFile(e.opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read key file: %v", ErrUnreachable, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", ErrUnreachable, err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if e.opts.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(e.opts.Password))
	}

	addr := fmt.Sprintf("%s:%d", e.opts.Host, e.opts.Port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}
	slog.Info("ssh fallback connected", "target", e.Target())
	e.client = client
	return client, nil
}

func (e *Executor) dropClient() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sftpc != nil {
		_ = e.sftpc.Close()
		e.sftpc = nil
	}
	if e.client != nil {
		_ = e.client.Close()
		e.client = nil
	}
}
