package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 5 * time.Minute
	defaultShellOutput  = 100 * 1024
)

// Policy errors returned by [ShellExec.Exec] before anything runs.
var (
	ErrShellDisabled     = errors.New("shell execution is disabled")
	ErrCommandDenied     = errors.New("command blocked by security policy")
	ErrCommandNotAllowed = errors.New("command not in allowlist")
)

// ShellExecConfig configures the shell_exec tool. AllowedCmds are
// command prefixes; when empty every command not matching DeniedCmds
// may run. DeniedCmds match case-insensitively anywhere in the line.
type ShellExecConfig struct {
	Enabled        bool
	WorkingDir     string
	AllowedCmds    []string
	DeniedCmds     []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultShellExecConfig returns a disabled config with a deny list of
// destructive commands.
func DefaultShellExecConfig() ShellExecConfig {
	return ShellExecConfig{
		DeniedCmds: []string{
			"rm -rf /",
			"rm -rf /*",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			":(){ :|:& };:",
		},
		DefaultTimeout: defaultShellTimeout,
		MaxOutputBytes: defaultShellOutput,
	}
}

// ShellExec runs commands with sh -c under a [ShellExecConfig].
type ShellExec struct {
	cfg ShellExecConfig
}

// NewShellExec creates a shell executor, filling zero limits with
// defaults.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultShellOutput
	}
	return &ShellExec{cfg: cfg}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool {
	return s.cfg.Enabled
}

// ExecResult is the captured outcome of one command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// check applies the deny list and then the allowlist.
func (s *ShellExec) check(command string) error {
	if !s.cfg.Enabled {
		return ErrShellDisabled
	}
	lower := strings.ToLower(command)
	for _, pattern := range s.cfg.DeniedCmds {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return fmt.Errorf("%w: matches %q", ErrCommandDenied, pattern)
		}
	}
	if len(s.cfg.AllowedCmds) > 0 && !slices.ContainsFunc(s.cfg.AllowedCmds, func(prefix string) bool {
		return strings.HasPrefix(command, prefix)
	}) {
		return ErrCommandNotAllowed
	}
	return nil
}

// timeout resolves the per-call timeout, capped at five minutes.
func (s *ShellExec) timeout(sec int) time.Duration {
	d := s.cfg.DefaultTimeout
	if sec > 0 {
		d = time.Duration(sec) * time.Second
	}
	return min(d, maxShellTimeout)
}

// Exec runs command. A command that outlives its timeout is killed and
// reported with TimedOut set rather than as an error; a non-zero exit
// is reported through ExitCode.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	if err := s.check(command); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout(timeoutSec))
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := &ExecResult{
		Stdout: s.truncate(stdout.String()),
		Stderr: s.truncate(stderr.String()),
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case runErr != nil:
		return nil, fmt.Errorf("run command: %w", runErr)
	}
	return res, nil
}

func (s *ShellExec) truncate(out string) string {
	if len(out) <= s.cfg.MaxOutputBytes {
		return out
	}
	return out[:s.cfg.MaxOutputBytes] + "\n\n[... output truncated ...]"
}

// Tool returns the shell_exec tool.
func (s *ShellExec) Tool() Tool {
	return &FuncTool{
		ToolName:        "shell_exec",
		ToolDescription: "Run a shell command on the host and return its output and exit code.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "The command line to run with sh -c",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"description": "Optional timeout in seconds (default 30, max 300)",
				},
			},
			"required":             []string{"command"},
			"additionalProperties": false,
		},
		Handler: s.handleExec,
	}
}

func (s *ShellExec) handleExec(ctx context.Context, args map[string]any) (Result, error) {
	command, _ := args["command"].(string)
	res, err := s.Exec(ctx, command, intArg(args, "timeout_sec"))
	if err != nil {
		return Result{}, err
	}
	if res.TimedOut {
		return Result{}, fmt.Errorf("command %q: %w", command, ErrTimeout)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	if res.Stdout != "" {
		fmt.Fprintf(&b, "stdout:\n%s\n", res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", res.Stderr)
	}
	if res.ExitCode != 0 {
		return Result{Output: b.String(), Failed: true, Error: strings.TrimSpace(b.String())}, nil
	}
	return OK(b.String()), nil
}
