package tools

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func enabledShell(mod func(*ShellExecConfig)) *ShellExec {
	cfg := DefaultShellExecConfig()
	cfg.Enabled = true
	if mod != nil {
		mod(&cfg)
	}
	return NewShellExec(cfg)
}

func TestShellExec_Exec(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		wantStdout string
		wantStderr string
		wantExit   int
	}{
		{"stdout", "echo hello", "hello\n", "", 0},
		{"stderr", "echo oops >&2", "", "oops\n", 0},
		{"non-zero exit", "exit 42", "", "", 42},
	}
	se := enabledShell(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := se.Exec(t.Context(), tt.command, 0)
			if err != nil {
				t.Fatalf("Exec(%q) error = %v", tt.command, err)
			}
			if res.Stdout != tt.wantStdout || res.Stderr != tt.wantStderr || res.ExitCode != tt.wantExit {
				t.Errorf("Exec(%q) = %+v", tt.command, res)
			}
		})
	}
}

func TestShellExec_Policy(t *testing.T) {
	tests := []struct {
		name    string
		mod     func(*ShellExecConfig)
		command string
		want    error
	}{
		{"disabled", func(c *ShellExecConfig) { c.Enabled = false }, "echo hi", ErrShellDisabled},
		{"denied", nil, "rm -rf /", ErrCommandDenied},
		{"denied case-insensitive", nil, "MKFS.ext4 /dev/x", ErrCommandDenied},
		{"not in allowlist", func(c *ShellExecConfig) { c.AllowedCmds = []string{"ls"} }, "echo hi", ErrCommandNotAllowed},
		{"allowlisted", func(c *ShellExecConfig) { c.AllowedCmds = []string{"echo"} }, "echo hi", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enabledShell(tt.mod).Exec(t.Context(), tt.command, 0)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Exec() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Exec() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestShellExec_Timeout(t *testing.T) {
	se := enabledShell(func(c *ShellExecConfig) { c.DefaultTimeout = time.Second })

	res, err := se.Exec(t.Context(), "sleep 10", 1)
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Errorf("result = %+v, want a timeout", res)
	}
}

func TestShellExec_TimeoutCapped(t *testing.T) {
	se := enabledShell(nil)
	if got := se.timeout(3600); got != maxShellTimeout {
		t.Errorf("timeout(3600) = %v, want %v", got, maxShellTimeout)
	}
	if got := se.timeout(0); got != defaultShellTimeout {
		t.Errorf("timeout(0) = %v, want %v", got, defaultShellTimeout)
	}
}

func TestShellExec_TruncatesOutput(t *testing.T) {
	se := enabledShell(func(c *ShellExecConfig) { c.MaxOutputBytes = 4 })

	res, err := se.Exec(t.Context(), "echo abcdefgh", 0)
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if !strings.HasPrefix(res.Stdout, "abcd") || !strings.Contains(res.Stdout, "output truncated") {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestShellExecTool(t *testing.T) {
	tool := enabledShell(nil).Tool()

	tests := []struct {
		name       string
		command    string
		wantFailed bool
		wantOutput string
	}{
		{"success", "echo hi", false, "hi"},
		{"non-zero exit", "echo nope >&2; exit 3", true, "exit code: 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tool.Execute(t.Context(), map[string]any{"command": tt.command})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Failed != tt.wantFailed {
				t.Errorf("Failed = %v, want %v", res.Failed, tt.wantFailed)
			}
			if !strings.Contains(res.Output, tt.wantOutput) {
				t.Errorf("Output = %q, want it to contain %q", res.Output, tt.wantOutput)
			}
		})
	}
}

func TestShellExecTool_TimeoutIsTyped(t *testing.T) {
	tool := enabledShell(nil).Tool()

	_, err := tool.Execute(t.Context(), map[string]any{"command": "sleep 5", "timeout_sec": float64(1)})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
