package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/nervecore/internal/shared"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 120 * time.Second
	maxShellOutput      = 8 * 1024
)

// Executor runs a shell command; HostExecutor is the default, tests may
// substitute a fake.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands directly on the host via /bin/sh.
type HostExecutor struct{}

func (h *HostExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	execCmd := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		execCmd.Dir = workDir
	}
	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	runErr := execCmd.Run()
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

var shellDenyList = map[string]struct{}{
	"rm": {}, "rmdir": {}, "mkfs": {}, "dd": {}, "shutdown": {}, "reboot": {},
	"halt": {}, "poweroff": {}, "kill": {}, "killall": {}, "pkill": {},
	"sudo": {}, "su": {}, "chmod": {}, "chown": {},
}

// ShellTool executes a shell command and returns stdout/stderr/exit code.
// Commands on the deny list are blocked; output is truncated and redacted.
type ShellTool struct {
	Executor Executor
}

func (t *ShellTool) Name() string       { return "exec" }
func (t *ShellTool) Capability() string { return "tools.exec" }

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) Result {
	command, _ := argString(args, "command")
	command = strings.TrimSpace(command)
	if command == "" {
		return failed(fmt.Errorf("empty command"))
	}
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(command, op) {
			return failed(fmt.Errorf("command contains disallowed operator %q", op))
		}
	}
	for _, seg := range splitCommandSegments(command) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := shellDenyList[tok]; blocked {
				return failed(fmt.Errorf("command %q is on the deny list", tok))
			}
		}
	}

	timeout := defaultShellTimeout
	if secs := argInt(args, "timeout_sec", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > maxShellTimeout {
			timeout = maxShellTimeout
		}
	}
	workDir, _ := argString(args, "working_dir")

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	executor := t.Executor
	if executor == nil {
		executor = &HostExecutor{}
	}
	stdout, stderr, exitCode, err := executor.Exec(execCtx, command, workDir)
	if err != nil && exitCode == 0 {
		if execCtx.Err() == context.DeadlineExceeded {
			return ok(map[string]any{"stdout": "", "stderr": "command timed out", "exit_code": -1}, nil)
		}
		return failed(err)
	}

	return ok(map[string]any{
		"stdout":    shared.Redact(truncateOutput(stdout, maxShellOutput)),
		"stderr":    shared.Redact(truncateOutput(stderr, maxShellOutput)),
		"exit_code": exitCode,
	}, nil)
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// splitCommandSegments splits a command at pipe/logical operators so each
// segment can be checked against the deny list independently.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen > 0 {
			if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
				segments = append(segments, seg)
			}
			current = current[minIdx+matchLen:]
		} else {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
	}
	return segments
}
