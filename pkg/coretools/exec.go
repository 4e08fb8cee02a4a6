package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/harun/turnloop/pkg/tools"
)

type execRequest struct {
	Command string  `mapstructure:"command"`
	Cwd     string  `mapstructure:"cwd"`
	Timeout float64 `mapstructure:"timeout"`
	Stdin   string  `mapstructure:"stdin"`
}

func execTool(opts Options) tools.Definition {
	return tools.Definition{
		Name: "exec",
		Description: "Run a single command in the workspace without a shell. " +
			"Pipes, redirects and command chaining are not supported.",
		Parameters: []tools.Parameter{
			{Name: "command", Type: "string", Description: "Command line, e.g. go test ./...", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory relative to the workspace"},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds, capped by the configured limit"},
			{Name: "stdin", Type: "string", Description: "Standard input"},
		},
		Handler: func(ctx context.Context, tc tools.Context, input map[string]any) (any, error) {
			var req execRequest
			if err := decode(input, &req); err != nil {
				return nil, err
			}
			args, err := parseCommand(req.Command)
			if err != nil {
				return nil, err
			}

			root, err := resolveWorkspaceRoot(tc, opts)
			if err != nil {
				return nil, err
			}
			dir, err := resolveOptionalPath(root, req.Cwd)
			if err != nil {
				return nil, err
			}

			timeout := opts.execTimeout()
			if requested := time.Duration(req.Timeout * float64(time.Second)); requested > 0 && requested < timeout {
				timeout = requested
			}

			return runCommand(ctx, args, dir, req.Stdin, timeout)
		},
	}
}

// parseCommand splits a command line into argv. Shell operators and
// substitutions are rejected since no shell is involved.
func parseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if strings.Contains(command, "`") || strings.Contains(command, "$(") {
		return nil, fmt.Errorf("command substitution is not supported")
	}

	p := shellwords.NewParser()
	args, err := p.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	if p.Position != -1 {
		return nil, fmt.Errorf("shell operators are not supported: %q", command[p.Position:])
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	return args, nil
}

func runCommand(ctx context.Context, args []string, dir, stdin string, timeout time.Duration) (tools.Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second

	stdout := &limitedBuffer{max: maxCommandOutputSize}
	stderr := &limitedBuffer{max: maxCommandOutputSize}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return tools.Result{}, fmt.Errorf("command timed out after %s", timeout)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return tools.Result{}, ctxErr
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return tools.Result{}, err
		}
		exitCode = exitErr.ExitCode()
	}

	result := tools.Result{
		Success: exitCode == 0,
		Output:  commandOutput(stdout.String(), stderr.String()),
		Data: map[string]any{
			"stdout":      stdout.String(),
			"stderr":      stderr.String(),
			"exit_code":   exitCode,
			"duration_ms": duration.Milliseconds(),
		},
	}
	if exitCode != 0 {
		result.Error = fmt.Sprintf("exit status %d", exitCode)
	}
	return result, nil
}

func commandOutput(stdout, stderr string) string {
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	default:
		return stdout + "\n[stderr]\n" + stderr
	}
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n... [output truncated]"
	}
	return b.buf.String()
}
