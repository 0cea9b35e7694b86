// internal/git/git.go
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds every git invocation.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is matched by errors.Is when a git invocation exceeds its timeout.
var ErrTimeout = errors.New("git: timed out")

// ToolError reports a failed git invocation with the tool's own output.
type ToolError struct {
	Args   []string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Output)
	}
	return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Runner executes git with the given arguments. dir, if non-empty, is passed
// as -C. The returned string is the trimmed combined output.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner shells out to the git binary.
type ExecRunner struct {
	Bin     string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewExecRunner returns a runner using "git" from PATH. A zero timeout means DefaultTimeout.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecRunner{Bin: "git", Timeout: timeout, Logger: slog.Default()}
}

type runResult struct {
	out string
	err error
}

// Run starts git on a context detached from ctx's cancellation. If ctx is
// cancelled first, Run returns ctx.Err() and the process is left to finish
// (bounded by Timeout) with its result discarded, so a worktree is never
// killed mid-write.
func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	bin := r.Bin
	if bin == "" {
		bin = "git"
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}

	done := make(chan runResult, 1)
	go func() {
		defer cancel()
		var buf bytes.Buffer
		cmd := exec.CommandContext(runCtx, bin, fullArgs...)
		cmd.Stdout = &buf
		cmd.Stderr = &buf
		cmd.WaitDelay = time.Second
		err := cmd.Run()
		out := strings.TrimSpace(buf.String())
		if err != nil {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				err = ErrTimeout
			}
			done <- runResult{out: out, err: &ToolError{Args: args, Output: out, Err: err}}
			return
		}
		done <- runResult{out: out}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		if r.Logger != nil {
			r.Logger.Warn("git invocation abandoned by caller; letting it finish",
				"args", strings.Join(args, " "), "dir", dir)
		}
		return "", ctx.Err()
	}
}

// Clone clones url into path.
func Clone(ctx context.Context, r Runner, url, path string) error {
	if _, err := r.Run(ctx, "", "clone", url, path); err != nil {
		return err
	}
	return nil
}

// OriginURL returns the fetch URL of the "origin" remote of the checkout at dir.
func OriginURL(ctx context.Context, r Runner, dir string) (string, error) {
	out, err := r.Run(ctx, dir, "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// WorktreeInfo is one record of `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
// Records without a path are skipped; detached worktrees have an empty Branch.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = WorktreeInfo{}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
