// internal/assistant/stream.go
package assistant

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/user/remoteagent/internal/types"
)

// maxLineBytes bounds one JSON line of CLI output; tool results can be large.
const maxLineBytes = 16 * 1024 * 1024

const waitDelay = 2 * time.Second

// lineParser turns one JSON line into zero or more events. A parser may keep
// state across lines of the same run.
type lineParser func(line gjson.Result) ([]types.StreamEvent, error)

type invocation struct {
	name    string
	bin     string
	args    []string
	dir     string
	stdin   string
	timeout time.Duration
	logger  *slog.Logger
}

// ExitError reports a CLI that exited non-zero.
type ExitError struct {
	Name   string
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited: %v: %s", e.Name, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s exited: %v", e.Name, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// errNoResult is returned when a CLI exits cleanly without a result event.
var errNoResult = errors.New("stream ended without a result event")

// run starts the CLI and yields parsed events in output order. Returning
// false from yield stops the process. The sequence ends after the first error.
func run(ctx context.Context, inv invocation, parse lineParser, yield func(types.StreamEvent, error) bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if inv.timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, inv.timeout)
		defer tcancel()
	}

	cmd := exec.CommandContext(ctx, inv.bin, inv.args...)
	cmd.Dir = inv.dir
	// Children of a killed CLI may hold stderr open; don't wait on them forever.
	cmd.WaitDelay = waitDelay
	cmd.Stdin = strings.NewReader(inv.stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		yield(types.StreamEvent{}, fmt.Errorf("%s stdout pipe: %w", inv.name, err))
		return
	}
	if err := cmd.Start(); err != nil {
		yield(types.StreamEvent{}, fmt.Errorf("start %s: %w", inv.name, err))
		return
	}
	inv.logger.Debug("assistant started", "assistant", inv.name, "cwd", inv.dir, "pid", cmd.Process.Pid)

	stop := func() {
		cancel()
		_ = cmd.Wait()
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	sawResult := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			inv.logger.Debug("skipping non-JSON output", "assistant", inv.name, "line", truncate(string(line), 200))
			continue
		}
		events, err := parse(gjson.ParseBytes(line))
		if err != nil {
			stop()
			yield(types.StreamEvent{}, err)
			return
		}
		for _, ev := range events {
			if ev.Type == types.StreamEventResult {
				sawResult = true
			}
			if !yield(ev, nil) {
				stop()
				return
			}
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil && waitErr != nil:
		yield(types.StreamEvent{}, fmt.Errorf("%s: %w", inv.name, context.Cause(ctx)))
	case scanErr != nil:
		yield(types.StreamEvent{}, fmt.Errorf("read %s output: %w", inv.name, scanErr))
	case waitErr != nil:
		yield(types.StreamEvent{}, &ExitError{Name: inv.name, Stderr: truncate(strings.TrimSpace(stderr.String()), 2000), Err: waitErr})
	case !sawResult:
		yield(types.StreamEvent{}, fmt.Errorf("%s: %w", inv.name, errNoResult))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// toMap converts a JSON object into a map; anything else yields nil.
func toMap(r gjson.Result) map[string]any {
	if !r.IsObject() {
		return nil
	}
	m, _ := r.Value().(map[string]any)
	return m
}
