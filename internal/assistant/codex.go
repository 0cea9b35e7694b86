// internal/assistant/codex.go
package assistant

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/user/remoteagent/internal/types"
)

// CodexClient drives `codex exec --json`, resuming threads by id.
type CodexClient struct {
	bin    string
	opts   Options
	logger *slog.Logger
}

// NewCodexClient returns a client that runs opts.CodexPath (default "codex").
func NewCodexClient(opts Options) *CodexClient {
	bin := opts.CodexPath
	if bin == "" {
		bin = "codex"
	}
	return &CodexClient{bin: bin, opts: opts, logger: opts.logger()}
}

func (c *CodexClient) Type() string { return KindCodex }

// SendQuery runs one turn. The prompt is read by codex from stdin ("-").
func (c *CodexClient) SendQuery(ctx context.Context, prompt, cwd, resumeSessionID string) iter.Seq2[types.StreamEvent, error] {
	args := []string{
		"exec",
		"--json",
		"--color", "never",
		"--skip-git-repo-check",
		"--dangerously-bypass-approvals-and-sandbox",
	}
	if resumeSessionID != "" {
		args = append(args, "resume", resumeSessionID)
	}
	args = append(args, "-")

	return func(yield func(types.StreamEvent, error) bool) {
		c.logger.Debug("running codex", "cwd", cwd, "resume", resumeSessionID != "")
		run(ctx, invocation{
			name:    KindCodex,
			bin:     c.bin,
			args:    args,
			dir:     cwd,
			stdin:   prompt,
			timeout: c.opts.Timeout,
			logger:  c.logger,
		}, newCodexParser(resumeSessionID), yield)
	}
}

// newCodexParser tracks the thread id announced at the start of a run and
// reports it on turn completion.
func newCodexParser(threadID string) lineParser {
	return func(line gjson.Result) ([]types.StreamEvent, error) {
		switch line.Get("type").String() {
		case "thread.started":
			if id := line.Get("thread_id").String(); id != "" {
				threadID = id
			}

		case "item.started":
			item := line.Get("item")
			if item.Get("type").String() == "command_execution" {
				return []types.StreamEvent{{
					Type:      types.StreamEventTool,
					ToolName:  "Bash",
					ToolInput: map[string]any{"command": item.Get("command").String()},
				}}, nil
			}

		case "item.completed":
			item := line.Get("item")
			switch item.Get("type").String() {
			case "agent_message":
				if text := item.Get("text").String(); text != "" {
					return []types.StreamEvent{{Type: types.StreamEventAssistant, Content: text}}, nil
				}
			case "file_change":
				var paths []any
				for _, ch := range item.Get("changes").Array() {
					paths = append(paths, ch.Get("path").String())
				}
				return []types.StreamEvent{{
					Type:      types.StreamEventTool,
					ToolName:  "Edit",
					ToolInput: map[string]any{"files": paths},
				}}, nil
			}

		case "turn.completed":
			return []types.StreamEvent{{Type: types.StreamEventResult, SessionID: threadID}}, nil

		case "turn.failed":
			return nil, fmt.Errorf("codex: %s", line.Get("error.message").String())

		case "error":
			return nil, fmt.Errorf("codex: %s", line.Get("message").String())
		}
		return nil, nil
	}
}
