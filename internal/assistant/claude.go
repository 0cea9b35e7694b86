// internal/assistant/claude.go
package assistant

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/user/remoteagent/internal/types"
)

// ClaudeClient drives the Claude Code CLI in print mode with stream-json output.
type ClaudeClient struct {
	bin    string
	opts   Options
	logger *slog.Logger
}

// NewClaudeClient returns a client that runs opts.ClaudePath (default "claude").
func NewClaudeClient(opts Options) *ClaudeClient {
	bin := opts.ClaudePath
	if bin == "" {
		bin = "claude"
	}
	return &ClaudeClient{bin: bin, opts: opts, logger: opts.logger()}
}

func (c *ClaudeClient) Type() string { return KindClaude }

// SendQuery runs one turn. The prompt is written to stdin.
func (c *ClaudeClient) SendQuery(ctx context.Context, prompt, cwd, resumeSessionID string) iter.Seq2[types.StreamEvent, error] {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "bypassPermissions",
	}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}

	return func(yield func(types.StreamEvent, error) bool) {
		if resumeSessionID != "" {
			c.logger.Debug("resuming claude session", "session_id", resumeSessionID, "cwd", cwd)
		} else {
			c.logger.Debug("starting claude session", "cwd", cwd)
		}
		run(ctx, invocation{
			name:    KindClaude,
			bin:     c.bin,
			args:    args,
			dir:     cwd,
			stdin:   prompt,
			timeout: c.opts.Timeout,
			logger:  c.logger,
		}, parseClaudeLine, yield)
	}
}

// parseClaudeLine handles one stream-json record. Assistant messages yield
// their text and tool_use blocks in order; the result record carries the
// session id used to resume.
func parseClaudeLine(line gjson.Result) ([]types.StreamEvent, error) {
	switch line.Get("type").String() {
	case "assistant":
		var (
			events []types.StreamEvent
			text   strings.Builder
		)
		flush := func() {
			if text.Len() > 0 {
				events = append(events, types.StreamEvent{Type: types.StreamEventAssistant, Content: text.String()})
				text.Reset()
			}
		}
		for _, block := range line.Get("message.content").Array() {
			switch block.Get("type").String() {
			case "text":
				text.WriteString(block.Get("text").String())
			case "tool_use":
				flush()
				events = append(events, types.StreamEvent{
					Type:      types.StreamEventTool,
					ToolName:  block.Get("name").String(),
					ToolInput: toMap(block.Get("input")),
				})
			}
		}
		flush()
		return events, nil

	case "result":
		if line.Get("is_error").Bool() {
			msg := line.Get("result").String()
			if msg == "" {
				msg = line.Get("subtype").String()
			}
			return nil, fmt.Errorf("claude: %s", msg)
		}
		return []types.StreamEvent{{
			Type:      types.StreamEventResult,
			SessionID: line.Get("session_id").String(),
		}}, nil
	}
	return nil, nil
}
