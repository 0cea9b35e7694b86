// internal/assistant/assistant.go
package assistant

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/user/remoteagent/internal/types"
)

const (
	KindClaude = "claude"
	KindCodex  = "codex"
)

// Options configures the CLI-backed assistant clients.
type Options struct {
	ClaudePath string
	CodexPath  string
	// Timeout bounds one assistant turn. Zero means no limit beyond the caller's context.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// New returns the client for kind.
func New(kind string, opts Options) (types.AssistantClient, error) {
	switch kind {
	case KindClaude:
		return NewClaudeClient(opts), nil
	case KindCodex:
		return NewCodexClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown assistant type: %q (supported: %s, %s)", kind, KindClaude, KindCodex)
	}
}

// Factory builds clients by kind. It satisfies the orchestrator's client lookup.
type Factory struct {
	Options Options
}

// Client returns the client for kind.
func (f Factory) Client(kind string) (types.AssistantClient, error) {
	return New(kind, f.Options)
}
