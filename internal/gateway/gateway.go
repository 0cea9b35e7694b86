// internal/gateway/gateway.go
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/remoteagent/internal/types"
)

// Handler processes one message for a platform conversation.
type Handler interface {
	HandleMessage(ctx context.Context, platform types.Platform, conversationID, message string) error
}

// PlatformLookup resolves a platform adapter by its type.
type PlatformLookup interface {
	Get(platformType string) (types.Platform, bool)
}

// Gateway serialises inbound messages per conversation and hands them to the
// handler, bounding how many conversations are worked on at once.
type Gateway struct {
	handler   Handler
	platforms PlatformLookup
	Queue     *Queue
	logger    *slog.Logger
}

// New creates a Gateway. maxConcurrent defaults to 2.
func New(handler Handler, platforms PlatformLookup, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	g := &Gateway{
		handler:   handler,
		platforms: platforms,
		Queue:     NewQueue(concurrency),
		logger:    slog.Default(),
	}
	g.Queue.SetProcessor(g.process)
	return g
}

// SetLogger replaces the gateway's logger.
func (g *Gateway) SetLogger(logger *slog.Logger) {
	if logger != nil {
		g.logger = logger
		g.Queue.SetLogger(logger)
	}
}

// Start starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// Stop stops the queue and waits for in-flight jobs.
func (g *Gateway) Stop() {
	g.Queue.Stop()
}

// Dispatch enqueues msg on its conversation lane. It returns once the job is
// queued; the reply is delivered through the message's platform.
func (g *Gateway) Dispatch(_ context.Context, msg types.InboundMessage) error {
	if msg.Platform == "" || msg.ConversationID == "" {
		return fmt.Errorf("dispatch: platform and conversation id are required")
	}
	if _, ok := g.platforms.Get(msg.Platform); !ok {
		return fmt.Errorf("dispatch: no platform registered for %q", msg.Platform)
	}
	job := NewJob(msg)
	if err := g.Queue.Enqueue(job); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	g.logger.Debug("job queued", "job_id", string(job.ID), "platform", msg.Platform,
		"conversation_id", msg.ConversationID, "user_id", msg.UserID)
	return nil
}

func (g *Gateway) process(ctx context.Context, job *Job) error {
	platform, ok := g.platforms.Get(job.Message.Platform)
	if !ok {
		return fmt.Errorf("no platform registered for %q", job.Message.Platform)
	}
	return g.handler.HandleMessage(ctx, platform, job.Message.ConversationID, job.Message.Text)
}
