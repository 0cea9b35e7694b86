// internal/delivery/registry.go
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/user/remoteagent/internal/types"
)

// Registry routes outbound messages to the platform adapter registered for a
// platform type (e.g. "telegram", "github").
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]types.Platform
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		platforms: make(map[string]types.Platform),
	}
}

// Register adds p under its PlatformType, replacing any previous adapter.
func (r *Registry) Register(p types.Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[p.PlatformType()] = p
}

// Get returns the adapter registered for platformType.
func (r *Registry) Get(platformType string) (types.Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[platformType]
	return p, ok
}

// Platforms returns the registered adapters ordered by type.
func (r *Registry) Platforms() []types.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformType() < out[j].PlatformType() })
	return out
}

// Deliver sends message to conversationID on the named platform.
func (r *Registry) Deliver(ctx context.Context, platformType, conversationID, message string) error {
	p, ok := r.Get(platformType)
	if !ok {
		return fmt.Errorf("no delivery handler for platform: %s", platformType)
	}
	return p.SendMessage(ctx, conversationID, message)
}

// StartAll starts every adapter. On failure the adapters already started are
// stopped again.
func (r *Registry) StartAll(ctx context.Context, logger *slog.Logger) error {
	var started []types.Platform
	for _, p := range r.Platforms() {
		if err := p.Start(ctx); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return fmt.Errorf("start %s: %w", p.PlatformType(), err)
		}
		logger.Info("platform started", "platform", p.PlatformType(), "mode", p.StreamingMode())
		started = append(started, p)
	}
	if len(started) == 0 {
		return errors.New("no platforms configured")
	}
	return nil
}

// StopAll stops every adapter.
func (r *Registry) StopAll() {
	for _, p := range r.Platforms() {
		p.Stop()
	}
}
