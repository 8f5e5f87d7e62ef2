package stream

import (
	"context"
	"fmt"
	"sync"

	"conductor/pkg/model"
)

// Router dispatches streaming invocations to the provider-specific client
// registered for the request's model.
type Router struct {
	mu         sync.RWMutex
	byProvider map[model.Provider]Streamer
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{byProvider: make(map[model.Provider]Streamer)}
}

// Register installs the streamer serving a provider, replacing any previous
// registration.
func (r *Router) Register(p model.Provider, s Streamer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byProvider[p] = s
}

// StreamMessage implements Streamer.
func (r *Router) StreamMessage(ctx context.Context, req Request) error {
	r.mu.RLock()
	s, ok := r.byProvider[req.Model.Provider]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no streamer registered for provider %q", req.Model.Provider)
	}
	return s.StreamMessage(ctx, req)
}

// Stop implements Streamer. The router does not track which provider holds a
// session's active stream, so the stop request fans out to every registered
// streamer; streamers without an active stream for the session treat it as a
// no-op.
func (r *Router) Stop(ctx context.Context, sessionID string) error {
	r.mu.RLock()
	streamers := make([]Streamer, 0, len(r.byProvider))
	for _, s := range r.byProvider {
		streamers = append(streamers, s)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, s := range streamers {
		if err := s.Stop(ctx, sessionID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
