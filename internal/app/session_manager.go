// Package app wires configuration, observability, and playback together.
// Each playback session owns one player, and therefore one mixing engine,
// so sessions are fully independent and may run concurrently with no shared
// audio state.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mixdeck/internal/config"
	"github.com/MrWong99/mixdeck/internal/observe"
	"github.com/MrWong99/mixdeck/pkg/audio/mixer"
	"github.com/MrWong99/mixdeck/pkg/audio/player"
)

// Session is one open playback session.
type Session struct {
	// ID is the caller-chosen session identifier (e.g., a guild or room id).
	ID string

	// StartedAt is when the session was opened.
	StartedAt time.Time

	// Player is the session's playback facade. Its engine emits mixed
	// chunks to the sink supplied at [SessionManager.Open].
	Player *player.Player
}

// SessionManager manages the lifecycle of playback sessions.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg     *config.Config
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates a SessionManager that builds players from cfg
// and records engine telemetry into metrics.
func NewSessionManager(cfg *config.Config, metrics *observe.Metrics) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// Open starts a new playback session whose mixed output is delivered to
// sink. The sink is called sequentially from the session engine's tick
// goroutine and must not block for extended periods.
//
// Returns an error if a session with this id is already open.
func (sm *SessionManager) Open(ctx context.Context, id string, sink func([]byte)) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("app: session id is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("app: session %q: output sink is required", id)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.sessions[id]; ok {
		return nil, fmt.Errorf("app: session %q is already open", id)
	}

	opts := append(
		sm.cfg.Engine.MixerOptions(),
		mixer.WithTickObserver(observe.MixerObserver(sm.metrics, id)),
	)
	s := &Session{
		ID:        id,
		StartedAt: time.Now().UTC(),
		Player:    player.New(sm.cfg.Engine.Format(), sink, opts...),
	}
	sm.sessions[id] = s
	sm.metrics.ActiveSessions.Add(ctx, 1)

	observe.Logger(ctx).Info("app: session opened",
		"session", id,
		"format", sm.cfg.Engine.Format().String(),
		"max_streams", sm.cfg.Engine.MaxStreams,
	)
	return s, nil
}

// Get returns the open session with the given id.
func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	return s, ok
}

// Active returns the ids of all open sessions.
func (sm *SessionManager) Active() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close stops the identified session's playback and removes it.
// Returns an error if no such session is open.
func (sm *SessionManager) Close(ctx context.Context, id string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if !ok {
		return fmt.Errorf("app: session %q is not open", id)
	}

	err := s.Player.Close()
	sm.metrics.ActiveSessions.Add(ctx, -1)
	observe.Logger(ctx).Info("app: session closed", "session", id)
	if err != nil {
		return fmt.Errorf("app: close session %q: %w", id, err)
	}
	return nil
}

// CloseAll closes every open session concurrently and returns the first
// error encountered.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	ids := sm.Active()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return sm.Close(ctx, id)
		})
	}
	return g.Wait()
}
