package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const defaultSessionTTL = 30 * time.Minute

// SessionRegistryDeps wires the session registry.
type SessionRegistryDeps struct {
	Marketplace     Marketplace
	Feed            *CartFeed
	Tracker         *StatusTracker
	OrderHistoryURL string
	RequestTimeout  time.Duration
	TTL             time.Duration
	Metrics         *Metrics
	Clock           func() time.Time
	Logger          Logger
	IDGenerator     func() string
}

// SessionRegistry owns the live checkout sessions. Sessions belong to the customer that opened
// them and are discarded after TTL of inactivity.
type SessionRegistry struct {
	deps  SessionRegistryDeps
	ttl   time.Duration
	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	sessions map[string]*CheckoutSession
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry(deps SessionRegistryDeps) (*SessionRegistry, error) {
	if deps.Marketplace == nil {
		return nil, errors.New("session registry: marketplace is required")
	}
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	return &SessionRegistry{
		deps:     deps,
		ttl:      ttl,
		now:      func() time.Time { return clock().UTC() },
		newID:    newID,
		sessions: make(map[string]*CheckoutSession),
	}, nil
}

// Create opens and loads a session for owner.
func (r *SessionRegistry) Create(ctx context.Context, owner string) (*CheckoutSession, CheckoutView, error) {
	session, err := NewCheckoutSession(CheckoutSessionDeps{
		ID:              r.newID(),
		Owner:           owner,
		Marketplace:     r.deps.Marketplace,
		Feed:            r.deps.Feed,
		Tracker:         r.deps.Tracker,
		OrderHistoryURL: r.deps.OrderHistoryURL,
		RequestTimeout:  r.deps.RequestTimeout,
		Metrics:         r.deps.Metrics,
		Clock:           r.now,
		Logger:          r.deps.Logger,
	})
	if err != nil {
		return nil, CheckoutView{}, err
	}
	view, err := session.Load(ctx)
	if err != nil {
		session.Close()
		return nil, CheckoutView{}, err
	}

	r.mu.Lock()
	r.sessions[session.ID()] = session
	r.mu.Unlock()
	r.deps.Logger(ctx, "checkout.session.created", map[string]any{"sessionId": session.ID()})
	return session, view, nil
}

// Get returns owner's session id. Sessions of other customers and expired sessions are reported
// as not found. A session whose cart changed elsewhere is reloaded first.
func (r *SessionRegistry) Get(ctx context.Context, owner, id string) (*CheckoutSession, error) {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	session, ok := r.sessions[id]
	if ok && r.expired(session) {
		delete(r.sessions, id)
		r.mu.Unlock()
		r.release(session)
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	r.mu.Unlock()
	if !ok || session.Owner() != owner {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := session.Sync(ctx); err != nil {
		r.deps.Logger(ctx, "checkout.session.sync_failed", map[string]any{"sessionId": id, "error": err.Error()})
	}
	return session, nil
}

// Discard closes owner's session id and stops polling the order it submitted.
func (r *SessionRegistry) Discard(owner, id string) bool {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	session, ok := r.sessions[id]
	if ok && session.Owner() == owner {
		delete(r.sessions, id)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		r.release(session)
	}
	return ok
}

// Len reports how many sessions are live.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictExpired discards sessions idle for longer than the TTL and returns how many were removed.
func (r *SessionRegistry) EvictExpired(ctx context.Context) int {
	r.mu.Lock()
	var expired []*CheckoutSession
	for id, session := range r.sessions {
		if r.expired(session) {
			delete(r.sessions, id)
			expired = append(expired, session)
		}
	}
	r.mu.Unlock()

	for _, session := range expired {
		r.release(session)
	}
	if len(expired) > 0 {
		r.deps.Logger(ctx, "checkout.session.evicted", map[string]any{"count": len(expired)})
	}
	return len(expired)
}

// RunEviction evicts expired sessions every interval until ctx is cancelled.
func (r *SessionRegistry) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictExpired(ctx)
		}
	}
}

// Close discards every session.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*CheckoutSession)
	r.mu.Unlock()
	for _, session := range sessions {
		r.release(session)
	}
}

func (r *SessionRegistry) release(session *CheckoutSession) {
	session.Close()
}

func (r *SessionRegistry) expired(session *CheckoutSession) bool {
	return r.now().Sub(session.LastActive()) > r.ttl
}
