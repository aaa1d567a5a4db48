package safety

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID        string    `json:"id"`
	Wallet    string    `json:"wallet"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionRegistry tracks signing sessions. The kill switch revokes all of
// them; expired ones are removed by Sweep.
type SessionRegistry struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]Session
}

func NewSessionRegistry(ttl time.Duration, now func() time.Time) *SessionRegistry {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{ttl: ttl, now: now, sessions: map[string]Session{}}
}

func (r *SessionRegistry) Open(wallet string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	s := Session{ID: "sess_" + uuid.NewString(), Wallet: wallet, CreatedAt: now, ExpiresAt: now.Add(r.ttl)}
	r.sessions[s.ID] = s
	return s
}

// Valid reports whether the session exists and has not expired.
func (r *SessionRegistry) Valid(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return ok && r.now().Before(s.ExpiresAt)
}

func (r *SessionRegistry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// RevokeAll drops every session. Its signature matches Hooks.RevokeSessions.
func (r *SessionRegistry) RevokeAll(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sessions)
	r.sessions = map[string]Session{}
	return n, nil
}

func (r *SessionRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for id, s := range r.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

func (r *SessionRegistry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}
