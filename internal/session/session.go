// Package session holds the per-upload pipeline state. A session is created
// when a document is uploaded, mutated by each positioning/refinement step,
// and destroyed on reset. Neither the session nor the store synchronizes
// mutations of a session's fields; the pipeline serializes all access to one
// session through its per-session guard.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/UnknownOlympus/cartographer/internal/models"
	"github.com/google/uuid"
)

// Sentinel errors for session operations.
var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrExpired is returned when a session has exceeded its TTL.
	ErrExpired = errors.New("session expired")
)

// DefaultTTL is how long an idle session survives before cleanup.
const DefaultTTL = 2 * time.Hour

// Session is the ephemeral state of one uploaded plan.
type Session struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DocumentImage []byte    `json:"-"`
	AspectRatio   float64   `json:"aspect_ratio"`

	// CurrentBounds tracks the live placement; OriginalBounds is the
	// immutable snapshot from the first successful positioning and anchors
	// the deep-refinement displacement cap.
	CurrentBounds  *models.Bounds `json:"current_bounds,omitempty"`
	OriginalBounds *models.Bounds `json:"original_bounds,omitempty"`

	IterationCount int                       `json:"iteration_count"`
	History        []models.ConversationTurn `json:"history,omitempty"`
	RoadGeometries []models.RoadGeometry     `json:"road_geometries,omitempty"`
}

// New creates a session for an uploaded document.
func New(documentImage []byte, aspectRatio float64, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:            uuid.NewString(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		DocumentImage: documentImage,
		AspectRatio:   aspectRatio,
	}
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// AppendTurn records one refinement conversation entry. The history is
// append-only.
func (s *Session) AppendTurn(role, content string) {
	s.History = append(s.History, models.ConversationTurn{Role: role, Content: content})
}

// SetBounds replaces the live placement directly. Used for manual drag
// adjustments, which bypass the pipeline entirely; the original snapshot is
// left untouched.
func (s *Session) SetBounds(bounds models.Bounds) error {
	if err := bounds.Validate(); err != nil {
		return err
	}
	s.CurrentBounds = &bounds
	return nil
}

// Store is the interface for session storage backends.
type Store interface {
	// Get retrieves a session by ID. Returns ErrNotFound when absent and
	// ErrExpired when present but past its TTL.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Set stores a session.
	Set(ctx context.Context, session *Session) error

	// Delete removes a session. Returns ErrNotFound when absent.
	Delete(ctx context.Context, sessionID string) error

	// Cleanup removes expired sessions and reports how many were removed.
	Cleanup(ctx context.Context) (int, error)
}

// MemoryStore is an in-process Store. Sessions are ephemeral by design;
// a durable backend is a deployment concern, not a pipeline one.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Get retrieves a session by ID.
func (ms *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	sess, ok := ms.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.IsExpired() {
		return nil, ErrExpired
	}
	return sess, nil
}

// Set stores a session.
func (ms *MemoryStore) Set(_ context.Context, session *Session) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[session.ID] = session
	return nil
}

// Delete removes a session. Returns ErrNotFound for an unknown ID so
// callers keeping counts cannot double-account a session.
func (ms *MemoryStore) Delete(_ context.Context, sessionID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(ms.sessions, sessionID)
	return nil
}

// Cleanup sweeps expired sessions and reports how many were removed.
func (ms *MemoryStore) Cleanup(_ context.Context) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	for id, sess := range ms.sessions {
		if sess.IsExpired() {
			delete(ms.sessions, id)
			removed++
		}
	}
	return removed, nil
}
