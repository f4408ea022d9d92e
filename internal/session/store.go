package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dora-agent/backend/internal/intent"
	"github.com/dora-agent/backend/pkg/logger"
)

type Status string

const (
	StatusAnswered      Status = "answered"
	StatusClarification Status = "clarification_needed"
	StatusFailed        Status = "failed"
)

// CandidateTrace keeps raw query text and reason codes for diagnostics.
// It lives only in the turn record and is never surfaced to callers.
type CandidateTrace struct {
	Attempt int
	SQL     string
	Allowed bool
	Reason  string
}

type Turn struct {
	ID            string
	Utterance     string
	State         string
	Status        Status
	Attempts      int
	ExecAttempts  int
	Intent        intent.Intent
	Candidates    []CandidateTrace
	Response      string
	FailureReason string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Session serializes its turns through an exclusive lock. The turn holding
// the lock is the only writer of the turn history. Activity is tracked under
// its own lock so handing a session out refreshes it without touching the
// turn lock.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu    sync.Mutex
	turns []*Turn

	activeMu   sync.Mutex
	lastActive time.Time
}

// Acquire blocks until the session's exclusive lock is held. The caller
// must Release on every exit path of the turn.
func (s *Session) Acquire() {
	s.mu.Lock()
}

func (s *Session) Release() {
	s.touch()
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.activeMu.Lock()
	s.lastActive = time.Now()
	s.activeMu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.lastActive
}

// BeginTurn appends a new turn. Caller must hold the session lock.
func (s *Session) BeginTurn(utterance string) *Turn {
	turn := &Turn{
		ID:        uuid.New().String(),
		Utterance: utterance,
		StartedAt: time.Now(),
	}
	s.turns = append(s.turns, turn)
	return turn
}

// History returns the utterances and responses of the most recent completed
// turns, oldest first. Caller must hold the session lock.
func (s *Session) History(depth int) []string {
	var history []string
	for _, t := range s.turns {
		if t.CompletedAt.IsZero() {
			continue
		}
		history = append(history, t.Utterance)
		if t.Response != "" {
			history = append(history, t.Response)
		}
	}
	if depth > 0 && len(history) > depth {
		history = history[len(history)-depth:]
	}
	return history
}

// Turns returns the turn records. Caller must hold the session lock.
func (s *Session) Turns() []*Turn {
	return s.turns
}

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	ticker   *time.Ticker
	stop     chan struct{}
}

func NewStore(ttl, cleanupInterval time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	st := &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		ticker:   time.NewTicker(cleanupInterval),
		stop:     make(chan struct{}),
	}

	go st.janitor()

	return st
}

// GetOrCreate returns the session for id, creating it if unknown. An empty
// id allocates a fresh session.
func (st *Store) GetOrCreate(id string) *Session {
	if id == "" {
		id = uuid.New().String()
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[id]; ok {
		// Refresh before handing the session out, so the janitor cannot
		// evict it between this lookup and the turn acquiring its lock.
		s.touch()
		return s
	}

	s := &Session{
		ID:         id,
		CreatedAt:  time.Now(),
		lastActive: time.Now(),
	}
	st.sessions[id] = s

	logger.Debug("Session created", zap.String("session_id", id))
	return s
}

func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

func (st *Store) CloseSession(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

func (st *Store) Stop() {
	st.ticker.Stop()
	close(st.stop)
}

// janitor drops sessions idle past the TTL. A session whose lock is held
// by an in-flight turn is never reaped.
func (st *Store) janitor() {
	for {
		select {
		case <-st.stop:
			return
		case <-st.ticker.C:
			st.sweep()
		}
	}
}

func (st *Store) sweep() {
	now := time.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	for id, s := range st.sessions {
		if !s.mu.TryLock() {
			continue
		}
		expired := now.Sub(s.idleSince()) > st.ttl
		s.mu.Unlock()

		if expired {
			delete(st.sessions, id)
			logger.Debug("Session expired", zap.String("session_id", id))
		}
	}
}
