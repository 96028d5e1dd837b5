// Package conversation keeps short, bounded chat histories keyed by session id.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const contextHeader = "Previous conversation context:"

// Message is one turn of a conversation.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	AgentLabel string    `json:"agent_label,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session is a snapshot of one conversation.
type Session struct {
	ID           string    `json:"id"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

type session struct {
	id           string
	messages     []Message
	createdAt    time.Time
	lastActivity time.Time
}

func (s *session) snapshot() Session {
	return Session{
		ID:           s.id,
		Messages:     append([]Message(nil), s.messages...),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// Store holds every conversation. All methods are safe for concurrent use.
type Store struct {
	maxMessages int
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewStore returns a store that keeps at most maxMessages per session.
func NewStore(maxMessages int, logger *zap.Logger) *Store {
	if maxMessages <= 0 {
		maxMessages = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		maxMessages: maxMessages,
		logger:      logger,
		now:         time.Now,
		sessions:    make(map[string]*session),
	}
}

// MaxMessages returns the per-session history bound.
func (s *Store) MaxMessages() int { return s.maxMessages }

// GetOrCreate returns the session for id, creating an empty one if needed.
func (s *Store) GetOrCreate(id string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id).snapshot()
}

func (s *Store) getOrCreateLocked(id string) *session {
	sess, ok := s.sessions[id]
	if !ok {
		now := s.now()
		sess = &session{id: id, createdAt: now, lastActivity: now}
		s.sessions[id] = sess
	}
	return sess
}

// Get returns the session for id without creating it.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// Append adds a message to id's history, dropping the oldest messages beyond
// the bound.
func (s *Store) Append(id, role, content, agentLabel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(id)
	now := s.now()
	sess.messages = append(sess.messages, Message{
		Role:       role,
		Content:    content,
		AgentLabel: agentLabel,
		Timestamp:  now,
	})
	if over := len(sess.messages) - s.maxMessages; over > 0 {
		// Copy so the dropped prefix can be collected.
		sess.messages = append([]Message(nil), sess.messages[over:]...)
	}
	sess.lastActivity = now
}

// ContextString renders id's history as a transcript for a prompt. It
// returns "" when there is no history.
func (s *Store) ContextString(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || len(sess.messages) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(contextHeader)
	for _, msg := range sess.messages {
		b.WriteByte('\n')
		if msg.Role == RoleUser {
			b.WriteString("User: ")
		} else {
			b.WriteString("Assistant")
			if msg.AgentLabel != "" {
				b.WriteString(" (" + msg.AgentLabel + " agent)")
			}
			b.WriteString(": ")
		}
		b.WriteString(msg.Content)
	}
	b.WriteString("\n---")
	return b.String()
}

// Delete removes id.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len returns the number of sessions held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SweepExpired removes sessions idle for longer than ttl. Sessions for which
// inFlight reports true are kept regardless of age. It returns the removed ids.
func (s *Store) SweepExpired(ttl time.Duration, inFlight func(id string) bool) []string {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	var expired []string
	for id, sess := range s.sessions {
		if !sess.lastActivity.Before(cutoff) {
			continue
		}
		if inFlight != nil && inFlight(id) {
			continue
		}
		delete(s.sessions, id)
		expired = append(expired, id)
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.logger.Info("Cleaned up expired conversation sessions", zap.Int("count", len(expired)))
	}
	return expired
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval, ttl time.Duration, inFlight func(id string) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired(ttl, inFlight)
		}
	}
}
