// Package memory is a process-local kv implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/kv"

	"github.com/google/uuid"
)

type pair struct {
	user    domain.UserID
	account domain.AccountID
}

type AccessStore struct {
	mu     sync.Mutex
	tokens map[string]domain.TemporaryAccess
	byPair map[pair]string
}

var _ kv.AccessStore = (*AccessStore)(nil)

func NewAccessStore() *AccessStore {
	return &AccessStore{
		tokens: make(map[string]domain.TemporaryAccess),
		byPair: make(map[pair]string),
	}
}

func (s *AccessStore) Replace(_ context.Context, next domain.TemporaryAccess) (*domain.TemporaryAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pair{next.UserID, next.AccountID}
	var prev *domain.TemporaryAccess
	if old, ok := s.byPair[k]; ok {
		if t, ok := s.tokens[old]; ok {
			prev = &t
		}
		delete(s.tokens, old)
	}
	s.tokens[next.Token] = next
	s.byPair[k] = next.Token
	return prev, nil
}

func (s *AccessStore) Get(_ context.Context, token string) (*domain.TemporaryAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return &t, nil
}

func (s *AccessStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil
	}
	delete(s.tokens, token)
	k := pair{t.UserID, t.AccountID}
	if s.byPair[k] == token {
		delete(s.byPair, k)
	}
	return nil
}

func (s *AccessStore) ListAccount(_ context.Context, accountID domain.AccountID) ([]domain.TemporaryAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TemporaryAccess
	for _, t := range s.tokens {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *AccessStore) Expired(_ context.Context, now time.Time, limit int) ([]domain.TemporaryAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TemporaryAccess
	for _, t := range s.tokens {
		if t.ExpiredAt(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClosedRetention is how long closed sessions stay readable so repeated
// end-session calls keep returning the recorded duration.
const ClosedRetention = 24 * time.Hour

type SessionStore struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]domain.Session
	byToken  map[string]domain.SessionID
}

var _ kv.SessionStore = (*SessionStore)(nil)

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[domain.SessionID]domain.Session),
		byToken:  make(map[string]domain.SessionID),
	}
}

func (s *SessionStore) Put(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	s.sessions[sess.ID] = sess
	s.byToken[sess.Token] = sess.ID
	return nil
}

func (s *SessionStore) Get(_ context.Context, id domain.SessionID) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return &sess, nil
}

func (s *SessionStore) GetByToken(_ context.Context, token string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, kv.ErrNotFound
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return &sess, nil
}

func (s *SessionStore) CompareAndSwap(_ context.Context, expected domain.SessionState, next domain.Session) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[next.ID]
	if !ok {
		return false, kv.ErrNotFound
	}
	if cur.State != expected {
		return false, nil
	}
	s.sessions[next.ID] = next
	return true, nil
}

func (s *SessionStore) Delete(_ context.Context, id domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		delete(s.byToken, sess.Token)
		delete(s.sessions, id)
	}
	return nil
}

func (s *SessionStore) ScanExpired(_ context.Context, now time.Time, limit int) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Session
	for id, sess := range s.sessions {
		if sess.State.Closed() {
			// Closed sessions are pruned here once past retention.
			if sess.ClosedAt != nil && now.Sub(*sess.ClosedAt) > ClosedRetention {
				delete(s.byToken, sess.Token)
				delete(s.sessions, id)
			}
			continue
		}
		if !now.Before(sess.ExpiresAt) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SessionStore) CountOpen(_ context.Context, allocationID domain.AllocationID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.AllocationID == allocationID && !sess.State.Closed() {
			n++
		}
	}
	return n, nil
}

func (s *SessionStore) ListOpen(_ context.Context, allocationID domain.AllocationID) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Session
	for _, sess := range s.sessions {
		if sess.AllocationID == allocationID && !sess.State.Closed() {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
