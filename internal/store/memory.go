package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openclaw/file-relay-go/internal/model"
)

// MemoryStore keeps sessions in process memory only. Writers take the table
// lock exclusively; readers share it. No critical section does more than copy
// envelope headers, so cryptography never runs under the lock.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	newToken TokenSource
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithTokens(defaultTokenSource)
}

func NewMemoryStoreWithTokens(source TokenSource) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		newToken: source,
	}
}

func (s *MemoryStore) Create(ctx context.Context, params model.CreateSessionParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	session := &model.Session{
		Key:       params.Key,
		KeyCheck:  append([]byte(nil), params.KeyCheck...),
		Envelopes: append([]model.FileEnvelope(nil), params.Envelopes...),
		CreatedAt: params.CreatedAt,
		ExpiresAt: params.ExpiresAt,
		OneShot:   params.OneShot,
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}

		s.mu.Lock()
		if _, exists := s.sessions[token]; exists {
			s.mu.Unlock()
			continue
		}
		session.Token = token
		s.sessions[token] = session
		s.mu.Unlock()

		return token, nil
	}

	return "", ErrTokenSpace
}

func (s *MemoryStore) Get(ctx context.Context, token string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[token]
	if !ok {
		return nil, nil
	}
	return session.Snapshot(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[token]; !ok {
		return false, nil
	}
	delete(s.sessions, token)
	return true, nil
}

func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for token, session := range s.sessions {
		if session.IsExpired(now) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.sessions)), nil
}
