package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"finlink/internal/domain/link"
)

type LinkSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*link.Session
}

var _ link.Repository = (*LinkSessionRepository)(nil)

func NewLinkSessionRepository() *LinkSessionRepository {
	return &LinkSessionRepository{sessions: make(map[string]*link.Session)}
}

func (r *LinkSessionRepository) Create(ctx context.Context, s *link.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.Token]; ok {
		return link.ErrDuplicateToken
	}
	r.sessions[s.Token] = cloneSession(s)
	return nil
}

func (r *LinkSessionRepository) Get(ctx context.Context, token string) (*link.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return nil, link.ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (r *LinkSessionRepository) Claim(ctx context.Context, token, credentialHash string, now, staleBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return false, link.ErrSessionNotFound
	}
	if s.Consumed() || s.Expired(now) {
		return false, nil
	}
	if s.ClaimedAt != nil && !s.ClaimedAt.Before(staleBefore) {
		return false, nil
	}
	s.ClaimedAt = &now
	s.CredentialHash = credentialHash
	return true, nil
}

func (r *LinkSessionRepository) Release(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return link.ErrSessionNotFound
	}
	if !s.Consumed() {
		s.ClaimedAt = nil
		s.CredentialHash = ""
	}
	return nil
}

func (r *LinkSessionRepository) Complete(ctx context.Context, token string, accountIDs []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return link.ErrSessionNotFound
	}
	s.ConsumedAt = &at
	s.AccountIDs = slices.Clone(accountIDs)
	return nil
}

func (r *LinkSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for token, s := range r.sessions {
		if !s.Consumed() && s.Expired(now) {
			delete(r.sessions, token)
			n++
		}
	}
	return n, nil
}

func cloneSession(s *link.Session) *link.Session {
	c := *s
	if s.ClaimedAt != nil {
		t := *s.ClaimedAt
		c.ClaimedAt = &t
	}
	if s.ConsumedAt != nil {
		t := *s.ConsumedAt
		c.ConsumedAt = &t
	}
	c.AccountIDs = slices.Clone(s.AccountIDs)
	return &c
}
