package api

import "sync"

type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// TokenStore holds the current credentials. Implementations must be safe
// for concurrent use.
type TokenStore interface {
	Tokens() Tokens
	SetTokens(Tokens)
	Clear()
}

type MemoryTokenStore struct {
	mu sync.RWMutex
	t  Tokens
}

func NewMemoryTokenStore(t Tokens) *MemoryTokenStore {
	return &MemoryTokenStore{t: t}
}

func (s *MemoryTokenStore) Tokens() Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t
}

func (s *MemoryTokenStore) SetTokens(t Tokens) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t = t
}

func (s *MemoryTokenStore) Clear() {
	s.SetTokens(Tokens{})
}
