package hub

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// reissueGrace is how long a superseded token stays valid after a new one
// is issued for the same matrix. Daemons that reconnect mid-handshake keep
// working with the token they already hold.
const reissueGrace = 30 * time.Second

type tokenRecord struct {
	matrixID  string
	issuedAt  time.Time
	expiresAt time.Time
}

// TokenService issues and validates hub access tokens. Tokens are held in
// memory only; a hub restart invalidates them all and clients re-register.
type TokenService struct {
	secret string
	ttl    time.Duration
	grace  time.Duration

	mu       sync.Mutex
	tokens   map[string]tokenRecord
	byMatrix map[string][]string
}

// NewTokenService creates a token service signing with the hub secret.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret:   secret,
		ttl:      ttl,
		grace:    reissueGrace,
		tokens:   make(map[string]tokenRecord),
		byMatrix: make(map[string][]string),
	}
}

// Issue mints a token for a matrix. Earlier tokens for the same matrix
// older than the reissue grace window are purged; a token issued within
// the window stays valid alongside the new one.
func (s *TokenService) Issue(matrixID string) string {
	now := time.Now()

	h := sha256.Sum256([]byte(matrixID + s.secret + uuid.New().String()))
	token := hex.EncodeToString(h[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.byMatrix[matrixID][:0]
	for _, old := range s.byMatrix[matrixID] {
		rec, ok := s.tokens[old]
		if !ok {
			continue
		}
		if now.Sub(rec.issuedAt) > s.grace || now.After(rec.expiresAt) {
			delete(s.tokens, old)
			continue
		}
		kept = append(kept, old)
	}

	s.tokens[token] = tokenRecord{matrixID: matrixID, issuedAt: now, expiresAt: now.Add(s.ttl)}
	s.byMatrix[matrixID] = append(kept, token)
	return token
}

// Validate resolves a token to its matrix ID. Expired tokens are removed
// on sight.
func (s *TokenService) Validate(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	if time.Now().After(rec.expiresAt) {
		delete(s.tokens, token)
		return "", false
	}
	return rec.matrixID, true
}
