package cluster

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenManager manages join tokens used to admit new nodes to the cluster.
type TokenManager struct {
	tokens map[string]*JoinToken
	mu     sync.RWMutex
}

// JoinToken authorizes a node to join as a voter or nonvoter. ClusterKey
// pins it to the membership generation in effect when it was issued: if a
// token outlives its generation, ValidateToken rejects it, the same way a
// stale ClusterKey invalidates an in-flight migration or a node
// certificate elsewhere in this system — membership moved on since this
// token was handed out, so the leader should mint a fresh one.
type JoinToken struct {
	Token      string
	Role       string // "voter" or "nonvoter"
	ClusterKey uint64
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*JoinToken),
	}
}

// GenerateToken mints a token for role, valid until duration elapses or the
// cluster's membership generation moves past clusterKey, whichever comes
// first.
func (tm *TokenManager) GenerateToken(role string, duration time.Duration, clusterKey uint64) (*JoinToken, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	token := hex.EncodeToString(bytes)

	jt := &JoinToken{
		Token:      token,
		Role:       role,
		ClusterKey: clusterKey,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(duration),
	}

	tm.mu.Lock()
	tm.tokens[token] = jt
	tm.mu.Unlock()

	return jt, nil
}

// ValidateToken checks a token's expiry and that currentClusterKey has not
// advanced past the generation it was issued under, returning its role.
func (tm *TokenManager) ValidateToken(token string, currentClusterKey uint64) (string, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	jt, exists := tm.tokens[token]
	if !exists {
		return "", fmt.Errorf("invalid token")
	}

	if time.Now().After(jt.ExpiresAt) {
		return "", fmt.Errorf("token expired")
	}

	if currentClusterKey > jt.ClusterKey {
		return "", fmt.Errorf("token issued under a stale cluster generation (issued at %d, now %d)", jt.ClusterKey, currentClusterKey)
	}

	return jt.Role, nil
}

func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}

func (tm *TokenManager) ListTokens() []*JoinToken {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tokens := make([]*JoinToken, 0, len(tm.tokens))
	for _, jt := range tm.tokens {
		tokens = append(tokens, jt)
	}

	return tokens
}
