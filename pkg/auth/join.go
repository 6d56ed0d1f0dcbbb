package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/packdock/stevedore/pkg/errdefs"
)

// JoinRole names what a join token admits.
type JoinRole string

const (
	// JoinRoleServer admits a new control plane peer into the raft
	// cluster.
	JoinRoleServer JoinRole = "server"

	// JoinRoleAgent admits a new agent runtime for node registration.
	JoinRoleAgent JoinRole = "agent"
)

// JoinToken is a short-lived credential for joining the cluster.
type JoinToken struct {
	Token     string    `json:"token"`
	Role      JoinRole  `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// JoinTokens issues and validates join tokens.
type JoinTokens struct {
	mu     sync.RWMutex
	tokens map[string]*JoinToken
	now    func() time.Time
}

// NewJoinTokens creates an empty token set.
func NewJoinTokens() *JoinTokens {
	return &JoinTokens{
		tokens: make(map[string]*JoinToken),
		now:    time.Now,
	}
}

// Generate mints a new join token valid for the given duration.
func (j *JoinTokens) Generate(role JoinRole, duration time.Duration) (*JoinToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}

	now := j.now()
	jt := &JoinToken{
		Token:     hex.EncodeToString(raw),
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}

	j.mu.Lock()
	j.tokens[jt.Token] = jt
	j.mu.Unlock()
	return jt, nil
}

// Validate checks a token and returns its role.
func (j *JoinTokens) Validate(token string) (JoinRole, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	jt, ok := j.tokens[token]
	if !ok {
		return "", errdefs.Forbidden("invalid join token")
	}
	if j.now().After(jt.ExpiresAt) {
		return "", errdefs.Forbidden("join token expired")
	}
	return jt.Role, nil
}

// Revoke removes a token.
func (j *JoinTokens) Revoke(token string) {
	j.mu.Lock()
	delete(j.tokens, token)
	j.mu.Unlock()
}

// Sweep removes expired tokens.
func (j *JoinTokens) Sweep() {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	for token, jt := range j.tokens {
		if now.After(jt.ExpiresAt) {
			delete(j.tokens, token)
		}
	}
}

// List returns the active tokens.
func (j *JoinTokens) List() []*JoinToken {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*JoinToken, 0, len(j.tokens))
	for _, jt := range j.tokens {
		c := *jt
		out = append(out, &c)
	}
	return out
}
