package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/types"
)

// Principal is the authenticated identity behind a session. Agents act
// on behalf of a node owner; pod runtimes act on behalf of one placed
// pod and can do nothing but report status and request routes.
type Principal struct {
	ID      string
	Kind    types.PrincipalKind
	OwnerID string

	// PodID is set only for pod-runtime principals and pins the
	// credential to a single placement.
	PodID       string
	Incarnation int64
}

// Provider authenticates a bearer token into a principal.
type Provider interface {
	Authenticate(token string) (*Principal, error)
}

// credential pairs a stored token with its principal and expiry.
type credential struct {
	principal Principal
	expiresAt time.Time
}

// TokenProvider is an in-memory token registry. Agent tokens are minted
// by the enrollment flow; pod-runtime tokens are minted per placement
// and die with the incarnation.
type TokenProvider struct {
	mu    sync.RWMutex
	creds map[string]*credential
	now   func() time.Time
}

// NewTokenProvider creates an empty registry.
func NewTokenProvider() *TokenProvider {
	return &TokenProvider{
		creds: make(map[string]*credential),
		now:   time.Now,
	}
}

// Issue mints a token for a principal. A zero ttl means no expiry.
func (p *TokenProvider) Issue(principal Principal, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	cred := &credential{principal: principal}
	if ttl > 0 {
		cred.expiresAt = p.now().Add(ttl)
	}

	p.mu.Lock()
	p.creds[token] = cred
	p.mu.Unlock()
	return token, nil
}

// Authenticate resolves a token to its principal.
func (p *TokenProvider) Authenticate(token string) (*Principal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cred := p.lookup(token)
	if cred == nil {
		return nil, errdefs.Forbidden("unknown credential")
	}
	if !cred.expiresAt.IsZero() && p.now().After(cred.expiresAt) {
		return nil, errdefs.Forbidden("credential expired")
	}
	principal := cred.principal
	return &principal, nil
}

// lookup compares tokens in constant time. Caller holds the lock.
func (p *TokenProvider) lookup(token string) *credential {
	for stored, cred := range p.creds {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1 {
			return cred
		}
	}
	return nil
}

// Revoke invalidates a token.
func (p *TokenProvider) Revoke(token string) {
	p.mu.Lock()
	delete(p.creds, token)
	p.mu.Unlock()
}

// RevokePod invalidates every credential minted for a pod, called when
// its placement is revoked or superseded.
func (p *TokenProvider) RevokePod(podID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for token, cred := range p.creds {
		if cred.principal.Kind == types.PrincipalPodRuntime && cred.principal.PodID == podID {
			delete(p.creds, token)
		}
	}
}

// Sweep drops expired credentials. Run periodically.
func (p *TokenProvider) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for token, cred := range p.creds {
		if !cred.expiresAt.IsZero() && now.After(cred.expiresAt) {
			delete(p.creds, token)
		}
	}
}
