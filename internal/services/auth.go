package services

import "sync"

// StaticAuth is an AuthProvider backed by a fixed API key. Once invalidated it stays invalid until
// Renew is called with a new key.
type StaticAuth struct {
	mu          sync.RWMutex
	token       string
	invalidated bool
}

// NewStaticAuth returns a StaticAuth for token. An empty token is never valid.
func NewStaticAuth(token string) *StaticAuth {
	return &StaticAuth{token: token}
}

// BearerToken returns the key while the session is valid.
func (a *StaticAuth) BearerToken() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.invalidated || a.token == "" {
		return "", false
	}
	return a.token, true
}

// IsValid reports whether there is an authenticated actor.
func (a *StaticAuth) IsValid() bool {
	_, ok := a.BearerToken()
	return ok
}

// Invalidate marks the session as expired.
func (a *StaticAuth) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidated = true
}

// Renew replaces the key and revalidates the session.
func (a *StaticAuth) Renew(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
	a.invalidated = false
}
