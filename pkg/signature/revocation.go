package signature

import (
	"strings"
	"sync"
	"time"
)

// Revocations tracks signing authorities that are no longer trusted.
// Safe for concurrent readers with occasional writers; the snapshot
// publisher revokes authorities as part of a hot-reload and every
// subsequent proof verification consults the registry.
type Revocations struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
}

func NewRevocations() *Revocations {
	return &Revocations{revoked: make(map[string]time.Time)}
}

// Revoke marks keyID untrusted from now on. Idempotent; the first
// revocation timestamp wins.
func (r *Revocations) Revoke(keyID string) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.revoked[keyID]; !ok {
		r.revoked[keyID] = time.Now().UTC()
	}
}

func (r *Revocations) IsRevoked(keyID string) bool {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.revoked[keyID]
	return ok
}

// List returns the revoked authorities in no particular order.
func (r *Revocations) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.revoked))
	for k := range r.revoked {
		out = append(out, k)
	}
	return out
}
