// Package provider is the seam to the per-platform automation that changes
// and probes account passwords on third-party sites.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"sharepool/services/pool/internal/domain"
)

// Provider changes and verifies the password of one platform's accounts.
// Implementations must honour ctx deadlines and must never log secrets.
type Provider interface {
	ChangePassword(ctx context.Context, username, oldSecret, newSecret string) error
	VerifyLogin(ctx context.Context, username, secret string) (bool, error)
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func normalize(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

func (r *Registry) Register(platform string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[normalize(platform)] = p
}

// Lookup fails with domain.ErrUnsupportedPlatform for unknown platforms.
func (r *Registry) Lookup(platform string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[normalize(platform)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedPlatform, platform)
	}
	return p, nil
}

func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
