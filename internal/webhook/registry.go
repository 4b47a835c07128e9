// Package webhook exposes the vendor-facing HTTP surface: the target
// registry that multiplexes accounts onto paths and the echo handler
// implementing the verification and delivery endpoints.
package webhook

import (
	"context"
	"strings"
	"sync"

	"github.com/wecombridge/wecombridge/internal/account"
	"github.com/wecombridge/wecombridge/internal/wecom"
)

// MessageSink receives decrypted inbound envelopes for detached
// processing.
type MessageSink interface {
	Handle(ctx context.Context, acct account.Account, envelope wecom.InboundEnvelope)
}

// Binding ties one account and its processing sink to a webhook path.
type Binding struct {
	Account account.Account
	Sink    MessageSink
}

// NormalizePath strips trailing slashes; an empty path becomes the
// root.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// Registry maps normalized paths to their registered bindings. Multiple
// accounts may share one path during transition periods; registration
// order is preserved.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string][]Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: map[string][]Binding{}}
}

// Register appends a binding under the normalized path. It never
// replaces existing bindings for the path.
func (r *Registry) Register(path string, binding Binding) {
	key := NormalizePath(path)
	r.mu.Lock()
	r.bindings[key] = append(r.bindings[key], binding)
	r.mu.Unlock()
}

// Unregister removes the account's bindings from the path, deleting the
// path entry once empty.
func (r *Registry) Unregister(path, accountID string) {
	key := NormalizePath(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.bindings[key][:0]
	for _, b := range r.bindings[key] {
		if b.Account.ID != accountID {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		delete(r.bindings, key)
		return
	}
	r.bindings[key] = kept
}

// Resolve picks the binding for a path. A non-empty token selects the
// binding whose shared webhook secret matches it; otherwise the first
// registered binding wins.
func (r *Registry) Resolve(path, token string) (Binding, bool) {
	key := NormalizePath(path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	bound := r.bindings[key]
	if len(bound) == 0 {
		return Binding{}, false
	}
	if token != "" {
		for _, b := range bound {
			if b.Account.Token == token {
				return b, true
			}
		}
	}
	return bound[0], true
}

// Paths returns the normalized paths that currently have bindings.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.bindings))
	for path := range r.bindings {
		paths = append(paths, path)
	}
	return paths
}

// Reset drops all bindings. Intended for test isolation.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.bindings = map[string][]Binding{}
	r.mu.Unlock()
}
