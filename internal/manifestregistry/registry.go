// Package manifestregistry is the key-value store over file digest
// described in the transfer engine's manifest registry component: it
// indexes manifests announced by peers or discovered locally, and tracks
// which digests also have a local on-disk path backing them.
package manifestregistry

import (
	"errors"
	"sync"

	"github.com/nodeswarm/peernode/internal/chunker"
)

var (
	// ErrNotFound is returned by Get when the digest is unknown.
	ErrNotFound = errors.New("manifestregistry: digest not found")
)

// entry is one registry row: a manifest, optionally paired with a local
// path if the node has the backing bytes on disk.
type entry struct {
	manifest *chunker.Manifest
	path     string
	local    bool
}

// Registry is the shared, mutex-protected manifest index.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	onRemote func(*chunker.Manifest)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// SetOnRemoteRegistered installs a hook invoked (outside the registry's
// lock) every time RegisterRemote admits a previously-unknown digest. Used
// to mirror newly-discovered manifests into the discoverability catalog
// without the registry itself depending on that package.
func (r *Registry) SetOnRemoteRegistered(fn func(*chunker.Manifest)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemote = fn
}

// RegisterLocal inserts or updates the digest with a local path, making it
// a shared file. Overwrites any prior remote-only record for the digest.
func (r *Registry) RegisterLocal(m *chunker.Manifest, path string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[m.FileDigest] = entry{manifest: m, path: path, local: true}
	return nil
}

// RegisterRemote inserts the manifest only if the digest is unknown. It
// never overwrites an existing local record. If validation fails it
// registers nothing and returns the validation error for the caller to log.
func (r *Registry) RegisterRemote(m *chunker.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.entries[m.FileDigest]; exists {
		r.mu.Unlock()
		return nil
	}
	r.entries[m.FileDigest] = entry{manifest: m, local: false}
	hook := r.onRemote
	r.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return nil
}

// Get returns the manifest for digest, local or remote.
func (r *Registry) Get(digest string) (*chunker.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[digest]
	if !ok {
		return nil, ErrNotFound
	}
	return e.manifest, nil
}

// LocalPath returns the resolved path for a local file record, or false if
// digest has no local record.
func (r *Registry) LocalPath(digest string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[digest]
	if !ok || !e.local {
		return "", false
	}
	return e.path, true
}

// ListLocal returns the manifests of every currently shared (local) file.
func (r *Registry) ListLocal() []*chunker.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*chunker.Manifest, 0, len(r.entries))
	for _, e := range r.entries {
		if e.local {
			out = append(out, e.manifest)
		}
	}
	return out
}

// ListAll returns every manifest known to the registry, local and remote.
func (r *Registry) ListAll() []*chunker.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*chunker.Manifest, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.manifest)
	}
	return out
}

// PromoteToLocal is called by the chunk store when a download finalizes: it
// moves a remote record to a local one pointing at the downloaded path.
func (r *Registry) PromoteToLocal(digest, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[digest]
	if !ok {
		return
	}
	e.path = path
	e.local = true
	r.entries[digest] = e
}
