// Package apps tracks which applications are loaded and which worker reported
// each of them.
package apps

import (
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/deployd/internal/protocol"
)

// Owner is the worker that reported an application. Entries only point at it;
// they do not keep the worker alive.
type Owner interface {
	ID() string
	PID() int
	DeploymentID() string
}

// Entry is one registered application.
type Entry struct {
	Name        string
	Application protocol.Application
	Owner       Owner
	UpdatedAt   time.Time
}

// Registry maps application name to its entry. A later report for a name
// replaces the earlier one, owner included.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry), now: time.Now}
}

// Apply records every application in meta as owned by owner and returns the
// names written, sorted. An empty mapping changes nothing.
func (r *Registry) Apply(meta protocol.Metadata, owner Owner) []string {
	if len(meta) == 0 {
		return nil
	}
	names := meta.Names()
	at := r.now().UTC()

	r.mu.Lock()
	for _, name := range names {
		r.entries[name] = Entry{Name: name, Application: meta[name], Owner: owner, UpdatedAt: at}
	}
	r.mu.Unlock()
	return names
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// All returns every entry sorted by name.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered applications.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Remove deletes name and returns the entry it held.
func (r *Registry) Remove(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	return e, ok
}

// RemoveOwnedBy deletes every entry whose current owner has ownerID and
// returns the removed names, sorted. Entries taken over by another worker
// are left alone.
func (r *Registry) RemoveOwnedBy(ownerID string) []string {
	var removed []string
	r.mu.Lock()
	for name, e := range r.entries {
		if e.Owner != nil && e.Owner.ID() == ownerID {
			delete(r.entries, name)
			removed = append(removed, name)
		}
	}
	r.mu.Unlock()

	sort.Strings(removed)
	return removed
}
