package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
)

// SyncTarget is a remote system that receives moderation webhooks.
type SyncTarget struct {
	Name   string `json:"name" yaml:"name"`
	URL    string `json:"url" yaml:"url"`
	Active bool   `json:"active" yaml:"active"`
}

// Registry holds the sync targets. Every mutation publishes a fresh
// slice, so readers always see a complete pre- or post-update view.
type Registry struct {
	targets atomic.Pointer[[]SyncTarget]
	writeMu sync.Mutex // serializes writers; readers never take it
}

// New builds a registry seeded with initial. Later entries with a
// duplicate name replace earlier ones. Any invalid entry fails the
// whole call.
func New(initial ...SyncTarget) (*Registry, error) {
	r := &Registry{}
	empty := []SyncTarget{}
	r.targets.Store(&empty)
	for _, t := range initial {
		if err := r.Upsert(t.Name, t.URL, t.Active); err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name, err)
		}
	}
	return r, nil
}

// MustNew is New for fixed target lists; it panics on an invalid entry.
func MustNew(initial ...SyncTarget) *Registry {
	r, err := New(initial...)
	if err != nil {
		panic(err)
	}
	return r
}

// CheckURL reports whether rawURL can serve as a target endpoint.
func CheckURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("sync target: url %q must be absolute", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("sync target: url %q must use http or https", rawURL)
	}
	return nil
}

// List returns a copy of every registered target.
func (r *Registry) List() []SyncTarget {
	cur := *r.targets.Load()
	out := make([]SyncTarget, len(cur))
	copy(out, cur)
	return out
}

// Upsert replaces the target named name, or appends a new one.
// URL reachability is not checked.
func (r *Registry) Upsert(name, rawURL string, active bool) error {
	if name == "" {
		return errors.New("sync target: name is required")
	}
	if err := CheckURL(rawURL); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := *r.targets.Load()
	next := make([]SyncTarget, 0, len(cur)+1)
	replaced := false
	for _, t := range cur {
		if t.Name == name {
			t = SyncTarget{Name: name, URL: rawURL, Active: active}
			replaced = true
		}
		next = append(next, t)
	}
	if !replaced {
		next = append(next, SyncTarget{Name: name, URL: rawURL, Active: active})
	}
	r.targets.Store(&next)
	return nil
}

// ActiveTargets is the point-in-time snapshot a broadcast works from.
func (r *Registry) ActiveTargets() []SyncTarget {
	cur := *r.targets.Load()
	out := make([]SyncTarget, 0, len(cur))
	for _, t := range cur {
		if t.Active {
			out = append(out, t)
		}
	}
	return out
}

// ActiveCount reports how many targets would receive a broadcast.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, t := range *r.targets.Load() {
		if t.Active {
			n++
		}
	}
	return n
}
