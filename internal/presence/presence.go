// Package presence tracks which users are currently known to be online.
package presence

import (
	"sort"
	"sync"
)

// Projector is the set of online user ids. All operations are idempotent and
// safe for concurrent use; readers get copies.
type Projector struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

func New() *Projector {
	return &Projector{online: make(map[string]struct{})}
}

// SetOnline marks id online and reports whether that changed anything.
func (p *Projector) SetOnline(id string) bool {
	if id == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.online[id]; ok {
		return false
	}
	p.online[id] = struct{}{}
	return true
}

// SetOffline marks id offline and reports whether that changed anything.
func (p *Projector) SetOffline(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.online[id]; !ok {
		return false
	}
	delete(p.online, id)
	return true
}

// BulkSetOnline adds every id and returns those that were not online before.
func (p *Projector) BulkSetOnline(ids []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var added []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := p.online[id]; ok {
			continue
		}
		p.online[id] = struct{}{}
		added = append(added, id)
	}
	return added
}

// Replace makes ids the full online set, as a snapshot poll does.
func (p *Projector) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	p.mu.Lock()
	p.online = next
	p.mu.Unlock()
}

func (p *Projector) IsOnline(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[id]
	return ok
}

// Online returns the online ids sorted.
func (p *Projector) Online() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (p *Projector) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online)
}
