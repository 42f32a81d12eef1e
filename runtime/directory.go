package runtime

import (
	"sync"

	"chat-relay/contract"
	"chat-relay/domain"
)

// Directory maps normalized identities to the outbound sink of their live
// control connection. Exactly one live session per identity: a new
// registration under the same identity supersedes the previous one
// (last-writer-wins, no exclusivity lock).
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]contract.ClientSink
}

func NewDirectory() *Directory {
	return &Directory{sessions: make(map[string]contract.ClientSink)}
}

func (d *Directory) Register(identity string, sink contract.ClientSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[domain.NormalizeIdentity(identity)] = sink
}

// Unregister removes the binding only while it still points at the given
// sink. A superseded connection tearing down must not evict the session that
// replaced it.
func (d *Directory) Unregister(identity string, sink contract.ClientSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := domain.NormalizeIdentity(identity)
	if current, ok := d.sessions[key]; ok && current == sink {
		delete(d.sessions, key)
	}
}

func (d *Directory) Get(identity string) (contract.ClientSink, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sink, ok := d.sessions[domain.NormalizeIdentity(identity)]
	return sink, ok
}

// Users returns a snapshot of the normalized identities currently online.
func (d *Directory) Users() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	users := make([]string, 0, len(d.sessions))
	for identity := range d.sessions {
		users = append(users, identity)
	}
	return users
}
