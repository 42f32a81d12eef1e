package runtime

import (
	"sync"

	"github.com/samber/lo"

	"chat-relay/domain"
)

type memberSet map[string]struct{}

// GroupTable holds group membership for routing. Group names are an exact
// match (they share the recipient namespace with usernames); member
// comparisons follow the case-insensitive identity rules. Groups are never
// deleted, only their membership shrinks.
type GroupTable struct {
	mu     sync.RWMutex
	groups map[string]memberSet
	// display keeps the member casing as supplied, keyed by normalized identity
	display map[string]string
}

func NewGroupTable() *GroupTable {
	return &GroupTable{
		groups:  make(map[string]memberSet),
		display: make(map[string]string),
	}
}

// Create adds an empty group, a no-op when it already exists.
func (g *GroupTable) Create(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.groups[name]; !ok {
		g.groups[name] = make(memberSet)
	}
}

// Join adds a member to an existing group and reports whether the group
// exists. Joining a nonexistent group is a no-op, not an error.
func (g *GroupTable) Join(name, member string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.groups[name]
	if !ok {
		return false
	}
	key := domain.NormalizeIdentity(member)
	set[key] = struct{}{}
	g.display[key] = member
	return true
}

func (g *GroupTable) IsGroup(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.groups[name]
	return ok
}

// Members returns a snapshot of the group's member display names, so callers
// iterate safely while other connections mutate membership.
func (g *GroupTable) Members(name string) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set, ok := g.groups[name]
	if !ok {
		return nil, false
	}
	members := lo.Keys(set)
	displayed := make([]string, 0, len(members))
	for _, key := range members {
		displayed = append(displayed, g.displayName(key))
	}
	return displayed, true
}

func (g *GroupTable) displayName(key string) string {
	if name, ok := g.display[key]; ok {
		return name
	}
	return key
}

// RemoveMember prunes one identity from every group. This is the disconnect
// path: the session goes away, the groups themselves persist.
func (g *GroupTable) RemoveMember(member string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := domain.NormalizeIdentity(member)
	for _, set := range g.groups {
		delete(set, key)
	}
}

// Hydrate bulk-loads persisted membership, called once before any
// connection is accepted.
func (g *GroupTable) Hydrate(members map[string][]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, users := range members {
		set, ok := g.groups[name]
		if !ok {
			set = make(memberSet)
			g.groups[name] = set
		}
		for _, user := range users {
			key := domain.NormalizeIdentity(user)
			set[key] = struct{}{}
			g.display[key] = user
		}
	}
}
