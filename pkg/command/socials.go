package command

import (
	"strings"
	"sync"
)

// Social is a parametrized phrase template. $n is the actor, $N the target.
type Social struct {
	Name         string
	Self         string // actor, no target
	Others       string // room, no target
	TargetSelf   string // actor, with target
	TargetOthers string // room, with target
	Victim       string // target
}

// SocialTable is the content table consulted last by the resolver.
type SocialTable interface {
	Social(name string) (Social, bool)
}

// Render substitutes actor and target names into a template line.
func Render(tmpl, actor, target string) string {
	r := strings.NewReplacer("$n", actor, "$N", target)
	return r.Replace(tmpl)
}

// MemorySocials is a SocialTable held in memory.
type MemorySocials struct {
	mu      sync.RWMutex
	entries map[string]Social
}

// NewMemorySocials builds a table from the given entries.
func NewMemorySocials(entries ...Social) *MemorySocials {
	m := &MemorySocials{entries: make(map[string]Social)}
	for _, s := range entries {
		m.Put(s)
	}
	return m
}

// Put adds or replaces an entry.
func (m *MemorySocials) Put(s Social) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Name = strings.ToLower(s.Name)
	m.entries[s.Name] = s
}

func (m *MemorySocials) Social(name string) (Social, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.entries[name]
	return s, ok
}
