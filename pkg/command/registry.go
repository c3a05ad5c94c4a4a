package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	lua "github.com/yuin/gopher-lua"
)

// Session is what a handler sees of the connection that invoked it.
type Session interface {
	SessionID() int
	Player() gamedb.DBRef
}

// Handler runs a resolved command. Native built-ins and script-backed
// commands both satisfy it, so the resolver never cares which it found.
type Handler interface {
	Invoke(ctx context.Context, s Session, args string) error
}

// NativeHandler adapts a plain function to Handler.
type NativeHandler func(ctx context.Context, s Session, args string) error

func (f NativeHandler) Invoke(ctx context.Context, s Session, args string) error {
	return f(ctx, s, args)
}

// Registration is one canonical command entry.
type Registration struct {
	Name       string
	Handler    Handler
	Alternates []string
	Owner      string // unit identity; "" for native built-ins
}

// HookEntry is one callback attached to a hook name.
type HookEntry struct {
	Owner string
	Fn    *lua.LFunction
}

// Registry maps canonical names to handlers, alternate spellings to
// canonical names, and hook names to ordered callbacks.
// Writers are the boot path and the script runtime at safe points;
// readers may be on any goroutine.
type Registry struct {
	mu         sync.RWMutex
	commands   map[string]*Registration
	alternates map[string]string
	hooks      map[string][]HookEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		commands:   make(map[string]*Registration),
		alternates: make(map[string]string),
		hooks:      make(map[string][]HookEntry),
	}
}

// Register adds or overwrites a native command.
func (r *Registry) Register(name string, h Handler, alternates ...string) error {
	return r.register(name, h, "", alternates)
}

func (r *Registry) register(name string, h Handler, owner string, alternates []string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, " \t") {
		return fmt.Errorf("invalid command name %q", name)
	}
	if h == nil {
		return fmt.Errorf("command %q: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := &Registration{Name: name, Handler: h, Owner: owner}
	// Alternates from the previous version stay mapped; they still point
	// at this canonical name.
	if old, ok := r.commands[name]; ok {
		reg.Alternates = append(reg.Alternates, old.Alternates...)
	}
	r.commands[name] = reg
	for _, alt := range alternates {
		r.addAlternateLocked(alt, name)
	}
	return nil
}

// RegisterAlternate maps an alternate spelling (a localized verb, a
// synonym) onto a canonical name. The canonical need not exist yet.
func (r *Registry) RegisterAlternate(alt, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addAlternateLocked(alt, strings.ToLower(canonical))
}

func (r *Registry) addAlternateLocked(alt, canonical string) {
	alt = strings.ToLower(strings.TrimSpace(alt))
	if alt == "" || alt == canonical {
		return
	}
	if prev, ok := r.alternates[alt]; ok && prev != canonical {
		if reg, ok := r.commands[prev]; ok {
			reg.Alternates = removeString(reg.Alternates, alt)
		}
	}
	r.alternates[alt] = canonical
	if reg, ok := r.commands[canonical]; ok && !containsString(reg.Alternates, alt) {
		reg.Alternates = append(reg.Alternates, alt)
	}
}

// Lookup returns the registration for a canonical name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.commands[strings.ToLower(name)]
	if !ok {
		return Registration{}, false
	}
	out := *reg
	out.Alternates = append([]string(nil), reg.Alternates...)
	return out, true
}

// Alternate resolves an alternate spelling to a registered canonical name.
// Alternates whose canonical was never registered do not resolve.
func (r *Registry) Alternate(alt string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical, ok := r.alternates[strings.ToLower(alt)]
	if !ok {
		return "", false
	}
	if _, registered := r.commands[canonical]; !registered {
		return "", false
	}
	return canonical, true
}

// Names returns every canonical name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WithPrefix returns the sorted canonical names starting with prefix.
func (r *Registry) WithPrefix(prefix string) []string {
	prefix = strings.ToLower(prefix)
	if prefix == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for n := range r.commands {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Hooks returns the callbacks for a hook name in registration order.
func (r *Registry) Hooks(name string) []HookEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]HookEntry(nil), r.hooks[strings.ToLower(name)]...)
}

// HookNames returns every hook name that has callbacks, sorted.
func (r *Registry) HookNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hooks))
	for n := range r.hooks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Owned returns the canonical names registered by owner, sorted.
func (r *Registry) Owned(owner string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for n, reg := range r.commands {
		if reg.Owner == owner {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Batch collects the registrations made while one unit executes. Nothing
// reaches the registry until Commit, so a unit that fails halfway leaves
// no trace.
type Batch struct {
	Owner    string
	commands []stagedCommand
	hooks    []stagedHook
}

type stagedCommand struct {
	name      string
	handler   Handler
	alternate string
}

type stagedHook struct {
	name string
	fn   *lua.LFunction
}

// NewBatch starts staging registrations for owner.
func NewBatch(owner string) *Batch {
	return &Batch{Owner: owner}
}

// AddCommand stages a command. A later call for the same name within the
// batch wins.
func (b *Batch) AddCommand(name string, h Handler, alternate string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, " \t") {
		return fmt.Errorf("invalid command name %q", name)
	}
	if h == nil {
		return fmt.Errorf("command %q: nil handler", name)
	}
	b.commands = append(b.commands, stagedCommand{name: name, handler: h, alternate: alternate})
	return nil
}

// AddHook stages a hook callback.
func (b *Batch) AddHook(name string, fn *lua.LFunction) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("empty hook name")
	}
	if fn == nil {
		return fmt.Errorf("hook %q: nil callback", name)
	}
	b.hooks = append(b.hooks, stagedHook{name: name, fn: fn})
	return nil
}

// Len returns the number of staged commands and hooks.
func (b *Batch) Len() (commands, hooks int) {
	return len(b.commands), len(b.hooks)
}

// Commit applies a batch. Commands overwrite by name. For each hook name
// the batch touches, the owner's previous callbacks are replaced in place
// (keeping their position relative to other owners); hook names the batch
// does not touch keep whatever the owner registered before.
func (r *Registry) Commit(b *Batch) {
	for _, c := range b.commands {
		var alts []string
		if c.alternate != "" {
			alts = []string{c.alternate}
		}
		// Names were validated when staged.
		_ = r.register(c.name, c.handler, b.Owner, alts)
	}

	grouped := make(map[string][]HookEntry)
	var order []string
	for _, h := range b.hooks {
		if _, seen := grouped[h.name]; !seen {
			order = append(order, h.name)
		}
		grouped[h.name] = append(grouped[h.name], HookEntry{Owner: b.Owner, Fn: h.fn})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range order {
		r.hooks[name] = replaceOwned(r.hooks[name], b.Owner, grouped[name])
	}
}

// replaceOwned swaps owner's entries in list for fresh, at the position of
// the first old entry, or appends when owner had none.
func replaceOwned(list []HookEntry, owner string, fresh []HookEntry) []HookEntry {
	out := make([]HookEntry, 0, len(list)+len(fresh))
	inserted := false
	for _, e := range list {
		if e.Owner != owner {
			out = append(out, e)
			continue
		}
		if !inserted {
			out = append(out, fresh...)
			inserted = true
		}
	}
	if !inserted {
		out = append(out, fresh...)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
