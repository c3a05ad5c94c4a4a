package gamedb

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Database is the in-memory world graph. All accessors hand out copies;
// the only live references stay inside the lock.
type Database struct {
	mu       sync.RWMutex
	objects  map[DBRef]*Entity
	contents map[DBRef][]DBRef // location -> ordered contents
	nextRef  DBRef
}

// NewDatabase creates an empty world.
func NewDatabase() *Database {
	return &Database{
		objects:  make(map[DBRef]*Entity),
		contents: make(map[DBRef][]DBRef),
	}
}

// Put inserts or replaces an entity, keeping the contents index current.
// Used by loaders; game code should use Create.
func (db *Database) Put(e *Entity) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if old, ok := db.objects[e.Ref]; ok {
		db.removeFromContents(old.Location, old.Ref)
	}
	db.objects[e.Ref] = e
	if e.Location != Nothing {
		db.contents[e.Location] = append(db.contents[e.Location], e.Ref)
	}
	if e.Ref >= db.nextRef {
		db.nextRef = e.Ref + 1
	}
}

// Create allocates a new entity at loc and returns its reference.
func (db *Database) Create(name string, typ EntityType, loc DBRef) DBRef {
	db.mu.Lock()
	defer db.mu.Unlock()
	ref := db.nextRef
	db.nextRef++
	e := &Entity{
		Ref:       ref,
		Name:      name,
		Type:      typ,
		Location:  loc,
		Owner:     Nothing,
		Resources: make(map[string]int),
	}
	if typ == TypeRoom {
		e.Location = Nothing
		e.Exits = make(map[string]DBRef)
	}
	db.objects[ref] = e
	if e.Location != Nothing {
		db.contents[e.Location] = append(db.contents[e.Location], ref)
	}
	return ref
}

// Count returns the number of entities.
func (db *Database) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.objects)
}

// Get returns a copy of an entity.
func (db *Database) Get(ref DBRef) (Entity, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.objects[ref]
	if !ok {
		return Entity{}, false
	}
	return e.Clone(), true
}

// Name returns an entity's name, or "" if it doesn't exist.
func (db *Database) Name(ref DBRef) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if e, ok := db.objects[ref]; ok {
		return e.Name
	}
	return ""
}

// Location returns an entity's location, or Nothing.
func (db *Database) Location(ref DBRef) DBRef {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if e, ok := db.objects[ref]; ok {
		return e.Location
	}
	return Nothing
}

// Contents returns copies of everything located at loc, in arrival order.
func (db *Database) Contents(loc DBRef) []Entity {
	db.mu.RLock()
	defer db.mu.RUnlock()
	refs := db.contents[loc]
	out := make([]Entity, 0, len(refs))
	for _, r := range refs {
		if e, ok := db.objects[r]; ok {
			out = append(out, e.Clone())
		}
	}
	return out
}

// ContentRefs returns the references located at loc.
func (db *Database) ContentRefs(loc DBRef) []DBRef {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append([]DBRef(nil), db.contents[loc]...)
}

// Rooms returns every room reference in ascending order.
func (db *Database) Rooms() []DBRef {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var rooms []DBRef
	for ref, e := range db.objects {
		if e.Type == TypeRoom {
			rooms = append(rooms, ref)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// All returns copies of every entity in ascending reference order.
func (db *Database) All() []Entity {
	db.mu.RLock()
	defer db.mu.RUnlock()
	refs := make([]DBRef, 0, len(db.objects))
	for ref := range db.objects {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	out := make([]Entity, 0, len(refs))
	for _, r := range refs {
		out = append(out, db.objects[r].Clone())
	}
	return out
}

// FindIn matches name against the contents of loc: exact (case-insensitive)
// first, then unique prefix. Returns Ambiguous for several prefix matches.
func (db *Database) FindIn(loc DBRef, name string) DBRef {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Nothing
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	match := Nothing
	count := 0
	for _, r := range db.contents[loc] {
		e, ok := db.objects[r]
		if !ok {
			continue
		}
		lower := strings.ToLower(e.Name)
		if lower == name {
			return r
		}
		if strings.HasPrefix(lower, name) {
			match = r
			count++
		}
	}
	if count > 1 {
		return Ambiguous
	}
	return match
}

// FindPlayer looks up a player by exact name anywhere in the world.
func (db *Database) FindPlayer(name string) DBRef {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for ref, e := range db.objects {
		if e.Type == TypePlayer && strings.EqualFold(e.Name, name) {
			return ref
		}
	}
	return Nothing
}

// Move relocates ref to dest, updating both contents lists.
func (db *Database) Move(ref, dest DBRef) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.objects[ref]
	if !ok {
		return fmt.Errorf("move #%d: %w", ref, ErrNoSuchEntity)
	}
	if dest != Nothing {
		if _, ok := db.objects[dest]; !ok {
			return fmt.Errorf("move #%d to #%d: %w", ref, dest, ErrBadLocation)
		}
		if dest == ref {
			return fmt.Errorf("move #%d into itself: %w", ref, ErrBadLocation)
		}
	}
	db.removeFromContents(e.Location, ref)
	e.Location = dest
	if dest != Nothing {
		db.contents[dest] = append(db.contents[dest], ref)
	}
	// Anything moved away can no longer be worn by its former holder.
	for _, holder := range db.objects {
		for slot, item := range holder.Equipment {
			if item == ref && holder.Ref != dest {
				delete(holder.Equipment, slot)
			}
		}
	}
	return nil
}

// Rename changes an entity's name.
func (db *Database) Rename(ref DBRef, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.objects[ref]
	if !ok {
		return fmt.Errorf("rename #%d: %w", ref, ErrNoSuchEntity)
	}
	e.Name = name
	return nil
}

// SetDescription replaces an entity's description.
func (db *Database) SetDescription(ref DBRef, desc string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.objects[ref]
	if !ok {
		return fmt.Errorf("describe #%d: %w", ref, ErrNoSuchEntity)
	}
	e.Description = desc
	return nil
}

// SetExit links room to dest in direction dir. A Nothing dest removes the exit.
func (db *Database) SetExit(room DBRef, dir string, dest DBRef) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.objects[room]
	if !ok || e.Type != TypeRoom {
		return fmt.Errorf("exit from #%d: %w", room, ErrNoSuchEntity)
	}
	if e.Exits == nil {
		e.Exits = make(map[string]DBRef)
	}
	if dest == Nothing {
		delete(e.Exits, dir)
		return nil
	}
	e.Exits[dir] = dest
	return nil
}

// Exit returns the destination of room's exit in direction dir.
func (db *Database) Exit(room DBRef, dir string) (DBRef, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.objects[room]
	if !ok || e.Exits == nil {
		return Nothing, false
	}
	dest, ok := e.Exits[dir]
	return dest, ok
}

// AdjustResource adds delta to a numeric field and returns the new value.
func (db *Database) AdjustResource(ref DBRef, key string, delta int) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.objects[ref]
	if !ok {
		return 0, fmt.Errorf("adjust %s on #%d: %w", key, ref, ErrNoSuchEntity)
	}
	if e.Resources == nil {
		e.Resources = make(map[string]int)
	}
	e.Resources[key] += delta
	return e.Resources[key], nil
}

// SetResource assigns a numeric field.
func (db *Database) SetResource(ref DBRef, key string, value int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.objects[ref]
	if !ok {
		return fmt.Errorf("set %s on #%d: %w", key, ref, ErrNoSuchEntity)
	}
	if e.Resources == nil {
		e.Resources = make(map[string]int)
	}
	e.Resources[key] = value
	return nil
}

// AddEffect applies a status effect, replacing any effect of the same name.
func (db *Database) AddEffect(ref DBRef, eff Effect) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.objects[ref]
	if !ok {
		return fmt.Errorf("apply %s to #%d: %w", eff.Name, ref, ErrNoSuchEntity)
	}
	for i := range e.Effects {
		if strings.EqualFold(e.Effects[i].Name, eff.Name) {
			e.Effects[i] = eff
			return nil
		}
	}
	e.Effects = append(e.Effects, eff)
	return nil
}

// RemoveEffect strips a status effect. Returns false if it wasn't present.
func (db *Database) RemoveEffect(ref DBRef, name string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.objects[ref]
	if !ok {
		return false
	}
	for i := range e.Effects {
		if strings.EqualFold(e.Effects[i].Name, name) {
			e.Effects = append(e.Effects[:i], e.Effects[i+1:]...)
			return true
		}
	}
	return false
}

// HasEffect reports whether an active effect of that name is present.
func (db *Database) HasEffect(ref DBRef, name string, now time.Time) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.objects[ref]
	if !ok {
		return false
	}
	for _, eff := range e.Effects {
		if strings.EqualFold(eff.Name, name) && eff.Active(now) {
			return true
		}
	}
	return false
}

// ExpiredEffect names an effect removed by ExpireEffects.
type ExpiredEffect struct {
	Ref    DBRef
	Effect Effect
}

// ExpireEffects removes every effect that lapsed before now.
func (db *Database) ExpireEffects(now time.Time) []ExpiredEffect {
	db.mu.Lock()
	defer db.mu.Unlock()
	var expired []ExpiredEffect
	for ref, e := range db.objects {
		if len(e.Effects) == 0 {
			continue
		}
		kept := e.Effects[:0]
		for _, eff := range e.Effects {
			if eff.Active(now) {
				kept = append(kept, eff)
			} else {
				expired = append(expired, ExpiredEffect{Ref: ref, Effect: eff})
			}
		}
		e.Effects = kept
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Ref < expired[j].Ref })
	return expired
}

// Equip wears item (which must be carried by ref) in slot, returning
// whatever previously occupied the slot.
func (db *Database) Equip(ref, item DBRef, slot string) (DBRef, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.objects[ref]
	if !ok {
		return Nothing, fmt.Errorf("equip #%d: %w", ref, ErrNoSuchEntity)
	}
	it, ok := db.objects[item]
	if !ok {
		return Nothing, fmt.Errorf("equip #%d: %w", item, ErrNoSuchEntity)
	}
	if it.Location != ref {
		return Nothing, fmt.Errorf("equip #%d on #%d: %w", item, ref, ErrNotCarried)
	}
	if e.Equipment == nil {
		e.Equipment = make(map[string]DBRef)
	}
	prev, had := e.Equipment[slot]
	e.Equipment[slot] = item
	if !had {
		prev = Nothing
	}
	return prev, nil
}

// Unequip empties slot and returns the item that was there.
func (db *Database) Unequip(ref DBRef, slot string) (DBRef, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.objects[ref]
	if !ok {
		return Nothing, fmt.Errorf("unequip #%d: %w", ref, ErrNoSuchEntity)
	}
	item, had := e.Equipment[slot]
	if !had {
		return Nothing, fmt.Errorf("unequip %s on #%d: %w", slot, ref, ErrSlotEmpty)
	}
	delete(e.Equipment, slot)
	return item, nil
}

// removeFromContents must be called with db.mu held.
func (db *Database) removeFromContents(loc, ref DBRef) {
	if loc == Nothing {
		return
	}
	list := db.contents[loc]
	for i, r := range list {
		if r == ref {
			db.contents[loc] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(db.contents[loc]) == 0 {
		delete(db.contents, loc)
	}
}
