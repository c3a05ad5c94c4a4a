package gamedb

import (
	"errors"
	"time"
)

// DBRef is the fundamental entity reference type.
type DBRef int

const (
	Nothing   DBRef = -1
	Ambiguous DBRef = -2
)

// EntityType represents the type of a world entity.
type EntityType int

const (
	TypeRoom      EntityType = 0
	TypeThing     EntityType = 1
	TypeCharacter EntityType = 2 // non-player character
	TypePlayer    EntityType = 3
)

func (t EntityType) String() string {
	switch t {
	case TypeRoom:
		return "ROOM"
	case TypeThing:
		return "THING"
	case TypeCharacter:
		return "CHARACTER"
	case TypePlayer:
		return "PLAYER"
	default:
		return "UNKNOWN"
	}
}

// ParseEntityType maps a type name back to its EntityType.
func ParseEntityType(s string) (EntityType, bool) {
	switch s {
	case "room", "ROOM":
		return TypeRoom, true
	case "thing", "THING", "item":
		return TypeThing, true
	case "character", "CHARACTER", "npc":
		return TypeCharacter, true
	case "player", "PLAYER":
		return TypePlayer, true
	}
	return TypeThing, false
}

var (
	ErrNoSuchEntity = errors.New("no such entity")
	ErrNotCarried   = errors.New("item is not carried")
	ErrSlotEmpty    = errors.New("equipment slot is empty")
	ErrBadLocation  = errors.New("invalid destination")
)

// Effect is a timed status effect on an entity. A zero Expires never lapses.
type Effect struct {
	Name      string
	Magnitude int
	Expires   time.Time
}

// Active reports whether the effect is still in force at now.
func (e Effect) Active(now time.Time) bool {
	return e.Expires.IsZero() || now.Before(e.Expires)
}

// Entity is a room, character, player or item in the world graph.
type Entity struct {
	Ref         DBRef
	Name        string
	Type        EntityType
	Location    DBRef
	Owner       DBRef
	Description string
	Exits       map[string]DBRef // direction -> destination room
	Resources   map[string]int   // hp, mana, gold, ...
	Effects     []Effect
	Equipment   map[string]DBRef // slot -> item
}

// Clone returns a deep copy safe to hand out of the database lock.
func (e *Entity) Clone() Entity {
	c := *e
	if e.Exits != nil {
		c.Exits = make(map[string]DBRef, len(e.Exits))
		for k, v := range e.Exits {
			c.Exits[k] = v
		}
	}
	if e.Resources != nil {
		c.Resources = make(map[string]int, len(e.Resources))
		for k, v := range e.Resources {
			c.Resources[k] = v
		}
	}
	if e.Effects != nil {
		c.Effects = append([]Effect(nil), e.Effects...)
	}
	if e.Equipment != nil {
		c.Equipment = make(map[string]DBRef, len(e.Equipment))
		for k, v := range e.Equipment {
			c.Equipment[k] = v
		}
	}
	return c
}

// IsPlayer reports whether the entity is a player character.
func (e *Entity) IsPlayer() bool { return e.Type == TypePlayer }

// IsRoom reports whether the entity is a room.
func (e *Entity) IsRoom() bool { return e.Type == TypeRoom }

// Resource returns a resource value, 0 when unset.
func (e *Entity) Resource(key string) int {
	if e.Resources == nil {
		return 0
	}
	return e.Resources[key]
}
