package gamedb

import (
	"fmt"
	"strings"
	"time"
)

// UnitID identifies one piece of loaded script source.
type UnitID struct {
	Scope    string
	Category string
	Name     string
}

func (u UnitID) String() string {
	return u.Scope + "/" + u.Category + "/" + u.Name
}

// Matches reports whether u falls under a (possibly partial) selector:
// an empty Category or Name matches anything.
func (u UnitID) Matches(sel UnitID) bool {
	if !strings.EqualFold(u.Scope, sel.Scope) {
		return false
	}
	if sel.Category != "" && !strings.EqualFold(u.Category, sel.Category) {
		return false
	}
	if sel.Name != "" && !strings.EqualFold(u.Name, sel.Name) {
		return false
	}
	return true
}

// ParseUnitID parses "scope[/category[/name]]". Partial forms are selectors.
func ParseUnitID(s string) (UnitID, error) {
	s = strings.Trim(strings.TrimSpace(s), "/")
	if s == "" {
		return UnitID{}, fmt.Errorf("empty unit identity")
	}
	parts := strings.Split(s, "/")
	if len(parts) > 3 {
		return UnitID{}, fmt.Errorf("unit identity %q has too many parts", s)
	}
	var id UnitID
	id.Scope = strings.ToLower(parts[0])
	if len(parts) > 1 {
		id.Category = strings.ToLower(parts[1])
	}
	if len(parts) > 2 {
		id.Name = strings.ToLower(parts[2])
	}
	return id, nil
}

// Complete reports whether all three parts are present.
func (u UnitID) Complete() bool {
	return u.Scope != "" && u.Category != "" && u.Name != ""
}

// Unit is a versioned script source blob.
type Unit struct {
	ID      UnitID
	Source  string
	Version int
	Updated time.Time
}

// Account is a login identity bound to a player entity.
type Account struct {
	Name     string
	Player   DBRef
	PassHash []byte
	Operator bool
	Aliases  map[string]string
	Created  time.Time
}
