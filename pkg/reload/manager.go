// Package reload queues script units for re-execution and applies them
// only when the host says it is safe.
package reload

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
)

// State of a unit in the reload cycle.
type State int

const (
	Pending State = iota
	Applied
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Applied:
		return "applied"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// ErrUnsafe is returned by Drain when an interpreter call is in flight.
var ErrUnsafe = errors.New("reload: drain requested while a call is in flight")

// Status is the latest known state of one unit.
type Status struct {
	ID      gamedb.UnitID
	State   State
	Version int
	Err     string
	At      time.Time
}

// UnitSource supplies unit sources and expands selectors.
type UnitSource interface {
	GetUnit(id gamedb.UnitID) (gamedb.Unit, error)
	UnitIDs(sel gamedb.UnitID) ([]gamedb.UnitID, error)
}

// Loader re-executes a unit.
type Loader interface {
	Load(u gamedb.Unit) error
	Busy() bool
}

// Manager holds the deduplicated, ordered pending set.
type Manager struct {
	mu      sync.Mutex
	pending []gamedb.UnitID
	queued  map[gamedb.UnitID]bool
	status  map[gamedb.UnitID]Status

	src    UnitSource
	loader Loader
	now    func() time.Time

	// OnResult, if set, is called for every unit a drain settles.
	OnResult func(Status)
}

// NewManager creates a manager reading from src and applying through loader.
func NewManager(src UnitSource, loader Loader) *Manager {
	return &Manager{
		queued: make(map[gamedb.UnitID]bool),
		status: make(map[gamedb.UnitID]Status),
		src:    src,
		loader: loader,
		now:    time.Now,
	}
}

// Queue adds one unit. Returns false if it was already pending.
func (m *Manager) Queue(id gamedb.UnitID) (bool, error) {
	if !id.Complete() {
		return false, fmt.Errorf("reload: queue %q: incomplete unit identity", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queued[id] {
		return false, nil
	}
	m.queued[id] = true
	m.pending = append(m.pending, id)
	m.status[id] = Status{ID: id, State: Pending, Version: m.status[id].Version, At: m.now()}
	return true, nil
}

// QueueSelector expands a scope[/category[/name]] selector against the
// source and queues every match. Returns how many were newly queued.
func (m *Manager) QueueSelector(sel gamedb.UnitID) (int, error) {
	if sel.Complete() {
		added, err := m.Queue(sel)
		if added {
			return 1, err
		}
		return 0, err
	}
	ids, err := m.src.UnitIDs(sel)
	if err != nil {
		return 0, fmt.Errorf("reload: expand %s: %w", sel.Scope, err)
	}
	n := 0
	for _, id := range ids {
		added, err := m.Queue(id)
		if err != nil {
			return n, err
		}
		if added {
			n++
		}
	}
	return n, nil
}

// Pending returns the queued identities in queue order.
func (m *Manager) Pending() []gamedb.UnitID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gamedb.UnitID(nil), m.pending...)
}

// Len returns the number of pending units.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Drain applies every pending unit in queue order. Each identity leaves
// the pending set whether it applied or failed; a failed unit keeps its
// previous registrations. Units queued while draining wait for the next
// drain. Must be called from the dispatcher goroutine between calls.
func (m *Manager) Drain() ([]Status, error) {
	if m.loader.Busy() {
		return nil, ErrUnsafe
	}
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.queued = make(map[gamedb.UnitID]bool)
	m.mu.Unlock()

	results := make([]Status, 0, len(batch))
	for _, id := range batch {
		st := m.apply(id)
		m.mu.Lock()
		// A newer queue request for the same unit stays pending.
		if !m.queued[id] {
			m.status[id] = st
		}
		m.mu.Unlock()
		results = append(results, st)
		if m.OnResult != nil {
			m.OnResult(st)
		}
	}
	return results, nil
}

func (m *Manager) apply(id gamedb.UnitID) Status {
	st := Status{ID: id, At: m.now()}
	u, err := m.src.GetUnit(id)
	if err != nil {
		st.State = Failed
		st.Err = err.Error()
		log.Printf("reload: %s failed: %v", id, err)
		return st
	}
	st.Version = u.Version
	if err := m.loader.Load(u); err != nil {
		st.State = Failed
		st.Err = err.Error()
		log.Printf("reload: %s v%d failed, previous registrations kept: %v", id, u.Version, err)
		return st
	}
	st.State = Applied
	log.Printf("reload: %s v%d applied", id, u.Version)
	return st
}

// Status returns the latest state of a unit.
func (m *Manager) Status(id gamedb.UnitID) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[id]
	return st, ok
}

// Statuses returns every known unit state ordered by identity.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}
