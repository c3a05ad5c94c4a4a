package server

import (
	"log"
	"sync"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
)

// QueueEntry is a command line waiting to be dispatched on behalf of a player.
type QueueEntry struct {
	Player    gamedb.DBRef // Who the line runs as
	Session   int          // Originating session, 0 if none
	Command   string       // Line to dispatch
	WaitUntil time.Time    // When to execute (zero = immediate)
}

// CommandQueue holds lines produced by deferred dispatch and schedule
// actions until the dispatcher picks them up.
type CommandQueue struct {
	mu        sync.Mutex
	immediate []*QueueEntry
	waitQueue []*QueueEntry // sorted by WaitUntil
	maxPerObj int
	now       func() time.Time
}

// NewCommandQueue creates a new command queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{
		maxPerObj: 100,
		now:       time.Now,
	}
}

// Add queues a line for immediate execution.
func (q *CommandQueue) Add(entry *QueueEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxPerObj > 0 {
		count := 0
		for _, e := range q.immediate {
			if e.Player == entry.Player {
				count++
			}
		}
		if count >= q.maxPerObj {
			log.Printf("queue: dropping entry for #%d, per-player limit (%d) reached", entry.Player, q.maxPerObj)
			return false
		}
	}
	q.immediate = append(q.immediate, entry)
	return true
}

// AddWait queues a line for delayed execution.
func (q *CommandQueue) AddWait(entry *QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.waitQueue {
		if entry.WaitUntil.Before(e.WaitUntil) {
			q.waitQueue = append(q.waitQueue[:i+1], q.waitQueue[i:]...)
			q.waitQueue[i] = entry
			return
		}
	}
	q.waitQueue = append(q.waitQueue, entry)
}

// PromoteReady moves entries from the wait queue whose time has come.
// Returns the number of entries promoted.
func (q *CommandQueue) PromoteReady() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	cutoff := 0
	for i, e := range q.waitQueue {
		if e.WaitUntil.After(now) {
			break
		}
		cutoff = i + 1
	}
	if cutoff > 0 {
		q.immediate = append(q.immediate, q.waitQueue[:cutoff]...)
		q.waitQueue = q.waitQueue[cutoff:]
	}
	return cutoff
}

// PopImmediate returns and removes the next immediate entry, or nil.
func (q *CommandQueue) PopImmediate() *QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.immediate) == 0 {
		return nil
	}
	entry := q.immediate[0]
	q.immediate = q.immediate[1:]
	return entry
}

// HaltPlayer removes every queued line for a player.
func (q *CommandQueue) HaltPlayer(player gamedb.DBRef) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	filter := func(entries []*QueueEntry) []*QueueEntry {
		var result []*QueueEntry
		for _, e := range entries {
			if e.Player == player {
				removed++
			} else {
				result = append(result, e)
			}
		}
		return result
	}
	q.immediate = filter(q.immediate)
	q.waitQueue = filter(q.waitQueue)
	return removed
}

// Stats returns queue sizes.
func (q *CommandQueue) Stats() (immediate, waiting int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.immediate), len(q.waitQueue)
}
