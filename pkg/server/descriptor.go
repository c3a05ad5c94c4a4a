package server

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/command"
	"github.com/crystal-mush/gotinymud/pkg/events"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
)

// TransportType identifies the kind of transport a Descriptor uses.
type TransportType int

const (
	TransportTCP       TransportType = iota // telnet
	TransportWebSocket                      // JSON events
	TransportInternal                       // scheduled lines, REST, tests
)

func (t TransportType) String() string {
	switch t {
	case TransportWebSocket:
		return "websocket"
	case TransportInternal:
		return "internal"
	}
	return "tcp"
}

// ConnState tracks the state of a connection.
type ConnState int

const (
	ConnLogin     ConnState = iota // Pre-login: awaiting connect/create
	ConnConnected                  // Logged in as a player
)

// Descriptor is one client session. It implements events.Subscriber for
// output and command.Session for command handlers.
type Descriptor struct {
	ID        int
	Conn      net.Conn
	State     ConnState
	Account   string
	Operator  bool
	Aliases   map[string]string
	Addr      string
	ConnTime  time.Time
	LastCmd   time.Time
	Retries   int
	CmdCount  int
	BytesSent int
	Transport TransportType

	// SendFunc overrides the default TCP write (websocket, REST capture).
	SendFunc func(msg string)
	// ReceiveFunc overrides the default event->text path.
	ReceiveFunc func(ev events.Event)

	mu     sync.Mutex
	player gamedb.DBRef
	closed bool
}

var (
	_ events.Subscriber = (*Descriptor)(nil)
	_ command.Session   = (*Descriptor)(nil)
)

// NewDescriptor wraps a net.Conn into a Descriptor.
func NewDescriptor(id int, conn net.Conn) *Descriptor {
	now := time.Now()
	return &Descriptor{
		ID:       id,
		Conn:     conn,
		State:    ConnLogin,
		Aliases:  make(map[string]string),
		Addr:     conn.RemoteAddr().String(),
		ConnTime: now,
		LastCmd:  now,
		Retries:  3,
		player:   gamedb.Nothing,
	}
}

// NewInternalDescriptor creates a connectionless session acting as player.
// Output goes to send, or nowhere when send is nil.
func NewInternalDescriptor(id int, player gamedb.DBRef, send func(string)) *Descriptor {
	now := time.Now()
	return &Descriptor{
		ID:        id,
		Conn:      nullConn{},
		State:     ConnConnected,
		Aliases:   make(map[string]string),
		Addr:      "internal",
		ConnTime:  now,
		LastCmd:   now,
		Transport: TransportInternal,
		SendFunc:  send,
		player:    player,
	}
}

// Player returns the player this session is logged in as.
func (d *Descriptor) Player() gamedb.DBRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.player
}

// SessionID implements command.Session.
func (d *Descriptor) SessionID() int { return d.ID }

// Send writes a line to the client.
func (d *Descriptor) Send(msg string) {
	if d.SendFunc != nil {
		d.SendFunc(msg)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if !strings.HasSuffix(msg, "\n") {
		msg += "\r\n"
	}
	d.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	n, _ := d.Conn.Write([]byte(msg))
	d.BytesSent += n
}

// SendNoNewline writes a string without appending a newline.
func (d *Descriptor) SendNoNewline(msg string) {
	if d.SendFunc != nil {
		d.SendFunc(msg)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	n, _ := d.Conn.Write([]byte(msg))
	d.BytesSent += n
}

// Close shuts down the connection.
func (d *Descriptor) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		d.Conn.Close()
	}
}

// IsClosed returns whether the connection has been closed.
func (d *Descriptor) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Receive implements events.Subscriber.
func (d *Descriptor) Receive(ev events.Event) {
	if d.ReceiveFunc != nil {
		d.ReceiveFunc(ev)
		return
	}
	if ev.Text != "" {
		d.Send(ev.Text)
	}
}

// Closed implements events.Subscriber.
func (d *Descriptor) Closed() bool {
	return d.IsClosed()
}

// nullConn is a no-op net.Conn for connectionless descriptors.
type nullConn struct{}

func (nullConn) Read([]byte) (int, error)        { return 0, fmt.Errorf("no connection") }
func (nullConn) Write(b []byte) (int, error)      { return len(b), nil }
func (nullConn) Close() error                     { return nil }
func (nullConn) LocalAddr() net.Addr              { return nil }
func (nullConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (nullConn) SetDeadline(time.Time) error      { return nil }
func (nullConn) SetReadDeadline(time.Time) error  { return nil }
func (nullConn) SetWriteDeadline(time.Time) error { return nil }

// ConnManager tracks all active connections.
type ConnManager struct {
	mu          sync.RWMutex
	descriptors map[int]*Descriptor
	nextID      int
	byPlayer    map[gamedb.DBRef][]*Descriptor
	EventBus    *events.Bus
}

// NewConnManager creates a new connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		descriptors: make(map[int]*Descriptor),
		byPlayer:    make(map[gamedb.DBRef][]*Descriptor),
		nextID:      1,
	}
}

// Add registers a new descriptor.
func (cm *ConnManager) Add(d *Descriptor) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.descriptors[d.ID] = d
}

// Remove unregisters a descriptor and unsubscribes it from the event bus.
func (cm *ConnManager) Remove(d *Descriptor) {
	player := d.Player()
	if cm.EventBus != nil && player != gamedb.Nothing {
		cm.EventBus.Unsubscribe(player, d)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.descriptors, d.ID)
	if player != gamedb.Nothing {
		descs := cm.byPlayer[player]
		for i, dd := range descs {
			if dd.ID == d.ID {
				cm.byPlayer[player] = append(descs[:i], descs[i+1:]...)
				break
			}
		}
		if len(cm.byPlayer[player]) == 0 {
			delete(cm.byPlayer, player)
		}
	}
}

// Login binds a descriptor to a player and subscribes it to the event bus.
func (cm *ConnManager) Login(d *Descriptor, player gamedb.DBRef) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	d.mu.Lock()
	d.State = ConnConnected
	d.player = player
	d.mu.Unlock()
	cm.byPlayer[player] = append(cm.byPlayer[player], d)

	if cm.EventBus != nil {
		cm.EventBus.Subscribe(player, d)
	}
}

// NextID returns the next descriptor ID.
func (cm *ConnManager) NextID() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	id := cm.nextID
	cm.nextID++
	return id
}

// Get returns a descriptor by id.
func (cm *ConnManager) Get(id int) (*Descriptor, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	d, ok := cm.descriptors[id]
	return d, ok
}

// GetByPlayer returns all descriptors for a given player.
func (cm *ConnManager) GetByPlayer(player gamedb.DBRef) []*Descriptor {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]*Descriptor(nil), cm.byPlayer[player]...)
}

// IsConnected returns true if the player has at least one active connection.
func (cm *ConnManager) IsConnected(player gamedb.DBRef) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byPlayer[player]) > 0
}

// Online returns connected players ordered by ref. It satisfies
// script.Directory.
func (cm *ConnManager) Online() []gamedb.DBRef {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	players := make([]gamedb.DBRef, 0, len(cm.byPlayer))
	for p := range cm.byPlayer {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })
	return players
}

// AllDescriptors returns a snapshot of all active descriptors ordered by id.
func (cm *ConnManager) AllDescriptors() []*Descriptor {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	descs := make([]*Descriptor, 0, len(cm.descriptors))
	for _, d := range cm.descriptors {
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].ID < descs[j].ID })
	return descs
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.descriptors)
}

// CountByTransport returns logged-in sessions per transport.
func (cm *ConnManager) CountByTransport() map[TransportType]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make(map[TransportType]int)
	for _, d := range cm.descriptors {
		if d.State == ConnConnected {
			out[d.Transport]++
		}
	}
	return out
}

// FormatIdleTime formats a duration as a human-readable idle time.
func FormatIdleTime(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs < 3600 {
		return fmt.Sprintf("%dm", secs/60)
	}
	if secs < 86400 {
		return fmt.Sprintf("%dh", secs/3600)
	}
	return fmt.Sprintf("%dd", secs/86400)
}

// FormatConnTime formats a duration as connection time.
func FormatConnTime(d time.Duration) string {
	secs := int(d.Seconds())
	hours := secs / 3600
	mins := (secs % 3600) / 60
	return fmt.Sprintf("%02d:%02d", hours, mins)
}
