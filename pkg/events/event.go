package events

import "github.com/crystal-mush/gotinymud/pkg/gamedb"

// EventType classifies events for transport-specific encoding.
type EventType int

const (
	EvText       EventType = iota // Raw text (universal fallback)
	EvSay                         // Speech
	EvEmote                       // Emote
	EvSocial                      // Rendered social template
	EvRoom                        // Room description
	EvMove                        // Arrive/depart
	EvConnect                     // Player connected
	EvDisconnect                  // Player disconnected
	EvWho                         // WHO data
	EvScript                      // send/broadcast from a script context
	EvSystem                      // Operator notices (reload results, etc.)
)

var typeNames = [...]string{
	EvText:       "text",
	EvSay:        "say",
	EvEmote:      "emote",
	EvSocial:     "social",
	EvRoom:       "room",
	EvMove:       "move",
	EvConnect:    "connect",
	EvDisconnect: "disconnect",
	EvWho:        "who",
	EvScript:     "script",
	EvSystem:     "system",
}

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// Event is a structured game event that flows through the event bus.
// Telnet uses Text; websocket clients get the structured form.
type Event struct {
	Type   EventType
	Player gamedb.DBRef   // Recipient (Nothing for broadcast)
	Source gamedb.DBRef   // Who generated the event
	Room   gamedb.DBRef   // Room context
	Text   string         // Pre-formatted text
	Data   map[string]any // Structured data for JSON clients
}
