package server

import (
	"runtime"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
)

// ConnectionStats returns a breakdown of current connections.
func (g *Game) ConnectionStats() map[string]any {
	descs := g.Conns.AllDescriptors()

	tcp, ws, loginScreen, connected := 0, 0, 0, 0
	var bytesSent, cmdCount int
	for _, d := range descs {
		switch d.Transport {
		case TransportTCP:
			tcp++
		case TransportWebSocket:
			ws++
		}
		switch d.State {
		case ConnLogin:
			loginScreen++
		case ConnConnected:
			connected++
		}
		bytesSent += d.BytesSent
		cmdCount += d.CmdCount
	}

	return map[string]any{
		"total":        len(descs),
		"tcp":          tcp,
		"websocket":    ws,
		"login_screen": loginScreen,
		"connected":    connected,
		"bytes_sent":   bytesSent,
		"commands":     cmdCount,
	}
}

// QueueStats returns scheduled command queue depth.
func (g *Game) QueueStats() map[string]any {
	immediate, waiting := g.Queue.Stats()
	return map[string]any{
		"immediate": immediate,
		"waiting":   waiting,
	}
}

// MemoryStats returns Go runtime memory statistics.
func (g *Game) MemoryStats() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]any{
		"heap_alloc_bytes":  m.HeapAlloc,
		"heap_inuse_bytes":  m.HeapInuse,
		"heap_alloc_mb":     float64(m.HeapAlloc) / 1024 / 1024,
		"goroutines":        runtime.NumGoroutine(),
		"gc_cycles":         m.NumGC,
		"gc_pause_total_ns": m.PauseTotalNs,
	}
}

// GameStats returns world and script stats. Must run on the dispatcher.
func (g *Game) GameStats() map[string]any {
	typeCounts := map[string]int{}
	for _, e := range g.World.All() {
		typeCounts[e.Type.String()]++
	}

	native, scripted := 0, 0
	for _, name := range g.Registry.Names() {
		if reg, ok := g.Registry.Lookup(name); ok && reg.Owner == "" {
			native++
		} else {
			scripted++
		}
	}

	units, pending := 0, 0
	if g.Store != nil {
		if ids, err := g.Store.UnitIDs(gamedb.UnitID{}); err == nil {
			units = len(ids)
		}
		pending = g.Reloads.Len()
	}

	return map[string]any{
		"entity_count":    g.World.Count(),
		"type_counts":     typeCounts,
		"native_commands": native,
		"script_commands": scripted,
		"hooks":           len(g.Registry.HookNames()),
		"stored_units":    units,
		"pending_reloads": pending,
		"socials_enabled": g.Socials != nil,
	}
}
