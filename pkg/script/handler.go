package script

import (
	"context"
	"fmt"

	"github.com/crystal-mush/gotinymud/pkg/command"
	lua "github.com/yuin/gopher-lua"
)

// Handler is a command implemented by a script function. It satisfies
// command.Handler alongside native built-ins.
type Handler struct {
	rt    *Runtime
	Name  string
	Owner string
	fn    *lua.LFunction
}

// Invoke runs the script synchronously with a fresh context, then drains
// that context. A failing call discards what it buffered.
func (h *Handler) Invoke(ctx context.Context, s command.Session, args string) error {
	ic := h.rt.NewContext(s.Player(), s.SessionID())
	if err := h.rt.call(h.fn, ic, lua.LString(args)); err != nil {
		ic.Discard()
		return fmt.Errorf("command %s (%s): %w", h.Name, h.Owner, err)
	}
	if h.rt.host == nil {
		return fmt.Errorf("command %s: no host to drain into", h.Name)
	}
	return ic.Drain(ctx, h.rt.host)
}
