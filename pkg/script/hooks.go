package script

import (
	"context"
	"fmt"
	"log"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// FireWith invokes every callback registered for hook, in registration
// order, against one shared context. A failing callback is logged and the
// rest still run. The caller drains ic once afterwards.
func (rt *Runtime) FireWith(ic *Context, hook string, args ...any) []error {
	hook = strings.ToLower(hook)
	entries := rt.reg.Hooks(hook)
	if len(entries) == 0 {
		return nil
	}
	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = toLua(rt.L, a)
	}
	var errs []error
	for i, e := range entries {
		if err := rt.call(e.Fn, ic, largs...); err != nil {
			log.Printf("script: hook %s callback %d (%s): %v", hook, i, e.Owner, err)
			errs = append(errs, fmt.Errorf("hook %s callback %d (%s): %w", hook, i, e.Owner, err))
			if rt.OnHookError != nil {
				rt.OnHookError(hook)
			}
		}
	}
	return errs
}

// Fire runs a hook against ic and drains it.
func (rt *Runtime) Fire(ctx context.Context, ic *Context, hook string, args ...any) error {
	rt.FireWith(ic, hook, args...)
	if rt.host == nil {
		return nil
	}
	return ic.Drain(ctx, rt.host)
}

// HasHook reports whether any callback is attached to hook.
func (rt *Runtime) HasHook(hook string) bool {
	return len(rt.reg.Hooks(hook)) > 0
}
