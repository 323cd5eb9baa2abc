package hookctx

import (
	"reflect"
	"slices"

	"github.com/pboyd/hookctx/detour"
	"github.com/pboyd/hookctx/endpoint"
	"github.com/pboyd/hookctx/host"
	"github.com/pboyd/hookctx/owner"
)

const (
	// Protocol is the version of the Handlers contract this package speaks.
	Protocol = 1

	// MinProtocol is the oldest Handlers contract a follower accepts.
	MinProtocol = 1
)

// Handlers is the set of closures a leader hands its followers. A follower
// subscribes each one to the matching forwarding slot of its own engine and
// endpoint manager, so every operation issued on the follower executes on
// the leader. A nil closure leaves that operation local.
type Handlers struct {
	Protocol int

	Detour                   detour.InstallFunc
	Undo                     detour.UndoFunc
	GenerateTrampoline       detour.TrampolineFunc
	NativeDetour             detour.InstallNativeFunc
	NativeUndo               detour.UndoFunc
	NativeGenerateTrampoline detour.TrampolineFunc

	Add              endpoint.AddFunc
	Remove           endpoint.RemoveFunc
	Modify           endpoint.AddFunc
	Unmodify         endpoint.RemoveFunc
	RemoveAllOwnedBy endpoint.RemoveAllOwnedByFunc

	// Adopt takes over the chains, remote records and endpoints of an
	// instance that becomes a follower. It returns the chains the leader
	// could not take, which stay with the follower.
	Adopt func(chains []*detour.Chain, remote map[detour.Handle]*detour.Detour, entries []*endpoint.Entry) (rejected []*detour.Chain)
}

// handlers builds the closures that execute forwarded operations on i. Once
// i is disposed every closure declines, so followers fall back to their own
// engine and forwarded records report detour.ErrUnreachable.
func (i *Instance) handlers() *Handlers {
	return &Handlers{
		Protocol: Protocol,

		Detour: func(h detour.Handle, target host.MethodID, repl reflect.Value) (bool, error) {
			if i.isDisposed() {
				return true, nil
			}
			d, err := i.engine.InstallLocal(h, target, repl)
			if err != nil {
				return false, err
			}
			i.remember(d)
			return false, nil
		},
		Undo:               i.forwardedUndo,
		GenerateTrampoline: i.forwardedTrampoline,
		NativeDetour: func(h detour.Handle, target, repl reflect.Value) (bool, error) {
			if i.isDisposed() {
				return true, nil
			}
			d, err := i.engine.InstallNativeLocal(h, target, repl)
			if err != nil {
				return false, err
			}
			i.remember(d)
			return false, nil
		},
		NativeUndo:               i.forwardedUndo,
		NativeGenerateTrampoline: i.forwardedTrampoline,

		Add: func(method host.MethodID, fn reflect.Value, o owner.ID) (bool, error) {
			if i.isDisposed() {
				return true, nil
			}
			return false, i.endpoints.AddLocal(method, fn, o)
		},
		Remove: func(method host.MethodID, fn reflect.Value) (bool, error) {
			if i.isDisposed() {
				return true, nil
			}
			return false, i.endpoints.RemoveLocal(method, fn)
		},
		Modify: func(method host.MethodID, fn reflect.Value, o owner.ID) (bool, error) {
			if i.isDisposed() {
				return true, nil
			}
			return false, i.endpoints.ModifyLocal(method, fn, o)
		},
		Unmodify: func(method host.MethodID, fn reflect.Value) (bool, error) {
			if i.isDisposed() {
				return true, nil
			}
			return false, i.endpoints.UnmodifyLocal(method, fn)
		},
		RemoveAllOwnedBy: func(o owner.ID) (bool, error) {
			if i.isDisposed() {
				return true, nil
			}
			return false, i.endpoints.RemoveAllOwnedByLocal(o)
		},

		Adopt: i.adopt,
	}
}

func (i *Instance) remember(d *detour.Detour) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.remote[d.Handle()] = d
}

func (i *Instance) lookupRemote(h detour.Handle) *detour.Detour {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.remote[h]
}

func (i *Instance) forgetRemote(h detour.Handle) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.remote, h)
}

// forwardedUndo undoes the record a follower knows as h. Handles the leader
// never saw fall through to the follower's own engine.
func (i *Instance) forwardedUndo(h detour.Handle) (bool, error) {
	d := i.lookupRemote(h)
	if d == nil || i.isDisposed() {
		return true, nil
	}
	i.forgetRemote(h)
	return false, i.engine.UndoLocal(d)
}

func (i *Instance) forwardedTrampoline(h detour.Handle, sig reflect.Type) (reflect.Value, bool, error) {
	d := i.lookupRemote(h)
	if d == nil || i.isDisposed() {
		return reflect.Value{}, true, nil
	}
	fn, err := i.engine.TrampolineLocal(d, sig)
	return fn, false, err
}

// adopt takes over what a new follower held before it was retargeted.
// Every link of an adopted chain becomes reachable by its handle, so the
// follower can still undo the records it created while self-sufficient.
func (i *Instance) adopt(chains []*detour.Chain, remote map[detour.Handle]*detour.Detour, entries []*endpoint.Entry) []*detour.Chain {
	rejected := i.engine.Adopt(chains)

	i.mu.Lock()
	for h, d := range remote {
		i.remote[h] = d
	}
	for _, c := range chains {
		if slices.Contains(rejected, c) {
			continue
		}
		for _, d := range c.Detours() {
			i.remote[d.Handle()] = d
		}
	}
	i.mu.Unlock()

	i.endpoints.Adopt(entries)

	for _, c := range rejected {
		i.log.Warn("target patched by two instances, leaving chain with its holder", "target", c.Target())
	}
	return rejected
}
