package detour

import (
	"reflect"
	"slices"
	"sync"

	"github.com/pboyd/hookctx/host"
)

// Forwarding slots. A handler returns next == false when it has fully handled
// the request; the engine then skips its local path. Handlers run in
// subscription order and the first one to claim a request or fail stops the
// walk.
type (
	InstallFunc       func(h Handle, target host.MethodID, replacement reflect.Value) (next bool, err error)
	InstallNativeFunc func(h Handle, target, replacement reflect.Value) (next bool, err error)
	UndoFunc          func(h Handle) (next bool, err error)
	TrampolineFunc    func(h Handle, sig reflect.Type) (fn reflect.Value, next bool, err error)
)

type handler[F any] struct {
	id uint64
	fn F
}

type handlers[F any] struct {
	list []handler[F]
}

func (h *handlers[F]) add(id uint64, fn F) {
	h.list = append(h.list, handler[F]{id: id, fn: fn})
}

func (h *handlers[F]) remove(id uint64) {
	h.list = slices.DeleteFunc(h.list, func(e handler[F]) bool { return e.id == id })
}

func (h *handlers[F]) snapshot() []F {
	fns := make([]F, len(h.list))
	for i, e := range h.list {
		fns[i] = e.fn
	}
	return fns
}

type events struct {
	mu     sync.Mutex
	nextID uint64

	install       handlers[InstallFunc]
	installNative handlers[InstallNativeFunc]
	undo          [2]handlers[UndoFunc]
	trampoline    [2]handlers[TrampolineFunc]

	installed handlers[func(*Detour)]
	undone    handlers[func(*Detour)]
}

func subscribe[F any](ev *events, list *handlers[F], fn F) func() {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.nextID++
	id := ev.nextID
	list.add(id, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			ev.mu.Lock()
			defer ev.mu.Unlock()
			list.remove(id)
		})
	}
}

func snapshot[F any](ev *events, list *handlers[F]) []F {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return list.snapshot()
}

func (ev *events) fireInstall(h Handle, target host.MethodID, replacement reflect.Value) (bool, error) {
	for _, fn := range snapshot(ev, &ev.install) {
		next, err := fn(h, target, replacement)
		if err != nil || !next {
			return false, err
		}
	}
	return true, nil
}

func (ev *events) fireInstallNative(h Handle, target, replacement reflect.Value) (bool, error) {
	for _, fn := range snapshot(ev, &ev.installNative) {
		next, err := fn(h, target, replacement)
		if err != nil || !next {
			return false, err
		}
	}
	return true, nil
}

func (ev *events) fireUndo(kind Kind, h Handle) (bool, error) {
	for _, fn := range snapshot(ev, &ev.undo[kind]) {
		next, err := fn(h)
		if err != nil || !next {
			return false, err
		}
	}
	return true, nil
}

func (ev *events) fireTrampoline(kind Kind, h Handle, sig reflect.Type) (reflect.Value, bool, error) {
	for _, fn := range snapshot(ev, &ev.trampoline[kind]) {
		v, next, err := fn(h, sig)
		if err != nil || !next {
			return v, false, err
		}
	}
	return reflect.Value{}, true, nil
}

func (ev *events) notify(list *handlers[func(*Detour)], d *Detour) {
	for _, fn := range snapshot(ev, list) {
		fn(d)
	}
}

// OnInstall subscribes to managed installs before they reach the local
// engine. The returned func cancels the subscription.
func (e *Engine) OnInstall(fn InstallFunc) func() {
	return subscribe(&e.events, &e.events.install, fn)
}

// OnInstallNative subscribes to native installs.
func (e *Engine) OnInstallNative(fn InstallNativeFunc) func() {
	return subscribe(&e.events, &e.events.installNative, fn)
}

func (e *Engine) OnUndo(fn UndoFunc) func() {
	return subscribe(&e.events, &e.events.undo[Managed], fn)
}

func (e *Engine) OnUndoNative(fn UndoFunc) func() {
	return subscribe(&e.events, &e.events.undo[Native], fn)
}

func (e *Engine) OnGenerateTrampoline(fn TrampolineFunc) func() {
	return subscribe(&e.events, &e.events.trampoline[Managed], fn)
}

func (e *Engine) OnGenerateTrampolineNative(fn TrampolineFunc) func() {
	return subscribe(&e.events, &e.events.trampoline[Native], fn)
}

// OnInstalled is notified after a detour has been installed, locally or by
// a forwarding handler. Failed installs are never reported.
func (e *Engine) OnInstalled(fn func(*Detour)) func() {
	return subscribe(&e.events, &e.events.installed, fn)
}

// OnUndone is notified after a detour has been undone.
func (e *Engine) OnUndone(fn func(*Detour)) func() {
	return subscribe(&e.events, &e.events.undone, fn)
}
