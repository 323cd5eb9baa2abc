package endpoint

import (
	"reflect"
	"slices"
	"sync"

	"github.com/pboyd/hookctx/host"
	"github.com/pboyd/hookctx/owner"
)

// Forwarding slots, with the same next semantics as the detour engine's:
// returning next == false means the request was handled elsewhere.
type (
	AddFunc              func(method host.MethodID, fn reflect.Value, o owner.ID) (next bool, err error)
	RemoveFunc           func(method host.MethodID, fn reflect.Value) (next bool, err error)
	RemoveAllOwnedByFunc func(o owner.ID) (next bool, err error)
)

type handler[F any] struct {
	id uint64
	fn F
}

type events struct {
	mu     sync.Mutex
	nextID uint64

	add       []handler[AddFunc]
	modify    []handler[AddFunc]
	remove    []handler[RemoveFunc]
	unmodify  []handler[RemoveFunc]
	removeAll []handler[RemoveAllOwnedByFunc]
}

func subscribe[F any](ev *events, list *[]handler[F], fn F) func() {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.nextID++
	id := ev.nextID
	*list = append(*list, handler[F]{id: id, fn: fn})

	return func() {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		*list = slices.DeleteFunc(*list, func(h handler[F]) bool { return h.id == id })
	}
}

func snapshot[F any](ev *events, list *[]handler[F]) []F {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	fns := make([]F, len(*list))
	for i, h := range *list {
		fns[i] = h.fn
	}
	return fns
}

func (ev *events) fire(list *[]handler[AddFunc], method host.MethodID, fn reflect.Value, o owner.ID) (bool, error) {
	for _, h := range snapshot(ev, list) {
		next, err := h(method, fn, o)
		if err != nil || !next {
			return false, err
		}
	}
	return true, nil
}

func (ev *events) fireRemove(list *[]handler[RemoveFunc], method host.MethodID, fn reflect.Value) (bool, error) {
	for _, h := range snapshot(ev, list) {
		next, err := h(method, fn)
		if err != nil || !next {
			return false, err
		}
	}
	return true, nil
}

func (ev *events) fireOwner(o owner.ID) (bool, error) {
	for _, h := range snapshot(ev, &ev.removeAll) {
		next, err := h(o)
		if err != nil || !next {
			return false, err
		}
	}
	return true, nil
}

func (m *Manager) OnAdd(fn AddFunc) func() {
	return subscribe(&m.events, &m.events.add, fn)
}

func (m *Manager) OnRemove(fn RemoveFunc) func() {
	return subscribe(&m.events, &m.events.remove, fn)
}

func (m *Manager) OnModify(fn AddFunc) func() {
	return subscribe(&m.events, &m.events.modify, fn)
}

func (m *Manager) OnUnmodify(fn RemoveFunc) func() {
	return subscribe(&m.events, &m.events.unmodify, fn)
}

func (m *Manager) OnRemoveAllOwnedBy(fn RemoveAllOwnedByFunc) func() {
	return subscribe(&m.events, &m.events.removeAll, fn)
}
