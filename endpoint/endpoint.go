// Package endpoint manages hooks and body manipulators that plugin modules
// attach to host methods, and removes them again per module.
package endpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/pboyd/hookctx/detour"
	"github.com/pboyd/hookctx/host"
	"github.com/pboyd/hookctx/internal/log"
	"github.com/pboyd/hookctx/owner"
)

var ErrNotFound = errors.New("endpoint not found")

// Kind distinguishes hooks from manipulators.
type Kind int

const (
	// Hook endpoints are func(orig T, args...) results.
	Hook Kind = iota
	// Manipulator endpoints are func(T) T and rewrite the method body once.
	Manipulator
)

func (k Kind) String() string {
	if k == Manipulator {
		return "manipulator"
	}
	return "hook"
}

// Entry is one attached endpoint.
type Entry struct {
	kind   Kind
	method host.MethodID
	fn     reflect.Value
	owner  owner.ID
	detour *detour.Detour
}

func (e *Entry) Kind() Kind { return e.kind }
func (e *Entry) Method() host.MethodID { return e.method }
func (e *Entry) Owner() owner.ID { return e.owner }
func (e *Entry) Detour() *detour.Detour { return e.detour }

func (e *Entry) matches(kind Kind, method host.MethodID, code uintptr) bool {
	return e.kind == kind && e.method == method && e.fn.Pointer() == code
}

type Option func(*options)

type options struct {
	owner    owner.ID
	explicit bool
}

// WithOwner attributes the endpoint to id instead of the module declaring
// the hook function.
func WithOwner(id owner.ID) Option {
	return func(o *options) {
		o.owner = id
		o.explicit = true
	}
}

type ManagerOption func(*Manager)

func WithResolver(r owner.Resolver) ManagerOption {
	return func(m *Manager) {
		m.resolver = r
	}
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

// Manager attaches endpoints through a detour engine and remembers which
// module each one belongs to.
type Manager struct {
	methods  *host.MethodTable
	engine   *detour.Engine
	resolver owner.Resolver
	log      *slog.Logger

	mu      sync.Mutex
	entries []*Entry

	events events
}

func NewManager(methods *host.MethodTable, engine *detour.Engine, opts ...ManagerOption) *Manager {
	m := &Manager{
		methods: methods,
		engine:  engine,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = log.WithComponent("endpoint")
	}
	return m
}

func (m *Manager) ownerOf(fn any, opts []Option) owner.ID {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.explicit {
		return o.owner
	}
	return owner.OfFunc(fn, m.resolver)
}

// Add attaches hook to method. The hook receives the previous behavior as
// its first argument.
func (m *Manager) Add(method host.MethodID, hook any, opts ...Option) error {
	hv := reflect.ValueOf(hook)
	o := m.ownerOf(hook, opts)

	next, err := m.events.fire(&m.events.add, method, hv, o)
	if err != nil || !next {
		return err
	}
	return m.AddLocal(method, hv, o)
}

// AddLocal attaches hook without consulting the forwarding slots.
func (m *Manager) AddLocal(method host.MethodID, hook reflect.Value, o owner.ID) error {
	if !hook.IsValid() {
		return fmt.Errorf("add %s: %w", method, detour.ErrNotFunc)
	}
	d, err := m.engine.Hook(method, hook.Interface(), detour.WithOwner(o))
	if err != nil {
		return fmt.Errorf("add %s: %w", method, err)
	}
	m.append(&Entry{kind: Hook, method: method, fn: hook, owner: o, detour: d})
	m.log.Debug("added endpoint", "method", method, "owner", o)
	return nil
}

// Remove detaches the most recently added hook on method with the same
// function as hook.
func (m *Manager) Remove(method host.MethodID, hook any) error {
	hv := reflect.ValueOf(hook)
	next, err := m.events.fireRemove(&m.events.remove, method, hv)
	if err != nil || !next {
		return err
	}
	return m.RemoveLocal(method, hv)
}

func (m *Manager) RemoveLocal(method host.MethodID, hook reflect.Value) error {
	return m.detach(Hook, method, hook)
}

// Modify applies manipulator to method's current behavior and installs the
// result. manipulator must be a func(T) T for the method's type T.
func (m *Manager) Modify(method host.MethodID, manipulator any, opts ...Option) error {
	mv := reflect.ValueOf(manipulator)
	o := m.ownerOf(manipulator, opts)

	next, err := m.events.fire(&m.events.modify, method, mv, o)
	if err != nil || !next {
		return err
	}
	return m.ModifyLocal(method, mv, o)
}

func (m *Manager) ModifyLocal(method host.MethodID, manipulator reflect.Value, o owner.ID) error {
	if !manipulator.IsValid() || manipulator.Kind() != reflect.Func || manipulator.IsNil() {
		return fmt.Errorf("modify %s: %w", method, detour.ErrNotFunc)
	}
	target, err := m.methods.Lookup(method)
	if err != nil {
		return &detour.TargetNotFoundError{Target: string(method), Err: err}
	}
	sig := target.Type()
	mt := manipulator.Type()
	if mt.NumIn() != 1 || mt.NumOut() != 1 || mt.In(0) != sig || mt.Out(0) != sig {
		return fmt.Errorf("modify %s: manipulator must be func(%v) %v: %w", method, sig, sig, detour.ErrSignatureMismatch)
	}

	var body reflect.Value
	repl := reflect.MakeFunc(sig, func(args []reflect.Value) []reflect.Value {
		if sig.IsVariadic() {
			return body.CallSlice(args)
		}
		return body.Call(args)
	})

	d, err := m.engine.Install(method, repl.Interface(), detour.WithOwner(o))
	if err != nil {
		return fmt.Errorf("modify %s: %w", method, err)
	}
	orig, err := d.GenerateTrampoline(sig)
	if err != nil {
		d.Dispose()
		return fmt.Errorf("modify %s: %w", method, err)
	}
	body = manipulator.Call([]reflect.Value{orig})[0]
	if body.IsNil() {
		body = orig
	}

	m.append(&Entry{kind: Manipulator, method: method, fn: manipulator, owner: o, detour: d})
	m.log.Debug("modified method", "method", method, "owner", o)
	return nil
}

// Unmodify reverts the most recent application of manipulator to method.
func (m *Manager) Unmodify(method host.MethodID, manipulator any) error {
	mv := reflect.ValueOf(manipulator)
	next, err := m.events.fireRemove(&m.events.unmodify, method, mv)
	if err != nil || !next {
		return err
	}
	return m.UnmodifyLocal(method, mv)
}

func (m *Manager) UnmodifyLocal(method host.MethodID, manipulator reflect.Value) error {
	return m.detach(Manipulator, method, manipulator)
}

// RemoveAllOwnedBy detaches every endpoint attributed to o, newest first.
// Every endpoint is attempted; the errors are joined.
func (m *Manager) RemoveAllOwnedBy(o owner.ID) error {
	next, err := m.events.fireOwner(o)
	if err != nil || !next {
		return err
	}
	return m.RemoveAllOwnedByLocal(o)
}

func (m *Manager) RemoveAllOwnedByLocal(o owner.ID) error {
	m.mu.Lock()
	var owned []*Entry
	m.entries = slices.DeleteFunc(m.entries, func(e *Entry) bool {
		if e.owner == o {
			owned = append(owned, e)
			return true
		}
		return false
	})
	m.mu.Unlock()

	var errs []error
	for i := len(owned) - 1; i >= 0; i-- {
		if err := owned[i].detour.Dispose(); err != nil {
			errs = append(errs, fmt.Errorf("remove %s %s: %w", owned[i].kind, owned[i].method, err))
		}
	}
	if len(owned) > 0 {
		m.log.Debug("removed endpoints", "owner", o, "count", len(owned))
	}
	return errors.Join(errs...)
}

// Entries lists the attached endpoints in the order they were added.
func (m *Manager) Entries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// Release hands every entry over to the caller and forgets them.
func (m *Manager) Release() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.entries
	m.entries = nil
	return entries
}

// Adopt takes over entries released by another manager.
func (m *Manager) Adopt(entries []*Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
}

func (m *Manager) append(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *Manager) detach(kind Kind, method host.MethodID, fn reflect.Value) error {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return fmt.Errorf("remove %s %s: %w", kind, method, detour.ErrNotFunc)
	}
	code := fn.Pointer()

	m.mu.Lock()
	idx := -1
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].matches(kind, method, code) {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("remove %s %s: %w", kind, method, ErrNotFound)
	}
	e := m.entries[idx]
	m.entries = slices.Delete(m.entries, idx, idx+1)
	m.mu.Unlock()

	if err := e.detour.Dispose(); err != nil {
		return fmt.Errorf("remove %s %s: %w", kind, method, err)
	}
	return nil
}
