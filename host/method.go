package host

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// MethodID names a method slot, unique within a MethodTable.
type MethodID string

var (
	ErrMethodNotFound = errors.New("method not found")
	ErrMethodDefined  = errors.New("method already defined")
	ErrNotFuncPointer = errors.New("not a pointer to a function")
)

// Method is a patchable slot. Host code calls through the function variable
// the slot was defined with, so storing a new value redirects every caller.
type Method struct {
	id       MethodID
	typ      reflect.Type
	slot     reflect.Value
	original reflect.Value

	mu sync.RWMutex
}

func (m *Method) ID() MethodID { return m.id }

// Type is the function type of the slot.
func (m *Method) Type() reflect.Type { return m.typ }

// Current returns the function the slot dispatches to right now.
func (m *Method) Current() reflect.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return reflect.ValueOf(m.slot.Interface())
}

// Original returns the function the slot held when it was defined.
func (m *Method) Original() reflect.Value {
	return m.original
}

// Redirect stores fn in the slot. fn must be a non-nil function convertible
// to the slot's type.
func (m *Method) Redirect(fn reflect.Value) error {
	if !fn.IsValid() || fn.Kind() != reflect.Func || fn.IsNil() {
		return fmt.Errorf("redirect %s: not a function", m.id)
	}
	if fn.Type() != m.typ {
		if !fn.Type().ConvertibleTo(m.typ) {
			return fmt.Errorf("redirect %s: %v is not convertible to %v", m.id, fn.Type(), m.typ)
		}
		fn = fn.Convert(m.typ)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.slot.Set(fn)
	return nil
}

// MethodTable is the host's method namespace.
type MethodTable struct {
	mu      sync.RWMutex
	methods map[MethodID]*Method
}

func NewMethodTable() *MethodTable {
	return &MethodTable{methods: make(map[MethodID]*Method)}
}

// Define registers fnPtr, which must point at a non-nil function variable,
// under id.
//
//	var update = func(p *Player) { ... }
//	table.Define("Player.Update", &update)
func (t *MethodTable) Define(id MethodID, fnPtr any) (*Method, error) {
	v := reflect.ValueOf(fnPtr)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Func {
		return nil, fmt.Errorf("define %s: %w", id, ErrNotFuncPointer)
	}
	slot := v.Elem()
	if slot.IsNil() {
		return nil, fmt.Errorf("define %s: function variable is nil", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.methods[id]; ok {
		return nil, fmt.Errorf("define %s: %w", id, ErrMethodDefined)
	}

	m := &Method{
		id:       id,
		typ:      slot.Type(),
		slot:     slot,
		original: reflect.ValueOf(slot.Interface()),
	}
	t.methods[id] = m
	return m, nil
}

// Lookup resolves id. The error wraps ErrMethodNotFound.
func (t *MethodTable) Lookup(id MethodID) (*Method, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.methods[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, id)
	}
	return m, nil
}

// IDs lists every defined method, sorted.
func (t *MethodTable) IDs() []MethodID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]MethodID, 0, len(t.methods))
	for id := range t.methods {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
