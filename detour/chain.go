package detour

import (
	"errors"
	"reflect"
	"slices"
	"sync"

	"github.com/pboyd/hookctx/host"
)

// slot is the thing a chain redirects: a method-table entry or a native
// function entry point.
type slot interface {
	Type() reflect.Type

	// Original reaches the target's behavior as it was before the chain
	// existed. It is only valid while the chain is live.
	Original() reflect.Value

	// Fallback reaches the original behavior once the chain has been
	// restored.
	Fallback() reflect.Value

	Redirect(fn reflect.Value) error
	Restore() error
}

// methodSlot wraps a host method-table entry.
type methodSlot struct {
	m        *host.Method
	original reflect.Value
}

func newMethodSlot(m *host.Method) *methodSlot {
	return &methodSlot{m: m, original: m.Current()}
}

func (s *methodSlot) Type() reflect.Type { return s.m.Type() }
func (s *methodSlot) Original() reflect.Value { return s.original }
func (s *methodSlot) Fallback() reflect.Value { return s.original }
func (s *methodSlot) Redirect(fn reflect.Value) error { return s.m.Redirect(fn) }
func (s *methodSlot) Restore() error { return s.m.Redirect(s.original) }

var errNotInChain = errors.New("detour is not linked into this chain")

// Chain is the ordered set of detours on one target, oldest first. The slot
// always dispatches to the newest link.
type Chain struct {
	key  any
	kind Kind
	slot slot

	mu     sync.RWMutex
	engine *Engine
	links  []*Detour
	dead   bool
}

func newChain(e *Engine, key any, kind Kind, s slot) *Chain {
	return &Chain{key: key, kind: kind, slot: s, engine: e}
}

// Kind reports which detour family the chain belongs to.
func (c *Chain) Kind() Kind { return c.kind }

// Target names the chain's target.
func (c *Chain) Target() host.MethodID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.links) == 0 {
		return ""
	}
	return c.links[0].target
}

// Detours lists the active links, oldest first.
func (c *Chain) Detours() []*Detour {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.links)
}

func (c *Chain) owner() *Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}

func (c *Chain) setOwner(e *Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine = e
}

func (c *Chain) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.links)
}

func (c *Chain) live() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.dead
}

func (c *Chain) push(d *Detour) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.slot.Redirect(d.replacement); err != nil {
		return err
	}
	c.links = append(c.links, d)
	return nil
}

// remove unlinks d. The slot is pointed at the new top, or restored when the
// chain empties.
func (c *Chain) remove(d *Detour) (empty bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := slices.Index(c.links, d)
	if idx < 0 {
		return len(c.links) == 0, errNotInChain
	}

	wasTop := idx == len(c.links)-1
	c.links = slices.Delete(c.links, idx, idx+1)

	switch {
	case len(c.links) == 0:
		if err := c.slot.Restore(); err != nil {
			c.links = slices.Insert(c.links, idx, d)
			return false, err
		}
		c.dead = true
		return true, nil
	case wasTop:
		if err := c.slot.Redirect(c.links[len(c.links)-1].replacement); err != nil {
			c.links = slices.Insert(c.links, idx, d)
			return false, err
		}
	}
	return false, nil
}

// next returns what d's trampoline should call right now: the next-older
// link, or the original when d is the oldest.
func (c *Chain) next(d *Detour) reflect.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.dead {
		return c.slot.Fallback()
	}

	idx := slices.Index(c.links, d)
	if idx <= 0 {
		return c.slot.Original()
	}
	return c.links[idx-1].replacement
}
