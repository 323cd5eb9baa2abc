package detour

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/pboyd/hookctx/host"
	"github.com/pboyd/hookctx/owner"
)

// Handle identifies a detour across instances.
type Handle = uuid.UUID

// Kind selects the redirection family of a detour.
type Kind int

const (
	// Managed detours redirect a host method-table slot.
	Managed Kind = iota
	// Native detours overwrite the entry point of a compiled function.
	Native
)

func (k Kind) String() string {
	switch k {
	case Managed:
		return "managed"
	case Native:
		return "native"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type State int

const (
	Active State = iota
	Undone
)

func (s State) String() string {
	if s == Undone {
		return "undone"
	}
	return "active"
}

// Option customizes a single install.
type Option func(*options)

type options struct {
	owner    owner.ID
	explicit bool
}

// WithOwner attributes the detour to id instead of walking the stack.
func WithOwner(id owner.ID) Option {
	return func(o *options) {
		o.owner = id
		o.explicit = true
	}
}

// Ownerless marks the detour as belonging to no module. It is never removed
// by a module unload.
func Ownerless() Option {
	return WithOwner(owner.None)
}

// Detour is a single installed redirection. Detours on the same target form
// a chain; each one's trampoline reaches the next older link and finally the
// original.
type Detour struct {
	handle      Handle
	kind        Kind
	target      host.MethodID
	fn          reflect.Value
	replacement reflect.Value
	sig         reflect.Type
	owner       owner.ID
	origin      *Engine

	// forwarded detours are executed by another engine.
	forwarded bool

	mu    sync.Mutex
	state State
	chain *Chain
}

func (d *Detour) Handle() Handle { return d.handle }

func (d *Detour) Kind() Kind { return d.kind }

// Target is the method ID for managed detours and the function name for
// native ones.
func (d *Detour) Target() host.MethodID { return d.target }

// TargetFunc is the patched function of a native detour.
func (d *Detour) TargetFunc() reflect.Value { return d.fn }

func (d *Detour) Replacement() reflect.Value { return d.replacement }

func (d *Detour) Owner() owner.ID { return d.owner }

// Forwarded reports whether another engine executed the detour on this
// one's behalf.
func (d *Detour) Forwarded() bool { return d.forwarded }

func (d *Detour) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Detour) String() string {
	return fmt.Sprintf("%s detour %s on %s", d.kind, d.handle, d.target)
}

// Undo removes the detour from its chain. Undoing a link in the middle of
// a chain leaves the links around it working. The second call returns
// ErrAlreadyUndone.
func (d *Detour) Undo() error {
	if d.State() == Undone {
		return ErrAlreadyUndone
	}

	e := d.origin
	next, err := e.events.fireUndo(d.kind, d.handle)
	if err != nil {
		return err
	}
	if next {
		if d.forwarded {
			return fmt.Errorf("undo %s: %w", d, ErrUnreachable)
		}
		if err := d.detach(); err != nil {
			return err
		}
	}

	e.finishUndo(d)
	return nil
}

// Dispose is Undo without the ErrAlreadyUndone error.
func (d *Detour) Dispose() error {
	err := d.Undo()
	if errors.Is(err, ErrAlreadyUndone) {
		return nil
	}
	return err
}

// GenerateTrampoline returns a function of type sig that calls whatever the
// detour would have called had it not been installed. The link is resolved
// on each call, so later installs and undos are honored. A nil sig uses the
// target's own type.
func (d *Detour) GenerateTrampoline(sig reflect.Type) (reflect.Value, error) {
	if d.State() == Undone {
		return reflect.Value{}, ErrAlreadyUndone
	}
	if sig == nil {
		sig = d.sig
	}

	e := d.origin
	fn, next, err := e.events.fireTrampoline(d.kind, d.handle, sig)
	if err != nil {
		return reflect.Value{}, err
	}
	if !next {
		return fn, nil
	}
	if d.forwarded {
		return reflect.Value{}, fmt.Errorf("trampoline %s: %w", d, ErrUnreachable)
	}
	return e.TrampolineLocal(d, sig)
}

// Trampoline is GenerateTrampoline with the signature taken from T.
//
//	orig, err := detour.Trampoline[func(int) int](d)
func Trampoline[T any](d *Detour) (T, error) {
	var zero T
	v, err := d.GenerateTrampoline(reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	return v.Interface().(T), nil
}

func (d *Detour) linkedChain() *Chain {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chain
}

// detach unlinks d from whichever engine currently holds its chain.
func (d *Detour) detach() error {
	c := d.linkedChain()
	if c == nil {
		return nil
	}

	holder := c.owner()
	empty, err := c.remove(d)
	if err != nil {
		return fmt.Errorf("undo %s: %w", d, err)
	}
	if empty && holder != nil {
		holder.dropChain(c)
	}
	return nil
}

// next is what d's trampoline calls right now.
func (d *Detour) next() reflect.Value {
	c := d.linkedChain()
	if c == nil {
		return reflect.Value{}
	}
	return c.next(d)
}
