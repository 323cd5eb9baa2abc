package detour

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/pboyd/hookctx/host"
	"github.com/pboyd/hookctx/internal/log"
	"github.com/pboyd/hookctx/owner"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithInternals adds packages that attribution treats as part of the
// library, on top of this package.
func WithInternals(pkgs ...string) EngineOption {
	return func(e *Engine) {
		e.internals = e.internals.Add(pkgs...)
	}
}

// WithResolver sets how attributed packages map to modules.
func WithResolver(r owner.Resolver) EngineOption {
	return func(e *Engine) {
		e.resolver = r
	}
}

// WithExclusive refuses to chain a second detour onto a patched target.
func WithExclusive(exclusive bool) EngineOption {
	return func(e *Engine) {
		e.exclusive = exclusive
	}
}

// WithStackAttribution toggles the call stack walk for installs without an
// explicit owner. It is on by default.
func WithStackAttribution(enabled bool) EngineOption {
	return func(e *Engine) {
		e.stackAttribution = enabled
	}
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

// Engine installs and removes detours in the current process.
type Engine struct {
	methods          *host.MethodTable
	internals        owner.Internals
	resolver         owner.Resolver
	exclusive        bool
	stackAttribution bool
	log              *slog.Logger

	mu     sync.Mutex
	chains map[any]*Chain

	events events
}

// Package path of this package, always part of the attribution internals.
var selfPackage = owner.PackageOfFunc(funcName)

// NewEngine returns an engine patching methods. methods may be nil for an
// engine that only installs native detours.
func NewEngine(methods *host.MethodTable, opts ...EngineOption) *Engine {
	e := &Engine{
		methods:          methods,
		internals:        owner.NewInternals(selfPackage),
		stackAttribution: true,
		chains:           make(map[any]*Chain),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = log.WithComponent("detour")
	}
	return e
}

func (e *Engine) newDetour(kind Kind, opts []Option) *Detour {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if !o.explicit && e.stackAttribution {
		o.owner = owner.Attribute(owner.Stack(0), e.internals, e.resolver)
	}

	return &Detour{
		handle: uuid.New(),
		kind:   kind,
		owner:  o.owner,
		origin: e,
	}
}

func (e *Engine) lookup(target host.MethodID) (*host.Method, error) {
	if e.methods == nil {
		return nil, &TargetNotFoundError{Target: string(target), Err: host.ErrMethodNotFound}
	}
	m, err := e.methods.Lookup(target)
	if err != nil {
		return nil, &TargetNotFoundError{Target: string(target), Err: err}
	}
	return m, nil
}

// Install redirects target to replacement. replacement must have exactly
// the target's type. A target that is already patched gets the new detour
// on top of its chain, unless the engine is exclusive.
func (e *Engine) Install(target host.MethodID, replacement any, opts ...Option) (*Detour, error) {
	repl, err := funcValue(replacement)
	if err != nil {
		return nil, err
	}
	m, err := e.lookup(target)
	if err != nil {
		return nil, err
	}
	if err := checkSignature(m.Type(), repl.Type()); err != nil {
		return nil, fmt.Errorf("install %s: %w", target, err)
	}

	d := e.newDetour(Managed, opts)
	d.target = target
	d.replacement = repl
	d.sig = m.Type()

	next, err := e.events.fireInstall(d.handle, target, repl)
	if err != nil {
		return nil, err
	}
	if next {
		if err := e.attachManaged(d, m); err != nil {
			return nil, err
		}
	} else {
		d.forwarded = true
	}

	e.log.Debug("installed detour", "target", target, "handle", d.handle, "owner", d.owner, "forwarded", d.forwarded)
	e.events.notify(&e.events.installed, d)
	return d, nil
}

// InstallLocal installs replacement in this engine on behalf of a
// forwarded request, bypassing the forwarding slots. The returned detour
// keeps the caller's handle and has no owner.
func (e *Engine) InstallLocal(h Handle, target host.MethodID, replacement reflect.Value) (*Detour, error) {
	m, err := e.lookup(target)
	if err != nil {
		return nil, err
	}
	if err := checkSignature(m.Type(), replacement.Type()); err != nil {
		return nil, fmt.Errorf("install %s: %w", target, err)
	}

	d := &Detour{
		handle:      h,
		kind:        Managed,
		target:      target,
		replacement: replacement,
		sig:         m.Type(),
		origin:      e,
	}
	if err := e.attachManaged(d, m); err != nil {
		return nil, err
	}
	e.log.Debug("installed detour for peer", "target", target, "handle", h)
	return d, nil
}

func (e *Engine) attachManaged(d *Detour, m *host.Method) error {
	e.mu.Lock()
	c := e.chains[d.target]
	if c == nil || !c.live() {
		c = newChain(e, d.target, Managed, newMethodSlot(m))
		e.chains[d.target] = c
	} else if e.exclusive && c.len() > 0 {
		e.mu.Unlock()
		return fmt.Errorf("install %s: %w", d.target, ErrAlreadyPatched)
	}
	e.mu.Unlock()

	return e.link(c, d)
}

func (e *Engine) link(c *Chain, d *Detour) error {
	if err := c.push(d); err != nil {
		if c.len() == 0 {
			e.dropChain(c)
		}
		return fmt.Errorf("install %s: %w", d.target, err)
	}
	d.mu.Lock()
	d.chain = c
	d.mu.Unlock()
	return nil
}

func (e *Engine) dropChain(c *Chain) {
	e.mu.Lock()
	if e.chains[c.key] == c {
		delete(e.chains, c.key)
	}
	e.mu.Unlock()

	if c.kind == Native {
		releaseNative(c)
	}
}

// Hook installs hook on target. hook receives a trampoline to the previous
// behavior as its first argument:
//
//	e.Hook("Player.Update", func(orig func(*Player), p *Player) {
//		orig(p)
//		p.HP++
//	})
func (e *Engine) Hook(target host.MethodID, hook any, opts ...Option) (*Detour, error) {
	hv, err := funcValue(hook)
	if err != nil {
		return nil, err
	}
	m, err := e.lookup(target)
	if err != nil {
		return nil, err
	}
	sig := m.Type()
	if err := checkHookSignature(sig, hv.Type()); err != nil {
		return nil, fmt.Errorf("hook %s: %w", target, err)
	}

	// Calls that reach the hook before its trampoline exists wait for it.
	// If the trampoline cannot be built they get the behavior that was live
	// when the hook was installed.
	var orig reflect.Value
	ready := make(chan struct{})
	repl := reflect.MakeFunc(sig, func(args []reflect.Value) []reflect.Value {
		<-ready
		in := make([]reflect.Value, 0, len(args)+1)
		in = append(in, orig)
		in = append(in, args...)
		return call(hv, in)
	})

	prev := m.Current()
	d, err := e.Install(target, repl.Interface(), opts...)
	if err != nil {
		return nil, err
	}

	tramp, err := d.GenerateTrampoline(sig)
	if err != nil {
		orig = prev
		close(ready)
		if derr := d.Dispose(); derr != nil {
			err = errors.Join(err, derr)
		}
		return nil, err
	}
	orig = tramp
	close(ready)
	return d, nil
}

// InstallNative overwrites the entry point of the compiled function target
// with a jump to replacement. Both must be top-level functions of the same
// type; closures and inlined functions cannot be patched.
func (e *Engine) InstallNative(target, replacement any, opts ...Option) (*Detour, error) {
	tv, err := funcValue(target)
	if err != nil {
		return nil, &TargetNotFoundError{Target: fmt.Sprint(target), Err: err}
	}
	repl, err := funcValue(replacement)
	if err != nil {
		return nil, err
	}
	if err := checkSignature(tv.Type(), repl.Type()); err != nil {
		return nil, fmt.Errorf("install %s: %w", funcName(tv), err)
	}

	d := e.newDetour(Native, opts)
	d.target = funcName(tv)
	d.fn = tv
	d.replacement = repl
	d.sig = tv.Type()

	next, err := e.events.fireInstallNative(d.handle, tv, repl)
	if err != nil {
		return nil, err
	}
	if next {
		if err := e.attachNative(d); err != nil {
			return nil, err
		}
	} else {
		d.forwarded = true
	}

	e.log.Debug("installed native detour", "target", d.target, "handle", d.handle, "owner", d.owner, "forwarded", d.forwarded)
	e.events.notify(&e.events.installed, d)
	return d, nil
}

// InstallNativeLocal is the native counterpart of InstallLocal.
func (e *Engine) InstallNativeLocal(h Handle, target, replacement reflect.Value) (*Detour, error) {
	if err := checkSignature(target.Type(), replacement.Type()); err != nil {
		return nil, fmt.Errorf("install %s: %w", funcName(target), err)
	}
	d := &Detour{
		handle:      h,
		kind:        Native,
		target:      funcName(target),
		fn:          target,
		replacement: replacement,
		sig:         target.Type(),
		origin:      e,
	}
	if err := e.attachNative(d); err != nil {
		return nil, err
	}
	return d, nil
}

func funcName(fn reflect.Value) host.MethodID {
	if f := runtime.FuncForPC(fn.Pointer()); f != nil {
		return host.MethodID(f.Name())
	}
	return host.MethodID(fmt.Sprintf("0x%x", fn.Pointer()))
}

// Every patched entry point in the process, whichever engine holds it.
// Overwriting code that another engine already rewrote would relocate its
// JMP into a clone, so only one engine may hold an entry at a time.
var (
	nativeMu      sync.Mutex
	nativeEntries = map[uintptr]*Chain{}
)

func (e *Engine) attachNative(d *Detour) error {
	if !nativeSupported {
		return ErrUnsupported
	}

	entry := d.fn.Pointer()
	if entry == d.replacement.Pointer() {
		return fmt.Errorf("install %s: replacement is the target: %w", d.target, ErrAlreadyPatched)
	}

	nativeMu.Lock()
	for _, c := range nativeEntries {
		for _, link := range c.Detours() {
			if link.replacement.Pointer() == entry {
				nativeMu.Unlock()
				return fmt.Errorf("install %s: target is the replacement of %s: %w", d.target, link, ErrAlreadyPatched)
			}
		}
	}

	c := nativeEntries[entry]
	if c != nil && !c.live() {
		c = nil
	}
	switch {
	case c != nil && c.owner() != e:
		nativeMu.Unlock()
		return fmt.Errorf("install %s: held by another engine: %w", d.target, ErrAlreadyPatched)
	case c != nil && e.exclusive && c.len() > 0:
		nativeMu.Unlock()
		return fmt.Errorf("install %s: %w", d.target, ErrAlreadyPatched)
	case c == nil:
		s, err := newNativeSlot(d.fn)
		if err != nil {
			nativeMu.Unlock()
			return &TargetNotFoundError{Target: string(d.target), Err: err}
		}
		c = newChain(e, entry, Native, s)
		nativeEntries[entry] = c

		e.mu.Lock()
		e.chains[entry] = c
		e.mu.Unlock()
	}
	nativeMu.Unlock()

	return e.link(c, d)
}

func releaseNative(c *Chain) {
	entry, ok := c.key.(uintptr)
	if !ok {
		return
	}
	nativeMu.Lock()
	defer nativeMu.Unlock()
	if nativeEntries[entry] == c {
		delete(nativeEntries, entry)
	}
}

// UndoLocal undoes d in this engine without consulting the forwarding
// slots. Peers use it to execute forwarded undos.
func (e *Engine) UndoLocal(d *Detour) error {
	if d.State() == Undone {
		return ErrAlreadyUndone
	}
	if err := d.detach(); err != nil {
		return err
	}
	d.origin.finishUndo(d)
	return nil
}

// finishUndo marks d undone and notifies subscribers, once.
func (e *Engine) finishUndo(d *Detour) {
	d.mu.Lock()
	if d.state == Undone {
		d.mu.Unlock()
		return
	}
	d.state = Undone
	d.mu.Unlock()

	e.log.Debug("undid detour", "target", d.target, "handle", d.handle, "owner", d.owner)
	e.events.notify(&e.events.undone, d)
}

// TrampolineLocal builds d's trampoline without consulting the forwarding
// slots.
func (e *Engine) TrampolineLocal(d *Detour, sig reflect.Type) (reflect.Value, error) {
	if sig == nil {
		sig = d.sig
	}
	if err := checkSignature(d.sig, sig); err != nil {
		return reflect.Value{}, fmt.Errorf("trampoline %s: %w", d, err)
	}

	return reflect.MakeFunc(sig, func(args []reflect.Value) []reflect.Value {
		fn := d.next()
		if !fn.IsValid() {
			panic(fmt.Sprintf("trampoline for %s is not linked", d))
		}
		return call(fn, args)
	}), nil
}

// Chains lists every chain the engine holds.
func (e *Engine) Chains() []*Chain {
	e.mu.Lock()
	defer e.mu.Unlock()
	chains := make([]*Chain, 0, len(e.chains))
	for _, c := range e.chains {
		chains = append(chains, c)
	}
	return chains
}

// Detours lists the active detours on a managed target, oldest first.
func (e *Engine) Detours(target host.MethodID) []*Detour {
	e.mu.Lock()
	c := e.chains[target]
	e.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Detours()
}

// Release hands every chain over to the caller. The engine is left empty;
// the patches themselves stay in effect.
func (e *Engine) Release() []*Chain {
	e.mu.Lock()
	defer e.mu.Unlock()

	chains := make([]*Chain, 0, len(e.chains))
	for key, c := range e.chains {
		chains = append(chains, c)
		delete(e.chains, key)
	}
	return chains
}

// Adopt takes ownership of chains released by another engine. Chains whose
// target this engine already patches are returned and left untouched.
func (e *Engine) Adopt(chains []*Chain) (rejected []*Chain) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range chains {
		if _, ok := e.chains[c.key]; ok {
			rejected = append(rejected, c)
			continue
		}
		c.setOwner(e)
		e.chains[c.key] = c
	}
	return rejected
}
