package host

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/pboyd/hookctx/internal/log"
)

// Hook priorities. Higher priorities run first; equal priorities run in
// subscription order.
const (
	PriorityFirst   = math.MaxInt32
	PriorityDefault = 0
	PriorityLast    = math.MinInt32
)

// SwapMethodsID is the slot behind Host.SwapMethods.
const SwapMethodsID MethodID = "host.SwapMethods"

var (
	ErrModuleLoaded      = errors.New("module already loaded")
	ErrModuleNotLoaded   = errors.New("module not loaded")
	ErrMissingDependency = errors.New("missing dependency")
)

// ResolveFunc returns the compiled payload of a dependency module, or nil if
// it does not know the module.
type ResolveFunc func(name string) ([]byte, error)

type subscription[F any] struct {
	id       uint64
	priority int
	fn       F
}

type subscriptions[F any] struct {
	list []subscription[F]
}

func (s *subscriptions[F]) add(id uint64, priority int, fn F) {
	s.list = append(s.list, subscription[F]{id: id, priority: priority, fn: fn})
	sort.SliceStable(s.list, func(i, j int) bool {
		return s.list[i].priority > s.list[j].priority
	})
}

func (s *subscriptions[F]) remove(id uint64) {
	for i, sub := range s.list {
		if sub.id == id {
			s.list = append(s.list[:i:i], s.list[i+1:]...)
			return
		}
	}
}

func (s *subscriptions[F]) snapshot() []F {
	fns := make([]F, len(s.list))
	for i, sub := range s.list {
		fns[i] = sub.fn
	}
	return fns
}

// Host is the process whose methods get patched. It owns the method table,
// the set of loaded modules and their lifecycle signals.
type Host struct {
	Methods *MethodTable

	resources map[string][]byte
	log       *slog.Logger

	mu          sync.Mutex
	nextID      uint64
	modules     []*Module
	onLoad      subscriptions[func(*Module)]
	onUnload    subscriptions[func(*Module) error]
	onUnloadAll subscriptions[func() error]
	resolvers   subscriptions[ResolveFunc]

	swap func(target, injection MethodID) error
}

type Option func(*Host)

// WithResources sets the dependency payloads that ship embedded in the host.
func WithResources(resources map[string][]byte) Option {
	return func(h *Host) {
		h.resources = resources
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		h.log = l
	}
}

func New(opts ...Option) *Host {
	h := &Host{
		Methods: NewMethodTable(),
		log:     log.WithComponent("host"),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.swap = h.rawSwap
	if _, err := h.Methods.Define(SwapMethodsID, &h.swap); err != nil {
		panic(err)
	}
	return h
}

func (h *Host) subscribe(add func(id uint64)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	add(id)
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.onLoad.remove(id)
		h.onUnload.remove(id)
		h.onUnloadAll.remove(id)
		h.resolvers.remove(id)
	}
}

// OnLoad subscribes fn to module loads. The returned func cancels it.
func (h *Host) OnLoad(priority int, fn func(*Module)) func() {
	return h.subscribe(func(id uint64) { h.onLoad.add(id, priority, fn) })
}

// OnUnload subscribes fn to module unloads.
func (h *Host) OnUnload(priority int, fn func(*Module) error) func() {
	return h.subscribe(func(id uint64) { h.onUnload.add(id, priority, fn) })
}

// OnUnloadAll subscribes fn to full teardown. Use PriorityLast for hooks that
// must observe every other teardown hook first.
func (h *Host) OnUnloadAll(priority int, fn func() error) func() {
	return h.subscribe(func(id uint64) { h.onUnloadAll.add(id, priority, fn) })
}

// OnResolveModule adds a dependency resolver. Resolvers run in subscription
// order until one returns a payload.
func (h *Host) OnResolveModule(fn ResolveFunc) func() {
	return h.subscribe(func(id uint64) { h.resolvers.add(id, PriorityDefault, fn) })
}

// ResolveModule asks each resolver for name. It returns nil, nil when no
// resolver knows the module.
func (h *Host) ResolveModule(name string) ([]byte, error) {
	h.mu.Lock()
	resolvers := h.resolvers.snapshot()
	h.mu.Unlock()

	for _, resolve := range resolvers {
		data, err := resolve(name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
		if data != nil {
			return data, nil
		}
	}
	return nil, nil
}

// Load adds mod to the process and signals load subscribers.
func (h *Host) Load(mod *Module) error {
	if mod == nil || mod.Name == "" {
		return errors.New("load: module has no name")
	}

	h.mu.Lock()
	if h.module(mod.Name) != nil {
		h.mu.Unlock()
		return fmt.Errorf("load %s: %w", mod.Name, ErrModuleLoaded)
	}
	// Listed before its references are checked, so resolvers can find
	// dependencies the module bundles itself.
	h.modules = append(h.modules, mod)
	h.mu.Unlock()

	if err := h.checkReferences(mod); err != nil {
		h.remove(mod)
		return fmt.Errorf("load %s: %w", mod.Name, err)
	}

	h.mu.Lock()
	hooks := h.onLoad.snapshot()
	h.mu.Unlock()

	h.log.Debug("module loaded", "module", mod.Name, "version", mod.Version)
	for _, fn := range hooks {
		h.callLoad(fn, mod)
	}
	return nil
}

func (h *Host) checkReferences(mod *Module) error {
	for _, ref := range mod.References {
		if h.Module(ref) != nil {
			continue
		}
		data, err := h.ResolveModule(ref)
		if err != nil {
			return err
		}
		if data == nil {
			return fmt.Errorf("%w: %s", ErrMissingDependency, ref)
		}
	}
	return nil
}

func (h *Host) remove(mod *Module) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, m := range h.modules {
		if m == mod {
			h.modules = append(h.modules[:i:i], h.modules[i+1:]...)
			return
		}
	}
}

func (h *Host) callLoad(fn func(*Module), mod *Module) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("load hook panicked", "module", mod.Name, "panic", r)
		}
	}()
	fn(mod)
}

// Unload removes the module and runs every unload subscriber, even when some
// of them fail.
func (h *Host) Unload(name string) error {
	h.mu.Lock()
	var mod *Module
	for i, m := range h.modules {
		if m.Name == name {
			mod = m
			h.modules = append(h.modules[:i:i], h.modules[i+1:]...)
			break
		}
	}
	hooks := h.onUnload.snapshot()
	h.mu.Unlock()

	if mod == nil {
		return fmt.Errorf("unload %s: %w", name, ErrModuleNotLoaded)
	}

	var errs []error
	for _, fn := range hooks {
		if err := callUnload(func() error { return fn(mod) }); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		h.log.Error("module unload hooks failed", "module", name, "error", err)
		return fmt.Errorf("unload %s: %w", name, err)
	}
	h.log.Debug("module unloaded", "module", name)
	return nil
}

// UnloadAll unloads every module, newest first, then runs the teardown
// subscribers.
func (h *Host) UnloadAll() error {
	var errs []error
	mods := h.Modules()
	for i := len(mods) - 1; i >= 0; i-- {
		if err := h.Unload(mods[i].Name); err != nil {
			errs = append(errs, err)
		}
	}

	h.mu.Lock()
	hooks := h.onUnloadAll.snapshot()
	h.mu.Unlock()
	for _, fn := range hooks {
		if err := callUnload(fn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func callUnload(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unload hook panicked: %v", r)
		}
	}()
	return fn()
}

// Modules lists loaded modules in load order.
func (h *Host) Modules() []*Module {
	h.mu.Lock()
	defer h.mu.Unlock()
	mods := make([]*Module, len(h.modules))
	copy(mods, h.modules)
	return mods
}

// Module returns the loaded module called name, or nil.
func (h *Host) Module(name string) *Module {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.module(name)
}

func (h *Host) module(name string) *Module {
	for _, m := range h.modules {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// ModuleForPackage maps a Go package path to the loaded module whose Path is
// the longest prefix of it.
func (h *Host) ModuleForPackage(pkg string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var best *Module
	for _, m := range h.modules {
		if m.Owns(pkg) && (best == nil || len(m.Path) > len(best.Path)) {
			best = m
		}
	}
	if best == nil {
		return "", false
	}
	return best.Name, true
}

// ResourceNames lists the embedded resources, sorted.
func (h *Host) ResourceNames() []string {
	names := make([]string, 0, len(h.resources))
	for name := range h.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resource returns the first embedded resource whose name ends with suffix.
func (h *Host) Resource(suffix string) []byte {
	for _, name := range h.ResourceNames() {
		if strings.HasSuffix(name, suffix) {
			return h.resources[name]
		}
	}
	return nil
}

// SwapMethods exchanges the implementations of two methods. It is the raw,
// untracked facility older plugins use; it dispatches through its own slot so
// it can itself be detoured.
func (h *Host) SwapMethods(target, injection MethodID) error {
	return h.swap(target, injection)
}

func (h *Host) rawSwap(target, injection MethodID) error {
	a, err := h.Methods.Lookup(target)
	if err != nil {
		return err
	}
	b, err := h.Methods.Lookup(injection)
	if err != nil {
		return err
	}
	if a.Type() != b.Type() {
		return fmt.Errorf("swap %s with %s: %v != %v", target, injection, a.Type(), b.Type())
	}

	fa, fb := a.Current(), b.Current()
	if err := a.Redirect(fb); err != nil {
		return err
	}
	return b.Redirect(fa)
}
