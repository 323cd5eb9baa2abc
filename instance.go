package hookctx

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/pboyd/hookctx/config"
	"github.com/pboyd/hookctx/detour"
	"github.com/pboyd/hookctx/endpoint"
	"github.com/pboyd/hookctx/host"
	"github.com/pboyd/hookctx/internal/log"
	"github.com/pboyd/hookctx/modsrc"
	"github.com/pboyd/hookctx/owner"
	"github.com/pboyd/hookctx/upgrade"
)

// ModuleExt is the file extension of compiled module payloads.
const ModuleExt = ".so"

var (
	selfPackage     = owner.PackageOfFunc(guard)
	endpointPackage = owner.PackageOfFunc(endpoint.NewManager)
)

type settings struct {
	registry *Registry
	cfg      *config.Config
	cfgPath  string
	log      *slog.Logger
}

type Option func(*settings)

// WithRegistry registers the instance in r instead of the process registry.
func WithRegistry(r *Registry) Option {
	return func(s *settings) {
		s.registry = r
	}
}

// WithConfig uses cfg as is. No document or environment is read.
func WithConfig(cfg config.Config) Option {
	return func(s *settings) {
		s.cfg = &cfg
	}
}

// WithConfigPath reads the configuration document at path.
func WithConfigPath(path string) Option {
	return func(s *settings) {
		s.cfgPath = path
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		s.log = l
	}
}

// Instance is one copy of the interception library living in the process.
// Plugin modules patch the host through it. When several instances are
// loaded, the newest one leads and the others forward every operation to it.
type Instance struct {
	name     string
	version  string
	host     *host.Host
	registry *Registry
	cfg      config.Config
	log      *slog.Logger

	engine    *detour.Engine
	endpoints *endpoint.Manager
	modules   *modsrc.Chain
	upgraders []upgrade.Upgrader

	mu          sync.Mutex
	role        Role
	initialized bool
	elected     bool
	disposed    bool
	hosted      map[string]bool
	leader      Peer
	followers   []Peer
	owned       map[owner.ID][]*detour.Detour
	remote      map[detour.Handle]*detour.Detour
	observers   []func()
	subs        []func()
	forwarding  []func()
	teardown    func()
}

// New creates an instance and registers it. version is a semantic version,
// with or without the leading "v". name must satisfy IsLibraryName for the
// instance to take part in elections.
func New(name, version string, h *host.Host, opts ...Option) (*Instance, error) {
	if !validVersion(version) {
		return nil, fmt.Errorf("new %s: %w: %q", name, ErrInvalidVersion, version)
	}

	s := settings{registry: Default()}
	for _, opt := range opts {
		opt(&s)
	}

	logger := s.log
	if logger == nil {
		logger = log.WithInstance(name, version)
	}

	cfg := config.Default()
	if s.cfg != nil {
		cfg = *s.cfg
	} else {
		var err error
		cfg, err = config.Load(s.cfgPath)
		if err != nil {
			logger.Warn("using default configuration", "error", err)
		}
	}
	if s.log == nil {
		logger = log.WithLevel(logger, cfg.LogLevel)
	}

	i := &Instance{
		name:     name,
		version:  version,
		host:     h,
		registry: s.registry,
		cfg:      cfg,
		log:      logger,
		hosted:   make(map[string]bool),
		owned:    make(map[owner.ID][]*detour.Detour),
		remote:   make(map[detour.Handle]*detour.Detour),
	}

	i.engine = detour.NewEngine(h.Methods,
		detour.WithInternals(selfPackage, endpointPackage),
		detour.WithResolver(h),
		detour.WithExclusive(cfg.ExclusivePatching),
		detour.WithStackAttribution(cfg.StackAttribution),
		detour.WithLogger(logger),
	)
	i.endpoints = endpoint.NewManager(h.Methods, i.engine,
		endpoint.WithResolver(h),
		endpoint.WithLogger(logger),
	)
	i.modules = modsrc.NewChain(
		modsrc.Embedded(h, ModuleExt),
		modsrc.LoadedModules(h, ModuleExt),
	)
	if cfg.UpgradeLegacySwaps {
		i.upgraders = append(i.upgraders, upgrade.NewMethodSwap(h, i.engine, cfg.IsLegacy, selfPackage, endpointPackage))
	}

	i.observers = []func(){
		i.engine.OnInstalled(i.track),
		i.engine.OnUndone(i.untrack),
	}

	if err := i.registry.Register(i); err != nil {
		for _, cancel := range i.observers {
			cancel()
		}
		return nil, err
	}
	return i, nil
}

func (i *Instance) Name() string { return i.name }
func (i *Instance) Version() string { return i.version }
func (i *Instance) Protocol() int { return Protocol }

func (i *Instance) Role() Role {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.role
}

// Initialized reports whether Init has been called. Only initialized
// instances take part in elections.
func (i *Instance) Initialized() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.initialized && !i.disposed
}

// Leader returns the instance this one forwards to, or nil.
func (i *Instance) Leader() Peer {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.leader
}

func (i *Instance) Config() config.Config { return i.cfg }
func (i *Instance) Engine() *detour.Engine { return i.engine }
func (i *Instance) Endpoints() *endpoint.Manager { return i.endpoints }
func (i *Instance) Modules() *modsrc.Chain { return i.modules }

// Init attaches the instance to the host on behalf of mod. The first call
// subscribes to the host's lifecycle signals. Initializing the same module
// twice fails with ErrAlreadyInitialized.
func (i *Instance) Init(mod *host.Module) error {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return fmt.Errorf("init %s: %w", mod.Name, ErrDisposed)
	}
	if i.hosted[mod.Name] {
		i.mu.Unlock()
		return fmt.Errorf("init %s: %w", mod.Name, ErrAlreadyInitialized)
	}
	i.hosted[mod.Name] = true
	first := !i.initialized
	i.initialized = true
	i.mu.Unlock()

	i.log.Info("initialized", "module", mod.Name)
	if !first {
		return nil
	}

	subs := []func(){
		i.host.OnLoad(host.PriorityDefault, i.moduleLoaded),
		i.host.OnUnload(host.PriorityDefault, i.moduleUnloading),
		i.host.OnResolveModule(i.modules.ResolvePayload),
	}
	i.mu.Lock()
	i.subs = append(i.subs, subs...)
	i.mu.Unlock()
	i.setTeardownPriority(host.PriorityDefault)

	for _, m := range i.host.Modules() {
		i.loadUpgraders(m, true)
	}
	return nil
}

func (i *Instance) setTeardownPriority(priority int) {
	i.mu.Lock()
	if i.disposed || !i.initialized {
		i.mu.Unlock()
		return
	}
	prev := i.teardown
	i.teardown = nil
	i.mu.Unlock()

	if prev != nil {
		prev()
	}
	cancel := i.host.OnUnloadAll(priority, i.Dispose)

	i.mu.Lock()
	i.teardown = cancel
	i.mu.Unlock()
}

func (i *Instance) moduleLoaded(mod *host.Module) {
	i.ensureElected()
	i.loadUpgraders(mod, false)
}

func (i *Instance) loadUpgraders(mod *host.Module, late bool) {
	for _, u := range i.upgraders {
		if err := guard(func() error { return u.Load(mod, late) }); err != nil {
			i.log.Warn("upgrader failed", "upgrader", u.Name(), "module", mod.Name, "error", err)
		}
	}
}

// Install redirects target to replacement. See detour.Engine.Install.
func (i *Instance) Install(target host.MethodID, replacement any, opts ...detour.Option) (*detour.Detour, error) {
	i.ensureElected()
	return i.engine.Install(target, replacement, opts...)
}

// Hook installs hook on target. See detour.Engine.Hook.
func (i *Instance) Hook(target host.MethodID, hook any, opts ...detour.Option) (*detour.Detour, error) {
	i.ensureElected()
	return i.engine.Hook(target, hook, opts...)
}

// InstallNative patches the entry point of a compiled function. See
// detour.Engine.InstallNative.
func (i *Instance) InstallNative(target, replacement any, opts ...detour.Option) (*detour.Detour, error) {
	i.ensureElected()
	return i.engine.InstallNative(target, replacement, opts...)
}

func (i *Instance) Add(method host.MethodID, hook any, opts ...endpoint.Option) error {
	i.ensureElected()
	return i.endpoints.Add(method, hook, opts...)
}

func (i *Instance) Remove(method host.MethodID, hook any) error {
	i.ensureElected()
	return i.endpoints.Remove(method, hook)
}

func (i *Instance) Modify(method host.MethodID, manipulator any, opts ...endpoint.Option) error {
	i.ensureElected()
	return i.endpoints.Modify(method, manipulator, opts...)
}

func (i *Instance) Unmodify(method host.MethodID, manipulator any) error {
	i.ensureElected()
	return i.endpoints.Unmodify(method, manipulator)
}

// Upgrade makes i a follower of leader. Everything i held so far is handed
// to the leader through h.Adopt, and i's own followers are enlisted with
// the new leader.
func (i *Instance) Upgrade(leader Peer, h *Handlers) error {
	if h == nil || h.Protocol < MinProtocol {
		return fmt.Errorf("upgrade %s: %w", i.name, ErrIncompatibleProtocol)
	}
	if leader == Peer(i) {
		return fmt.Errorf("upgrade %s: cannot follow itself", i.name)
	}

	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return fmt.Errorf("upgrade %s: %w", i.name, ErrDisposed)
	}
	prev := i.forwarding
	i.forwarding = nil
	wasLeader := i.role == Leader
	followers := i.followers
	i.followers = nil
	remote := i.remote
	i.remote = make(map[detour.Handle]*detour.Detour)
	i.role = Follower
	i.leader = leader
	i.elected = true
	i.mu.Unlock()

	for _, cancel := range prev {
		cancel()
	}
	if wasLeader {
		i.setTeardownPriority(host.PriorityDefault)
	}

	var forwarding []func()
	subscribe := func(ok bool, sub func() func()) {
		if ok {
			forwarding = append(forwarding, sub())
		}
	}
	subscribe(h.Detour != nil, func() func() { return i.engine.OnInstall(h.Detour) })
	subscribe(h.Undo != nil, func() func() { return i.engine.OnUndo(h.Undo) })
	subscribe(h.GenerateTrampoline != nil, func() func() { return i.engine.OnGenerateTrampoline(h.GenerateTrampoline) })
	subscribe(h.NativeDetour != nil, func() func() { return i.engine.OnInstallNative(h.NativeDetour) })
	subscribe(h.NativeUndo != nil, func() func() { return i.engine.OnUndoNative(h.NativeUndo) })
	subscribe(h.NativeGenerateTrampoline != nil, func() func() { return i.engine.OnGenerateTrampolineNative(h.NativeGenerateTrampoline) })
	subscribe(h.Add != nil, func() func() { return i.endpoints.OnAdd(h.Add) })
	subscribe(h.Remove != nil, func() func() { return i.endpoints.OnRemove(h.Remove) })
	subscribe(h.Modify != nil, func() func() { return i.endpoints.OnModify(h.Modify) })
	subscribe(h.Unmodify != nil, func() func() { return i.endpoints.OnUnmodify(h.Unmodify) })
	subscribe(h.RemoveAllOwnedBy != nil, func() func() { return i.endpoints.OnRemoveAllOwnedBy(h.RemoveAllOwnedBy) })

	i.mu.Lock()
	i.forwarding = forwarding
	i.mu.Unlock()

	if h.Adopt != nil {
		chains := i.engine.Release()
		rejected := h.Adopt(chains, remote, i.endpoints.Release())
		if len(rejected) > 0 {
			i.engine.Adopt(rejected)
			i.log.Warn("leader rejected chains, keeping them", "count", len(rejected))
		}
	}

	i.log.Info("following leader", "leader", leader.Name(), "leader_version", leader.Version())

	for _, f := range followers {
		if f == leader {
			continue
		}
		if err := guard(func() error { return leader.Enlist(f) }); err != nil {
			i.log.Warn("could not hand follower to new leader", "follower", f.Name(), "error", err)
		}
	}
	return nil
}

// Enlist retargets follower to i. i must be the leader.
func (i *Instance) Enlist(follower Peer) error {
	i.mu.Lock()
	role, disposed := i.role, i.disposed
	i.mu.Unlock()

	switch {
	case disposed:
		return fmt.Errorf("enlist %s: %w", follower.Name(), ErrDisposed)
	case role != Leader:
		return fmt.Errorf("enlist %s: %w", follower.Name(), ErrNotLeader)
	case follower == Peer(i):
		return nil
	}
	return i.retarget(follower)
}

// Dispose undoes every patch the instance holds and detaches it from the
// host, its leader and its followers. The host calls it on UnloadAll; the
// leader's hook runs after every follower's.
func (i *Instance) Dispose() error {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return nil
	}
	var owned []*detour.Detour
	for _, recs := range i.owned {
		owned = append(owned, recs...)
	}
	i.mu.Unlock()

	var errs []error
	for j := len(owned) - 1; j >= 0; j-- {
		if err := owned[j].Dispose(); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", owned[j], err))
		}
	}
	for _, e := range i.endpoints.Release() {
		if err := e.Detour().Dispose(); err != nil {
			errs = append(errs, fmt.Errorf("remove %s %s: %w", e.Kind(), e.Method(), err))
		}
	}
	for _, c := range i.engine.Chains() {
		links := c.Detours()
		for j := len(links) - 1; j >= 0; j-- {
			if err := i.engine.UndoLocal(links[j]); err != nil && !errors.Is(err, detour.ErrAlreadyUndone) {
				errs = append(errs, fmt.Errorf("undo %s: %w", links[j], err))
			}
		}
	}

	i.mu.Lock()
	i.disposed = true
	cancels := slices.Concat(i.forwarding, i.subs, i.observers)
	if i.teardown != nil {
		cancels = append(cancels, i.teardown)
	}
	i.forwarding, i.subs, i.observers, i.teardown = nil, nil, nil, nil
	i.followers = nil
	i.leader = nil
	clear(i.remote)
	clear(i.owned)
	i.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	i.modules.Forget()
	i.registry.Unregister(i)

	err := errors.Join(errs...)
	if err != nil {
		i.log.Error("dispose failed", "error", err)
		return fmt.Errorf("dispose %s: %w", i.name, err)
	}
	i.log.Info("disposed")
	return nil
}

func (i *Instance) isDisposed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.disposed
}

// guard runs fn, turning a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
