package hookctx

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Role of an instance in the election.
type Role int

const (
	Unelected Role = iota
	Leader
	Follower
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	}
	return "unelected"
}

// Peer is what instances know about each other. Every call between
// instances goes through it, so instances built from different versions of
// this package can still cooperate as long as they agree on Protocol.
type Peer interface {
	Name() string
	Version() string
	Protocol() int
	Role() Role
	Initialized() bool

	// Upgrade makes the peer a follower of leader, forwarding every
	// operation through h.
	Upgrade(leader Peer, h *Handlers) error

	// Enlist asks a leader to upgrade follower.
	Enlist(follower Peer) error
}

// Registry is the process-wide list of instances. Instances register when
// created and unregister on Dispose.
type Registry struct {
	mu    sync.Mutex
	peers []Peer
}

var defaultRegistry = NewRegistry()

// Default returns the process registry.
func Default() *Registry {
	return defaultRegistry
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.peers {
		if other.Name() == p.Name() {
			return fmt.Errorf("register %s: %w", p.Name(), ErrDuplicateInstance)
		}
	}
	r.peers = append(r.peers, p)
	return nil
}

func (r *Registry) Unregister(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = slices.DeleteFunc(r.peers, func(other Peer) bool { return other == p })
}

// Peers lists registered instances in registration order.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.peers)
}

// IsLibraryName reports whether name marks a copy of this library: either
// the library itself or a copy bundled by a module as "<module>_hookctx_...".
func IsLibraryName(name string) bool {
	return strings.HasPrefix(name, "hookctx") || strings.Contains(name, "_hookctx_")
}
