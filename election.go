package hookctx

import (
	"slices"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/pboyd/hookctx/host"
)

func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func validVersion(v string) bool {
	return semver.IsValid(canonicalVersion(v))
}

// compareVersions orders two instance versions, with or without the "v"
// prefix.
func compareVersions(a, b string) int {
	return semver.Compare(canonicalVersion(a), canonicalVersion(b))
}

// ensureElected runs the election the first time the instance is used.
// An instance that was retargeted before its first use never runs one.
func (i *Instance) ensureElected() {
	i.mu.Lock()
	if i.elected || !i.initialized || i.disposed {
		i.mu.Unlock()
		return
	}
	i.elected = true
	i.mu.Unlock()

	i.elect()
}

// peers lists the other initialized library instances in discovery order.
func (i *Instance) peers() []Peer {
	var peers []Peer
	for _, p := range i.registry.Peers() {
		if p == Peer(i) || !IsLibraryName(p.Name()) || !p.Initialized() {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

// elect makes i the leader when no peer has a higher version. Ties go to i.
// A newer peer that already leads is asked to enlist i; one that does not
// lead yet will retarget i when it runs its own election.
func (i *Instance) elect() {
	peers := i.peers()

	var top Peer = i
	for _, p := range peers {
		if compareVersions(p.Version(), top.Version()) > 0 {
			top = p
		}
	}

	if top != Peer(i) {
		i.deferTo(top, peers)
		return
	}

	i.mu.Lock()
	i.role = Leader
	i.leader = nil
	i.mu.Unlock()
	i.setTeardownPriority(host.PriorityLast)
	i.log.Info("elected leader", "peers", len(peers))

	for _, p := range peers {
		if p.Role() == Leader {
			i.log.Warn("election conflict, retargeting older leader", "error", i.conflict(p))
		}
		i.retarget(p)
	}
}

func (i *Instance) deferTo(top Peer, peers []Peer) {
	if top.Role() != Leader {
		i.log.Info("newer instance present, waiting to be retargeted", "leader", top.Name(), "leader_version", top.Version())
		return
	}

	if err := guard(func() error { return top.Enlist(i) }); err != nil {
		i.log.Warn("could not enlist with leader, patching independently", "leader", top.Name(), "error", err)
	}

	for _, p := range peers {
		if p == top || p.Role() != Leader {
			continue
		}
		i.log.Warn("election conflict, deferring to newer leader", "error", &ElectionConflictError{
			Self: top.Name(), SelfVersion: top.Version(),
			Other: p.Name(), OtherVersion: p.Version(),
		})
		if err := guard(func() error { return top.Enlist(p) }); err != nil {
			i.log.Warn("could not retarget conflicting leader", "peer", p.Name(), "error", err)
		}
	}
}

func (i *Instance) conflict(p Peer) *ElectionConflictError {
	return &ElectionConflictError{
		Self: i.name, SelfVersion: i.version,
		Other: p.Name(), OtherVersion: p.Version(),
	}
}

// retarget upgrades p to follow i. Failures leave p patching on its own.
func (i *Instance) retarget(p Peer) error {
	if p.Protocol() < MinProtocol {
		i.log.Warn("peer protocol too old, leaving it independent", "peer", p.Name(), "protocol", p.Protocol())
		return ErrIncompatibleProtocol
	}

	if err := guard(func() error { return p.Upgrade(i, i.handlers()) }); err != nil {
		i.log.Warn("retarget failed, peer patches independently", "peer", p.Name(), "error", err)
		return err
	}

	i.mu.Lock()
	if !slices.Contains(i.followers, p) {
		i.followers = append(i.followers, p)
	}
	i.mu.Unlock()

	i.log.Info("retargeted peer", "peer", p.Name(), "peer_version", p.Version())
	return nil
}
