package hookctx

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyInitialized   = errors.New("module already initialized")
	ErrIncompatibleProtocol = errors.New("incompatible forwarding protocol")
	ErrDuplicateInstance    = errors.New("instance already registered")
	ErrNotLeader            = errors.New("instance is not the leader")
	ErrDisposed             = errors.New("instance disposed")
	ErrInvalidVersion       = errors.New("invalid semantic version")
)

// ElectionConflictError reports two instances that both consider themselves
// the leader.
type ElectionConflictError struct {
	Self, Other               string
	SelfVersion, OtherVersion string
}

func (e *ElectionConflictError) Error() string {
	return fmt.Sprintf("election conflict: %s (%s) and %s (%s) are both leaders", e.Self, e.SelfVersion, e.Other, e.OtherVersion)
}
