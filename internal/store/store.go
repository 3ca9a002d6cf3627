// Package store owns session sequencing state keyed by session identity.
//
// Ownership boundary:
// - claim/release of a session identity by one live connection
// - durable sequence numbers across reconnects
//
// Implementations must make GetOrCreate an atomic claim-if-absent.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrSessionActive    = errors.New("store: session already active")
	ErrNotClaimed       = errors.New("store: session not claimed")
	ErrInvalidID        = errors.New("store: invalid session id")
	ErrStoreClosed      = errors.New("store: closed")
	ErrCorruptState     = errors.New("store: corrupt session state")
	ErrStoreUnavailable = errors.New("store: backend unavailable")
)

// ID is the session identity as read from the counterparty's inbound header.
type ID struct {
	SenderCompID string
	TargetCompID string
}

func (id ID) String() string {
	return id.SenderCompID + "->" + id.TargetCompID
}

// Reverse returns the identity as seen from the other side.
func (id ID) Reverse() ID {
	return ID{SenderCompID: id.TargetCompID, TargetCompID: id.SenderCompID}
}

func (id ID) Validate() error {
	if strings.TrimSpace(id.SenderCompID) == "" || strings.TrimSpace(id.TargetCompID) == "" {
		return ErrInvalidID
	}
	return nil
}

// Status is the session lifecycle status.
type Status string

const (
	StatusAwaitingLogon Status = "awaiting_logon"
	StatusActive        Status = "active"
	StatusLoggedOut     Status = "logged_out"
)

// State is the sequencing state of one session.
type State struct {
	ID                  ID
	NextInbound         int
	NextOutbound        int
	HeartbeatInterval   time.Duration
	Status              Status
	LastReceivedAt      time.Time
	PendingTestRequests int
	UpdatedAt           time.Time

	// claim identifies the live claim this copy was handed out under.
	claim string
}

// NewState returns the initial state for an unseen identity.
func NewState(id ID, now time.Time) State {
	return State{
		ID:           id,
		NextInbound:  1,
		NextOutbound: 1,
		Status:       StatusAwaitingLogon,
		UpdatedAt:    now,
	}
}

// Repository stores session state and enforces one live claim per identity.
type Repository interface {
	// GetOrCreate claims id and returns a copy of its state, creating it when
	// unseen. It fails with ErrSessionActive while another claim is held.
	GetOrCreate(ctx context.Context, id ID) (*State, error)
	// Get returns a copy of the state without claiming it.
	Get(ctx context.Context, id ID) (State, bool, error)
	// Save writes state back. The caller must hold the claim.
	Save(ctx context.Context, state *State) error
	// Release drops the claim state was handed out under. It is a no-op
	// when that claim is no longer held, so a stale owner never drops a
	// newer owner's claim. Releasing twice is a no-op.
	Release(ctx context.Context, state *State) error
	// List returns a snapshot of every known session.
	List(ctx context.Context) ([]State, error)
}

// Claimed is implemented by repositories that can report live claims.
type Claimed interface {
	IsClaimed(ctx context.Context, id ID) (bool, error)
}
