package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	fileMode        = 0o600
	dirMode         = 0o700
	tempFilePattern = ".sessions-*.toml.tmp"
)

// File keeps session state in memory and snapshots it to a TOML file on
// every Save. Claims live in memory only.
type File struct {
	path string
	mem  *Memory

	writeMu sync.Mutex
}

var _ Repository = (*File)(nil)

type fileSchema struct {
	Sessions []sessionSchema `toml:"sessions"`
}

type sessionSchema struct {
	SenderCompID        string    `toml:"sender_comp_id"`
	TargetCompID        string    `toml:"target_comp_id"`
	NextInbound         int       `toml:"next_inbound"`
	NextOutbound        int       `toml:"next_outbound"`
	HeartbeatIntervalMS int64     `toml:"heartbeat_interval_ms"`
	Status              string    `toml:"status"`
	LastReceivedAt      time.Time `toml:"last_received_at"`
	PendingTestRequests int       `toml:"pending_test_requests"`
	UpdatedAt           time.Time `toml:"updated_at"`
}

// OpenFile loads path when it exists. A missing file starts empty.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty store path", ErrStoreUnavailable)
	}
	f := &File{path: path, mem: NewMemory()}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, path, err)
	}
	var schema fileSchema
	if err := toml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorruptState, path, err)
	}
	for _, s := range schema.Sessions {
		state, err := fromSchema(s)
		if err != nil {
			return nil, err
		}
		f.mem.seed(state)
	}
	return f, nil
}

func (f *File) Path() string { return f.path }

func (f *File) GetOrCreate(ctx context.Context, id ID) (*State, error) {
	return f.mem.GetOrCreate(ctx, id)
}

func (f *File) Get(ctx context.Context, id ID) (State, bool, error) {
	return f.mem.Get(ctx, id)
}

func (f *File) Save(ctx context.Context, state *State) error {
	if err := f.mem.Save(ctx, state); err != nil {
		return err
	}
	return f.flush(ctx)
}

func (f *File) Release(ctx context.Context, state *State) error {
	return f.mem.Release(ctx, state)
}

func (f *File) List(ctx context.Context) ([]State, error) {
	return f.mem.List(ctx)
}

func (f *File) IsClaimed(ctx context.Context, id ID) (bool, error) {
	return f.mem.IsClaimed(ctx, id)
}

func (f *File) flush(ctx context.Context) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	states, err := f.mem.List(ctx)
	if err != nil {
		return err
	}
	schema := fileSchema{Sessions: make([]sessionSchema, 0, len(states))}
	for _, state := range states {
		schema.Sessions = append(schema.Sessions, toSchema(state))
	}
	data, err := toml.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode sessions file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), dirMode); err != nil {
		return fmt.Errorf("%w: create store directory: %v", ErrStoreUnavailable, err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(f.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("%w: create temp sessions file: %v", ErrStoreUnavailable, err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("%w: write temp sessions file: %v", ErrStoreUnavailable, err)
	}
	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("%w: chmod temp sessions file: %v", ErrStoreUnavailable, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("%w: close temp sessions file: %v", ErrStoreUnavailable, err)
	}
	if err := os.Rename(tempName, f.path); err != nil {
		return fmt.Errorf("%w: replace sessions file: %v", ErrStoreUnavailable, err)
	}
	cleanup = false
	return nil
}

func toSchema(state State) sessionSchema {
	return sessionSchema{
		SenderCompID:        state.ID.SenderCompID,
		TargetCompID:        state.ID.TargetCompID,
		NextInbound:         state.NextInbound,
		NextOutbound:        state.NextOutbound,
		HeartbeatIntervalMS: state.HeartbeatInterval.Milliseconds(),
		Status:              string(state.Status),
		LastReceivedAt:      state.LastReceivedAt.UTC(),
		PendingTestRequests: state.PendingTestRequests,
		UpdatedAt:           state.UpdatedAt.UTC(),
	}
}

// fromSchema restores a snapshot entry. A session recorded as active had
// its owner die with the process, so it comes back logged out.
func fromSchema(s sessionSchema) (State, error) {
	id := ID{SenderCompID: s.SenderCompID, TargetCompID: s.TargetCompID}
	if err := id.Validate(); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if s.NextInbound < 1 || s.NextOutbound < 1 {
		return State{}, fmt.Errorf("%w: %s sequence numbers must be positive", ErrCorruptState, id)
	}
	status := Status(s.Status)
	switch status {
	case StatusAwaitingLogon, StatusLoggedOut:
	case StatusActive:
		status = StatusLoggedOut
	default:
		return State{}, fmt.Errorf("%w: %s unknown status %q", ErrCorruptState, id, s.Status)
	}
	return State{
		ID:                  id,
		NextInbound:         s.NextInbound,
		NextOutbound:        s.NextOutbound,
		HeartbeatInterval:   time.Duration(s.HeartbeatIntervalMS) * time.Millisecond,
		Status:              status,
		LastReceivedAt:      s.LastReceivedAt,
		PendingTestRequests: s.PendingTestRequests,
		UpdatedAt:           s.UpdatedAt,
	}, nil
}
