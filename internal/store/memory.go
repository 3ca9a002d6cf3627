package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory keeps session state for the lifetime of the process.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[ID]*memoryEntry
	seq     uint64
}

type memoryEntry struct {
	state State
	claim string
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		now:     time.Now,
		entries: make(map[ID]*memoryEntry),
	}
}

func (m *Memory) GetOrCreate(ctx context.Context, id ID) (*State, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		entry = &memoryEntry{state: NewState(id, m.now())}
		m.entries[id] = entry
	}
	if entry.claim != "" {
		return nil, ErrSessionActive
	}
	m.seq++
	entry.claim = strconv.FormatUint(m.seq, 10)
	out := entry.state
	out.claim = entry.claim
	return &out, nil
}

func (m *Memory) Get(_ context.Context, id ID) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return State{}, false, nil
	}
	out := entry.state
	out.claim = ""
	return out, true, nil
}

func (m *Memory) Save(_ context.Context, state *State) error {
	if state == nil {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[state.ID]
	if !ok || entry.claim == "" || entry.claim != state.claim {
		return ErrNotClaimed
	}
	state.UpdatedAt = m.now()
	entry.state = *state
	entry.state.claim = ""
	return nil
}

func (m *Memory) Release(_ context.Context, state *State) error {
	if state == nil || state.claim == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[state.ID]; ok && entry.claim == state.claim {
		entry.claim = ""
	}
	state.claim = ""
	return nil
}

func (m *Memory) List(_ context.Context) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, entry.state)
	}
	sortStates(out)
	return out, nil
}

func (m *Memory) IsClaimed(_ context.Context, id ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	return ok && entry.claim != "", nil
}

// seed installs state loaded from durable storage. Claims are never restored.
func (m *Memory) seed(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state.claim = ""
	m.entries[state.ID] = &memoryEntry{state: state}
}

func sortStates(states []State) {
	sort.Slice(states, func(i, j int) bool {
		return states[i].ID.String() < states[j].ID.String()
	})
}
