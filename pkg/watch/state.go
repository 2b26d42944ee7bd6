package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"catalog-sync/pkg/utils"
)

const stateFileName = "watch_state.json"

// SourceState contains the last run information for a source
type SourceState struct {
	LastRunTime    time.Time `json:"last_run_time"`
	LastRunSuccess bool      `json:"last_run_success"`
	LastFullSync   time.Time `json:"last_full_sync,omitempty"`
	Inserted       int       `json:"inserted"`
	Updated        int       `json:"updated"`
	StopReason     string    `json:"stop_reason,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// RunOutcome is what the scheduler records after one sync of a source
type RunOutcome struct {
	Success    bool
	FullSync   bool
	Inserted   int
	Updated    int
	StopReason string
	Err        error
}

// WatchState contains the persistent state for the watch scheduler
type WatchState struct {
	Sources   map[string]SourceState `json:"sources"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// StateManager handles persisting and loading watch state
type StateManager struct {
	stateDir  string
	statePath string
	state     WatchState
	mu        sync.RWMutex
	now       func() time.Time
}

// NewStateManager creates a new state manager
func NewStateManager(stateDir string) *StateManager {
	return &StateManager{
		stateDir:  stateDir,
		statePath: filepath.Join(stateDir, stateFileName),
		state: WatchState{
			Sources: make(map[string]SourceState),
		},
		now: time.Now,
	}
}

// Load loads the state from disk. A missing file is a fresh start.
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = WatchState{Sources: make(map[string]SourceState)}
			return nil
		}
		return fmt.Errorf("%w: reading watch state: %w", utils.ErrFilesystem, err)
	}

	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("%w: watch state: %w", utils.ErrParsing, err)
	}
	if m.state.Sources == nil {
		m.state.Sources = make(map[string]SourceState)
	}
	return nil
}

// Save writes the state to disk through a temp file
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = m.now()

	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("%w: creating state directory: %w", utils.ErrFilesystem, err)
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal watch state: %w", err)
	}
	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: writing watch state: %w", utils.ErrFilesystem, err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		return fmt.Errorf("%w: replacing watch state: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// GetSourceState returns the state for a specific source
func (m *StateManager) GetSourceState(sourceKey string) (SourceState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Sources[sourceKey]
	return state, ok
}

// Record stores the outcome of a run that just ended
func (m *StateManager) Record(sourceKey string, out RunOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	prev := m.state.Sources[sourceKey]
	st := SourceState{
		LastRunTime:    now,
		LastRunSuccess: out.Success,
		LastFullSync:   prev.LastFullSync,
		Inserted:       out.Inserted,
		Updated:        out.Updated,
		StopReason:     out.StopReason,
	}
	if out.Err != nil {
		st.ErrorMessage = out.Err.Error()
	}
	if out.FullSync && out.Success {
		st.LastFullSync = now
	}
	m.state.Sources[sourceKey] = st
}

// ShouldRun checks if a source is due based on the interval
func (m *StateManager) ShouldRun(sourceKey string, interval time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.state.Sources[sourceKey]
	if !exists {
		return true
	}
	return m.now().Sub(state.LastRunTime) >= interval
}

// ShouldRunFull reports whether the next run of a source must cover both content types.
// A zero fullEvery makes every run a full one.
func (m *StateManager) ShouldRunFull(sourceKey string, fullEvery time.Duration) bool {
	if fullEvery <= 0 {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.state.Sources[sourceKey]
	if !exists || state.LastFullSync.IsZero() {
		return true
	}
	return m.now().Sub(state.LastFullSync) >= fullEvery
}

// GetNextRunTime returns when a source will be due next
func (m *StateManager) GetNextRunTime(sourceKey string, interval time.Duration) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.state.Sources[sourceKey]
	if !exists {
		return m.now()
	}
	return state.LastRunTime.Add(interval)
}

// GetAllSourceStates returns a copy of every recorded source state
func (m *StateManager) GetAllSourceStates() map[string]SourceState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]SourceState, len(m.state.Sources))
	for k, v := range m.state.Sources {
		result[k] = v
	}
	return result
}
