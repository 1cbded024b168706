package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MailboxSyncer runs one sync for a user
type MailboxSyncer interface {
	SyncUserMailbox(ctx context.Context, userID string) SyncResult
}

// StatusRecorder persists the outcome of each sync.
type StatusRecorder interface {
	RecordSyncStatus(ctx context.Context, userID string, res SyncResult) error
}

// Manager is the trigger layer: it serializes syncs per user and runs
// periodic schedules. Different users sync concurrently.
type Manager struct {
	syncer MailboxSyncer
	status StatusRecorder

	inflight   map[string]struct{}
	inflightMu sync.Mutex

	runners      map[string]*schedule
	runnersMutex sync.RWMutex
}

type schedule struct {
	cancel context.CancelFunc
}

// NewManager creates sync manager. status may be nil.
func NewManager(syncer MailboxSyncer, status StatusRecorder) *Manager {
	return &Manager{
		syncer:   syncer,
		status:   status,
		inflight: make(map[string]struct{}),
		runners:  make(map[string]*schedule),
	}
}

// Trigger runs a sync for userID now, unless one is already running for
// that user, in which case it returns ErrSyncInProgress.
func (m *Manager) Trigger(ctx context.Context, userID string) (SyncResult, error) {
	m.inflightMu.Lock()
	if _, busy := m.inflight[userID]; busy {
		m.inflightMu.Unlock()
		return SyncResult{}, ErrSyncInProgress
	}
	m.inflight[userID] = struct{}{}
	m.inflightMu.Unlock()

	defer func() {
		m.inflightMu.Lock()
		delete(m.inflight, userID)
		m.inflightMu.Unlock()
	}()

	res := m.syncer.SyncUserMailbox(ctx, userID)
	if m.status != nil {
		statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := m.status.RecordSyncStatus(statusCtx, userID, res); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("failed to record sync status")
		}
		cancel()
	}
	return res, nil
}

// StartSchedule syncs userID immediately and then every interval until
// StopSchedule, StopAll or ctx cancellation.
func (m *Manager) StartSchedule(ctx context.Context, userID string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid sync interval %s", interval)
	}

	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[userID]; exists {
		return fmt.Errorf("schedule already running for %s", userID)
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	s := &schedule{cancel: cancel}
	m.runners[userID] = s

	go func() {
		log.Info().Str("user_id", userID).Dur("interval", interval).Msg("sync schedule start")
		m.runSchedule(runnerCtx, userID, interval)

		m.runnersMutex.Lock()
		if m.runners[userID] == s {
			delete(m.runners, userID)
		}
		m.runnersMutex.Unlock()
		cancel()
		log.Info().Str("user_id", userID).Msg("sync schedule stop")
	}()

	return nil
}

func (m *Manager) runSchedule(ctx context.Context, userID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Trigger(ctx, userID); err != nil {
			log.Debug().Err(err).Str("user_id", userID).Msg("scheduled sync skipped")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StopSchedule stops the periodic sync of a user
func (m *Manager) StopSchedule(userID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	s, exists := m.runners[userID]
	if !exists {
		return fmt.Errorf("no sync schedule for %s", userID)
	}

	s.cancel()
	delete(m.runners, userID)
	return nil
}

// IsRunning checks if a schedule is active for a user
func (m *Manager) IsRunning(userID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[userID]
	return exists
}

// InFlight reports whether a sync is executing for userID right now.
func (m *Manager) InFlight(userID string) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()

	_, busy := m.inflight[userID]
	return busy
}

// StopAll stops all schedules
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for userID, s := range m.runners {
		log.Info().Str("user_id", userID).Msg("stopping sync schedule")
		s.cancel()
	}

	m.runners = make(map[string]*schedule)
}

// RunningSchedules returns the users with an active schedule
func (m *Manager) RunningSchedules() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	var users []string
	for userID := range m.runners {
		users = append(users, userID)
	}
	return users
}
