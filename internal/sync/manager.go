package sync

import (
	"context"
	"fmt"
	"log"
	stdsync "sync"
	"time"
)

// InboxConfig describes one account connection to sync.
type InboxConfig struct {
	UserID   string
	InboxID  string
	Provider ProviderName
	Labels   []string
	Interval time.Duration
}

// StoreOpener opens the per-user event store for userID.
type StoreOpener func(userID string) (Store, error)

// Manager owns the runner registry: at most one runner per
// user:inbox:provider key, so full and incremental sync for one account are
// never concurrent.
type Manager struct {
	openStore StoreOpener
	publisher EventPublisher
	tokens    TokenRefresher
	factory   ProviderFactory

	mu      stdsync.RWMutex
	runners map[string]*runnerHandle
}

type runnerHandle struct {
	cancel context.CancelFunc
	runner *Runner
}

// NewManager builds a Manager.
func NewManager(openStore StoreOpener, publisher EventPublisher, tokens TokenRefresher, factory ProviderFactory) *Manager {
	return &Manager{
		openStore: openStore,
		publisher: publisher,
		tokens:    tokens,
		factory:   factory,
		runners:   make(map[string]*runnerHandle),
	}
}

func runnerKey(userID, inboxID string, provider ProviderName) string {
	return fmt.Sprintf("%s:%s:%s", userID, inboxID, provider)
}

// StartSync launches a runner for config. Starting an already-running
// account is an error; callers stop it first if they want a restart.
func (m *Manager) StartSync(ctx context.Context, config InboxConfig) error {
	key := runnerKey(config.UserID, config.InboxID, config.Provider)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runners[key]; exists {
		return fmt.Errorf("sync already running for %s", key)
	}

	store, err := m.openStore(config.UserID)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	runner := NewRunner(store, m.publisher, m.tokens, m.factory,
		config.Provider, config.UserID, config.InboxID, config.Labels)
	runner.Interval = config.Interval

	runnerCtx, cancel := context.WithCancel(ctx)
	m.runners[key] = &runnerHandle{cancel: cancel, runner: runner}

	go func() {
		log.Printf("sync start: %s", key)
		if err := runner.Run(runnerCtx); err != nil {
			log.Printf("sync error %s: %v", key, err)
		}
		// Run may have returned on its own (non-retryable sync error);
		// cancel so the dispatch loop stops before the store closes
		// underneath it.
		cancel()
		runner.dispatchDone.Wait()
		store.Close()

		m.mu.Lock()
		delete(m.runners, key)
		m.mu.Unlock()
		log.Printf("sync stop: %s", key)
	}()

	return nil
}

// StopSync cancels the runner for one account.
func (m *Manager) StopSync(userID, inboxID string, provider ProviderName) error {
	key := runnerKey(userID, inboxID, provider)

	m.mu.Lock()
	defer m.mu.Unlock()

	handle, exists := m.runners[key]
	if !exists {
		return fmt.Errorf("no sync running for %s", key)
	}

	handle.cancel()
	delete(m.runners, key)
	return nil
}

// Kick nudges a running account's loop to sync now instead of waiting for
// the ticker. A kick for an account that is not running is dropped.
func (m *Manager) Kick(userID, inboxID string, provider ProviderName) bool {
	m.mu.RLock()
	handle, exists := m.runners[runnerKey(userID, inboxID, provider)]
	m.mu.RUnlock()
	if !exists {
		return false
	}

	select {
	case handle.runner.Kick <- struct{}{}:
	default:
		// A kick is already pending; one wakeup covers both.
	}
	return true
}

// KickByInbox wakes whichever runner serves the mailbox address. Push
// notifications name the mailbox, not the owning user, so this scans the
// registry instead of building a key.
func (m *Manager) KickByInbox(inboxID string, provider ProviderName) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, handle := range m.runners {
		if handle.runner.InboxID == inboxID && handle.runner.Provider == provider {
			select {
			case handle.runner.Kick <- struct{}{}:
			default:
			}
			return true
		}
	}
	return false
}

// IsRunning reports whether a runner exists for the account.
func (m *Manager) IsRunning(userID, inboxID string, provider ProviderName) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.runners[runnerKey(userID, inboxID, provider)]
	return exists
}

// StopAll cancels every runner. Called on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, handle := range m.runners {
		log.Printf("stopping sync for %s", key)
		handle.cancel()
	}
	m.runners = make(map[string]*runnerHandle)
}

// RunningSyncs lists the keys of the currently running runners.
func (m *Manager) RunningSyncs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var syncs []string
	for key := range m.runners {
		syncs = append(syncs, key)
	}
	return syncs
}
