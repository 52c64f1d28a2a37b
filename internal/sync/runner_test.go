package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-sync-infra/internal/mailerr"
	"github.com/Martian-dev/mail-sync-infra/internal/oauth"
)

// memStore is an in-memory Store for runner tests.
type memStore struct {
	mu stdsync.Mutex

	emails      []EmailData
	outbox      []OutboxEntry
	published   []int64
	nextID      int64
	checkpoints map[string]Checkpoint
	statuses    map[string]string
	errors      map[string]string
	tokens      map[string]oauth.TokenRecord
	tokenSaves  int
	closed      bool

	polledAfterClose bool
}

func newMemStore() *memStore {
	return &memStore{
		checkpoints: make(map[string]Checkpoint),
		statuses:    make(map[string]string),
		errors:      make(map[string]string),
		tokens:      make(map[string]oauth.TokenRecord),
	}
}

func stateKey(provider, inboxID string) string { return provider + ":" + inboxID }

func (s *memStore) AppendSyncedEmail(_ context.Context, _ string, email EmailData, subject, _ string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.emails {
		if e.ID == email.ID {
			return nil // uniqueness constraint
		}
	}
	s.emails = append(s.emails, email)
	s.nextID++
	s.outbox = append(s.outbox, OutboxEntry{
		ID: s.nextID, Subject: subject, Payload: payload,
		MsgID: string(email.Provider) + ":" + email.ID,
	})
	return nil
}

func (s *memStore) AppendOutbox(_ context.Context, subject, _, msgID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.outbox = append(s.outbox, OutboxEntry{ID: s.nextID, Subject: subject, Payload: payload, MsgID: msgID})
	return nil
}

func (s *memStore) DequeueOutbox(_ context.Context, limit int) ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.polledAfterClose = true
	}
	var out []OutboxEntry
	for _, e := range s.outbox {
		if len(out) >= limit {
			break
		}
		done := false
		for _, id := range s.published {
			if id == e.ID {
				done = true
				break
			}
		}
		if !done {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) MarkPublished(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, id)
	return nil
}

func (s *memStore) MarkOutboxRetry(_ context.Context, _ int64, _ time.Duration) error { return nil }

func (s *memStore) LoadCheckpoint(_ context.Context, provider, inboxID string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[stateKey(provider, inboxID)], nil
}

func (s *memStore) SaveCheckpoint(_ context.Context, provider, inboxID string, cp Checkpoint, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[stateKey(provider, inboxID)] = cp
	s.statuses[stateKey(provider, inboxID)] = status
	s.errors[stateKey(provider, inboxID)] = ""
	return nil
}

func (s *memStore) UpdateSyncStatus(_ context.Context, provider, inboxID, status, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[stateKey(provider, inboxID)] = status
	s.errors[stateKey(provider, inboxID)] = errorMsg
	return nil
}

func (s *memStore) LoadToken(_ context.Context, provider, inboxID string) (*oauth.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[stateKey(provider, inboxID)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) SaveToken(_ context.Context, provider, inboxID string, rec oauth.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[stateKey(provider, inboxID)] = rec
	s.tokenSaves++
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) snapshot() (emails int, cursor Checkpoint, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emails), s.checkpoints["GOOGLE:inbox-1"], s.statuses["GOOGLE:inbox-1"]
}

// memPublisher records published events.
type memPublisher struct {
	mu        stdsync.Mutex
	published []string
}

func (p *memPublisher) EnsureStream(context.Context) error { return nil }

func (p *memPublisher) Publish(subject string, _ []byte, msgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msgID)
	return nil
}

// passthroughTokens never refreshes.
type passthroughTokens struct{}

func (passthroughTokens) ValidAccessToken(_ context.Context, rec oauth.TokenRecord) (string, *oauth.TokenRecord, error) {
	return rec.AccessToken, nil, nil
}

// refreshingTokens always reports the record as refreshed.
type refreshingTokens struct{}

func (refreshingTokens) ValidAccessToken(_ context.Context, _ oauth.TokenRecord) (string, *oauth.TokenRecord, error) {
	return "fresh-token", &oauth.TokenRecord{AccessToken: "fresh-token", RefreshToken: "rt"}, nil
}

// scriptedProvider plays back canned sync results.
type scriptedProvider struct {
	mu          stdsync.Mutex
	fullPages   []*SyncResult
	fullCalls   int
	incremental func(cp Checkpoint) (*SyncResult, error)
	incrCalls   int
	incrSignal  chan struct{}
}

func (p *scriptedProvider) FullSync(_ context.Context, _ SyncOptions) (*SyncResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fullCalls >= len(p.fullPages) {
		return &SyncResult{}, nil
	}
	res := p.fullPages[p.fullCalls]
	p.fullCalls++
	return res, nil
}

func (p *scriptedProvider) IncrementalSync(_ context.Context, cp Checkpoint, _ SyncOptions) (*SyncResult, error) {
	p.mu.Lock()
	p.incrCalls++
	p.mu.Unlock()
	if p.incrSignal != nil {
		p.incrSignal <- struct{}{}
	}
	return p.incremental(cp)
}

func (p *scriptedProvider) Send(context.Context, SendRequest) (*SendReceipt, error) {
	return nil, nil
}

func (p *scriptedProvider) Reply(context.Context, ReplyRequest) (*SendReceipt, error) {
	return nil, nil
}

func (p *scriptedProvider) ModifyLabels(context.Context, string, []string, []string) error {
	return nil
}

func (p *scriptedProvider) BatchModifyLabels(context.Context, []string, []string, []string) error {
	return nil
}

func (p *scriptedProvider) counts() (full, incr int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fullCalls, p.incrCalls
}

func factoryFor(p MailProvider) ProviderFactory {
	return func(context.Context, string, string, ProviderName) (MailProvider, error) {
		return p, nil
	}
}

func testRunner(store Store, provider MailProvider) *Runner {
	return NewRunner(store, &memPublisher{}, passthroughTokens{}, factoryFor(provider),
		ProviderGoogle, "u1", "inbox-1", []string{"INBOX"})
}

func connect(store *memStore) {
	store.tokens["GOOGLE:inbox-1"] = oauth.TokenRecord{AccessToken: "at", RefreshToken: "rt"}
}

func email(id string) EmailData {
	return EmailData{Provider: ProviderGoogle, ID: id, ThreadID: "t", Subject: "s"}
}

func TestSyncOnceBackfillsAllPages(t *testing.T) {
	store := newMemStore()
	connect(store)
	provider := &scriptedProvider{
		fullPages: []*SyncResult{
			{Emails: []EmailData{email("m1"), email("m2")}, NewCursor: "100", HasMore: true, NextPageToken: "p2"},
			{Emails: []EmailData{email("m3")}, NewCursor: "101"},
		},
	}
	r := testRunner(store, provider)

	require.NoError(t, r.syncOnce(context.Background()))

	emails, cp, status := store.snapshot()
	require.Equal(t, 3, emails)
	require.Equal(t, "101", cp.Cursor)
	require.Equal(t, StatusHooked, status)

	full, incr := provider.counts()
	require.Equal(t, 2, full)
	require.Equal(t, 0, incr)
}

func TestSyncOnceIncrementalAdvancesCursor(t *testing.T) {
	store := newMemStore()
	connect(store)
	store.checkpoints["GOOGLE:inbox-1"] = Checkpoint{Cursor: "100"}
	provider := &scriptedProvider{
		incremental: func(cp Checkpoint) (*SyncResult, error) {
			require.Equal(t, "100", cp.Cursor)
			return &SyncResult{Emails: []EmailData{email("m4")}, NewCursor: "150"}, nil
		},
	}
	r := testRunner(store, provider)

	require.NoError(t, r.syncOnce(context.Background()))

	emails, cp, status := store.snapshot()
	require.Equal(t, 1, emails)
	require.Equal(t, "150", cp.Cursor)
	require.Equal(t, StatusHooked, status)
}

func TestSyncOnceHistoryExpiredFallsBackToFullSync(t *testing.T) {
	store := newMemStore()
	connect(store)
	store.checkpoints["GOOGLE:inbox-1"] = Checkpoint{Cursor: "100"}
	provider := &scriptedProvider{
		fullPages: []*SyncResult{
			{Emails: []EmailData{email("m1")}, NewCursor: "500"},
		},
		incremental: func(Checkpoint) (*SyncResult, error) {
			return nil, mailerr.New(mailerr.KindHistoryExpired, "history pruned")
		},
	}
	r := testRunner(store, provider)

	require.NoError(t, r.syncOnce(context.Background()))

	_, cp, status := store.snapshot()
	require.Equal(t, "500", cp.Cursor)
	require.Equal(t, StatusHooked, status)
	full, _ := provider.counts()
	require.Equal(t, 1, full)
}

func TestSyncOnceReSyncedMessageStoredOnce(t *testing.T) {
	store := newMemStore()
	connect(store)
	store.checkpoints["GOOGLE:inbox-1"] = Checkpoint{Cursor: "100"}
	provider := &scriptedProvider{
		incremental: func(Checkpoint) (*SyncResult, error) {
			return &SyncResult{Emails: []EmailData{email("m1")}, NewCursor: "110"}, nil
		},
	}
	r := testRunner(store, provider)

	require.NoError(t, r.syncOnce(context.Background()))
	require.NoError(t, r.syncOnce(context.Background()))

	emails, _, _ := store.snapshot()
	require.Equal(t, 1, emails)
}

func TestSyncOncePersistsRefreshedToken(t *testing.T) {
	store := newMemStore()
	connect(store)
	store.checkpoints["GOOGLE:inbox-1"] = Checkpoint{Cursor: "100"}
	provider := &scriptedProvider{
		incremental: func(Checkpoint) (*SyncResult, error) {
			return &SyncResult{NewCursor: "100"}, nil
		},
	}
	r := testRunner(store, provider)
	r.Tokens = refreshingTokens{}

	require.NoError(t, r.syncOnce(context.Background()))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 1, store.tokenSaves)
	require.Equal(t, "fresh-token", store.tokens["GOOGLE:inbox-1"].AccessToken)
}

func TestSyncOnceWithoutTokenFails(t *testing.T) {
	store := newMemStore() // no token
	r := testRunner(store, &scriptedProvider{})

	err := r.syncOnce(context.Background())
	require.True(t, mailerr.IsKind(err, mailerr.KindConfigError))
}

func TestRunStopsOnNonRetryableError(t *testing.T) {
	store := newMemStore()
	connect(store)
	store.checkpoints["GOOGLE:inbox-1"] = Checkpoint{Cursor: "100"}
	provider := &scriptedProvider{
		incremental: func(Checkpoint) (*SyncResult, error) {
			return nil, mailerr.New(mailerr.KindInvalidToken, "revoked")
		},
	}
	r := testRunner(store, provider)

	err := r.Run(context.Background())
	require.True(t, mailerr.IsKind(err, mailerr.KindInvalidToken))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, StatusError, store.statuses["GOOGLE:inbox-1"])
	require.NotEmpty(t, store.errors["GOOGLE:inbox-1"])
}

func TestKickTriggersImmediateSync(t *testing.T) {
	store := newMemStore()
	connect(store)
	store.checkpoints["GOOGLE:inbox-1"] = Checkpoint{Cursor: "100"}
	signal := make(chan struct{}, 10)
	provider := &scriptedProvider{
		incrSignal: signal,
		incremental: func(Checkpoint) (*SyncResult, error) {
			return &SyncResult{NewCursor: "100"}, nil
		},
	}

	manager := NewManager(
		func(string) (Store, error) { return store, nil },
		&memPublisher{},
		passthroughTokens{},
		factoryFor(provider),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, manager.StartSync(ctx, InboxConfig{
		UserID: "u1", InboxID: "inbox-1", Provider: ProviderGoogle,
		Interval: time.Hour, // ticker never fires during the test
	}))

	// First cycle runs immediately on start.
	select {
	case <-signal:
	case <-time.After(5 * time.Second):
		t.Fatal("initial sync cycle never ran")
	}

	require.True(t, manager.Kick("u1", "inbox-1", ProviderGoogle))
	select {
	case <-signal:
	case <-time.After(5 * time.Second):
		t.Fatal("kick did not trigger a sync cycle")
	}

	require.True(t, manager.IsRunning("u1", "inbox-1", ProviderGoogle))
	require.False(t, manager.Kick("u1", "other", ProviderGoogle))
}

func TestManagerRejectsDuplicateStart(t *testing.T) {
	store := newMemStore()
	connect(store)
	store.checkpoints["GOOGLE:inbox-1"] = Checkpoint{Cursor: "100"}
	provider := &scriptedProvider{
		incremental: func(Checkpoint) (*SyncResult, error) {
			return &SyncResult{NewCursor: "100"}, nil
		},
	}
	manager := NewManager(
		func(string) (Store, error) { return store, nil },
		&memPublisher{},
		passthroughTokens{},
		factoryFor(provider),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := InboxConfig{UserID: "u1", InboxID: "inbox-1", Provider: ProviderGoogle, Interval: time.Hour}

	require.NoError(t, manager.StartSync(ctx, cfg))
	require.Error(t, manager.StartSync(ctx, cfg))

	require.NoError(t, manager.StopSync("u1", "inbox-1", ProviderGoogle))
	require.Error(t, manager.StopSync("u1", "inbox-1", ProviderGoogle))
}

func TestRunnerSelfExitStopsDispatchLoop(t *testing.T) {
	store := newMemStore() // no token stored: the first cycle fails fast
	manager := NewManager(
		func(string) (Store, error) { return store, nil },
		&memPublisher{},
		passthroughTokens{},
		factoryFor(&scriptedProvider{}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, manager.StartSync(ctx, InboxConfig{
		UserID: "u1", InboxID: "inbox-1", Provider: ProviderGoogle, Interval: time.Hour,
	}))

	require.Eventually(t, func() bool {
		return !manager.IsRunning("u1", "inbox-1", ProviderGoogle)
	}, 5*time.Second, 10*time.Millisecond, "runner should exit on the missing token")

	// Give a stray dispatch loop several poll intervals to betray itself.
	time.Sleep(4 * outboxIdleSleep)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.True(t, store.closed)
	require.False(t, store.polledAfterClose,
		"dispatch loop kept polling the store after the runner exited")
}

func TestDispatchLoopPublishesOutbox(t *testing.T) {
	store := newMemStore()
	connect(store)
	require.NoError(t, store.AppendOutbox(context.Background(), "mail.google.u1.synced", "email.synced", "GOOGLE:m1", []byte(`{}`)))

	pub := &memPublisher{}
	r := NewRunner(store, pub, passthroughTokens{}, factoryFor(&scriptedProvider{}),
		ProviderGoogle, "u1", "inbox-1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.dispatchLoop(ctx)

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.published) == 1 && pub.published[0] == "GOOGLE:m1"
	}, 5*time.Second, 10*time.Millisecond)
}
