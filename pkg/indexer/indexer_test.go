package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flare-foundation/rollup-archive-indexer/pkg/archive"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/config"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/database"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/upstream"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

const (
	keyA = "B62qAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	keyB = "B62qBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	keyC = "B62qCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"

	testSequencer = "http://sequencer.local/graphql"
)

var errUpstreamDown = errors.New("upstream down")

type mockSource struct {
	mu       sync.Mutex
	archives map[string]*archive.Archive
	errs     map[string]error
	calls    []string
}

func newMockSource() *mockSource {
	return &mockSource{
		archives: make(map[string]*archive.Archive),
		errs:     make(map[string]error),
	}
}

func (m *mockSource) FetchArchive(_ context.Context, q upstream.Query) (*archive.Archive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, q.PublicKey)

	if err := m.errs[q.PublicKey]; err != nil {
		return nil, err
	}

	a, ok := m.archives[q.PublicKey]
	if !ok {
		return &archive.Archive{}, nil
	}

	// hand out a copy, the engine owns what it gets
	return &archive.Archive{
		Events:  append([]archive.Event(nil), a.Events...),
		Actions: append([]archive.Action(nil), a.Actions...),
	}, nil
}

func (m *mockSource) set(publicKey string, a *archive.Archive) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.archives[publicKey] = a
}

func (m *mockSource) callOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.calls...)
}

func newTestStore(t *testing.T) *database.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "indexer.db") + "?_busy_timeout=5000"
	db, err := database.Open(sqlite.Open(dsn), &config.DB{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func newEvent(height uint64, n int, txHash string) archive.Event {
	e := archive.Event{
		Height: height,
		Data:   []string{fmt.Sprint(n)},
		Raw:    json.RawMessage(fmt.Sprintf(`{"blockInfo":{"height":%d},"eventData":{"data":["%d"]}}`, height, n)),
	}
	if txHash != "" {
		e.TxInfo = &archive.TransactionInfo{Hash: &txHash}
	}

	return e
}

func newAction(height uint64, n int, txHash, status string) archive.Action {
	before, after := fmt.Sprint(n), fmt.Sprint(n+1)
	a := archive.Action{
		Height:      height,
		Data:        []string{fmt.Sprint(n)},
		StateBefore: &before,
		StateAfter:  &after,
		Raw:         json.RawMessage(fmt.Sprintf(`{"blockInfo":{"height":%d},"actionData":{"data":["%d"]}}`, height, n)),
	}
	if txHash != "" {
		a.TxInfo = &archive.TransactionInfo{Hash: &txHash, Status: &status}
	}

	return a
}

func threeEvents() *archive.Archive {
	return &archive.Archive{
		Events: []archive.Event{
			newEvent(10, 1, "tx-10"),
			newEvent(20, 2, "tx-20"),
			newEvent(30, 3, ""),
		},
	}
}

func track(t *testing.T, db *database.DB, publicKey string, backfill bool) *database.TrackedAccount {
	t.Helper()

	account, err := db.UpsertTrackedAccount(
		context.Background(), database.AccountIdentity{PublicKey: publicKey}, testSequencer, backfill,
	)
	require.NoError(t, err)

	return account
}

func reload(t *testing.T, db *database.DB, account *database.TrackedAccount) *database.TrackedAccount {
	t.Helper()

	fresh, err := db.GetTrackedAccount(context.Background(), account.Identity())
	require.NoError(t, err)

	return fresh
}

func TestSyncLatestPrimeSkipsHistory(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	source := newMockSource()
	source.set(keyA, threeEvents())

	engine := NewEngine(&config.Indexer{Mode: config.ModeLatest}, db, source)
	account := track(t, db, keyA, false)

	result, err := engine.Sync(ctx, account)
	require.NoError(t, err)
	require.Equal(t, SyncModeLatestPrime, result.Mode)
	require.Zero(t, result.InsertedEvents)
	require.Zero(t, result.InsertedActions)
	require.Equal(t, uint64(30), result.LatestHeight)
	require.Equal(t, uint64(30), result.CursorHeight)

	account = reload(t, db, account)
	require.True(t, account.Initialized)
	require.Equal(t, uint64(30), *account.CursorHeight)
	require.NotNil(t, account.LastSyncAt)

	events, err := db.ListEvents(ctx, account.Identity(), 0)
	require.NoError(t, err)
	require.Empty(t, events)

	state, err := db.GetSyncState(ctx, account.Identity().SourceKey())
	require.NoError(t, err)
	require.Equal(t, uint64(30), state.Height)

	// new records above the primed head are ingested
	next := threeEvents()
	next.Events = append(next.Events, newEvent(40, 4, "tx-40"))
	source.set(keyA, next)

	result, err = engine.Sync(ctx, account)
	require.NoError(t, err)
	require.Equal(t, SyncModeLatest, result.Mode)
	require.Equal(t, 1, result.InsertedEvents)
	require.Equal(t, uint64(40), result.CursorHeight)

	_, err = db.GetTransaction(ctx, "tx-10")
	require.ErrorIs(t, err, database.ErrTransactionNotFound)

	lookup, err := db.GetTransaction(ctx, "tx-40")
	require.NoError(t, err)
	require.Equal(t, uint64(40), lookup.Summary.BlockHeight)
	require.Equal(t, "event", lookup.Summary.Kind)
}

func TestSyncStaleRowDoesNotPrimeAgain(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	source := newMockSource()
	source.set(keyA, threeEvents())

	engine := NewEngine(&config.Indexer{Mode: config.ModeLatest}, db, source)
	stale := track(t, db, keyA, false)

	// another sync primes the account while a sweep still holds the old row
	fresh := *stale
	result, err := engine.Sync(ctx, &fresh)
	require.NoError(t, err)
	require.Equal(t, SyncModeLatestPrime, result.Mode)
	require.Equal(t, uint64(30), result.CursorHeight)

	next := threeEvents()
	next.Events = append(next.Events, newEvent(40, 4, "tx-40"))
	source.set(keyA, next)

	require.False(t, stale.Initialized)
	result, err = engine.Sync(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, SyncModeLatest, result.Mode)
	require.Equal(t, 1, result.InsertedEvents)
	require.Equal(t, uint64(40), result.CursorHeight)

	lookup, err := db.GetTransaction(ctx, "tx-40")
	require.NoError(t, err)
	require.Equal(t, uint64(40), lookup.Summary.BlockHeight)

	// history below the first prime stays skipped
	_, err = db.GetTransaction(ctx, "tx-20")
	require.ErrorIs(t, err, database.ErrTransactionNotFound)
}

func TestSyncBackfillIngestsHistory(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	source := newMockSource()

	snapshot := threeEvents()
	snapshot.Actions = []archive.Action{newAction(25, 7, "tx-20", "applied")}
	source.set(keyA, snapshot)

	engine := NewEngine(&config.Indexer{Mode: config.ModeBackfill, BackfillAcknowledged: true}, db, source)
	account := track(t, db, keyA, false)

	result, err := engine.Sync(ctx, account)
	require.NoError(t, err)
	require.Equal(t, SyncModeBackfill, result.Mode)
	require.Equal(t, 3, result.InsertedEvents)
	require.Equal(t, 1, result.InsertedActions)
	require.Equal(t, uint64(30), result.CursorHeight)

	actions, err := db.ListActions(ctx, account.Identity(), 0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, "7", *actions[0].ActionStateBefore)
	require.Equal(t, "8", *actions[0].ActionStateAfter)

	// the action sighting is merged into the summary created by the event
	lookup, err := db.GetTransaction(ctx, "tx-20")
	require.NoError(t, err)
	require.Equal(t, uint64(25), lookup.Summary.BlockHeight)
	require.Equal(t, "applied", *lookup.Summary.Status)
}

func TestSyncAccountBackfillFlag(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	source := newMockSource()
	source.set(keyA, threeEvents())

	engine := NewEngine(&config.Indexer{Mode: config.ModeLatest}, db, source)
	account := track(t, db, keyA, true)

	result, err := engine.Sync(ctx, account)
	require.NoError(t, err)
	require.Equal(t, SyncModeBackfill, result.Mode)
	require.Equal(t, 3, result.InsertedEvents)
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	source := newMockSource()
	source.set(keyA, threeEvents())

	engine := NewEngine(&config.Indexer{Mode: config.ModeLatest}, db, source)
	account := track(t, db, keyA, true)

	first, err := engine.Sync(ctx, account)
	require.NoError(t, err)
	require.Equal(t, 3, first.InsertedEvents)

	// a stale row without a cursor makes the engine resend every record
	second, err := engine.Sync(ctx, account)
	require.NoError(t, err)
	require.Zero(t, second.InsertedEvents)
	require.Equal(t, first.CursorHeight, second.CursorHeight)

	events, err := db.ListEvents(ctx, account.Identity(), 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestSyncCursorNeverRegresses(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	source := newMockSource()
	source.set(keyA, threeEvents())

	engine := NewEngine(&config.Indexer{Mode: config.ModeLatest}, db, source)
	account := track(t, db, keyA, false)

	_, err := engine.Sync(ctx, account)
	require.NoError(t, err)

	// upstream now serves an older view
	source.set(keyA, &archive.Archive{Events: []archive.Event{newEvent(10, 1, "tx-10")}})

	result, err := engine.Sync(ctx, reload(t, db, account))
	require.NoError(t, err)
	require.Equal(t, uint64(10), result.LatestHeight)
	require.Equal(t, uint64(30), result.CursorHeight)
	require.Zero(t, result.InsertedEvents)

	require.Equal(t, uint64(30), *reload(t, db, account).CursorHeight)
}

func TestSyncFiltersAtCursor(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	source := newMockSource()
	source.set(keyA, threeEvents())

	engine := NewEngine(&config.Indexer{Mode: config.ModeLatest}, db, source)
	account := track(t, db, keyA, false)

	_, err := engine.Sync(ctx, account)
	require.NoError(t, err)

	// a late record at the cursor height is not picked up
	next := threeEvents()
	next.Events = append(next.Events, newEvent(30, 9, "tx-late"), newEvent(31, 10, ""))
	source.set(keyA, next)

	result, err := engine.Sync(ctx, reload(t, db, account))
	require.NoError(t, err)
	require.Equal(t, 1, result.InsertedEvents)

	_, err = db.GetTransaction(ctx, "tx-late")
	require.ErrorIs(t, err, database.ErrTransactionNotFound)
}

func TestSyncUpstreamFailureLeavesAccountUntouched(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	source := newMockSource()
	source.errs[keyA] = errUpstreamDown

	engine := NewEngine(&config.Indexer{Mode: config.ModeLatest}, db, source)
	account := track(t, db, keyA, false)

	_, err := engine.Sync(ctx, account)
	require.Error(t, err)

	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	require.ErrorIs(t, err, errUpstreamDown)

	account = reload(t, db, account)
	require.False(t, account.Initialized)
	require.Nil(t, account.CursorHeight)
	require.Nil(t, account.LastSyncAt)
}

func TestSyncDeletedAccount(t *testing.T) {
	db := newTestStore(t)
	source := newMockSource()

	engine := NewEngine(&config.Indexer{Mode: config.ModeLatest}, db, source)

	_, err := engine.Sync(context.Background(), &database.TrackedAccount{ID: 99, PublicKey: keyA, SequencerURL: testSequencer})
	require.ErrorIs(t, err, database.ErrAccountNotFound)
}

func TestPlanMode(t *testing.T) {
	latest := &Engine{}
	backfill := &Engine{backfill: true}

	require.Equal(t, SyncModeLatestPrime, latest.planMode(&database.TrackedAccount{}))
	require.Equal(t, SyncModeLatest, latest.planMode(&database.TrackedAccount{Initialized: true}))
	require.Equal(t, SyncModeBackfill, latest.planMode(&database.TrackedAccount{Backfill: true}))
	require.Equal(t, SyncModeBackfill, backfill.planMode(&database.TrackedAccount{}))
	require.Equal(t, SyncModeBackfill, backfill.planMode(&database.TrackedAccount{Initialized: true}))
}

func TestBuildItemWithoutTransaction(t *testing.T) {
	id := database.AccountIdentity{PublicKey: keyA}
	e := newEvent(5, 1, "")

	item, err := buildItem(id, &e)
	require.NoError(t, err)
	require.NotNil(t, item.Event)
	require.Nil(t, item.Action)
	require.Nil(t, item.Transaction)
	require.Nil(t, item.Event.TxHash)
	require.Len(t, item.Event.PayloadHash, archive.HashLength)
}

func TestBuildItemRejectsInvalidPayload(t *testing.T) {
	e := archive.Event{Height: 1, Raw: json.RawMessage(`{`)}

	_, err := buildItem(database.AccountIdentity{PublicKey: keyA}, &e)
	require.Error(t, err)
}

func TestAboveCursor(t *testing.T) {
	records := threeEvents().Records()

	require.Len(t, aboveCursor(records, nil), 3)

	cursor := uint64(10)
	filtered := aboveCursor(threeEvents().Records(), &cursor)
	require.Len(t, filtered, 2)
	require.Equal(t, uint64(20), filtered[0].BlockHeight())

	cursor = 30
	require.Empty(t, aboveCursor(threeEvents().Records(), &cursor))
}

func TestEngineUsesInjectedClock(t *testing.T) {
	db := newTestStore(t)
	engine := NewEngine(&config.Indexer{Mode: config.ModeLatest}, db, newMockSource())

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return fixed }

	account := track(t, db, keyA, false)
	_, err := engine.Sync(context.Background(), account)
	require.NoError(t, err)

	require.True(t, fixed.Equal(*reload(t, db, account).LastSyncAt))
}
