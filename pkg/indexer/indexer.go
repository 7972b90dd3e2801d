package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/archive"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/config"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/database"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/upstream"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
)

// Store is the part of the database the engine writes through.
type Store interface {
	CommitSync(ctx context.Context, batch *database.SyncBatch) (*database.SyncOutcome, error)
	GetTrackedAccount(ctx context.Context, id database.AccountIdentity) (*database.TrackedAccount, error)
	ListEnabledAccounts(ctx context.Context) ([]database.TrackedAccount, error)
}

type SyncMode string

const (
	SyncModeLatestPrime SyncMode = "latest-prime"
	SyncModeLatest      SyncMode = "latest"
	SyncModeBackfill    SyncMode = "backfill"
)

type SyncResult struct {
	AccountID       uint64   `json:"accountId"`
	PublicKey       string   `json:"publicKey"`
	TokenID         *string  `json:"tokenId"`
	Mode            SyncMode `json:"mode"`
	InsertedEvents  int      `json:"insertedEvents"`
	InsertedActions int      `json:"insertedActions"`
	LatestHeight    uint64   `json:"latestHeight"`
	CursorHeight    uint64   `json:"cursorHeight"`
}

// UpstreamError marks a sync that failed before anything was written.
type UpstreamError struct {
	Account database.AccountIdentity
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("fetch archive of %s: %v", e.Account, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

type Engine struct {
	store    Store
	source   upstream.Source
	backfill bool
	now      func() time.Time
}

func NewEngine(cfg *config.Indexer, store Store, source upstream.Source) *Engine {
	return &Engine{
		store:    store,
		source:   source,
		backfill: cfg.Backfill(),
		now:      time.Now,
	}
}

// Sync pulls the archive of one account and ingests everything above its
// cursor. An account seen for the first time in latest mode is primed
// instead: its cursor jumps to the current head and no history is stored.
func (e *Engine) Sync(ctx context.Context, account *database.TrackedAccount) (*SyncResult, error) {
	id := account.Identity()
	start := time.Now()

	snapshot, err := e.source.FetchArchive(ctx, upstream.Query{
		SourceURL: account.SequencerURL,
		PublicKey: id.PublicKey,
		TokenID:   id.TokenID,
	})
	if err != nil {
		syncTotal.WithLabelValues(syncStatusUpstreamError).Inc()
		return nil, &UpstreamError{Account: id, Err: err}
	}

	latestHeight := snapshot.LatestHeight()

	mode, outcome, err := e.commit(ctx, account, snapshot)
	if errors.Is(err, database.ErrAlreadyInitialized) {
		// the row was stale, another sync initialized the account meanwhile
		logger.Infof("%s initialized by a concurrent sync, re-planning", id)

		account, err = e.store.GetTrackedAccount(ctx, id)
		if err == nil {
			mode, outcome, err = e.commit(ctx, account, snapshot)
		}
	}
	if err != nil {
		syncTotal.WithLabelValues(syncStatusError).Inc()
		return nil, errors.Wrapf(err, "commit sync of %s", id)
	}

	syncTotal.WithLabelValues(syncStatusOK).Inc()
	syncDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	recordsInserted.WithLabelValues(string(archive.KindEvent)).Add(float64(outcome.InsertedEvents))
	recordsInserted.WithLabelValues(string(archive.KindAction)).Add(float64(outcome.InsertedActions))

	if mode == SyncModeLatestPrime {
		logger.Infof("primed %s at height %d, history skipped", id, outcome.CursorHeight)
	} else {
		logger.Debugf(
			"synced %s (%s): %d events, %d actions, cursor %d",
			id, mode, outcome.InsertedEvents, outcome.InsertedActions, outcome.CursorHeight,
		)
	}

	return &SyncResult{
		AccountID:       account.ID,
		PublicKey:       id.PublicKey,
		TokenID:         id.TokenID,
		Mode:            mode,
		InsertedEvents:  outcome.InsertedEvents,
		InsertedActions: outcome.InsertedActions,
		LatestHeight:    latestHeight,
		CursorHeight:    outcome.CursorHeight,
	}, nil
}

func (e *Engine) commit(
	ctx context.Context, account *database.TrackedAccount, snapshot *archive.Archive,
) (SyncMode, *database.SyncOutcome, error) {
	id := account.Identity()
	mode := e.planMode(account)

	batch := &database.SyncBatch{
		AccountID:    account.ID,
		SourceKey:    id.SourceKey(),
		LatestHeight: snapshot.LatestHeight(),
		Prime:        mode == SyncModeLatestPrime,
		SyncedAt:     e.now(),
	}

	if !batch.Prime {
		items, err := buildItems(id, aboveCursor(snapshot.Records(), account.CursorHeight))
		if err != nil {
			return mode, nil, errors.Wrap(err, "prepare records")
		}
		batch.Items = items
	}

	outcome, err := e.store.CommitSync(ctx, batch)
	if err != nil {
		return mode, nil, err
	}

	return mode, outcome, nil
}

func (e *Engine) planMode(account *database.TrackedAccount) SyncMode {
	if e.backfill || account.Backfill {
		return SyncModeBackfill
	}

	if !account.Initialized {
		return SyncModeLatestPrime
	}

	return SyncModeLatest
}

// aboveCursor keeps the records strictly above cursor, all of them when the
// account has no cursor yet.
func aboveCursor(records []archive.Record, cursor *uint64) []archive.Record {
	if cursor == nil {
		return records
	}

	filtered := records[:0]
	for _, r := range records {
		if r.BlockHeight() > *cursor {
			filtered = append(filtered, r)
		}
	}

	return filtered
}

func buildItems(id database.AccountIdentity, records []archive.Record) ([]database.IngestItem, error) {
	items := make([]database.IngestItem, 0, len(records))

	for _, r := range records {
		item, err := buildItem(id, r)
		if err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	return items, nil
}

func buildItem(id database.AccountIdentity, r archive.Record) (database.IngestItem, error) {
	var item database.IngestItem

	payloadHash, err := archive.HashRecord(r)
	if err != nil {
		return item, err
	}

	payload := datatypes.JSON(r.Payload())
	txInfo := r.Transaction()

	var txHash *string
	if hash, ok := txInfo.TxHash(); ok {
		txHash = &hash
	}

	switch rec := r.(type) {
	case *archive.Event:
		item.Event = &database.Event{
			PayloadHash: payloadHash,
			TxHash:      txHash,
			PublicKey:   id.PublicKey,
			TokenID:     id.TokenKey(),
			BlockHeight: rec.Height,
			Payload:     payload,
		}
	case *archive.Action:
		item.Action = &database.Action{
			PayloadHash:       payloadHash,
			TxHash:            txHash,
			PublicKey:         id.PublicKey,
			TokenID:           id.TokenKey(),
			BlockHeight:       rec.Height,
			ActionStateBefore: rec.StateBefore,
			ActionStateAfter:  rec.StateAfter,
			Payload:           payload,
		}
	default:
		return item, errors.Errorf("unknown record type %T", r)
	}

	if txHash != nil {
		item.Transaction = &database.Transaction{
			Hash:           *txHash,
			Kind:           string(r.Kind()),
			Status:         txInfo.Status,
			Memo:           txInfo.Memo,
			SequenceNumber: txInfo.SequenceNumber,
			BlockHeight:    r.BlockHeight(),
			PublicKey:      id.PublicKey,
			TokenID:        id.TokenKey(),
			LastPayload:    payload,
		}
	}

	return item, nil
}
