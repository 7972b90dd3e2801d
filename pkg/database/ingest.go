package database

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IngestItem is one raw record plus the transaction summary derived from it.
// Exactly one of Event and Action is set; Transaction is nil when the record
// carries no transaction hash.
type IngestItem struct {
	Event       *Event
	Action      *Action
	Transaction *Transaction
}

// SyncBatch is the write side of one sync. Prime marks a batch that moves
// the cursor of a never initialized account to the head without history.
type SyncBatch struct {
	AccountID    uint64
	SourceKey    string
	LatestHeight uint64
	Prime        bool
	Items        []IngestItem
	SyncedAt     time.Time
}

type SyncOutcome struct {
	InsertedEvents  int
	InsertedActions int
	CursorHeight    uint64
}

// CommitSync ingests a batch and advances the account cursor in a single
// transaction. Records whose payload hash is already stored are skipped, but
// their transaction info is still merged. A batch without items only moves
// the cursor. A prime batch for an account that is already initialized is
// rejected with ErrAlreadyInitialized and writes nothing.
func (db *DB) CommitSync(ctx context.Context, batch *SyncBatch) (*SyncOutcome, error) {
	outcome := new(SyncOutcome)

	err := db.g.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account := new(TrackedAccount)
		if err := tx.Take(account, batch.AccountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return errors.Wrap(err, "load account")
		}

		if batch.Prime && account.Initialized {
			return ErrAlreadyInitialized
		}

		for i := range batch.Items {
			inserted, err := ingestItem(tx, &batch.Items[i])
			if err != nil {
				return err
			}

			if !inserted {
				continue
			}

			if batch.Items[i].Event != nil {
				outcome.InsertedEvents++
			} else {
				outcome.InsertedActions++
			}
		}

		nextCursor := batch.LatestHeight
		if account.CursorHeight != nil && *account.CursorHeight > nextCursor {
			nextCursor = *account.CursorHeight
		}

		err := tx.Model(account).Updates(map[string]interface{}{
			"initialized":   true,
			"cursor_height": nextCursor,
			"last_sync_at":  batch.SyncedAt,
		}).Error
		if err != nil {
			return errors.Wrap(err, "advance cursor")
		}

		if err := mergeSyncState(tx, batch.SourceKey, nextCursor, batch.SyncedAt); err != nil {
			return err
		}

		outcome.CursorHeight = nextCursor
		return nil
	})
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

func ingestItem(tx *gorm.DB, item *IngestItem) (bool, error) {
	var (
		result *gorm.DB
		hash   string
	)

	switch {
	case item.Event != nil:
		hash = item.Event.PayloadHash
		result = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(item.Event)
	case item.Action != nil:
		hash = item.Action.PayloadHash
		result = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(item.Action)
	default:
		return false, errors.New("ingest item without a record")
	}

	if result.Error != nil {
		return false, errors.Wrapf(result.Error, "insert record %s", hash)
	}

	if item.Transaction != nil {
		if err := mergeTransaction(tx, item.Transaction); err != nil {
			return false, err
		}
	}

	return result.RowsAffected > 0, nil
}

// mergeTransaction inserts the summary, or folds the sighting into the row a
// concurrent sync already committed. The row is locked for the merge.
func mergeTransaction(tx *gorm.DB, incoming *Transaction) error {
	summary := *incoming

	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&summary)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "create transaction %s", incoming.Hash)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	existing := new(Transaction)
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("hash = ?", incoming.Hash).Take(existing).Error
	if err != nil {
		return errors.Wrapf(err, "load transaction %s", incoming.Hash)
	}

	merged := MergeTransaction(existing, incoming)
	return errors.Wrapf(tx.Save(merged).Error, "update transaction %s", incoming.Hash)
}

// MergeTransaction folds a new sighting into an existing summary: every field
// takes the new value when present, block height takes the maximum.
func MergeTransaction(existing, incoming *Transaction) *Transaction {
	merged := *existing

	if incoming.Kind != "" {
		merged.Kind = incoming.Kind
	}
	if incoming.Status != nil {
		merged.Status = incoming.Status
	}
	if incoming.Memo != nil {
		merged.Memo = incoming.Memo
	}
	if incoming.SequenceNumber != nil {
		merged.SequenceNumber = incoming.SequenceNumber
	}
	if incoming.PublicKey != "" {
		merged.PublicKey = incoming.PublicKey
		merged.TokenID = incoming.TokenID
	}
	if len(incoming.LastPayload) > 0 {
		merged.LastPayload = incoming.LastPayload
	}
	if incoming.BlockHeight > merged.BlockHeight {
		merged.BlockHeight = incoming.BlockHeight
	}

	return &merged
}
