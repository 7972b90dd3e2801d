package database

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const maxHistoryLimit = 500

// TransactionLookup is the answer to a hash lookup. Summary is set when a
// merged summary exists; otherwise the raw rows carrying the hash are
// returned.
type TransactionLookup struct {
	Summary *Transaction `json:"summary,omitempty"`
	Events  []Event      `json:"events,omitempty"`
	Actions []Action     `json:"actions,omitempty"`
}

func (db *DB) GetTransaction(ctx context.Context, hash string) (*TransactionLookup, error) {
	g := db.g.WithContext(ctx)

	summary := new(Transaction)
	err := g.Where("hash = ?", hash).Take(summary).Error
	if err == nil {
		return &TransactionLookup{Summary: summary}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(err, "get transaction %s", hash)
	}

	lookup := new(TransactionLookup)
	if err := g.Where("tx_hash = ?", hash).Order("block_height DESC").Find(&lookup.Events).Error; err != nil {
		return nil, errors.Wrapf(err, "get events of transaction %s", hash)
	}
	if err := g.Where("tx_hash = ?", hash).Order("block_height DESC").Find(&lookup.Actions).Error; err != nil {
		return nil, errors.Wrapf(err, "get actions of transaction %s", hash)
	}

	if len(lookup.Events) == 0 && len(lookup.Actions) == 0 {
		return nil, ErrTransactionNotFound
	}

	return lookup, nil
}

// ListEvents returns the newest ingested events of an account.
func (db *DB) ListEvents(ctx context.Context, id AccountIdentity, limit int) ([]Event, error) {
	var events []Event

	err := historyQuery(db.g.WithContext(ctx), id, limit).Find(&events).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list events of %s", id)
	}

	return events, nil
}

// ListActions returns the newest ingested actions of an account.
func (db *DB) ListActions(ctx context.Context, id AccountIdentity, limit int) ([]Action, error) {
	var actions []Action

	err := historyQuery(db.g.WithContext(ctx), id, limit).Find(&actions).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list actions of %s", id)
	}

	return actions, nil
}

func historyQuery(tx *gorm.DB, id AccountIdentity, limit int) *gorm.DB {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	return whereIdentity(tx, id).
		Order("block_height DESC").
		Order("payload_hash ASC").
		Limit(limit)
}
