package database

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertTrackedAccount registers an account or updates its source and mode.
// The account is always re-enabled; sync progress is never reset.
func (db *DB) UpsertTrackedAccount(
	ctx context.Context, id AccountIdentity, sequencerURL string, backfill bool,
) (*TrackedAccount, error) {
	account := &TrackedAccount{
		PublicKey:    id.PublicKey,
		TokenID:      id.TokenKey(),
		SequencerURL: sequencerURL,
		Backfill:     backfill,
		Enabled:      true,
	}
	stored := new(TrackedAccount)

	err := db.g.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "public_key"}, {Name: "token_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"sequencer_url", "backfill", "enabled", "updated_at"},
			),
		}).Create(account).Error
		if err != nil {
			return err
		}

		// re-read: the insert may have been turned into an update
		return whereIdentity(tx, id).Take(stored).Error
	})
	if err != nil {
		return nil, errors.Wrapf(err, "upsert tracked account %s", id)
	}

	return stored, nil
}

// ListEnabledAccounts returns the accounts to poll, stalest first.
func (db *DB) ListEnabledAccounts(ctx context.Context) ([]TrackedAccount, error) {
	var accounts []TrackedAccount

	err := db.g.WithContext(ctx).
		Where("enabled = ?", true).
		Order("updated_at ASC").
		Order("id ASC").
		Find(&accounts).
		Error
	if err != nil {
		return nil, errors.Wrap(err, "list enabled accounts")
	}

	return accounts, nil
}

func (db *DB) ListTrackedAccounts(ctx context.Context) ([]TrackedAccount, error) {
	var accounts []TrackedAccount

	if err := db.g.WithContext(ctx).Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, errors.Wrap(err, "list tracked accounts")
	}

	return accounts, nil
}

func (db *DB) GetTrackedAccount(ctx context.Context, id AccountIdentity) (*TrackedAccount, error) {
	account := new(TrackedAccount)

	err := whereIdentity(db.g.WithContext(ctx), id).Take(account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get tracked account %s", id)
	}

	return account, nil
}

// DisableTrackedAccount stops polling an account. Its data and cursor stay.
func (db *DB) DisableTrackedAccount(ctx context.Context, id AccountIdentity) error {
	result := whereIdentity(db.g.WithContext(ctx).Model(&TrackedAccount{}), id).
		Update("enabled", false)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "disable tracked account %s", id)
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

func whereIdentity(tx *gorm.DB, id AccountIdentity) *gorm.DB {
	return tx.Where("public_key = ? AND token_id = ?", id.PublicKey, id.TokenKey())
}
