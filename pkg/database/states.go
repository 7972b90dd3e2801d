package database

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// SyncState is the best-effort progress marker of one sync source. The
// authoritative cursor is TrackedAccount.CursorHeight.
type SyncState struct {
	Source    string    `gorm:"primaryKey;type:varchar(160)" json:"source"`
	Height    uint64    `json:"height"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// mergeSyncState never lowers a stored height, but always refreshes the
// timestamp.
func mergeSyncState(tx *gorm.DB, source string, height uint64, now time.Time) error {
	state := new(SyncState)

	err := tx.Where("source = ?", source).Take(state).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(err, "load sync state %s", source)
	}

	if errors.Is(err, gorm.ErrRecordNotFound) || height > state.Height {
		state.Height = height
	}
	state.Source = source
	state.UpdatedAt = now

	return errors.Wrapf(tx.Save(state).Error, "save sync state %s", source)
}

func (db *DB) GetSyncState(ctx context.Context, source string) (*SyncState, error) {
	state := new(SyncState)

	err := db.g.WithContext(ctx).Where("source = ?", source).Take(state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get sync state %s", source)
	}

	return state, nil
}

func (db *DB) ListSyncStates(ctx context.Context) ([]SyncState, error) {
	var states []SyncState

	if err := db.g.WithContext(ctx).Order("source ASC").Find(&states).Error; err != nil {
		return nil, errors.Wrap(err, "list sync states")
	}

	return states, nil
}
