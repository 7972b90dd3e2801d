package database

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

var entities = []interface{}{
	TrackedAccount{},
	Event{},
	Action{},
	Transaction{},
	SyncState{},
	Version{},
}

// AccountIdentity is the (publicKey, tokenId) key of a tracked account. A nil
// TokenID is its own identity and is never merged with a concrete token.
type AccountIdentity struct {
	PublicKey string
	TokenID   *string
}

// TokenKey is the stored form of TokenID: the empty string stands for "no
// token", which no real token id can collide with.
func (id AccountIdentity) TokenKey() string {
	if id.TokenID == nil {
		return ""
	}

	return *id.TokenID
}

// SourceKey names the progress marker shadowing this account's cursor.
func (id AccountIdentity) SourceKey() string {
	return fmt.Sprintf("account:%s:%s", id.PublicKey, id.TokenKey())
}

func (id AccountIdentity) String() string {
	if id.TokenID == nil {
		return id.PublicKey
	}

	return id.PublicKey + "/" + *id.TokenID
}

type TrackedAccount struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PublicKey    string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_tracked_accounts_identity,priority:1" json:"publicKey"`
	TokenID      string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_tracked_accounts_identity,priority:2" json:"tokenId"`
	SequencerURL string     `gorm:"type:varchar(512);not null" json:"sequencerUrl"`
	Backfill     bool       `gorm:"not null" json:"backfill"`
	Enabled      bool       `gorm:"not null;index" json:"enabled"`
	Initialized  bool       `gorm:"not null" json:"initialized"`
	CursorHeight *uint64    `json:"cursorHeight"`
	LastSyncAt   *time.Time `json:"lastSyncAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `gorm:"index" json:"updatedAt"`
}

func (a *TrackedAccount) Identity() AccountIdentity {
	id := AccountIdentity{PublicKey: a.PublicKey}
	if a.TokenID != "" {
		token := a.TokenID
		id.TokenID = &token
	}

	return id
}

// Event is a raw archive event, stored once per payload hash.
type Event struct {
	PayloadHash string         `gorm:"primaryKey;type:varchar(64)" json:"payloadHash"`
	TxHash      *string        `gorm:"type:varchar(128);index" json:"txHash"`
	PublicKey   string         `gorm:"type:varchar(64);not null;index:idx_events_account,priority:1" json:"publicKey"`
	TokenID     string         `gorm:"type:varchar(64);not null;index:idx_events_account,priority:2" json:"tokenId"`
	BlockHeight uint64         `gorm:"not null;index" json:"blockHeight"`
	Payload     datatypes.JSON `json:"payload"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Action is a raw archive action, stored once per payload hash.
type Action struct {
	PayloadHash       string         `gorm:"primaryKey;type:varchar(64)" json:"payloadHash"`
	TxHash            *string        `gorm:"type:varchar(128);index" json:"txHash"`
	PublicKey         string         `gorm:"type:varchar(64);not null;index:idx_actions_account,priority:1" json:"publicKey"`
	TokenID           string         `gorm:"type:varchar(64);not null;index:idx_actions_account,priority:2" json:"tokenId"`
	BlockHeight       uint64         `gorm:"not null;index" json:"blockHeight"`
	ActionStateBefore *string        `gorm:"type:text" json:"actionStateBefore"`
	ActionStateAfter  *string        `gorm:"type:text" json:"actionStateAfter"`
	Payload           datatypes.JSON `json:"payload"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// Transaction is the merged summary of every sighting of a transaction hash.
type Transaction struct {
	Hash           string         `gorm:"primaryKey;type:varchar(128)" json:"hash"`
	Kind           string         `gorm:"type:varchar(16)" json:"kind"`
	Status         *string        `gorm:"type:varchar(32)" json:"status"`
	Memo           *string        `gorm:"type:text" json:"memo"`
	SequenceNumber *uint64        `json:"sequenceNumber"`
	BlockHeight    uint64         `gorm:"index" json:"blockHeight"`
	PublicKey      string         `gorm:"type:varchar(64);index" json:"publicKey"`
	TokenID        string         `gorm:"type:varchar(64)" json:"tokenId"`
	LastPayload    datatypes.JSON `json:"lastPayload"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Version records which build and mode last started against the database.
type Version struct {
	ID        uint64    `gorm:"primaryKey;unique" json:"-"`
	GitTag    string    `json:"gitTag"`
	GitHash   string    `gorm:"type:varchar(40)" json:"gitHash"`
	BuildDate uint64    `json:"buildDate"`
	Mode      string    `gorm:"type:varchar(16)" json:"mode"`
	StartedAt time.Time `json:"startedAt"`
}
