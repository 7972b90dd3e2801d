package indexer

import (
	"sort"
	"time"

	"github.com/flare-foundation/rollup-archive-indexer/pkg/database"
	"github.com/puzpuzpuz/xsync/v4"
)

// AccountStatus is the outcome of the last sync attempt of an account.
type AccountStatus struct {
	PublicKey string      `json:"publicKey"`
	TokenID   *string     `json:"tokenId"`
	Result    *SyncResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	At        time.Time   `json:"at"`
}

// StatusRegistry keeps the last outcome per account for operators. Nothing
// reads it to make sync decisions.
type StatusRegistry struct {
	m *xsync.Map[string, AccountStatus]
}

func NewStatusRegistry() *StatusRegistry {
	return &StatusRegistry{m: xsync.NewMap[string, AccountStatus]()}
}

func (r *StatusRegistry) Record(id database.AccountIdentity, result *SyncResult, err error, at time.Time) AccountStatus {
	status := AccountStatus{
		PublicKey: id.PublicKey,
		TokenID:   id.TokenID,
		Result:    result,
		At:        at,
	}
	if err != nil {
		status.Error = err.Error()
	}

	r.m.Store(id.SourceKey(), status)

	return status
}

func (r *StatusRegistry) Get(id database.AccountIdentity) (AccountStatus, bool) {
	return r.m.Load(id.SourceKey())
}

// Snapshot lists every status ordered by account.
func (r *StatusRegistry) Snapshot() []AccountStatus {
	keys := make([]string, 0, r.m.Size())
	statuses := make(map[string]AccountStatus, r.m.Size())

	r.m.Range(func(key string, value AccountStatus) bool {
		keys = append(keys, key)
		statuses[key] = value
		return true
	})

	sort.Strings(keys)

	out := make([]AccountStatus, 0, len(keys))
	for _, k := range keys {
		out = append(out, statuses[k])
	}

	return out
}
