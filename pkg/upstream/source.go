// Package upstream reads per-account archives from the sequencer.
package upstream

import (
	"context"
	"fmt"

	"github.com/flare-foundation/rollup-archive-indexer/pkg/archive"
)

// Query selects the archive of one account on one sequencer.
type Query struct {
	SourceURL string
	PublicKey string
	TokenID   *string
}

func (q Query) String() string {
	if q.TokenID == nil {
		return fmt.Sprintf("%s@%s", q.PublicKey, q.SourceURL)
	}

	return fmt.Sprintf("%s/%s@%s", q.PublicKey, *q.TokenID, q.SourceURL)
}

// Source returns the complete currently visible archive of an account on
// every call. There is no paging or incremental cursor; callers filter.
type Source interface {
	FetchArchive(ctx context.Context, q Query) (*archive.Archive, error)
}
