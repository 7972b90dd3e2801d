package api

import (
	"context"
	"net/http"

	"github.com/flare-foundation/rollup-archive-indexer/pkg/database"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/indexer"
	"github.com/gorilla/mux"
)

// HandleSweep triggers a sweep and waits for it. When a sweep is already
// running the answer is an empty report with skipped set.
func (c *Controller) HandleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := c.Scheduler.Sweep(context.WithoutCancel(r.Context()))
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

type syncStatusResponse struct {
	Running  bool                    `json:"running"`
	Accounts []indexer.AccountStatus `json:"accounts"`
	Markers  []database.SyncState    `json:"markers"`
}

// HandleSyncStatus reports the last outcome per account since start-up
// together with the stored progress markers.
func (c *Controller) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	markers, err := c.Store.ListSyncStates(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, syncStatusResponse{
		Running:  c.Scheduler.Running(),
		Accounts: c.Scheduler.Status(),
		Markers:  markers,
	})
}

// HandleTransaction returns the merged summary of a transaction hash, or the
// raw rows carrying the hash when no summary exists.
func (c *Controller) HandleTransaction(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if hash == "" {
		writeError(w, http.StatusBadRequest, "missing transaction hash")
		return
	}

	lookup, err := c.Store.GetTransaction(r.Context(), hash)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, lookup)
}
