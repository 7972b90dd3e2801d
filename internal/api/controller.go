// Package api is the operator HTTP surface of the indexer.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/config"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/database"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/indexer"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Store interface {
	UpsertTrackedAccount(ctx context.Context, id database.AccountIdentity, sequencerURL string, backfill bool) (*database.TrackedAccount, error)
	ListTrackedAccounts(ctx context.Context) ([]database.TrackedAccount, error)
	GetTrackedAccount(ctx context.Context, id database.AccountIdentity) (*database.TrackedAccount, error)
	DisableTrackedAccount(ctx context.Context, id database.AccountIdentity) error
	GetTransaction(ctx context.Context, hash string) (*database.TransactionLookup, error)
	ListEvents(ctx context.Context, id database.AccountIdentity, limit int) ([]database.Event, error)
	ListActions(ctx context.Context, id database.AccountIdentity, limit int) ([]database.Action, error)
	ListSyncStates(ctx context.Context) ([]database.SyncState, error)
	GetVersion(ctx context.Context) (*database.Version, error)
	Ping(ctx context.Context) error
}

type Scheduler interface {
	Sweep(ctx context.Context) (*indexer.SweepReport, error)
	SyncOne(ctx context.Context, account *database.TrackedAccount) (*indexer.SyncResult, error)
	Status() []indexer.AccountStatus
	Running() bool
}

type Controller struct {
	Store               Store
	Scheduler           Scheduler
	DefaultSequencerURL string
}

func NewController(store Store, scheduler Scheduler, cfg *config.Indexer) *Controller {
	return &Controller{
		Store:               store,
		Scheduler:           scheduler,
		DefaultSequencerURL: cfg.DefaultSequencerURL,
	}
}

// NewRouter returns a router with every route of the API.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/health", c.HandleHealth).Methods("GET")
	r.HandleFunc("/version", c.HandleVersion).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/accounts", c.HandleTrackAccount).Methods("POST")
	r.HandleFunc("/accounts", c.HandleListAccounts).Methods("GET")
	r.HandleFunc("/accounts/{publicKey}", c.HandleUntrackAccount).Methods("DELETE")
	r.HandleFunc("/accounts/{publicKey}/sync", c.HandleSyncAccount).Methods("POST")
	r.HandleFunc("/accounts/{publicKey}/events", c.HandleAccountEvents).Methods("GET")
	r.HandleFunc("/accounts/{publicKey}/actions", c.HandleAccountActions).Methods("GET")

	r.HandleFunc("/sync", c.HandleSweep).Methods("POST")
	r.HandleFunc("/sync/status", c.HandleSyncStatus).Methods("GET")

	r.HandleFunc("/transactions/{hash}", c.HandleTransaction).Methods("GET")

	return r
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// writeFailure maps domain errors to status codes. Internal failures are
// logged and not echoed.
func writeFailure(w http.ResponseWriter, err error) {
	var upstreamErr *indexer.UpstreamError

	switch {
	case errors.Is(err, database.ErrAccountNotFound), errors.Is(err, database.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, config.ErrInvalidSourceURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &upstreamErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		logger.Errorf("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
