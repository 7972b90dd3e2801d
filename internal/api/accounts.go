package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/config"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/database"
	"github.com/gorilla/mux"
)

const (
	maxRequestBytes   = 64 << 10
	maxIdentityLength = 64
)

type trackRequest struct {
	PublicKey    string  `json:"publicKey"`
	TokenID      *string `json:"tokenId"`
	SequencerURL string  `json:"sequencerUrl"`
	Backfill     bool    `json:"backfill"`
}

// HandleTrackAccount registers an account or updates its source and mode.
// An omitted sequencerUrl falls back to the configured default.
func (c *Controller) HandleTrackAccount(w http.ResponseWriter, r *http.Request) {
	var req trackRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req.PublicKey = strings.TrimSpace(req.PublicKey)
	if req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "missing publicKey")
		return
	}

	if req.TokenID != nil && strings.TrimSpace(*req.TokenID) == "" {
		writeError(w, http.StatusBadRequest, "tokenId must be omitted or non-empty")
		return
	}

	if len(req.PublicKey) > maxIdentityLength || (req.TokenID != nil && len(*req.TokenID) > maxIdentityLength) {
		writeError(w, http.StatusBadRequest, "publicKey and tokenId are limited to 64 characters")
		return
	}

	sequencerURL := strings.TrimSpace(req.SequencerURL)
	if sequencerURL == "" {
		sequencerURL = c.DefaultSequencerURL
	}
	if sequencerURL == "" {
		writeError(w, http.StatusBadRequest, "missing sequencerUrl and no default configured")
		return
	}

	if err := config.ValidateSourceURL(sequencerURL); err != nil {
		writeFailure(w, err)
		return
	}

	id := database.AccountIdentity{PublicKey: req.PublicKey, TokenID: req.TokenID}

	account, err := c.Store.UpsertTrackedAccount(r.Context(), id, sequencerURL, req.Backfill)
	if err != nil {
		writeFailure(w, err)
		return
	}

	logger.Infof("tracking %s from %s (backfill %t)", id, sequencerURL, req.Backfill)

	writeJSON(w, http.StatusOK, account)
}

func (c *Controller) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := c.Store.ListTrackedAccounts(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}

	if accounts == nil {
		accounts = []database.TrackedAccount{}
	}

	writeJSON(w, http.StatusOK, accounts)
}

// HandleUntrackAccount disables polling. Ingested data and the cursor stay.
func (c *Controller) HandleUntrackAccount(w http.ResponseWriter, r *http.Request) {
	id := identityFromRequest(r)

	if err := c.Store.DisableTrackedAccount(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}

	logger.Infof("stopped tracking %s", id)

	w.WriteHeader(http.StatusNoContent)
}

// HandleSyncAccount runs one sync of a tracked account and returns its
// result. Upstream failures answer 502, storage failures 500.
func (c *Controller) HandleSyncAccount(w http.ResponseWriter, r *http.Request) {
	id := identityFromRequest(r)

	account, err := c.Store.GetTrackedAccount(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	// the sync outlives a dropped client
	result, err := c.Scheduler.SyncOne(context.WithoutCancel(r.Context()), account)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (c *Controller) HandleAccountEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	events, err := c.Store.ListEvents(r.Context(), identityFromRequest(r), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}

	if events == nil {
		events = []database.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}

func (c *Controller) HandleAccountActions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	actions, err := c.Store.ListActions(r.Context(), identityFromRequest(r), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}

	if actions == nil {
		actions = []database.Action{}
	}

	writeJSON(w, http.StatusOK, actions)
}

// identityFromRequest reads the account from the path and the optional
// tokenId query parameter. An empty tokenId means no token.
func identityFromRequest(r *http.Request) database.AccountIdentity {
	id := database.AccountIdentity{PublicKey: mux.Vars(r)["publicKey"]}

	if token := r.URL.Query().Get("tokenId"); token != "" {
		id.TokenID = &token
	}

	return id
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return 0, false
	}

	return limit, true
}
