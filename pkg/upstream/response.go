package upstream

import (
	"encoding/json"

	"github.com/flare-foundation/rollup-archive-indexer/pkg/archive"
	"github.com/pkg/errors"
)

type eventGroup struct {
	BlockInfo json.RawMessage   `json:"blockInfo"`
	EventData []json.RawMessage `json:"eventData"`
}

type actionGroup struct {
	BlockInfo   json.RawMessage   `json:"blockInfo"`
	ActionState json.RawMessage   `json:"actionState"`
	ActionData  []json.RawMessage `json:"actionData"`
}

type blockInfo struct {
	Height *uint64 `json:"height"`
}

type actionState struct {
	ActionStateOne *string `json:"actionStateOne"`
	ActionStateTwo *string `json:"actionStateTwo"`
}

type transactionInfo struct {
	Hash           *string `json:"hash"`
	Memo           *string `json:"memo"`
	Status         *string `json:"status"`
	SequenceNumber *uint64 `json:"sequenceNumber"`
}

type dataItem struct {
	AccountUpdateID *string          `json:"accountUpdateId"`
	Data            []string         `json:"data"`
	TransactionInfo *transactionInfo `json:"transactionInfo"`
}

// flattenEvents turns block-grouped event data into one record per item. The
// record payload is the block info together with the item.
func flattenEvents(groups []eventGroup) ([]archive.Event, error) {
	var events []archive.Event

	for _, g := range groups {
		height, err := parseHeight(g.BlockInfo)
		if err != nil {
			return nil, err
		}

		for _, rawItem := range g.EventData {
			item, err := parseItem(rawItem)
			if err != nil {
				return nil, err
			}

			payload, err := json.Marshal(map[string]json.RawMessage{
				"blockInfo": g.BlockInfo,
				"eventData": rawItem,
			})
			if err != nil {
				return nil, errors.Wrap(ErrMalformedResponse, err.Error())
			}

			events = append(events, archive.Event{
				Height:          height,
				AccountUpdateID: item.AccountUpdateID,
				Data:            item.Data,
				TxInfo:          item.TransactionInfo.toArchive(),
				Raw:             payload,
			})
		}
	}

	return events, nil
}

func flattenActions(groups []actionGroup) ([]archive.Action, error) {
	var actions []archive.Action

	for _, g := range groups {
		height, err := parseHeight(g.BlockInfo)
		if err != nil {
			return nil, err
		}

		var state actionState
		if len(g.ActionState) > 0 {
			if err := json.Unmarshal(g.ActionState, &state); err != nil {
				return nil, errors.Wrap(ErrMalformedResponse, err.Error())
			}
		}

		for _, rawItem := range g.ActionData {
			item, err := parseItem(rawItem)
			if err != nil {
				return nil, err
			}

			fields := map[string]json.RawMessage{
				"blockInfo":  g.BlockInfo,
				"actionData": rawItem,
			}
			if len(g.ActionState) > 0 {
				fields["actionState"] = g.ActionState
			}

			payload, err := json.Marshal(fields)
			if err != nil {
				return nil, errors.Wrap(ErrMalformedResponse, err.Error())
			}

			actions = append(actions, archive.Action{
				Height:          height,
				AccountUpdateID: item.AccountUpdateID,
				Data:            item.Data,
				StateBefore:     state.ActionStateOne,
				StateAfter:      state.ActionStateTwo,
				TxInfo:          item.TransactionInfo.toArchive(),
				Raw:             payload,
			})
		}
	}

	return actions, nil
}

func parseHeight(raw json.RawMessage) (uint64, error) {
	var info blockInfo
	if len(raw) == 0 {
		return 0, errors.Wrap(ErrMalformedResponse, "missing blockInfo")
	}

	if err := json.Unmarshal(raw, &info); err != nil {
		return 0, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	if info.Height == nil {
		return 0, errors.Wrap(ErrMalformedResponse, "missing block height")
	}

	return *info.Height, nil
}

func parseItem(raw json.RawMessage) (*dataItem, error) {
	item := new(dataItem)
	if err := json.Unmarshal(raw, item); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	return item, nil
}

func (t *transactionInfo) toArchive() *archive.TransactionInfo {
	if t == nil {
		return nil
	}

	return &archive.TransactionInfo{
		Hash:           t.Hash,
		Memo:           t.Memo,
		Status:         t.Status,
		SequenceNumber: t.SequenceNumber,
	}
}
