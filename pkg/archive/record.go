// Package archive models the per-account event and action records returned
// by the sequencer's archive API.
package archive

import "encoding/json"

type Kind string

const (
	KindEvent  Kind = "event"
	KindAction Kind = "action"
)

// TransactionInfo describes the transaction a record was emitted by. Every
// field is optional upstream.
type TransactionInfo struct {
	Hash           *string
	Memo           *string
	Status         *string
	SequenceNumber *uint64
}

// TxHash reports the transaction hash, if the record carries one.
func (t *TransactionInfo) TxHash() (string, bool) {
	if t == nil || t.Hash == nil || *t.Hash == "" {
		return "", false
	}

	return *t.Hash, true
}

// Record is implemented by Event and Action only.
type Record interface {
	Kind() Kind
	BlockHeight() uint64
	Transaction() *TransactionInfo
	// Payload is the verbatim upstream JSON of the record.
	Payload() json.RawMessage

	sealed()
}

type Event struct {
	Height          uint64
	AccountUpdateID *string
	Data            []string
	TxInfo          *TransactionInfo
	Raw             json.RawMessage
}

func (e *Event) Kind() Kind { return KindEvent }
func (e *Event) BlockHeight() uint64 { return e.Height }
func (e *Event) Transaction() *TransactionInfo { return e.TxInfo }
func (e *Event) Payload() json.RawMessage { return e.Raw }
func (e *Event) sealed() {}

type Action struct {
	Height          uint64
	AccountUpdateID *string
	Data            []string
	StateBefore     *string
	StateAfter      *string
	TxInfo          *TransactionInfo
	Raw             json.RawMessage
}

func (a *Action) Kind() Kind { return KindAction }
func (a *Action) BlockHeight() uint64 { return a.Height }
func (a *Action) Transaction() *TransactionInfo { return a.TxInfo }
func (a *Action) Payload() json.RawMessage { return a.Raw }
func (a *Action) sealed() {}

// Archive is the complete currently visible history of one account.
type Archive struct {
	Events  []Event
	Actions []Action
}

// LatestHeight is the highest block height across all records, 0 if none.
func (a *Archive) LatestHeight() uint64 {
	var latest uint64
	for _, r := range a.Records() {
		if r.BlockHeight() > latest {
			latest = r.BlockHeight()
		}
	}

	return latest
}

// Records lists events first, then actions, each in upstream order.
func (a *Archive) Records() []Record {
	records := make([]Record, 0, len(a.Events)+len(a.Actions))
	for i := range a.Events {
		records = append(records, &a.Events[i])
	}
	for i := range a.Actions {
		records = append(records, &a.Actions[i])
	}

	return records
}
