package ledger

import (
	"bytes"
	"crypto/hmac"
	"encoding/json"
	"fmt"

	"mercator-hq/tally/internal/canonical"
	"mercator-hq/tally/pkg/costs"
)

// chainLink is the canonical content an entry hash covers.
type chainLink struct {
	Stream    string `json:"stream"`
	Sequence  uint64 `json:"sequence"`
	EventHash string `json:"event_hash"`
	PrevHash  string `json:"prev_hash"`
}

// EntryHash computes the chain hash of an entry.
func EntryHash(stream string, sequence uint64, eventHash, prevHash string) string {
	data, err := canonical.Marshal(chainLink{
		Stream:    stream,
		Sequence:  sequence,
		EventHash: eventHash,
		PrevHash:  prevHash,
	})
	if err != nil {
		panic(err)
	}
	return canonical.Hash(data)
}

func hashEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// checkRow verifies a single row against its expected predecessor hash and
// returns the decoded entry. The returned string is empty when the row is
// intact and otherwise describes the first problem found.
func checkRow(row *Row, prevHash string) (*Entry, string) {
	if !hashEqual(row.PrevHash, prevHash) {
		return nil, "previous hash does not match the preceding entry"
	}
	if !hashEqual(canonical.Hash(row.Payload), row.EventHash) {
		return nil, "event hash does not match the stored payload"
	}
	if !hashEqual(EntryHash(row.Stream, row.Sequence, row.EventHash, row.PrevHash), row.Hash) {
		return nil, "entry hash does not match the entry content"
	}

	entry, err := decodeRow(row)
	if err != nil {
		return nil, err.Error()
	}
	again, err := entry.Event.Canonical()
	if err != nil || !bytes.Equal(again, row.Payload) {
		return nil, "stored payload is not in canonical form"
	}
	if reason := indexMismatch(row, entry.Event); reason != "" {
		return nil, reason
	}
	return entry, ""
}

func indexMismatch(row *Row, e costs.Event) string {
	switch {
	case row.EventID != e.ID():
		return "indexed event id does not match the payload"
	case row.Kind != e.Kind:
		return "indexed kind does not match the payload"
	case row.ExecutionID != e.ExecutionID():
		return "indexed execution id does not match the payload"
	case row.Component != e.Component():
		return "indexed component does not match the payload"
	case !row.Timestamp.Equal(e.Timestamp()):
		return "indexed timestamp does not match the payload"
	}
	return ""
}

func decodeRow(row *Row) (*Entry, error) {
	var ev costs.Event
	if err := json.Unmarshal(row.Payload, &ev); err != nil {
		return nil, fmt.Errorf("stored payload cannot be decoded: %v", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("stored payload is not a valid event: %v", err)
	}
	return &Entry{
		Stream:    row.Stream,
		Sequence:  row.Sequence,
		Event:     ev,
		EventHash: row.EventHash,
		PrevHash:  row.PrevHash,
		Hash:      row.Hash,
	}, nil
}

func newRow(stream string, sequence uint64, ev costs.Event, payload []byte, prevHash string) *Row {
	row := &Row{
		Stream:      stream,
		Sequence:    sequence,
		EventID:     ev.ID(),
		Kind:        ev.Kind,
		ExecutionID: ev.ExecutionID(),
		Component:   ev.Component(),
		Action:      ev.Action(),
		Timestamp:   ev.Timestamp().UTC(),
		Payload:     payload,
		EventHash:   canonical.Hash(payload),
		PrevHash:    prevHash,
	}
	if ev.Cost != nil {
		row.Currency = ev.Cost.Currency
	}
	row.Hash = EntryHash(stream, sequence, row.EventHash, prevHash)
	return row
}
