// Package codec serialises records and history entries for byte-oriented
// backends.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	userstate "github.com/goliatone/go-userstate"
	"github.com/goliatone/go-userstate/overlay"
	"github.com/google/uuid"
)

type stateDoc struct {
	Fields  map[string]any `json:"fields"`
	Updated time.Time      `json:"updated"`
}

type historyDoc struct {
	ID        uuid.UUID      `json:"id"`
	User      string         `json:"user"`
	Block     string         `json:"block"`
	Scope     string         `json:"scope"`
	Operation string         `json:"op"`
	Fields    map[string]any `json:"fields"`
	Updated   time.Time      `json:"updated"`
}

// State is the decoded value of a state key.
type State struct {
	Fields  userstate.Fields
	Updated time.Time
}

// EncodeState serialises the stored part of a record.
func EncodeState(fields userstate.Fields, updated time.Time) ([]byte, error) {
	data, err := json.Marshal(stateDoc{Fields: fields, Updated: updated.UTC()})
	if err != nil {
		return nil, fmt.Errorf("codec: encode state: %w", err)
	}
	return data, nil
}

// DecodeState reverses EncodeState. Numbers come back as int64 or float64.
func DecodeState(data []byte) (State, error) {
	var doc stateDoc
	if err := decode(data, &doc); err != nil {
		return State{}, fmt.Errorf("codec: decode state: %w", err)
	}
	fields, err := overlay.Normalize(doc.Fields)
	if err != nil {
		return State{}, fmt.Errorf("codec: decode state: %w", err)
	}
	return State{Fields: fields, Updated: doc.Updated}, nil
}

// EncodeHistory serialises a history entry. Removal entries keep a null
// fields document.
func EncodeHistory(entry userstate.HistoryEntry) ([]byte, error) {
	doc := historyDoc{
		ID:        entry.ID,
		User:      string(entry.User),
		Block:     entry.Block.String(),
		Scope:     string(entry.Scope),
		Operation: string(entry.Operation),
		Fields:    entry.Fields,
		Updated:   entry.Updated.UTC(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("codec: encode history: %w", err)
	}
	return data, nil
}

// DecodeHistory reverses EncodeHistory.
func DecodeHistory(data []byte) (userstate.HistoryEntry, error) {
	var doc historyDoc
	if err := decode(data, &doc); err != nil {
		return userstate.HistoryEntry{}, fmt.Errorf("codec: decode history: %w", err)
	}
	block, err := userstate.ParseBlockKey(doc.Block)
	if err != nil {
		return userstate.HistoryEntry{}, fmt.Errorf("codec: decode history: %w", err)
	}
	fields, err := overlay.Normalize(doc.Fields)
	if err != nil {
		return userstate.HistoryEntry{}, fmt.Errorf("codec: decode history: %w", err)
	}
	return userstate.HistoryEntry{
		ID:        doc.ID,
		User:      userstate.UserID(doc.User),
		Block:     block,
		Scope:     userstate.Scope(doc.Scope),
		Operation: userstate.Operation(doc.Operation),
		Fields:    fields,
		Updated:   doc.Updated,
	}, nil
}

// NextUpdated returns the timestamp for a write that follows prev, keeping
// per-key timestamps monotonic when the clock steps back.
func NextUpdated(now, prev time.Time) time.Time {
	now = now.UTC()
	if !prev.IsZero() && !now.After(prev) {
		return prev.Add(time.Nanosecond).UTC()
	}
	return now
}

func decode(data []byte, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(out)
}
