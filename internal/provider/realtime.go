package provider

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// DefaultSchema is the schema every table lives in.
const DefaultSchema = "public"

// ChangeEvent is one row-level change. New is set for inserts and updates,
// Old for deletes.
type ChangeEvent struct {
	EventType       EventType       `json:"eventType"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
	New             json.RawMessage `json:"new,omitempty"`
	Old             json.RawMessage `json:"old,omitempty"`
}

// Record is the row the event is about.
func (e ChangeEvent) Record() json.RawMessage {
	if e.EventType == EventDelete {
		return e.Old
	}
	return e.New
}

// RecordID extracts the id column of the affected row.
func (e ChangeEvent) RecordID() (string, error) {
	var rec struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Record(), &rec); err != nil {
		return "", fmt.Errorf("decode change record: %w", err)
	}
	return rec.ID, nil
}

// Subscription selects events by table and an optional row filter in
// "column=eq.value" form.
type Subscription struct {
	Schema string
	Table  string
	Filter string
}

// Channel is the broadcast channel name for the subscription's table.
func (s Subscription) Channel() string {
	schema := s.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	return "realtime:" + schema + ":" + s.Table
}

// Matches reports whether ev satisfies the subscription.
func (s Subscription) Matches(ev ChangeEvent) (bool, error) {
	if ev.Table != s.Table {
		return false, nil
	}
	schema := s.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	if ev.Schema != "" && ev.Schema != schema {
		return false, nil
	}
	f, ok, err := ParseFilter(s.Filter)
	if err != nil || !ok {
		return err == nil, err
	}
	var rec map[string]any
	if err := json.Unmarshal(ev.Record(), &rec); err != nil {
		return false, fmt.Errorf("decode change record: %w", err)
	}
	v, present := rec[f.Column]
	if !present || v == nil {
		return false, nil
	}
	return fmt.Sprint(v) == fmt.Sprint(f.Value), nil
}
