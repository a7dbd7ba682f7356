package syncsvc

import (
	"time"

	"tblbridge/api/internal/bridge"
)

type EventKind string

const (
	EventCreate   EventKind = "CREATE"
	EventUpdate   EventKind = "UPDATE"
	EventDelete   EventKind = "DELETE"
	EventBulkSync EventKind = "BULK_SYNC"
)

// Event tells subscribers about a registry mutation. Record is set for CREATE and
// UPDATE and holds the removed record for DELETE. Bulk is set for BULK_SYNC only.
type Event struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	NodeID    string         `json:"nodeId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Record    *bridge.Record `json:"record,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	Bulk      *BulkSummary   `json:"bulk,omitempty"`
}

type BulkSummary struct {
	Total     int `json:"total"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}
