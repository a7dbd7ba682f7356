package search

import (
	"tblbridge/api/internal/bridge"
	"tblbridge/api/internal/capacity"
	"tblbridge/api/internal/codec"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID            string            `json:"id"`
	Code          string            `json:"code"`
	Label         string            `json:"label"`
	TypeDigit     codec.TypeDigit   `json:"typeDigit"`
	CapacityDigit capacity.Capacity `json:"capacityDigit"`
	Snippet       string            `json:"snippet,omitempty"`
}

// Query describes a search request. Empty digit filters match everything.
type Query struct {
	Text           string
	FilterType     codec.TypeDigit
	FilterCapacity capacity.Capacity
	Limit          int
	Offset         int
}

// Response is the envelope returned to renderers.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Backend is a search engine holding RecordDocs.
type Backend interface {
	Search(q Query) ([]Result, int, error)
	IndexRecords(records []RecordDoc) error
	DeleteRecord(id string) error
	Healthy() bool
}

// RecordDoc is the data we index for a bridge record.
type RecordDoc struct {
	ID            string            `json:"id"`
	Code          string            `json:"code"`
	Label         string            `json:"label"`
	TypeDigit     codec.TypeDigit   `json:"typeDigit"`
	TypeLabel     string            `json:"typeLabel"`
	CapacityDigit capacity.Capacity `json:"capacityDigit"`
	CapacityLabel string            `json:"capacityLabel"`
	ParentID      string            `json:"parentId,omitempty"`
	Source        bridge.Source     `json:"source"`
	Confidence    int               `json:"confidence"`
}

func NewRecordDoc(r bridge.Record) RecordDoc {
	return RecordDoc{
		ID:            r.ID,
		Code:          r.Code,
		Label:         r.Label,
		TypeDigit:     r.TypeDigit,
		TypeLabel:     codec.TypeLabel(r.TypeDigit),
		CapacityDigit: r.CapacityDigit,
		CapacityLabel: codec.CapacityLabel(r.CapacityDigit),
		ParentID:      r.ParentID,
		Source:        r.Source,
		Confidence:    r.Confidence,
	}
}
