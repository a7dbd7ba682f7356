package search

import (
	"context"
	"log"
	"sort"
	"strings"

	"tblbridge/api/internal/bridge"
	"tblbridge/api/internal/codec"
	"tblbridge/api/internal/syncsvc"
)

// Service is the facade that tries the search backend first and falls back to a scan
// of the live registry.
type Service struct {
	backend Backend
	records func() []bridge.Record
}

// NewService creates a search service. backend may be nil if Meilisearch is not
// configured; records supplies the registry contents for the fallback and reindexing.
func NewService(backend Backend, records func() []bridge.Record) *Service {
	return &Service{backend: backend, records: records}
}

func (s *Service) available() bool {
	return s.backend != nil && s.backend.Healthy()
}

// Search tries the backend if healthy, otherwise scans the registry.
func (s *Service) Search(q Query) Response {
	if s.available() {
		results, total, err := s.backend.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to registry scan: %v", err)
	}
	results, total := scan(s.records, q)
	return Response{Results: results, Total: total, Query: q.Text}
}

// Subscriber keeps the index in step with registry events. Index failures are logged
// and returned so the sync service counts them.
func (s *Service) Subscriber() syncsvc.Subscriber {
	return func(ctx context.Context, event syncsvc.Event) error {
		if !s.available() {
			return nil
		}
		switch event.Kind {
		case syncsvc.EventCreate, syncsvc.EventUpdate:
			if event.Record == nil {
				return nil
			}
			if err := s.backend.IndexRecords([]RecordDoc{NewRecordDoc(*event.Record)}); err != nil {
				log.Printf("search: index record %s: %v", event.NodeID, err)
				return err
			}
		case syncsvc.EventDelete:
			if err := s.backend.DeleteRecord(event.NodeID); err != nil {
				log.Printf("search: delete record %s: %v", event.NodeID, err)
				return err
			}
		case syncsvc.EventBulkSync:
			return s.ReindexAll(ctx)
		}
		return nil
	}
}

// ReindexAll pushes every registry record to the backend.
func (s *Service) ReindexAll(ctx context.Context) error {
	if !s.available() || s.records == nil {
		return nil
	}
	records := s.records()
	docs := make([]RecordDoc, 0, len(records))
	for _, r := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		docs = append(docs, NewRecordDoc(r))
	}
	if err := s.backend.IndexRecords(docs); err != nil {
		log.Printf("search: reindex %d records: %v", len(docs), err)
		return err
	}
	return nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// scan matches the query text against label, code and slug, case and accent
// insensitive.
func scan(records func() []bridge.Record, q Query) ([]Result, int) {
	if records == nil {
		return []Result{}, 0
	}
	needle := codec.Slug(q.Text)
	var matched []Result
	for _, r := range records() {
		if q.FilterType != "" && r.TypeDigit != q.FilterType {
			continue
		}
		if q.FilterCapacity != "" && r.CapacityDigit != q.FilterCapacity {
			continue
		}
		if needle != "" && !strings.Contains(codec.Slug(r.Label), needle) && !strings.Contains(r.Code, needle) {
			continue
		}
		matched = append(matched, Result{
			ID:            r.ID,
			Code:          r.Code,
			Label:         r.Label,
			TypeDigit:     r.TypeDigit,
			CapacityDigit: r.CapacityDigit,
		})
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Code < matched[j].Code })

	total := len(matched)
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return append([]Result{}, matched[start:end]...), total
}
