// Package syncsvc keeps a live bridge registry in step with the tree store: it
// applies node events, writes the registry through to a snapshot repository and
// tells subscribers about every mutation.
package syncsvc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tblbridge/api/internal/bridge"
	"tblbridge/api/internal/snapshot"
	"tblbridge/api/internal/tree"
)

// StorageError reports a snapshot failure. The registry keeps its in-memory state.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Subscriber receives events synchronously, after the mutation is applied.
type Subscriber func(ctx context.Context, event Event) error

type subscription struct {
	id   int
	name string
	fn   Subscriber
}

// Service owns one registry. All mutations are serialised by the service.
type Service struct {
	mu       sync.Mutex
	registry *bridge.Registry
	repo     snapshot.Repository
	counters counters
	now      func() time.Time
	logger   *log.Logger

	subMu  sync.RWMutex
	subs   []subscription
	nextID int
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(registry *bridge.Registry, repo snapshot.Repository, opts ...Option) *Service {
	if registry == nil {
		registry = bridge.New()
	}
	s := &Service{
		registry: registry,
		repo:     repo,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type StartReport struct {
	Loaded        int    `json:"loaded"`
	Reconstituted bool   `json:"reconstituted"`
	Reason        string `json:"reason,omitempty"`
}

// Start loads the last snapshot into the registry. A missing snapshot or a nil
// repository starts empty; an unreadable or invalid one resets the registry to
// empty and is reported as a reconstitution.
func (s *Service) Start(ctx context.Context) StartReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo == nil {
		s.registry.Clear()
		s.logger.Printf("sync: no snapshot repository, starting with an empty registry")
		registryRecords.Set(0)
		return StartReport{}
	}
	snap, err := s.repo.Load(ctx)
	if errors.Is(err, snapshot.ErrNotFound) {
		s.registry.Clear()
		s.logger.Printf("sync: no snapshot found, starting with an empty registry")
		registryRecords.Set(0)
		return StartReport{}
	}
	if err == nil {
		err = s.registry.Import(snap.Records)
	}
	if err != nil {
		s.registry.Clear()
		s.counters.reconstitutions++
		storageFailures.Inc()
		s.logger.Printf("sync: snapshot unusable, registry reconstituted empty: %v", err)
		registryRecords.Set(0)
		return StartReport{Reconstituted: true, Reason: err.Error()}
	}

	registryRecords.Set(float64(s.registry.Len()))
	s.logger.Printf("sync: loaded %d records from snapshot saved at %s", s.registry.Len(), snap.SavedAt.Format(time.RFC3339))
	return StartReport{Loaded: s.registry.Len()}
}

// NodeCreated and NodeUpdated both run the node through the registry; the event kind
// follows what the registry actually did.
func (s *Service) NodeCreated(ctx context.Context, node tree.Node) (bridge.Outcome, error) {
	return s.process(ctx, OpCreate, node)
}

func (s *Service) NodeUpdated(ctx context.Context, node tree.Node) (bridge.Outcome, error) {
	return s.process(ctx, OpUpdate, node)
}

func (s *Service) process(ctx context.Context, op Operation, node tree.Node) (bridge.Outcome, error) {
	s.mu.Lock()
	started := time.Now()
	out := s.registry.Process(ctx, node)
	s.counters.observe(op, time.Since(started))

	var kind EventKind
	switch out.Status {
	case bridge.StatusError:
		s.counters.errors++
		s.mu.Unlock()
		operationTotal.WithLabelValues(string(op), "error").Inc()
		return out, out.Err
	case bridge.StatusUnchanged:
		s.counters.unchanged++
		s.mu.Unlock()
		operationTotal.WithLabelValues(string(op), string(out.Status)).Inc()
		return out, nil
	case bridge.StatusCreated:
		s.counters.created++
		kind = EventCreate
	default:
		s.counters.updated++
		kind = EventUpdate
	}
	s.counters.lastSync = s.now()
	storeErr := s.persist(ctx)
	event := s.event(kind, node.ID)
	event.Record = out.Record
	event.Warnings = out.Warnings
	s.mu.Unlock()

	operationTotal.WithLabelValues(string(op), string(out.Status)).Inc()
	s.publish(ctx, event)
	if storeErr != nil {
		return out, storeErr
	}
	return out, nil
}

// NodeDeleted removes the node's record. Deleting an unknown node is a no-op.
func (s *Service) NodeDeleted(ctx context.Context, id string) (bridge.Record, bool, error) {
	s.mu.Lock()
	started := time.Now()
	removed, ok := s.registry.Delete(id)
	s.counters.observe(OpDelete, time.Since(started))
	if !ok {
		s.mu.Unlock()
		operationTotal.WithLabelValues(string(OpDelete), "missing").Inc()
		return bridge.Record{}, false, nil
	}
	s.counters.deleted++
	s.counters.lastSync = s.now()
	storeErr := s.persist(ctx)
	event := s.event(EventDelete, id)
	event.Record = &removed
	s.mu.Unlock()

	operationTotal.WithLabelValues(string(OpDelete), "deleted").Inc()
	s.publish(ctx, event)
	return removed, true, storeErr
}

// BulkResult lists the outcome of every node of a bulk sync in processing order.
type BulkResult struct {
	Summary  BulkSummary      `json:"summary"`
	Outcomes []bridge.Outcome `json:"outcomes"`
	NodeIDs  []string         `json:"nodeIds"`
}

// BulkSync processes many nodes parents first, saves once, and emits a single
// BULK_SYNC event. A node that fails is reported in the result and does not stop the
// others.
func (s *Service) BulkSync(ctx context.Context, nodes []tree.Node) (BulkResult, error) {
	ordered, orderErr := tree.Order(nodes)
	var cycles *tree.CycleError
	if orderErr != nil && errors.As(orderErr, &cycles) {
		s.logger.Printf("sync: bulk sync: %v", cycles)
	}

	s.mu.Lock()
	started := time.Now()
	result := BulkResult{
		Outcomes: make([]bridge.Outcome, 0, len(ordered)),
		NodeIDs:  make([]string, 0, len(ordered)),
	}
	result.Summary.Total = len(ordered)
	for _, node := range ordered {
		out := s.registry.Process(ctx, node)
		switch out.Status {
		case bridge.StatusCreated:
			result.Summary.Created++
		case bridge.StatusUpdated:
			result.Summary.Updated++
		case bridge.StatusUnchanged:
			result.Summary.Unchanged++
		default:
			result.Summary.Failed++
			s.logger.Printf("sync: bulk sync: node %s: %s", node.ID, out.Message)
		}
		result.Outcomes = append(result.Outcomes, out)
		result.NodeIDs = append(result.NodeIDs, node.ID)
	}
	s.counters.observe(OpBulk, time.Since(started))
	s.counters.bulkSyncs++
	s.counters.created += result.Summary.Created
	s.counters.updated += result.Summary.Updated
	s.counters.unchanged += result.Summary.Unchanged
	s.counters.errors += result.Summary.Failed

	if result.Summary.Created+result.Summary.Updated == 0 {
		s.mu.Unlock()
		operationTotal.WithLabelValues(string(OpBulk), "unchanged").Inc()
		return result, nil
	}
	s.counters.lastSync = s.now()
	storeErr := s.persist(ctx)
	event := s.event(EventBulkSync, "")
	summary := result.Summary
	event.Bulk = &summary
	s.mu.Unlock()

	operationTotal.WithLabelValues(string(OpBulk), "synced").Inc()
	s.publish(ctx, event)
	return result, storeErr
}

// persist writes the registry through to the repository. Callers hold s.mu.
func (s *Service) persist(ctx context.Context) error {
	registryRecords.Set(float64(s.registry.Len()))
	if s.repo == nil {
		return nil
	}
	err := s.repo.Save(ctx, snapshot.Snapshot{SavedAt: s.now(), Records: s.registry.Export()})
	if err != nil {
		s.counters.storageErrors++
		storageFailures.Inc()
		s.logger.Printf("sync: save snapshot: %v", err)
		return &StorageError{Op: "save", Err: err}
	}
	return nil
}

func (s *Service) event(kind EventKind, nodeID string) Event {
	return Event{ID: uuid.NewString(), Kind: kind, NodeID: nodeID, Timestamp: s.now()}
}

// Subscribe registers fn under name and returns a function that removes it.
func (s *Service) Subscribe(name string, fn Subscriber) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription{id: id, name: name, fn: fn})
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Service) publish(ctx context.Context, event Event) {
	s.subMu.RLock()
	subs := append([]subscription(nil), s.subs...)
	s.subMu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	for _, sub := range subs {
		if err := deliver(ctx, sub, event); err != nil {
			s.mu.Lock()
			s.counters.subscriberErrors++
			s.mu.Unlock()
			subscriberFailures.WithLabelValues(sub.name).Inc()
			s.logger.Printf("sync: subscriber %s failed on %s %s: %v", sub.name, event.Kind, event.ID, err)
		}
	}
	eventsDelivered.WithLabelValues(string(event.Kind)).Inc()
}

func deliver(ctx context.Context, sub subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.fn(ctx, event)
}

// Stats returns a copy of the service counters and the registry statistics.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters
	stats := Stats{
		Created:          c.created,
		Updated:          c.updated,
		Unchanged:        c.unchanged,
		Deleted:          c.deleted,
		BulkSyncs:        c.bulkSyncs,
		Errors:           c.errors,
		StorageErrors:    c.storageErrors,
		SubscriberErrors: c.subscriberErrors,
		Reconstitutions:  c.reconstitutions,
		LastSync:         c.lastSync,
		AverageDuration:  map[Operation]time.Duration{},
		Registry:         s.registry.Statistics(),
	}
	for op, w := range c.windows {
		stats.AverageDuration[op] = w.average()
	}
	return stats
}

// Lookup helpers read the registry under the service lock.
func (s *Service) ByID(id string) (bridge.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.ByID(id)
}

func (s *Service) ByCode(code string) (bridge.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.ByCode(code)
}

func (s *Service) All() []bridge.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.All()
}
