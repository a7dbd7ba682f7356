package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tblbridge/api/internal/capacity"
	"tblbridge/api/internal/codec"
	"tblbridge/api/internal/tree"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusUpdated   Status = "updated"
	StatusUnchanged Status = "unchanged"
	StatusError     Status = "error"
)

// Outcome is the result of one Process call. Record is a copy; mutating it does not
// touch the registry.
type Outcome struct {
	Status            Status   `json:"status"`
	Record            *Record  `json:"record,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
	Message           string   `json:"message"`
	CollisionResolved bool     `json:"collisionResolved,omitempty"`
	Err               error    `json:"-"`
}

const defaultParentSlugLength = 12

// Registry maps node ids to bridge records and codes back to ids.
//
// A Registry does no locking. Callers must serialise mutations (Process, Delete,
// Override, Clear, Import); reads may run concurrently with each other only.
type Registry struct {
	byID   map[string]Record
	byCode map[string]string

	lookup           tree.Lookup
	allowDuplicates  bool
	parentSlugLength int
	now              func() time.Time
}

type Option func(*Registry)

// WithLookup lets the registry resolve parents it has not registered yet.
func WithLookup(lookup tree.Lookup) Option {
	return func(r *Registry) { r.lookup = lookup }
}

// WithDuplicateNames allows numeric suffixes once parent context is not enough to
// make a code unique.
func WithDuplicateNames(allow bool) Option {
	return func(r *Registry) { r.allowDuplicates = allow }
}

func WithParentSlugLength(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.parentSlugLength = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		byID:             map[string]Record{},
		byCode:           map[string]string{},
		parentSlugLength: defaultParentSlugLength,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process registers a node or refreshes its record. The registry is left untouched
// whenever the outcome is an error.
func (r *Registry) Process(ctx context.Context, node tree.Node) Outcome {
	if err := tree.Validate(node); err != nil {
		return failed(err)
	}

	parent := r.parentInfo(ctx, node)
	detected := capacity.Detect(node)
	typeDigit, warnings := codec.DeriveType(node.Type, parent.info)
	warnings = append(warnings, parent.warnings...)
	warnings = append(warnings, detected.Warnings...)

	existing, ok := r.byID[node.ID]
	if !ok {
		return r.create(node, parent, typeDigit, detected, warnings)
	}
	return r.update(existing, node, parent, typeDigit, detected, warnings)
}

func (r *Registry) create(node tree.Node, parent resolvedParent, typeDigit codec.TypeDigit, detected capacity.Result, warnings []string) Outcome {
	code, resolved, err := r.assignCode(node.ID, typeDigit, detected.Capacity, node.Label, parent)
	if err != nil {
		return failed(err)
	}

	now := r.now()
	record := Record{
		ID:            node.ID,
		Label:         node.Label,
		NodeType:      node.Type,
		ParentID:      node.Parent(),
		Code:          code,
		TypeDigit:     typeDigit,
		CapacityDigit: detected.Capacity,
		Confidence:    detected.Confidence,
		Source:        SourceAuto,
		Payload:       payloadFor(node, detected.Capacity),
		Fingerprint:   fingerprint(node),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := record.Check(); err != nil {
		return failed(err)
	}
	r.put(record, "")

	out := record.clone()
	return Outcome{
		Status:            StatusCreated,
		Record:            &out,
		Warnings:          warnings,
		Message:           fmt.Sprintf("created %s for node %s", code, node.ID),
		CollisionResolved: resolved,
	}
}

func (r *Registry) update(existing Record, node tree.Node, parent resolvedParent, typeDigit codec.TypeDigit, detected capacity.Result, warnings []string) Outcome {
	capacityDigit := detected.Capacity
	confidence := detected.Confidence
	if existing.Source == SourceManual {
		typeDigit = existing.TypeDigit
		capacityDigit = existing.CapacityDigit
		confidence = existing.Confidence
	}

	digest := fingerprint(node)
	var changes []string
	if existing.Label != node.Label {
		changes = append(changes, fmt.Sprintf("label changed: %q → %q", existing.Label, node.Label))
	}
	if existing.NodeType != node.Type {
		changes = append(changes, fmt.Sprintf("node type changed: %s → %s", existing.NodeType, node.Type))
	}
	if existing.ParentID != node.Parent() {
		changes = append(changes, fmt.Sprintf("parent changed: %q → %q", existing.ParentID, node.Parent()))
	}
	if existing.TypeDigit != typeDigit {
		changes = append(changes, fmt.Sprintf("type changed: %s → %s", existing.TypeDigit, typeDigit))
	}
	if existing.CapacityDigit != capacityDigit {
		changes = append(changes, fmt.Sprintf("capacity changed: %s → %s", existing.CapacityDigit, capacityDigit))
	}
	if len(changes) == 0 && existing.Fingerprint != digest {
		changes = append(changes, "value or capacity signals changed")
	}
	if len(changes) == 0 {
		out := existing.clone()
		return Outcome{Status: StatusUnchanged, Record: &out, Warnings: warnings, Message: fmt.Sprintf("node %s unchanged", node.ID)}
	}

	code := existing.Code
	resolved := false
	if existing.Label != node.Label || existing.TypeDigit != typeDigit || existing.CapacityDigit != capacityDigit {
		var err error
		code, resolved, err = r.assignCode(node.ID, typeDigit, capacityDigit, node.Label, parent)
		if err != nil {
			return failed(err)
		}
		if code != existing.Code {
			changes = append(changes, fmt.Sprintf("code changed: %s → %s", existing.Code, code))
		}
	}

	record := existing
	record.Label = node.Label
	record.NodeType = node.Type
	record.ParentID = node.Parent()
	record.Code = code
	record.TypeDigit = typeDigit
	record.CapacityDigit = capacityDigit
	record.Confidence = confidence
	record.Payload = payloadFor(node, capacityDigit)
	record.Fingerprint = digest
	record.UpdatedAt = r.now()
	if err := record.Check(); err != nil {
		return failed(err)
	}
	r.put(record, existing.Code)

	out := record.clone()
	return Outcome{
		Status:            StatusUpdated,
		Record:            &out,
		Warnings:          append(warnings, changes...),
		Message:           fmt.Sprintf("updated node %s: %s", node.ID, strings.Join(changes, "; ")),
		CollisionResolved: resolved,
	}
}

// Override pins a record's type and capacity. The record becomes manual and later
// Process calls keep the pinned digits while still following label changes.
func (r *Registry) Override(id string, typeDigit codec.TypeDigit, capacityDigit capacity.Capacity) Outcome {
	existing, ok := r.byID[id]
	if !ok {
		return failed(fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	parent := r.parentInfo(context.Background(), tree.Node{ID: id, ParentID: &existing.ParentID})
	code, resolved, err := r.assignCode(id, typeDigit, capacityDigit, existing.Label, parent)
	if err != nil {
		return failed(err)
	}

	record := existing
	record.Code = code
	record.TypeDigit = typeDigit
	record.CapacityDigit = capacityDigit
	record.Confidence = 100
	record.Source = SourceManual
	record.Payload = nil
	if capacityDigit != capacity.Neutral {
		record.Payload = &Payload{Kind: capacityDigit}
		if existing.Payload != nil && existing.Payload.Kind == capacityDigit {
			record.Payload.Ref = existing.Payload.Ref
		}
	}
	record.UpdatedAt = r.now()
	if err := record.Check(); err != nil {
		return failed(err)
	}
	r.put(record, existing.Code)

	out := record.clone()
	return Outcome{
		Status:            StatusUpdated,
		Record:            &out,
		Message:           fmt.Sprintf("node %s pinned to %s", id, code),
		CollisionResolved: resolved,
	}
}

// Delete removes the record of a node and releases its code.
func (r *Registry) Delete(id string) (Record, bool) {
	existing, ok := r.byID[id]
	if !ok {
		return Record{}, false
	}
	delete(r.byCode, existing.Code)
	delete(r.byID, id)
	return existing.clone(), true
}

// put swaps a record into both maps, releasing oldCode first.
func (r *Registry) put(record Record, oldCode string) {
	if oldCode != "" && oldCode != record.Code {
		delete(r.byCode, oldCode)
	}
	r.byCode[record.Code] = record.ID
	r.byID[record.ID] = record
}

func failed(err error) Outcome {
	return Outcome{Status: StatusError, Message: err.Error(), Err: err}
}

type resolvedParent struct {
	info     codec.ParentInfo
	warnings []string
}

// parentInfo resolves the node's parent from the registry first, then from the
// lookup collaborator when one is configured.
func (r *Registry) parentInfo(ctx context.Context, node tree.Node) resolvedParent {
	id := node.Parent()
	if id == "" {
		return resolvedParent{}
	}
	if record, ok := r.byID[id]; ok {
		return resolvedParent{info: codec.ParentInfo{ID: id, Known: true, Type: record.NodeType, Label: record.Label}}
	}
	if r.lookup == nil {
		return resolvedParent{info: codec.ParentInfo{ID: id}}
	}
	parent, found, err := r.lookup.LookupNode(ctx, id)
	if err != nil {
		return resolvedParent{
			info:     codec.ParentInfo{ID: id},
			warnings: []string{fmt.Sprintf("parent lookup %s failed: %v", id, err)},
		}
	}
	if !found {
		return resolvedParent{info: codec.ParentInfo{ID: id}}
	}
	return resolvedParent{info: codec.ParentInfo{ID: id, Known: true, Type: parent.Type, Label: parent.Label}}
}

var ErrNotFound = errors.New("record not found")

func (r *Registry) ByID(id string) (Record, bool) {
	record, ok := r.byID[id]
	if !ok {
		return Record{}, false
	}
	return record.clone(), true
}

func (r *Registry) ByCode(code string) (Record, bool) {
	id, ok := r.byCode[code]
	if !ok {
		return Record{}, false
	}
	return r.ByID(id)
}

func (r *Registry) ListByType(typeDigit codec.TypeDigit) []Record {
	return r.filter(func(record Record) bool { return record.TypeDigit == typeDigit })
}

func (r *Registry) ListByCapacity(capacityDigit capacity.Capacity) []Record {
	return r.filter(func(record Record) bool { return record.CapacityDigit == capacityDigit })
}

// All returns every record ordered by code.
func (r *Registry) All() []Record {
	return r.filter(func(Record) bool { return true })
}

func (r *Registry) Len() int {
	return len(r.byID)
}

func (r *Registry) filter(keep func(Record) bool) []Record {
	out := []Record{}
	for _, record := range r.byID {
		if keep(record) {
			out = append(out, record.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (r *Registry) Clear() {
	r.byID = map[string]Record{}
	r.byCode = map[string]string{}
}

// Export returns a copy of every record keyed by node id.
func (r *Registry) Export() map[string]Record {
	out := make(map[string]Record, len(r.byID))
	for id, record := range r.byID {
		out[id] = record.clone()
	}
	return out
}

// Import replaces the registry contents. Every record is checked and both indexes
// are built before anything is swapped in; on error the registry keeps its previous
// contents.
func (r *Registry) Import(records map[string]Record) error {
	byID := make(map[string]Record, len(records))
	byCode := make(map[string]string, len(records))
	for key, record := range records {
		if key != record.ID {
			return fmt.Errorf("import record %q: key does not match id %q", key, record.ID)
		}
		if err := record.Check(); err != nil {
			return fmt.Errorf("import: %w", err)
		}
		if other, taken := byCode[record.Code]; taken {
			return fmt.Errorf("import: %w: %s used by %s and %s", ErrCollision, record.Code, other, record.ID)
		}
		byCode[record.Code] = record.ID
		byID[record.ID] = record.clone()
	}
	r.byID = byID
	r.byCode = byCode
	return nil
}
