package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"tblbridge/api/internal/capacity"
	"tblbridge/api/internal/codec"
	"tblbridge/api/internal/tree"
)

type fakeLookup struct {
	lookupFn func(context.Context, string) (tree.Node, bool, error)
}

func (f *fakeLookup) LookupNode(ctx context.Context, id string) (tree.Node, bool, error) {
	if f.lookupFn != nil {
		return f.lookupFn(ctx, id)
	}
	return tree.Node{}, false, nil
}

func fixedClock() func() time.Time {
	current := time.Date(2025, 8, 19, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func newTestRegistry(opts ...Option) *Registry {
	return New(append([]Option{WithClock(fixedClock())}, opts...)...)
}

var sampleNodes = []tree.Node{
	{ID: "uuid-branch-1", Label: "Devis Électrique", Type: tree.TypeBranch},
	{ID: "uuid-section-3", Label: "Résultats", Type: tree.TypeSection, ParentID: tree.StringPtr("uuid-branch-1"), TablePresent: tree.BoolPtr(true), TableRef: "table-456"},
	{ID: "uuid-field-2", Label: "Calcul du prix total", Type: tree.TypeLeafField, ParentID: tree.StringPtr("uuid-section-3"), FormulaPresent: tree.BoolPtr(true), FormulaRef: "formula-123"},
	{ID: "uuid-option-4", Label: "Particulier", Type: tree.TypeLeafOption, ParentID: tree.StringPtr("uuid-branch-1")},
	{ID: "uuid-condition-5", Label: "Remise si professionnel", Type: tree.TypeLeafField, ConditionPresent: tree.BoolPtr(true), ConditionRef: "condition-789"},
}

func mustProcess(t *testing.T, r *Registry, node tree.Node) Outcome {
	t.Helper()
	out := r.Process(context.Background(), node)
	if out.Status == StatusError {
		t.Fatalf("Process(%s) failed: %s", node.ID, out.Message)
	}
	return out
}

func TestProcessCreatesRecords(t *testing.T) {
	r := newTestRegistry()
	want := map[string]string{
		"uuid-branch-1":    "11-devis-electrique",
		"uuid-section-3":   "74-resultats",
		"uuid-field-2":     "62-calcul-du-prix-total",
		"uuid-option-4":    "41-particulier",
		"uuid-condition-5": "33-remise-si-professionnel",
	}
	for _, node := range sampleNodes {
		out := mustProcess(t, r, node)
		if out.Status != StatusCreated {
			t.Fatalf("%s: status %s", node.ID, out.Status)
		}
		if out.Record.Code != want[node.ID] {
			t.Fatalf("%s: code %q, want %q", node.ID, out.Record.Code, want[node.ID])
		}
	}

	field, ok := r.ByID("uuid-field-2")
	if !ok {
		t.Fatal("field record missing")
	}
	formula, ok := field.Formula()
	if !ok || formula.Ref != "formula-123" {
		t.Fatalf("formula payload = %+v, %v", formula, ok)
	}
	if _, ok := field.Table(); ok {
		t.Fatal("formula record must not expose a table payload")
	}
	if branch, _ := r.ByID("uuid-branch-1"); branch.Payload != nil {
		t.Fatalf("neutral record carries payload %+v", branch.Payload)
	}
}

func TestProcessSectionIsAlwaysTable(t *testing.T) {
	r := newTestRegistry()
	out := mustProcess(t, r, tree.Node{ID: "s", Label: "Totaux", Type: tree.TypeSection, FormulaPresent: tree.BoolPtr(true), ConditionRef: "c"})
	if out.Record.TypeDigit != codec.Section || out.Record.CapacityDigit != capacity.Table {
		t.Fatalf("section classified as %s%s", out.Record.TypeDigit, out.Record.CapacityDigit)
	}
}

func TestProcessUnchangedIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	node := tree.Node{ID: "a", Label: "Devis", Type: tree.TypeBranch, Value: map[string]any{"x": 1}}
	first := mustProcess(t, r, node)
	second := mustProcess(t, r, node)
	if second.Status != StatusUnchanged {
		t.Fatalf("second status = %s", second.Status)
	}
	if first.Record.Code != second.Record.Code {
		t.Fatalf("code churn: %s -> %s", first.Record.Code, second.Record.Code)
	}
	if !second.Record.UpdatedAt.Equal(first.Record.UpdatedAt) {
		t.Fatal("unchanged node must not bump updatedAt")
	}
}

func TestProcessUpdateReleasesOldCode(t *testing.T) {
	r := newTestRegistry()
	node := tree.Node{ID: "a", Label: "Devis Électrique", Type: tree.TypeBranch}
	created := mustProcess(t, r, node)

	node.Label = "Devis Électrique Modifié"
	updated := mustProcess(t, r, node)
	if updated.Status != StatusUpdated {
		t.Fatalf("status = %s", updated.Status)
	}
	if updated.Record.Code != "11-devis-electrique-modifie" {
		t.Fatalf("code = %s", updated.Record.Code)
	}
	if _, ok := r.ByCode(created.Record.Code); ok {
		t.Fatal("old code still indexed")
	}
	if !updated.Record.CreatedAt.Equal(created.Record.CreatedAt) {
		t.Fatal("createdAt must survive updates")
	}
	if !updated.Record.UpdatedAt.After(created.Record.UpdatedAt) {
		t.Fatal("updatedAt must move forward")
	}

	// The freed code is available to another node.
	other := mustProcess(t, r, tree.Node{ID: "b", Label: "Devis Électrique", Type: tree.TypeBranch})
	if other.Record.Code != created.Record.Code {
		t.Fatalf("freed code not reused: %s", other.Record.Code)
	}
}

func TestProcessCapacityChangeWarning(t *testing.T) {
	r := newTestRegistry()
	node := tree.Node{ID: "f", Label: "Prix", Type: tree.TypeLeafField}
	mustProcess(t, r, node)

	node.FormulaPresent = tree.BoolPtr(true)
	out := mustProcess(t, r, node)
	if out.Status != StatusUpdated {
		t.Fatalf("status = %s", out.Status)
	}
	if out.Record.Code != "32-prix" {
		t.Fatalf("code = %s", out.Record.Code)
	}
	found := false
	for _, w := range out.Warnings {
		if w == "capacity changed: 1 → 2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings %v missing capacity change", out.Warnings)
	}
}

func TestProcessValueChangeKeepsCode(t *testing.T) {
	r := newTestRegistry()
	node := tree.Node{ID: "f", Label: "Prix", Type: tree.TypeLeafField, Value: 10}
	created := mustProcess(t, r, node)
	node.Value = 12
	out := mustProcess(t, r, node)
	if out.Status != StatusUpdated || out.Record.Code != created.Record.Code {
		t.Fatalf("value change: status %s code %s", out.Status, out.Record.Code)
	}
}

func TestCollisionUsesParentContext(t *testing.T) {
	r := newTestRegistry()
	a := mustProcess(t, r, tree.Node{ID: "a", Label: "Devis", Type: tree.TypeLeafOption})
	b := mustProcess(t, r, tree.Node{ID: "b", Label: "Devis", Type: tree.TypeLeafOption, ParentID: tree.StringPtr("root")})

	if a.Record.Code != "41-devis" {
		t.Fatalf("first code = %s", a.Record.Code)
	}
	if b.Record.Code != "41-devis-unknown" {
		t.Fatalf("second code = %s", b.Record.Code)
	}
	if !b.CollisionResolved {
		t.Fatal("collision should be reported")
	}
}

func TestCollisionWithRegisteredParentAndRoot(t *testing.T) {
	r := newTestRegistry()
	mustProcess(t, r, tree.Node{ID: "p", Label: "Installation photovoltaïque", Type: tree.TypeBranch})
	mustProcess(t, r, tree.Node{ID: "x", Label: "Puissance", Type: tree.TypeLeafField, ParentID: tree.StringPtr("p")})
	dup := mustProcess(t, r, tree.Node{ID: "y", Label: "Puissance", Type: tree.TypeLeafField, ParentID: tree.StringPtr("p")})
	if dup.Record.Code != "31-puissance-installation" {
		t.Fatalf("code = %s", dup.Record.Code)
	}

	mustProcess(t, r, tree.Node{ID: "r1", Label: "Total", Type: tree.TypeLeafField, ParentID: tree.StringPtr("p")})
	rooted := mustProcess(t, r, tree.Node{ID: "r2", Label: "Total", Type: tree.TypeLeafField})
	if rooted.Record.Code != "31-total-root" {
		t.Fatalf("code = %s", rooted.Record.Code)
	}
}

func TestCollisionWithoutDuplicatesFails(t *testing.T) {
	r := newTestRegistry()
	for _, id := range []string{"a", "b"} {
		mustProcess(t, r, tree.Node{ID: id, Label: "Devis", Type: tree.TypeLeafOption})
	}
	before := r.Export()

	out := r.Process(context.Background(), tree.Node{ID: "c", Label: "Devis", Type: tree.TypeLeafOption})
	if out.Status != StatusError || !errors.Is(out.Err, ErrCollision) {
		t.Fatalf("expected collision error, got %s (%v)", out.Status, out.Err)
	}
	if r.Len() != len(before) {
		t.Fatal("failed process mutated the registry")
	}
	if _, ok := r.ByID("c"); ok {
		t.Fatal("failed node registered")
	}
}

func TestCollisionNumericSuffixWhenDuplicatesAllowed(t *testing.T) {
	r := newTestRegistry(WithDuplicateNames(true))
	var codes []string
	for i := 0; i < 4; i++ {
		out := mustProcess(t, r, tree.Node{ID: fmt.Sprintf("n%d", i), Label: "Devis", Type: tree.TypeLeafOption})
		codes = append(codes, out.Record.Code)
	}
	want := []string{"41-devis", "41-devis-root", "41-devis-root-1", "41-devis-root-2"}
	if strings.Join(codes, ",") != strings.Join(want, ",") {
		t.Fatalf("codes = %v, want %v", codes, want)
	}
}

func TestCollisionDeterminism(t *testing.T) {
	run := func() map[string]string {
		r := newTestRegistry(WithDuplicateNames(true))
		for _, node := range append(sampleNodes,
			tree.Node{ID: "dup-1", Label: "Particulier", Type: tree.TypeLeafOption, ParentID: tree.StringPtr("uuid-branch-1")},
			tree.Node{ID: "dup-2", Label: "Particulier", Type: tree.TypeLeafOption, ParentID: tree.StringPtr("uuid-branch-1")},
		) {
			mustProcess(t, r, node)
		}
		out := map[string]string{}
		for id, record := range r.Export() {
			out[id] = record.Code
		}
		return out
	}
	first, second := run(), run()
	for id, code := range first {
		if second[id] != code {
			t.Fatalf("%s: %s vs %s", id, code, second[id])
		}
	}
}

func TestUniquenessAfterManyOperations(t *testing.T) {
	r := newTestRegistry(WithDuplicateNames(true))
	labels := []string{"Prix", "prix", "PRIX!", "Prix (€)", "Quantité"}
	for i := 0; i < 40; i++ {
		node := tree.Node{ID: fmt.Sprintf("n%d", i%15), Label: labels[i%len(labels)], Type: tree.TypeLeafField}
		if i%7 == 0 {
			node.FormulaRef = "f"
		}
		mustProcess(t, r, node)
		if i%9 == 0 {
			r.Delete(fmt.Sprintf("n%d", (i+3)%15))
		}
	}
	seen := map[string]string{}
	for _, record := range r.All() {
		if other, dup := seen[record.Code]; dup {
			t.Fatalf("code %s shared by %s and %s", record.Code, other, record.ID)
		}
		seen[record.Code] = record.ID
		if got, ok := r.ByCode(record.Code); !ok || got.ID != record.ID {
			t.Fatalf("code index out of sync for %s", record.Code)
		}
	}
}

func TestParentOverridesViaRegistryAndLookup(t *testing.T) {
	lookup := &fakeLookup{lookupFn: func(_ context.Context, id string) (tree.Node, bool, error) {
		if id == "remote-section" {
			return tree.Node{ID: id, Label: "Calculs", Type: tree.TypeSection}, true, nil
		}
		if id == "broken" {
			return tree.Node{}, false, errors.New("connection refused")
		}
		return tree.Node{}, false, nil
	}}
	r := newTestRegistry(WithLookup(lookup))

	viaLookup := mustProcess(t, r, tree.Node{ID: "f1", Label: "Montant", Type: tree.TypeLeafField, ParentID: tree.StringPtr("remote-section")})
	if viaLookup.Record.TypeDigit != codec.DataField {
		t.Fatalf("type = %s, want data field", viaLookup.Record.TypeDigit)
	}

	orphan := mustProcess(t, r, tree.Node{ID: "f2", Label: "Remise", Type: tree.TypeLeafField, ParentID: tree.StringPtr("missing")})
	if orphan.Record.TypeDigit != codec.Field || len(orphan.Warnings) == 0 {
		t.Fatalf("orphan: type %s warnings %v", orphan.Record.TypeDigit, orphan.Warnings)
	}

	failing := mustProcess(t, r, tree.Node{ID: "f3", Label: "Taxe", Type: tree.TypeLeafField, ParentID: tree.StringPtr("broken")})
	if failing.Record.TypeDigit != codec.Field || len(failing.Warnings) < 2 {
		t.Fatalf("lookup failure: type %s warnings %v", failing.Record.TypeDigit, failing.Warnings)
	}
}

func TestParentRegisteredLaterUpdatesType(t *testing.T) {
	r := newTestRegistry()
	field := tree.Node{ID: "f", Label: "Montant", Type: tree.TypeLeafField, ParentID: tree.StringPtr("s")}
	first := mustProcess(t, r, field)
	if first.Record.TypeDigit != codec.Field {
		t.Fatalf("type before parent = %s", first.Record.TypeDigit)
	}
	mustProcess(t, r, tree.Node{ID: "s", Label: "Totaux", Type: tree.TypeSection})
	again := mustProcess(t, r, field)
	if again.Status != StatusUpdated || again.Record.Code != "61-montant" {
		t.Fatalf("after parent: %s %s", again.Status, again.Record.Code)
	}
}

func TestProcessRejectsMalformedNodes(t *testing.T) {
	r := newTestRegistry()
	for _, node := range []tree.Node{
		{Label: "no id", Type: tree.TypeBranch},
		{ID: "x", Type: tree.TypeBranch},
		{ID: "y", Label: "€€€", Type: tree.TypeBranch},
	} {
		out := r.Process(context.Background(), node)
		if out.Status != StatusError {
			t.Fatalf("node %+v: status %s", node, out.Status)
		}
	}
	if r.Len() != 0 {
		t.Fatal("errors must not register anything")
	}
}

func TestUnknownTypeStillRegisters(t *testing.T) {
	r := newTestRegistry()
	out := mustProcess(t, r, tree.Node{ID: "w", Label: "Widget", Type: "widget"})
	if out.Record.Code != "11-widget" || out.Record.Confidence != 0 {
		t.Fatalf("record = %+v", out.Record)
	}
	if len(out.Warnings) < 2 {
		t.Fatalf("warnings = %v", out.Warnings)
	}
}

func TestDeleteReleasesCode(t *testing.T) {
	r := newTestRegistry()
	mustProcess(t, r, tree.Node{ID: "a", Label: "Devis", Type: tree.TypeBranch})
	removed, ok := r.Delete("a")
	if !ok || removed.Code != "11-devis" {
		t.Fatalf("Delete = %+v, %v", removed, ok)
	}
	if _, ok := r.ByCode("11-devis"); ok {
		t.Fatal("code still indexed")
	}
	if _, ok := r.Delete("a"); ok {
		t.Fatal("second delete should report missing")
	}
}

func TestOverrideMakesRecordManual(t *testing.T) {
	r := newTestRegistry()
	mustProcess(t, r, tree.Node{ID: "f", Label: "Prix", Type: tree.TypeLeafField})
	out := r.Override("f", codec.DataField, capacity.Formula)
	if out.Status != StatusUpdated || out.Record.Code != "62-prix" || out.Record.Source != SourceManual {
		t.Fatalf("override = %+v", out)
	}

	relabelled := mustProcess(t, r, tree.Node{ID: "f", Label: "Prix net", Type: tree.TypeLeafField})
	if relabelled.Record.Code != "62-prix-net" {
		t.Fatalf("manual digits not kept: %s", relabelled.Record.Code)
	}

	stats := r.Statistics()
	if stats.Manual != 1 || stats.AutoGenerated != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if out := r.Override("missing", codec.Field, capacity.Neutral); !errors.Is(out.Err, ErrNotFound) {
		t.Fatalf("override of missing record: %v", out.Err)
	}
}

func TestQueriesAndStatistics(t *testing.T) {
	r := newTestRegistry()
	for _, node := range sampleNodes {
		mustProcess(t, r, node)
	}

	record, ok := r.ByCode("11-devis-electrique")
	if !ok || record.ID != "uuid-branch-1" {
		t.Fatalf("ByCode = %+v, %v", record, ok)
	}
	if got := r.ListByType(codec.Branch); len(got) != 1 {
		t.Fatalf("branches = %d", len(got))
	}
	if got := r.ListByCapacity(capacity.Formula); len(got) != 1 || got[0].ID != "uuid-field-2" {
		t.Fatalf("formulas = %+v", got)
	}
	all := r.All()
	for i := 1; i < len(all); i++ {
		if all[i-1].Code > all[i].Code {
			t.Fatal("All must be ordered by code")
		}
	}

	stats := r.Statistics()
	if stats.Total != len(sampleNodes) || stats.AutoGenerated != len(sampleNodes) {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.AverageConfidence != 100 {
		t.Fatalf("average confidence = %d", stats.AverageConfidence)
	}
	if stats.ByCapacity[capacity.Neutral] != 2 || stats.ByType[codec.DataField] != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	r.Clear()
	if r.Len() != 0 || len(r.All()) != 0 {
		t.Fatal("Clear left records")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	r := newTestRegistry()
	for _, node := range sampleNodes {
		mustProcess(t, r, node)
	}
	exported := r.Export()

	restored := newTestRegistry()
	if err := restored.Import(exported); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if restored.Len() != r.Len() {
		t.Fatalf("restored %d records, want %d", restored.Len(), r.Len())
	}
	for _, node := range sampleNodes {
		if out := mustProcess(t, restored, node); out.Status != StatusUnchanged {
			t.Fatalf("%s after import: %s", node.ID, out.Status)
		}
	}
}

func TestImportIsAllOrNothing(t *testing.T) {
	r := newTestRegistry()
	mustProcess(t, r, tree.Node{ID: "keep", Label: "Garder", Type: tree.TypeBranch})

	good := Record{ID: "a", Code: "11-a", TypeDigit: codec.Branch, CapacityDigit: capacity.Neutral}
	cases := map[string]map[string]Record{
		"duplicate code": {
			"a": good,
			"b": {ID: "b", Code: "11-a", TypeDigit: codec.Branch, CapacityDigit: capacity.Neutral},
		},
		"bad format": {"a": good, "c": {ID: "c", Code: "91-x", TypeDigit: "9", CapacityDigit: capacity.Neutral}},
		"key mismatch": {"z": good},
		"payload without capacity": {
			"d": {ID: "d", Code: "11-d", TypeDigit: codec.Branch, CapacityDigit: capacity.Neutral, Payload: &Payload{Kind: capacity.Formula}},
		},
		"capacity without payload": {
			"e": {ID: "e", Code: "32-e", TypeDigit: codec.Field, CapacityDigit: capacity.Formula},
		},
		"digits disagree with code": {
			"f": {ID: "f", Code: "31-f", TypeDigit: codec.Option, CapacityDigit: capacity.Neutral},
		},
	}
	for name, records := range cases {
		t.Run(name, func(t *testing.T) {
			if err := r.Import(records); err == nil {
				t.Fatal("expected import error")
			}
			if _, ok := r.ByID("keep"); !ok || r.Len() != 1 {
				t.Fatal("failed import changed the registry")
			}
		})
	}
}
