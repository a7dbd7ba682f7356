// Package bridge keeps the registry that ties tree node ids to their bridge codes.
package bridge

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"tblbridge/api/internal/capacity"
	"tblbridge/api/internal/codec"
	"tblbridge/api/internal/tree"
)

type Source string

const (
	SourceAuto   Source = "auto"
	SourceManual Source = "manual"
)

// Payload marks where the computed behaviour of a record lives. Kind always matches
// the record's capacity.
type Payload struct {
	Kind capacity.Capacity `json:"kind"`
	Ref  string            `json:"ref,omitempty"`
}

type Record struct {
	ID            string            `json:"id"`
	Label         string            `json:"label"`
	NodeType      tree.NodeType     `json:"nodeType"`
	ParentID      string            `json:"parentId,omitempty"`
	Code          string            `json:"code"`
	TypeDigit     codec.TypeDigit   `json:"typeDigit"`
	CapacityDigit capacity.Capacity `json:"capacityDigit"`
	Confidence    int               `json:"confidence"`
	Source        Source            `json:"source"`
	Payload       *Payload          `json:"payload,omitempty"`
	Fingerprint   string            `json:"fingerprint"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

func (r Record) clone() Record {
	if r.Payload != nil {
		payload := *r.Payload
		r.Payload = &payload
	}
	return r
}

// Formula, Condition and Table return the payload only when the record carries that
// capacity.
func (r Record) Formula() (Payload, bool)   { return r.payloadFor(capacity.Formula) }
func (r Record) Condition() (Payload, bool) { return r.payloadFor(capacity.Condition) }
func (r Record) Table() (Payload, bool)     { return r.payloadFor(capacity.Table) }

func (r Record) payloadFor(c capacity.Capacity) (Payload, bool) {
	if r.Payload == nil || r.CapacityDigit != c {
		return Payload{}, false
	}
	return *r.Payload, true
}

var errInvalidRecord = errors.New("invalid record")

// Check verifies the invariants a stored record must satisfy.
func (r Record) Check() error {
	if r.ID == "" {
		return fmt.Errorf("%w: blank id", errInvalidRecord)
	}
	if !r.TypeDigit.Valid() {
		return fmt.Errorf("%w %s: type digit %q", errInvalidRecord, r.ID, string(r.TypeDigit))
	}
	if !r.CapacityDigit.Valid() {
		return fmt.Errorf("%w %s: capacity digit %q", errInvalidRecord, r.ID, string(r.CapacityDigit))
	}
	if !codec.IsValid(r.Code) {
		return fmt.Errorf("%w %s: code %q", errInvalidRecord, r.ID, r.Code)
	}
	if r.Code[:1] != string(r.TypeDigit) || r.Code[1:2] != string(r.CapacityDigit) {
		return fmt.Errorf("%w %s: code %q disagrees with digits %s%s", errInvalidRecord, r.ID, r.Code, r.TypeDigit, r.CapacityDigit)
	}
	hasPayload := r.Payload != nil
	if hasPayload != (r.CapacityDigit != capacity.Neutral) {
		return fmt.Errorf("%w %s: payload presence does not match capacity %s", errInvalidRecord, r.ID, r.CapacityDigit)
	}
	if hasPayload && r.Payload.Kind != r.CapacityDigit {
		return fmt.Errorf("%w %s: payload kind %s with capacity %s", errInvalidRecord, r.ID, r.Payload.Kind, r.CapacityDigit)
	}
	return nil
}

// payloadFor builds the payload slot for capacity c from the node's references.
func payloadFor(node tree.Node, c capacity.Capacity) *Payload {
	switch c {
	case capacity.Formula:
		return &Payload{Kind: c, Ref: node.FormulaRef}
	case capacity.Condition:
		return &Payload{Kind: c, Ref: node.ConditionRef}
	case capacity.Table:
		return &Payload{Kind: c, Ref: node.TableRef}
	default:
		return nil
	}
}

type fingerprintInput struct {
	Label            string        `json:"label"`
	Type             tree.NodeType `json:"type"`
	Parent           string        `json:"parent"`
	Value            any           `json:"value"`
	FormulaPresent   *bool         `json:"formulaPresent"`
	FormulaRef       string        `json:"formulaRef"`
	ConditionPresent *bool         `json:"conditionPresent"`
	ConditionRef     string        `json:"conditionRef"`
	TablePresent     *bool         `json:"tablePresent"`
	TableRef         string        `json:"tableRef"`
}

// fingerprint digests every node field that can change a record.
func fingerprint(node tree.Node) string {
	payload, err := json.Marshal(fingerprintInput{
		Label:            node.Label,
		Type:             node.Type,
		Parent:           node.Parent(),
		Value:            node.Value,
		FormulaPresent:   node.FormulaPresent,
		FormulaRef:       node.FormulaRef,
		ConditionPresent: node.ConditionPresent,
		ConditionRef:     node.ConditionRef,
		TablePresent:     node.TablePresent,
		TableRef:         node.TableRef,
	})
	if err != nil {
		payload = []byte(fmt.Sprintf("%s|%s|%s|%v", node.Label, node.Type, node.Parent(), node.Value))
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
