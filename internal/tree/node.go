// Package tree describes the nodes of the external form tree as the bridge sees them.
// The tree-storage collaborator owns these nodes; nothing in this module writes them.
package tree

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type NodeType string

const (
	TypeBranch          NodeType = "branch"
	TypeSection         NodeType = "section"
	TypeLeafField       NodeType = "leaf_field"
	TypeLeafOption      NodeType = "leaf_option"
	TypeLeafOptionField NodeType = "leaf_option_field"
)

// Known reports whether t is one of the five node types the bridge can classify.
func (t NodeType) Known() bool {
	switch t {
	case TypeBranch, TypeSection, TypeLeafField, TypeLeafOption, TypeLeafOptionField:
		return true
	default:
		return false
	}
}

// Node is a read-only view of a tree node. Presence flags are pointers so an absent
// flag can be told apart from an explicit false.
type Node struct {
	ID               string   `json:"id" validate:"required"`
	Label            string   `json:"label" validate:"required"`
	Type             NodeType `json:"type"`
	ParentID         *string  `json:"parentId,omitempty"`
	Value            any      `json:"value,omitempty"`
	FormulaPresent   *bool    `json:"formulaPresent,omitempty"`
	FormulaRef       string   `json:"formulaRef,omitempty"`
	ConditionPresent *bool    `json:"conditionPresent,omitempty"`
	ConditionRef     string   `json:"conditionRef,omitempty"`
	TablePresent     *bool    `json:"tablePresent,omitempty"`
	TableRef         string   `json:"tableRef,omitempty"`
}

// Parent returns the parent id, or "" for a root node.
func (n Node) Parent() string {
	if n.ParentID == nil {
		return ""
	}
	return strings.TrimSpace(*n.ParentID)
}

// HasParent reports whether the node carries a non-empty parent pointer.
func (n Node) HasParent() bool {
	return n.Parent() != ""
}

// Lookup resolves a node by id on demand. It is how the bridge reaches parents that
// are not yet in its own table.
type Lookup interface {
	LookupNode(ctx context.Context, id string) (Node, bool, error)
}

var validate = validator.New()

// Validate checks the fields every node must carry. An unrecognised Type is not an
// error here: classification degrades to neutral instead.
func Validate(n Node) error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("invalid node %q: %w", n.ID, err)
	}
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("invalid node: blank id")
	}
	if strings.TrimSpace(n.Label) == "" {
		return fmt.Errorf("invalid node %q: blank label", n.ID)
	}
	return nil
}

// StringPtr and BoolPtr build optional fields inline.
func StringPtr(s string) *string { return &s }

func BoolPtr(b bool) *bool { return &b }
