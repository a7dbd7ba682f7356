package codec

import (
	"fmt"

	"tblbridge/api/internal/tree"
)

var baseTypes = map[tree.NodeType]TypeDigit{
	tree.TypeBranch:          Branch,
	tree.TypeSection:         Section,
	tree.TypeLeafField:       Field,
	tree.TypeLeafOption:      Option,
	tree.TypeLeafOptionField: OptionField,
}

// ParentInfo is what the caller knows about a node's parent. Known is false when the
// parent could not be resolved.
type ParentInfo struct {
	ID    string
	Known bool
	Type  tree.NodeType
	Label string
}

// DeriveType maps a node type to its type digit and applies the structural overrides
// in order: a field directly under a section is a data field, and a branch with a
// parent is a sub-branch. Unknown types fall back to Branch.
func DeriveType(nodeType tree.NodeType, parent ParentInfo) (TypeDigit, []string) {
	var warnings []string
	digit, ok := baseTypes[nodeType]
	if !ok {
		digit = Branch
		warnings = append(warnings, fmt.Sprintf("unrecognized node type %q mapped to type %s", string(nodeType), Branch))
	}

	if nodeType == tree.TypeLeafField && parent.ID != "" {
		switch {
		case !parent.Known:
			warnings = append(warnings, fmt.Sprintf("parent %s not registered: data-field override skipped", parent.ID))
		case parent.Type == tree.TypeSection:
			digit = DataField
		}
	}

	if nodeType == tree.TypeBranch && parent.ID != "" {
		digit = SubBranch
	}
	return digit, warnings
}
