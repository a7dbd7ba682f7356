package migration

import (
	"context"

	"tblbridge/api/internal/tree"
)

// index answers parent lookups from the loaded population, so a child whose parent
// comes later in the run still gets the parent-dependent type.
type index map[string]tree.Node

func newIndex(nodes []tree.Node) index {
	idx := make(index, len(nodes))
	for _, node := range nodes {
		if _, seen := idx[node.ID]; !seen {
			idx[node.ID] = node
		}
	}
	return idx
}

func (idx index) LookupNode(_ context.Context, id string) (tree.Node, bool, error) {
	node, ok := idx[id]
	return node, ok, nil
}
