package tree

import (
	"fmt"
	"strings"
)

// CycleError lists parent-pointer cycles found while ordering. Each cycle was broken
// by ignoring the parent edge of its first member in input order.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Cycles))
	for _, cycle := range e.Cycles {
		parts = append(parts, strings.Join(cycle, " -> "))
	}
	return fmt.Sprintf("parent cycle detected: %s", strings.Join(parts, "; "))
}

// Order returns nodes arranged so that every parent precedes its children, keeping
// input order among siblings and among roots. Parents that are not part of the input
// are treated as absent. The returned slice always contains every input node exactly
// once (duplicate ids keep their first occurrence); a non-nil *CycleError reports the
// cycles that had to be broken.
func Order(nodes []Node) ([]Node, error) {
	index := make(map[string]int, len(nodes))
	unique := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		if _, seen := index[node.ID]; seen {
			continue
		}
		index[node.ID] = len(unique)
		unique = append(unique, node)
	}

	children := make(map[int][]int, len(unique))
	var roots []int
	for i, node := range unique {
		parent, ok := index[node.Parent()]
		if !node.HasParent() || !ok || parent == i {
			roots = append(roots, i)
			continue
		}
		children[parent] = append(children[parent], i)
	}

	ordered := make([]Node, 0, len(unique))
	visited := make([]bool, len(unique))
	var walk func(i int)
	walk = func(i int) {
		stack := []int{i}
		for len(stack) > 0 {
			current := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[current] {
				continue
			}
			visited[current] = true
			ordered = append(ordered, unique[current])
			kids := children[current]
			for k := len(kids) - 1; k >= 0; k-- {
				if !visited[kids[k]] {
					stack = append(stack, kids[k])
				}
			}
		}
	}
	for _, root := range roots {
		walk(root)
	}

	var cycles [][]string
	for i := range unique {
		if visited[i] {
			continue
		}
		cycle := findCycle(unique, index, visited, i)
		cycles = append(cycles, cycle.ids)
		walk(cycle.head)
	}

	if len(cycles) > 0 {
		return ordered, &CycleError{Cycles: cycles}
	}
	return ordered, nil
}

type cycleInfo struct {
	ids  []string
	head int
}

// findCycle follows parent pointers from start until a node repeats. Every unvisited
// node after the root pass sits on or below a cycle, so the walk always closes.
func findCycle(nodes []Node, index map[string]int, visited []bool, start int) cycleInfo {
	position := map[int]int{}
	var path []int
	current := start
	for {
		if at, seen := position[current]; seen {
			loop := path[at:]
			head := loop[0]
			for _, member := range loop {
				if member < head {
					head = member
				}
			}
			ids := make([]string, 0, len(loop))
			for _, member := range loop {
				ids = append(ids, nodes[member].ID)
			}
			return cycleInfo{ids: ids, head: head}
		}
		position[current] = len(path)
		path = append(path, current)
		next, ok := index[nodes[current].Parent()]
		if !ok || visited[next] {
			return cycleInfo{ids: []string{nodes[current].ID}, head: current}
		}
		current = next
	}
}
