// Package capacity infers what kind of computed behaviour a tree node carries.
package capacity

import (
	"fmt"
	"strings"

	"tblbridge/api/internal/tree"
)

type Capacity string

const (
	Neutral   Capacity = "1"
	Formula   Capacity = "2"
	Condition Capacity = "3"
	Table     Capacity = "4"
)

// ConflictPenalty is subtracted from the confidence for every distinct losing signal.
const ConflictPenalty = 25

// Valid reports whether c is one of the four capacity digits.
func (c Capacity) Valid() bool {
	switch c {
	case Neutral, Formula, Condition, Table:
		return true
	default:
		return false
	}
}

func (c Capacity) Name() string {
	switch c {
	case Neutral:
		return "neutral"
	case Formula:
		return "formula"
	case Condition:
		return "condition"
	case Table:
		return "table"
	default:
		return "unknown"
	}
}

type Result struct {
	Capacity   Capacity `json:"capacity"`
	Confidence int      `json:"confidence"`
	Indicators []string `json:"indicators"`
	Warnings   []string `json:"warnings"`
}

const sectionIndicator = "structural: section implies table"

type signal struct {
	capacity   Capacity
	indicators []string
}

// Detect classifies a node. It is pure and always returns a result.
func Detect(node tree.Node) Result {
	result := Result{Indicators: []string{}, Warnings: []string{}}

	if node.Type == tree.TypeSection {
		result.Capacity = Table
		result.Confidence = 100
		result.Indicators = append(result.Indicators, sectionIndicator)
		return result
	}

	// Fixed priority: formula, then condition, then table.
	var fired []signal
	for _, s := range []signal{
		scan(Formula, "formula", node.FormulaPresent, node.FormulaRef),
		scan(Condition, "condition", node.ConditionPresent, node.ConditionRef),
		scan(Table, "table", node.TablePresent, node.TableRef),
	} {
		if len(s.indicators) > 0 {
			fired = append(fired, s)
		}
	}

	if !node.Type.Known() {
		result.Capacity = Neutral
		result.Confidence = 0
		for _, s := range fired {
			result.Indicators = append(result.Indicators, s.indicators...)
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("unrecognized node type %q", string(node.Type)))
		return result
	}

	if len(fired) == 0 {
		result.Capacity = Neutral
		result.Confidence = 100
		return result
	}

	winner := fired[0]
	result.Capacity = winner.capacity
	result.Confidence = 100
	for _, s := range fired {
		result.Indicators = append(result.Indicators, s.indicators...)
	}
	for _, loser := range fired[1:] {
		result.Confidence -= ConflictPenalty
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"conflict: %s and %s signals both present, %s wins",
			winner.capacity.Name(), loser.capacity.Name(), winner.capacity.Name()))
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	return result
}

// scan reports the indicators of one signal. An explicit false flag wins over a stale
// reference; a reference alone fires only when the flag is absent.
func scan(c Capacity, field string, present *bool, ref string) signal {
	s := signal{capacity: c}
	ref = strings.TrimSpace(ref)
	if present != nil && *present {
		s.indicators = append(s.indicators, fmt.Sprintf("%sPresent=true", field))
		if ref != "" {
			s.indicators = append(s.indicators, fmt.Sprintf("%sRef=%s", field, ref))
		}
		return s
	}
	if present == nil && ref != "" {
		s.indicators = append(s.indicators, fmt.Sprintf("%sRef=%s", field, ref))
	}
	return s
}
