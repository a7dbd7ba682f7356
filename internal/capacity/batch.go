package capacity

import "tblbridge/api/internal/tree"

type BatchStatistics struct {
	Total             int              `json:"total"`
	ByCapacity        map[Capacity]int `json:"byCapacity"`
	AverageConfidence int              `json:"averageConfidence"`
	WithWarnings      int              `json:"withWarnings"`
}

// AnalyzeBatch runs Detect over every node, keyed by node id. A repeated id keeps
// the last result.
func AnalyzeBatch(nodes []tree.Node) map[string]Result {
	results := make(map[string]Result, len(nodes))
	for _, node := range nodes {
		results[node.ID] = Detect(node)
	}
	return results
}

func Summarize(results map[string]Result) BatchStatistics {
	stats := BatchStatistics{ByCapacity: map[Capacity]int{}}
	total := 0
	for _, result := range results {
		stats.Total++
		stats.ByCapacity[result.Capacity]++
		total += result.Confidence
		if len(result.Warnings) > 0 {
			stats.WithWarnings++
		}
	}
	if stats.Total > 0 {
		stats.AverageConfidence = roundDiv(total, stats.Total)
	}
	return stats
}

func roundDiv(sum, n int) int {
	return (sum*2 + n) / (2 * n)
}
