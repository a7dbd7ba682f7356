package bridge

import (
	"tblbridge/api/internal/capacity"
	"tblbridge/api/internal/codec"
)

type Statistics struct {
	Total             int                       `json:"total"`
	ByType            map[codec.TypeDigit]int   `json:"byType"`
	ByCapacity        map[capacity.Capacity]int `json:"byCapacity"`
	AverageConfidence int                       `json:"averageConfidence"`
	AutoGenerated     int                       `json:"autoGenerated"`
	Manual            int                       `json:"manual"`
}

func (r *Registry) Statistics() Statistics {
	stats := Statistics{
		ByType:     map[codec.TypeDigit]int{},
		ByCapacity: map[capacity.Capacity]int{},
	}
	confidence := 0
	for _, record := range r.byID {
		stats.Total++
		stats.ByType[record.TypeDigit]++
		stats.ByCapacity[record.CapacityDigit]++
		confidence += record.Confidence
		if record.Source == SourceManual {
			stats.Manual++
		} else {
			stats.AutoGenerated++
		}
	}
	if stats.Total > 0 {
		stats.AverageConfidence = (confidence*2 + stats.Total) / (2 * stats.Total)
	}
	return stats
}
