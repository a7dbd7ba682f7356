package syncsvc

import (
	"time"

	"tblbridge/api/internal/bridge"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpBulk   Operation = "bulk_sync"
)

const windowSize = 100

// window keeps the last windowSize samples of one operation.
type window struct {
	samples [windowSize]time.Duration
	count   int
	next    int
}

func (w *window) add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % windowSize
	if w.count < windowSize {
		w.count++
	}
}

func (w *window) average() time.Duration {
	if w.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < w.count; i++ {
		total += w.samples[i]
	}
	return total / time.Duration(w.count)
}

type Stats struct {
	Created          int                         `json:"created"`
	Updated          int                         `json:"updated"`
	Unchanged        int                         `json:"unchanged"`
	Deleted          int                         `json:"deleted"`
	BulkSyncs        int                         `json:"bulkSyncs"`
	Errors           int                         `json:"errors"`
	StorageErrors    int                         `json:"storageErrors"`
	SubscriberErrors int                         `json:"subscriberErrors"`
	Reconstitutions  int                         `json:"reconstitutions"`
	LastSync         time.Time                   `json:"lastSync"`
	AverageDuration  map[Operation]time.Duration `json:"averageDuration"`
	Registry         bridge.Statistics           `json:"registry"`
}

type counters struct {
	created          int
	updated          int
	unchanged        int
	deleted          int
	bulkSyncs        int
	errors           int
	storageErrors    int
	subscriberErrors int
	reconstitutions  int
	lastSync         time.Time
	windows          map[Operation]*window
}

func (c *counters) observe(op Operation, d time.Duration) {
	if c.windows == nil {
		c.windows = map[Operation]*window{}
	}
	w, ok := c.windows[op]
	if !ok {
		w = &window{}
		c.windows[op] = w
	}
	w.add(d)
	operationDuration.WithLabelValues(string(op)).Observe(d.Seconds())
}
