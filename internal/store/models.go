package store

import "time"

// BridgeRow is the bridge data persisted next to a node in the node table.
type BridgeRow struct {
	NodeID        string    `json:"nodeId"`
	Code          string    `json:"code"`
	TypeDigit     string    `json:"typeDigit"`
	CapacityDigit string    `json:"capacityDigit"`
	OriginalID    string    `json:"originalId"`
	Confidence    int       `json:"confidence"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// IntegrityReport is what the database says about persisted bridge data.
type IntegrityReport struct {
	Nodes          int
	Coded          int
	DuplicateCodes []string
	InvalidCodes   []string
}

type MigrationRun struct {
	ID                 int64
	StartedAt          time.Time
	FinishedAt         time.Time
	DryRun             bool
	Success            bool
	RolledBack         bool
	TotalProcessed     int
	TotalMigrated      int
	DuplicatesResolved int
	AverageConfidence  int
	BackupRef          string
	Errors             []string
}
