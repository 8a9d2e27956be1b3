package model

import "time"

// Operation is the kind of remote mutation a queue item applies
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Priority orders queue items during a drain
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns a sortable weight, lower drains first
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// MaxRetries returns the retry budget for the priority
func (p Priority) MaxRetries() int {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityMedium:
		return 5
	default:
		return 3
	}
}

// Row is one remote row or mutation payload
type Row map[string]interface{}

// ID returns the string id field of the row, if any
func (r Row) ID() (string, bool) {
	raw, ok := r["id"]
	if !ok || raw == nil {
		return "", false
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// QueueItem is one pending remote mutation
type QueueItem struct {
	ID         string    `json:"id"`
	Table      string    `json:"table"`
	Operation  Operation `json:"operation"`
	Payload    Row       `json:"payload"`
	EnqueuedAt time.Time `json:"timestamp"`
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	Priority   Priority  `json:"priority"`
	LastError  string    `json:"lastError,omitempty"`
}

// DeadLetter is a queue item abandoned after exhausting its retry budget
type DeadLetter struct {
	Item     QueueItem `json:"item"`
	FailedAt time.Time `json:"failedAt"`
	Reason   string    `json:"reason"`
}

// QueueStatus is a read-only view of the offline queue
type QueueStatus struct {
	Items          int        `json:"items"`
	HighPriority   int        `json:"highPriority"`
	OldestItem     *time.Time `json:"oldestItem,omitempty"`
	SyncInProgress bool       `json:"syncInProgress"`
	DeadLetters    int        `json:"deadLetters"`
}

// DrainResult summarises one drain pass
type DrainResult struct {
	Skipped   bool `json:"skipped"`
	Processed int  `json:"processed"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Dropped   int  `json:"dropped"`
	Remaining int  `json:"remaining"`
}
