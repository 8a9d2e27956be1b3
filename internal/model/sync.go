package model

import "time"

// Trigger records why a sync pass was started
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerAutomatic Trigger = "automatic"
	TriggerPeriodic  Trigger = "periodic"
	TriggerStartup   Trigger = "startup"
)

// SyncStatus is the per-device sync state
type SyncStatus struct {
	IsOnline       bool       `json:"isOnline"`
	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`
	PendingChanges int        `json:"pendingChanges"`
	SyncInProgress bool       `json:"syncInProgress"`
	LastSyncError  string     `json:"lastSyncError,omitempty"`
	TotalItems     int        `json:"totalItems"`
	SyncedItems    int        `json:"syncedItems"`
	FailedItems    int        `json:"failedItems"`
}

// SyncOutcome is the terminal state of a sync pass
type SyncOutcome string

const (
	SyncCompleted SyncOutcome = "completed"
	SyncFailed    SyncOutcome = "failed"
	SyncSkipped   SyncOutcome = "skipped"
)

// SyncResult is returned from one performSync call
type SyncResult struct {
	Trigger     Trigger            `json:"trigger"`
	Outcome     SyncOutcome        `json:"outcome"`
	Reason      string             `json:"reason,omitempty"`
	Drain       DrainResult        `json:"drain"`
	Pulled      map[Category]int   `json:"pulled,omitempty"`
	Consistency *ConsistencyReport `json:"consistency,omitempty"`
	Duration    time.Duration      `json:"duration"`
	Err         error              `json:"-"`
}

// Recommendation is the advisory output of a consistency check
type Recommendation string

const (
	RecommendNone         Recommendation = "none"
	RecommendSync         Recommendation = "sync"
	RecommendManualReview Recommendation = "manual_review"
	RecommendRebuild      Recommendation = "rebuild"
)

// Inconsistency is one category whose local and remote counts diverge
type Inconsistency struct {
	Category    Category `json:"category"`
	LocalCount  int64    `json:"localCount"`
	RemoteCount int64    `json:"remoteCount"`
	Difference  int64    `json:"difference"`
	Threshold   int64    `json:"threshold"`
	Issue       string   `json:"issue"`
}

// ConsistencyReport is the result of comparing local and remote counts
type ConsistencyReport struct {
	CheckedAt       time.Time       `json:"checkedAt"`
	Consistent      bool            `json:"consistent"`
	Inconsistencies []Inconsistency `json:"inconsistencies"`
	Recommendation  Recommendation  `json:"recommendation"`
}
