package model

import "time"

// MigrationInfo is one static catalog entry
type MigrationInfo struct {
	Version           int           `json:"version" yaml:"version"`
	Name              string        `json:"name" yaml:"name"`
	Description       string        `json:"description" yaml:"description"`
	Deadline          time.Time     `json:"deadline,omitempty" yaml:"deadline"`
	Breaking          bool          `json:"breaking" yaml:"breaking"`
	EstimatedDuration time.Duration `json:"estimatedDuration" yaml:"estimated_duration"`
	Dependencies      []int         `json:"dependencies" yaml:"dependencies"`
}

// MigrationState is the persisted run state
type MigrationState struct {
	CurrentVersion      int   `json:"currentVersion"`
	TargetVersion       int   `json:"targetVersion"`
	CompletedMigrations []int `json:"completedMigrations"`
	InProgress          bool  `json:"inProgress"`
}

// IsCompleted reports whether version is in the completed set
func (s *MigrationState) IsCompleted(version int) bool {
	for _, v := range s.CompletedMigrations {
		if v == version {
			return true
		}
	}
	return false
}

// MigrationStatus is the outcome of one migration in a run
type MigrationStatus string

const (
	// MigrationStatusCompleted indicates the body ran successfully
	MigrationStatusCompleted MigrationStatus = "completed"
	// MigrationStatusFailed indicates the body or its dependency check failed
	MigrationStatusFailed MigrationStatus = "failed"
	// MigrationStatusSkipped indicates the batch halted before this migration
	MigrationStatusSkipped MigrationStatus = "skipped"
)

// MigrationResult is the per-migration entry of a run report
type MigrationResult struct {
	Version  int             `json:"version"`
	Name     string          `json:"name"`
	Status   MigrationStatus `json:"status"`
	Duration time.Duration   `json:"duration"`
	Error    string          `json:"error,omitempty"`
}

// MigrationReport summarises one runMigrations call
type MigrationReport struct {
	TargetVersion int               `json:"targetVersion"`
	Results       []MigrationResult `json:"results"`
	Completed     int               `json:"completed"`
	Failed        int               `json:"failed"`
}

// OK reports whether every attempted migration completed
func (r *MigrationReport) OK() bool {
	return r.Failed == 0
}
