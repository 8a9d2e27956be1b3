package orchestrator

import (
	"fmt"
	"time"

	"github.com/cupnote/cupsync/internal/model"
)

// HealthScore rates sync health from 0 to 100 for display
func HealthScore(status model.SyncStatus, now time.Time) int {
	score := 100

	if !status.IsOnline {
		score -= 30
	}

	pendingPenalty := status.PendingChanges * 5
	if pendingPenalty > 40 {
		pendingPenalty = 40
	}
	score -= pendingPenalty

	// A device that never synced counts as more than a day stale.
	if status.LastSyncAt == nil {
		score -= 20
	} else {
		age := now.Sub(*status.LastSyncAt)
		switch {
		case age > 24*time.Hour:
			score -= 20
		case age > 6*time.Hour:
			score -= 10
		}
	}

	if status.LastSyncError != "" {
		score -= 20
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Badge is the short status string shown next to the sync indicator
func Badge(status model.SyncStatus) string {
	switch {
	case !status.IsOnline:
		return "Offline"
	case status.SyncInProgress:
		return "Syncing"
	case status.LastSyncError != "":
		return "Sync failed"
	case status.PendingChanges > 0:
		return fmt.Sprintf("%d pending", status.PendingChanges)
	default:
		return "Synced"
	}
}
