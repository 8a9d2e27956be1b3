package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	rebuildCategoryLimit  = 2
	manualReviewMagnitude = 10
)

// CheckConsistency compares remote row counts with cached item counts for every
// category that has a threshold. Query failures are returned to the caller.
func (o *Orchestrator) CheckConsistency(ctx context.Context) (*model.ConsistencyReport, error) {
	user, err := o.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	remoteCounts := make(map[model.Category]int64, len(o.config.Thresholds))

	g, gctx := errgroup.WithContext(ctx)
	for _, category := range model.Categories {
		category := category
		if _, tracked := o.config.Thresholds[category]; !tracked {
			continue
		}
		table, ok := o.config.Tables[category]
		if !ok {
			continue
		}

		g.Go(func() error {
			res, err := o.remote.Query(gctx, table, store.Filter{
				Eq:        map[string]interface{}{"user_id": user.ID},
				CountOnly: true,
			})
			if err != nil {
				return errors.NetworkFailure(fmt.Sprintf("failed to count %s", category), err)
			}
			mu.Lock()
			remoteCounts[category] = res.Count
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &model.ConsistencyReport{
		CheckedAt:       o.now(),
		Inconsistencies: []model.Inconsistency{},
	}

	for _, category := range model.Categories {
		remote, ok := remoteCounts[category]
		if !ok {
			continue
		}
		threshold := o.config.Thresholds[category]
		local := int64(len(o.cache.Get(ctx, category)))

		diff := remote - local
		if diff < 0 {
			diff = -diff
		}
		o.metrics.Inconsistencies.WithLabelValues(string(category)).Set(float64(diff))

		if diff <= threshold {
			continue
		}

		violation := errors.ConsistencyViolation(string(category), local, remote)
		report.Inconsistencies = append(report.Inconsistencies, model.Inconsistency{
			Category:    category,
			LocalCount:  local,
			RemoteCount: remote,
			Difference:  diff,
			Threshold:   threshold,
			Issue:       violation.Message,
		})
		o.logger.Warn("Local cache diverges from remote",
			zap.String("category", string(category)),
			zap.Int64("local", local),
			zap.Int64("remote", remote),
			zap.Int64("threshold", threshold))
	}

	report.Consistent = len(report.Inconsistencies) == 0
	report.Recommendation = Recommend(report.Inconsistencies)
	return report, nil
}

// Recommend picks the advisory action for a set of inconsistencies.
// Precedence: rebuild (more than 2 categories), then manual_review (any
// difference above 10), then sync.
func Recommend(inconsistencies []model.Inconsistency) model.Recommendation {
	if len(inconsistencies) == 0 {
		return model.RecommendNone
	}
	if len(inconsistencies) > rebuildCategoryLimit {
		return model.RecommendRebuild
	}
	for _, inc := range inconsistencies {
		if inc.Difference > manualReviewMagnitude {
			return model.RecommendManualReview
		}
	}
	return model.RecommendSync
}
