// Package reconcile audits the denormalized comment counters against the
// relations they summarize and repairs the ones that drifted.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"remark/api/internal/store"
)

const (
	defaultBatchSize = 100
	maxBatchSize     = 1000
	validatePageSize = 500
)

// CounterStore is the slice of the store the reconciler needs.
type CounterStore interface {
	CounterSnapshots(ctx context.Context, postID string, commentIDs []string, limit, offset int) ([]store.CounterSnapshot, error)
	PatchCounters(ctx context.Context, commentID string, likeCount, repliesCount *int) error
}

// Scope narrows a sync pass to one post or an explicit set of comments.
// Zero value means the oldest comments of the whole table. Offset skips
// past comments already audited, so successive unscoped passes walk the
// table instead of re-reading the head.
type Scope struct {
	PostID     string
	CommentIDs []string
	Offset     int
}

type SyncReport struct {
	ProcessedComments  int      `json:"processedComments"`
	UpdatedLikeCounts  int      `json:"updatedLikeCounts"`
	UpdatedReplyCounts int      `json:"updatedReplyCounts"`
	Errors             []string `json:"errors"`
	ProcessingTimeMs   int64    `json:"processingTimeMs"`
}

type Reconciler struct {
	store CounterStore
}

func New(store CounterStore) *Reconciler {
	return &Reconciler{store: store}
}

// SyncCounts audits up to batchSize comments and patches any counter that
// disagrees with its recomputed value. Each repair runs in its own
// transaction so a bad row only shows up in Errors instead of aborting the
// batch. Cancellation is honored between comments; work done so far is
// still reported.
func (r *Reconciler) SyncCounts(ctx context.Context, scope Scope, batchSize int) (SyncReport, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}
	if scope.Offset < 0 {
		scope.Offset = 0
	}

	started := time.Now()
	report := SyncReport{Errors: []string{}}

	snapshots, err := r.store.CounterSnapshots(ctx, scope.PostID, scope.CommentIDs, batchSize, scope.Offset)
	if err != nil {
		return report, fmt.Errorf("load counter snapshots: %w", err)
	}

	for _, snapshot := range snapshots {
		if ctx.Err() != nil {
			break
		}
		report.ProcessedComments++

		var likeCount, repliesCount *int
		if snapshot.LikesDrifted() {
			actual := snapshot.ActualLikes
			likeCount = &actual
		}
		if snapshot.RepliesDrifted() {
			actual := snapshot.ActualReplies
			repliesCount = &actual
		}
		if likeCount == nil && repliesCount == nil {
			continue
		}

		if err := r.store.PatchCounters(ctx, snapshot.CommentID, likeCount, repliesCount); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("comment %s: %v", snapshot.CommentID, err))
			continue
		}
		if likeCount != nil {
			report.UpdatedLikeCounts++
		}
		if repliesCount != nil {
			report.UpdatedReplyCounts++
		}
	}

	report.ProcessingTimeMs = time.Since(started).Milliseconds()
	return report, nil
}

// ValidateCounts returns the drifted counters in one page of comments,
// without repairing anything. Offset pages over comments, not mismatches,
// so repeated calls walk the table deterministically.
func (r *Reconciler) ValidateCounts(ctx context.Context, limit, offset int) ([]store.CounterSnapshot, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	if limit > maxBatchSize {
		limit = maxBatchSize
	}
	if offset < 0 {
		offset = 0
	}

	snapshots, err := r.store.CounterSnapshots(ctx, "", nil, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load counter snapshots: %w", err)
	}

	mismatches := make([]store.CounterSnapshot, 0)
	for _, snapshot := range snapshots {
		if snapshot.LikesDrifted() || snapshot.RepliesDrifted() {
			mismatches = append(mismatches, snapshot)
		}
	}
	return mismatches, nil
}

// AutoFix walks every comment, collects the ids whose counters drifted, and
// syncs exactly those. Re-running it on a consistent table is a no-op.
func (r *Reconciler) AutoFix(ctx context.Context) (SyncReport, error) {
	started := time.Now()
	total := SyncReport{Errors: []string{}}

	var drifted []string
	for offset := 0; ; offset += validatePageSize {
		if err := ctx.Err(); err != nil {
			break
		}
		snapshots, err := r.store.CounterSnapshots(ctx, "", nil, validatePageSize, offset)
		if err != nil {
			return total, fmt.Errorf("load counter snapshots: %w", err)
		}
		for _, snapshot := range snapshots {
			if snapshot.LikesDrifted() || snapshot.RepliesDrifted() {
				drifted = append(drifted, snapshot.CommentID)
			}
		}
		if len(snapshots) < validatePageSize {
			break
		}
	}

	for start := 0; start < len(drifted); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(drifted) {
			end = len(drifted)
		}
		report, err := r.SyncCounts(ctx, Scope{CommentIDs: drifted[start:end]}, maxBatchSize)
		total.ProcessedComments += report.ProcessedComments
		total.UpdatedLikeCounts += report.UpdatedLikeCounts
		total.UpdatedReplyCounts += report.UpdatedReplyCounts
		total.Errors = append(total.Errors, report.Errors...)
		if err != nil {
			return total, err
		}
		if ctx.Err() != nil {
			break
		}
	}

	total.ProcessingTimeMs = time.Since(started).Milliseconds()
	return total, nil
}
