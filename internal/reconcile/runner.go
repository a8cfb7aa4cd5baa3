package reconcile

import (
	"context"
	"log"
	"time"
)

// Runner periodically runs an unscoped sync pass for deployments without an
// external scheduler hitting the admin endpoints. The offset cursor advances
// across passes so every tick audits the next slice of the table, wrapping
// back to the oldest comments once a pass comes up short.
type Runner struct {
	reconciler *Reconciler
	interval   time.Duration
	batchSize  int
	offset     int
	stop       chan struct{}
	done       chan struct{}
}

func NewRunner(reconciler *Reconciler, interval time.Duration, batchSize int) *Runner {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}
	return &Runner{
		reconciler: reconciler,
		interval:   interval,
		batchSize:  batchSize,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (r *Runner) Start() {
	go r.loop()
}

// Stop signals the loop and waits for any in-flight pass to finish.
func (r *Runner) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Runner) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			report, err := r.reconciler.SyncCounts(ctx, Scope{Offset: r.offset}, r.batchSize)
			cancel()
			if err != nil {
				log.Printf(`{"component":"reconcile","error":%q}`, err.Error())
				continue
			}
			if report.ProcessedComments < r.batchSize {
				r.offset = 0
			} else {
				r.offset += report.ProcessedComments
			}
			if report.UpdatedLikeCounts > 0 || report.UpdatedReplyCounts > 0 || len(report.Errors) > 0 {
				log.Printf(`{"component":"reconcile","processed":%d,"updated_likes":%d,"updated_replies":%d,"errors":%d,"duration_ms":%d}`,
					report.ProcessedComments,
					report.UpdatedLikeCounts,
					report.UpdatedReplyCounts,
					len(report.Errors),
					report.ProcessingTimeMs,
				)
			}
		}
	}
}
