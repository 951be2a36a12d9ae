package workers

import (
	"context"
	"log"
	"time"

	"github.com/PortNumber53/pegasus/internal/reconcile"
)

// ReconcileWorker periodically attaches orphan subscriptions that carry their
// own attribution. Checkout repair grants access and stays operator-invoked.
type ReconcileWorker struct {
	Job      reconcile.Job
	Interval time.Duration // zero disables the worker
}

// Start runs the loop until ctx is done. It returns at once when disabled.
func (w *ReconcileWorker) Start(ctx context.Context) {
	if w.Interval <= 0 || w.Job == nil {
		log.Printf("[ReconcileWorker] disabled")
		return
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	log.Printf("[ReconcileWorker] started (interval=%s)", w.Interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[ReconcileWorker] stopped")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *ReconcileWorker) runOnce(ctx context.Context) {
	results, err := w.Job.AttachOrphanSubscriptions(ctx, false)
	if err != nil {
		log.Printf("[ReconcileWorker] error: %v", err)
		return
	}
	if len(results) > 0 {
		log.Printf("[ReconcileWorker] attached %d orphan rows", len(results))
	}
}
