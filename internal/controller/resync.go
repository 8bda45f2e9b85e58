package controller

import (
	"context"
	"time"

	"github.com/servicemeshinterface/smi-sdk-go/pkg/apis/split/v1alpha2"
	logging "github.com/sirupsen/logrus"
	"k8s.io/client-go/util/workqueue"

	"github.com/linkerd/linkerd-failover/internal/failover"
	"github.com/linkerd/linkerd-failover/internal/store"
)

// requeuer is the periodic-resync requeue helper: on a fixed interval it
// re-delivers every TrafficSplit currently on file as a synthetic
// Applied event, the self-healing backstop for the one gap the Patch
// Applier deliberately leaves open — a patch that failed or timed out
// has no local retry and is only picked up again by some future watch
// event re-triggering the decision function (see applier.go). A
// TypedRateLimitingInterface coalesces repeated ticks, so a TrafficSplit
// that is already queued for redelivery is never queued twice.
type requeuer struct {
	queue         workqueue.TypedRateLimitingInterface[store.Key]
	trafficSplits *store.Store[*v1alpha2.TrafficSplit]
	tsEvents      chan<- failover.Event[*v1alpha2.TrafficSplit]
	interval      time.Duration
	log           *logging.Entry
}

func newRequeuer(
	trafficSplits *store.Store[*v1alpha2.TrafficSplit],
	tsEvents chan<- failover.Event[*v1alpha2.TrafficSplit],
	interval time.Duration,
	log *logging.Entry,
) *requeuer {
	return &requeuer{
		queue: workqueue.NewTypedRateLimitingQueue[store.Key](
			workqueue.DefaultTypedControllerRateLimiter[store.Key]()),
		trafficSplits: trafficSplits,
		tsEvents:      tsEvents,
		interval:      interval,
		log:           log.WithField("component", "requeuer"),
	}
}

// run ticks every interval, enqueueing every known TrafficSplit key, and
// processes the queue until ctx is cancelled. On cancellation it shuts
// the queue down and waits for the in-flight worker to notice before
// returning, so the caller can safely close tsEvents once run returns.
func (r *requeuer) run(ctx context.Context) {
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		r.worker()
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, ts := range r.trafficSplits.State() {
				r.queue.Add(store.Key{Namespace: ts.Namespace, Name: ts.Name})
			}
		case <-ctx.Done():
			r.queue.ShutDown()
			<-workerDone
			return
		}
	}
}

func (r *requeuer) worker() {
	for {
		key, quit := r.queue.Get()
		if quit {
			return
		}
		r.deliver(key)
		r.queue.Done(key)
	}
}

func (r *requeuer) deliver(key store.Key) {
	ts, ok := r.trafficSplits.Get(key)
	if !ok {
		// Deleted since it was enqueued; nothing left to redeliver.
		r.queue.Forget(key)
		return
	}
	r.tsEvents <- failover.Event[*v1alpha2.TrafficSplit]{Kind: failover.Applied, Object: ts}
	r.queue.Forget(key)
}
