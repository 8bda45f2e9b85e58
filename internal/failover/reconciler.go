package failover

import (
	"context"

	"github.com/servicemeshinterface/smi-sdk-go/pkg/apis/split/v1alpha2"
	logging "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/linkerd/linkerd-failover/internal/store"
)

// Reconciler is the Watch Event Processor: a single goroutine that
// multiplexes the TrafficSplit and Endpoints event streams, evaluating
// the decision function for every affected TrafficSplit and enqueueing
// the resulting patches. Running both streams through one goroutine is
// what gives the system its inter-stream ordering invariant without
// locks — an Endpoints update that lands in the store is never visible
// to one decision while a concurrent decision still sees the stale
// state, because there is no concurrency between decisions at all.
type Reconciler struct {
	tsEvents <-chan Event[*v1alpha2.TrafficSplit]
	epEvents <-chan Event[*corev1.Endpoints]

	trafficSplits *store.Store[*v1alpha2.TrafficSplit]
	oracle        *Oracle

	patches chan<- Update

	log     *logging.Entry
	metrics *Metrics
}

// NewReconciler builds a Reconciler. trafficSplits must be the same
// store the TrafficSplit watch-cache writes to before publishing onto
// tsEvents; oracle must wrap the Endpoints store the Endpoints
// watch-cache writes to before publishing onto epEvents.
func NewReconciler(
	tsEvents <-chan Event[*v1alpha2.TrafficSplit],
	epEvents <-chan Event[*corev1.Endpoints],
	trafficSplits *store.Store[*v1alpha2.TrafficSplit],
	oracle *Oracle,
	patches chan<- Update,
	log *logging.Entry,
	metrics *Metrics,
) *Reconciler {
	return &Reconciler{
		tsEvents:      tsEvents,
		epEvents:      epEvents,
		trafficSplits: trafficSplits,
		oracle:        oracle,
		patches:       patches,
		log:           log.WithField("component", "reconciler"),
		metrics:       metrics,
	}
}

// Run processes events until both streams are closed. It deliberately
// does not exit early on context cancellation: the watches are the ones
// that stop producing when the cluster client tears down on shutdown,
// and the reconciler must keep draining whatever they already queued so
// no decision is dropped while its antecedent event is kept. Exiting
// early here would race the producer closing the channel out from under
// a still-pending send elsewhere.
//
// It never handles an event from one stream concurrently with an event
// from the other: every iteration fully completes one event, including
// any patch it enqueues, before the next is read.
func (r *Reconciler) Run(ctx context.Context) error {
	tsEvents := r.tsEvents
	epEvents := r.epEvents

	for tsEvents != nil || epEvents != nil {
		select {
		case ev, ok := <-tsEvents:
			if !ok {
				tsEvents = nil
				continue
			}
			r.handleTrafficSplitEvent(ctx, ev)

		case ev, ok := <-epEvents:
			if !ok {
				epEvents = nil
				continue
			}
			r.handleEndpointsEvent(ctx, ev)
		}
	}
	return nil
}

func (r *Reconciler) handleTrafficSplitEvent(ctx context.Context, ev Event[*v1alpha2.TrafficSplit]) {
	switch ev.Kind {
	case Applied:
		r.evaluate(ctx, types.NamespacedName{Namespace: ev.Object.Namespace, Name: ev.Object.Name})
	case Deleted:
		// The object is gone; nothing to reconcile.
	case Restarted:
		for _, ts := range ev.Snapshot {
			r.evaluate(ctx, types.NamespacedName{Namespace: ts.Namespace, Name: ts.Name})
		}
	}
}

func (r *Reconciler) handleEndpointsEvent(ctx context.Context, ev Event[*corev1.Endpoints]) {
	switch ev.Kind {
	case Applied, Deleted:
		ep := ev.Object
		for _, ts := range r.trafficSplits.State() {
			if ts.Namespace != ep.Namespace {
				continue
			}
			if !referencesBackend(ts, ep.Name) {
				continue
			}
			r.evaluate(ctx, types.NamespacedName{Namespace: ts.Namespace, Name: ts.Name})
		}
	case Restarted:
		for _, ts := range r.trafficSplits.State() {
			r.evaluate(ctx, types.NamespacedName{Namespace: ts.Namespace, Name: ts.Name})
		}
	}
}

func referencesBackend(ts *v1alpha2.TrafficSplit, service string) bool {
	for _, b := range ts.Spec.Backends {
		if b.Service == service {
			return true
		}
	}
	return false
}

func (r *Reconciler) evaluate(ctx context.Context, ref types.NamespacedName) {
	ts, ok := r.trafficSplits.Get(ref)
	if !ok {
		r.log.WithField("trafficsplit", ref).Warn("trafficsplit referenced but not found in store")
		return
	}

	update, changed, reason := Decide(ts, r.oracle)
	if !changed {
		if reason == SkipMissingAnnotation {
			r.log.WithField("trafficsplit", ref).Infof(
				"trafficsplit is missing the %q annotation; skipping", PrimaryServiceAnnotation)
		}
		return
	}

	r.metrics.reconciliations.Inc()

	// Blocks, deliberately: the patch channel is only closed by the
	// controller after this goroutine has already returned, so there is
	// no shutdown path that requires a ctx-based escape hatch here. A
	// full queue is backpressure against the applier falling behind, not
	// a reason to drop a decision.
	r.patches <- update
}
