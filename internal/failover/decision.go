package failover

import (
	"github.com/servicemeshinterface/smi-sdk-go/pkg/apis/split/v1alpha2"
	"k8s.io/apimachinery/pkg/types"
)

// PrimaryServiceAnnotation names the backend service that should receive
// all traffic while it has ready endpoints.
const PrimaryServiceAnnotation = "failover.linkerd.io/primary-service"

// SkipMissingAnnotation and SkipUnchanged are the two reasons Decide can
// choose not to emit an Update. They are exported so callers can decide
// how loudly to log each one without Decide itself performing logging
// (the decision function stays pure).
const (
	SkipMissingAnnotation = "missing-primary-service-annotation"
	SkipUnchanged         = "unchanged"
)

// Update is the full desired write for one TrafficSplit: the complete
// backend vector, in spec order, plus whether the primary was judged
// active (carried so the applier can emit an accurate cluster Event).
type Update struct {
	Target        types.NamespacedName
	Object        *v1alpha2.TrafficSplit
	Backends      []v1alpha2.TrafficSplitBackend
	PrimaryActive bool
}

// Decide computes the desired backend-weight vector for ts against the
// current Endpoints view exposed by oracle. It returns ok=false with a
// reason when no patch should be issued — either the TrafficSplit has no
// primary-service annotation, or the desired vector already matches the
// observed one.
//
// Weights are binary: 1 means "on", 0 means "off". While the primary has
// any ready endpoint, every other backend is forced to 0. Once the
// primary has none, every backend whose own service has a ready endpoint
// is forced to 1 — simultaneously, with no preference among them — and
// everything else, including the primary, goes to 0. Zeroing every
// backend during a total outage is intentional: the controller never
// fabricates traffic.
func Decide(ts *v1alpha2.TrafficSplit, oracle *Oracle) (Update, bool, string) {
	target := types.NamespacedName{Namespace: ts.Namespace, Name: ts.Name}

	primary, ok := ts.Annotations[PrimaryServiceAnnotation]
	if !ok {
		return Update{}, false, SkipMissingAnnotation
	}

	primaryActive := oracle.Ready(ts.Namespace, primary)

	changed := false
	backends := make([]v1alpha2.TrafficSplitBackend, len(ts.Spec.Backends))
	for i, b := range ts.Spec.Backends {
		var active bool
		if primaryActive {
			active = b.Service == primary
		} else {
			active = oracle.Ready(ts.Namespace, b.Service)
		}

		weight := 0
		if active {
			weight = 1
		}
		if weight != b.Weight {
			changed = true
		}

		backends[i] = v1alpha2.TrafficSplitBackend{
			Service: b.Service,
			Weight:  weight,
		}
	}

	if !changed {
		return Update{}, false, SkipUnchanged
	}

	return Update{
		Target:        target,
		Object:        ts,
		Backends:      backends,
		PrimaryActive: primaryActive,
	}, true, ""
}
