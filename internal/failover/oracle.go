package failover

import (
	corev1 "k8s.io/api/core/v1"

	"github.com/linkerd/linkerd-failover/internal/store"
)

// Oracle answers whether a service currently has any ready endpoint. It
// is a pure query over an Endpoints store: no side effects, no caching
// beyond what the store itself holds.
type Oracle struct {
	endpoints *store.Store[*corev1.Endpoints]
}

// NewOracle builds an Oracle backed by the given Endpoints store.
func NewOracle(endpoints *store.Store[*corev1.Endpoints]) *Oracle {
	return &Oracle{endpoints: endpoints}
}

// Ready reports whether an Endpoints object exists at (namespace, service)
// and has at least one subset with a non-empty ready-address list. An
// absent Endpoints entry, subsets with only not-ready addresses, and the
// complete absence of subsets all evaluate to false. This is the single
// place the readiness semantics are decided; callers must not reimplement
// it.
func (o *Oracle) Ready(namespace, service string) bool {
	ep, ok := o.endpoints.Get(store.Key{Namespace: namespace, Name: service})
	if !ok {
		return false
	}
	for _, subset := range ep.Subsets {
		if len(subset.Addresses) > 0 {
			return true
		}
	}
	return false
}
