package failover_test

import (
	"testing"

	"github.com/servicemeshinterface/smi-sdk-go/pkg/apis/split/v1alpha2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/linkerd/linkerd-failover/internal/failover"
	"github.com/linkerd/linkerd-failover/internal/store"
)

func readyEndpoints(namespace, name, ip string) *corev1.Endpoints {
	return &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Subsets: []corev1.EndpointSubset{{
			Addresses: []corev1.EndpointAddress{{IP: ip}},
		}},
	}
}

func notReadyEndpoints(namespace, name, ip string) *corev1.Endpoints {
	return &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Subsets: []corev1.EndpointSubset{{
			NotReadyAddresses: []corev1.EndpointAddress{{IP: ip}},
		}},
	}
}

func trafficSplit(namespace, name, primary string, backends ...v1alpha2.TrafficSplitBackend) *v1alpha2.TrafficSplit {
	ts := &v1alpha2.TrafficSplit{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Spec:       v1alpha2.TrafficSplitSpec{Backends: backends},
	}
	if primary != "" {
		ts.Annotations = map[string]string{failover.PrimaryServiceAnnotation: primary}
	}
	return ts
}

func backend(service string, weight int) v1alpha2.TrafficSplitBackend {
	return v1alpha2.TrafficSplitBackend{Service: service, Weight: weight}
}

func newOracle(eps ...*corev1.Endpoints) *failover.Oracle {
	s := store.New[*corev1.Endpoints]()
	for _, ep := range eps {
		s.Put(store.Key{Namespace: ep.Namespace, Name: ep.Name}, ep)
	}
	return failover.NewOracle(s)
}

func TestDecideSelectsActivePrimary(t *testing.T) {
	oracle := newOracle(
		readyEndpoints("ns0", "primary", "10.11.12.13"),
		readyEndpoints("ns0", "secondary", "10.11.12.14"),
		readyEndpoints("ns0", "tertiary", "10.11.12.15"),
	)
	ts := trafficSplit("ns0", "ts0", "primary",
		backend("primary", 1), backend("secondary", 1), backend("tertiary", 1))

	update, ok, reason := failover.Decide(ts, oracle)
	require.True(t, ok, "reason: %s", reason)
	assert.True(t, update.PrimaryActive)
	assert.Equal(t, []v1alpha2.TrafficSplitBackend{
		backend("primary", 1), backend("secondary", 0), backend("tertiary", 0),
	}, update.Backends)
}

func TestDecideFailsOverOnNotReady(t *testing.T) {
	oracle := newOracle(
		notReadyEndpoints("ns0", "primary", "10.11.12.13"),
		readyEndpoints("ns0", "secondary", "10.11.12.14"),
		readyEndpoints("ns0", "tertiary", "10.11.12.15"),
	)
	ts := trafficSplit("ns0", "ts0", "primary",
		backend("primary", 1), backend("secondary", 0), backend("tertiary", 0))

	update, ok, reason := failover.Decide(ts, oracle)
	require.True(t, ok, "reason: %s", reason)
	assert.False(t, update.PrimaryActive)
	assert.Equal(t, []v1alpha2.TrafficSplitBackend{
		backend("primary", 0), backend("secondary", 1), backend("tertiary", 1),
	}, update.Backends)
}

func TestDecideNoPatchIfUnchanged(t *testing.T) {
	oracle := newOracle(
		readyEndpoints("ns0", "primary", "10.11.12.13"),
		readyEndpoints("ns0", "secondary", "10.11.12.14"),
		readyEndpoints("ns0", "tertiary", "10.11.12.15"),
	)
	ts := trafficSplit("ns0", "ts0", "primary",
		backend("primary", 1), backend("secondary", 0), backend("tertiary", 0))

	_, ok, reason := failover.Decide(ts, oracle)
	assert.False(t, ok)
	assert.Equal(t, failover.SkipUnchanged, reason)
}

func TestDecideMissingAnnotationSkips(t *testing.T) {
	oracle := newOracle(readyEndpoints("ns0", "primary", "10.11.12.13"))
	ts := trafficSplit("ns0", "ts0", "", backend("primary", 1))

	_, ok, reason := failover.Decide(ts, oracle)
	assert.False(t, ok)
	assert.Equal(t, failover.SkipMissingAnnotation, reason)
}

func TestDecideEndpointChangeTriggersReconsideration(t *testing.T) {
	eps := store.New[*corev1.Endpoints]()
	eps.Put(store.Key{Namespace: "ns0", Name: "primary"}, readyEndpoints("ns0", "primary", "10.11.12.13"))
	eps.Put(store.Key{Namespace: "ns0", Name: "secondary"}, readyEndpoints("ns0", "secondary", "10.11.12.14"))
	eps.Put(store.Key{Namespace: "ns0", Name: "tertiary"}, readyEndpoints("ns0", "tertiary", "10.11.12.15"))
	oracle := failover.NewOracle(eps)

	ts := trafficSplit("ns0", "ts0", "primary",
		backend("primary", 1), backend("secondary", 1), backend("tertiary", 1))

	first, ok, _ := failover.Decide(ts, oracle)
	require.True(t, ok)
	ts.Spec.Backends = first.Backends

	eps.Put(store.Key{Namespace: "ns0", Name: "primary"}, notReadyEndpoints("ns0", "primary", "10.11.12.13"))

	second, ok, _ := failover.Decide(ts, oracle)
	require.True(t, ok)
	assert.Equal(t, []v1alpha2.TrafficSplitBackend{
		backend("primary", 0), backend("secondary", 1), backend("tertiary", 1),
	}, second.Backends)
}

func TestDecideCompleteOutageZeroesEverything(t *testing.T) {
	oracle := newOracle()
	ts := trafficSplit("ns0", "ts0", "primary",
		backend("primary", 1), backend("secondary", 1), backend("tertiary", 1))

	update, ok, reason := failover.Decide(ts, oracle)
	require.True(t, ok, "reason: %s", reason)
	assert.False(t, update.PrimaryActive)
	assert.Equal(t, []v1alpha2.TrafficSplitBackend{
		backend("primary", 0), backend("secondary", 0), backend("tertiary", 0),
	}, update.Backends)
}

func TestDecideOrderPreservation(t *testing.T) {
	oracle := newOracle(readyEndpoints("ns0", "c", "10.0.0.1"))
	ts := trafficSplit("ns0", "ts0", "c",
		backend("c", 0), backend("a", 1), backend("b", 1))

	update, ok, _ := failover.Decide(ts, oracle)
	require.True(t, ok)
	require.Len(t, update.Backends, 3)
	assert.Equal(t, "c", update.Backends[0].Service)
	assert.Equal(t, "a", update.Backends[1].Service)
	assert.Equal(t, "b", update.Backends[2].Service)
}

func TestDecideIsIdempotent(t *testing.T) {
	oracle := newOracle(readyEndpoints("ns0", "primary", "10.0.0.1"))
	ts := trafficSplit("ns0", "ts0", "primary", backend("primary", 0), backend("fallback", 1))

	first, ok, _ := failover.Decide(ts, oracle)
	require.True(t, ok)

	ts.Spec.Backends = first.Backends
	_, ok, reason := failover.Decide(ts, oracle)
	assert.False(t, ok, "second evaluation of a converged split must not patch")
	assert.Equal(t, failover.SkipUnchanged, reason)
}
