package controller_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/servicemeshinterface/smi-sdk-go/pkg/apis/split/v1alpha2"
	tsfake "github.com/servicemeshinterface/smi-sdk-go/pkg/gen/client/split/clientset/versioned/fake"
	logging "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/tools/record"
	ktesting "k8s.io/client-go/testing"

	"github.com/linkerd/linkerd-failover/internal/controller"
	"github.com/linkerd/linkerd-failover/internal/failover"
)

// TestControllerInitialSyncDoesNotFabricateAnOutage guards against the
// startup race where the TrafficSplit cache finishes listing well before
// the (unfiltered, all-namespace) Endpoints cache does: evaluating a
// TrafficSplit during that window would see no ready endpoints anywhere
// and patch every backend to zero, even though nothing has actually
// failed. The fix defers every reconciliation until both caches report
// synced, so a TrafficSplit that already matches the live, correct
// weights must keep those weights and must never receive a patch that
// zeroes every backend.
func TestControllerInitialSyncDoesNotFabricateAnOutage(t *testing.T) {
	ts := &v1alpha2.TrafficSplit{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "ns0",
			Name:      "ts0",
			Annotations: map[string]string{
				failover.PrimaryServiceAnnotation: "primary",
			},
		},
		Spec: v1alpha2.TrafficSplitSpec{
			Backends: []v1alpha2.TrafficSplitBackend{
				{Service: "primary", Weight: 1},
				{Service: "fallback", Weight: 0},
			},
		},
	}
	primaryEndpoints := &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Namespace: "ns0", Name: "primary"},
		Subsets: []corev1.EndpointSubset{{
			Addresses: []corev1.EndpointAddress{{IP: "10.0.0.1"}},
		}},
	}

	smiClient := tsfake.NewSimpleClientset(runtime.Object(ts))
	k8sClient := k8sfake.NewSimpleClientset(runtime.Object(primaryEndpoints))

	var patchBodies [][]byte
	smiClient.PrependReactor("patch", "trafficsplits", func(action ktesting.Action) (bool, runtime.Object, error) {
		if pa, ok := action.(ktesting.PatchAction); ok {
			patchBodies = append(patchBodies, pa.GetPatch())
		}
		return false, nil, nil
	})

	recorder := record.NewFakeRecorder(10)
	metrics := failover.NewMetrics(prometheus.NewRegistry())
	log := logging.NewEntry(logging.New())

	ctrl, err := controller.New(smiClient, k8sClient, controller.Config{
		RequeueInterval: time.Hour,
	}, recorder, metrics, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- ctrl.Run(ctx) }()

	// The fake clientsets sync in-process with no network latency; this
	// is ample time for both caches to sync and the initial pass to run.
	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("controller did not exit after context cancellation")
	}

	got, err := smiClient.SplitV1alpha2().TrafficSplits("ns0").Get(context.Background(), "ts0", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, []v1alpha2.TrafficSplitBackend{
		{Service: "primary", Weight: 1},
		{Service: "fallback", Weight: 0},
	}, got.Spec.Backends)

	for _, body := range patchBodies {
		var decoded struct {
			Spec struct {
				Backends []v1alpha2.TrafficSplitBackend `json:"backends"`
			} `json:"spec"`
		}
		require.NoError(t, json.Unmarshal(body, &decoded))
		allZero := true
		for _, b := range decoded.Spec.Backends {
			if b.Weight != 0 {
				allZero = false
			}
		}
		require.False(t, allZero, "no patch may zero every backend while the primary has a ready endpoint")
	}
}
