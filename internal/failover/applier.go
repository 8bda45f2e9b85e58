package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/servicemeshinterface/smi-sdk-go/pkg/apis/split/v1alpha2"
	smiclientset "github.com/servicemeshinterface/smi-sdk-go/pkg/gen/client/split/clientset/versioned"
	logging "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
)

// ControllerName is the source name attached to emitted cluster Events
// and the reason those Events carry. Patches use fieldManager instead.
const ControllerName = "linkerd-failover"

// fieldManager is the field-manager identity the merge patch is applied
// with, distinct from ControllerName per the spec's external interface.
const fieldManager = "failover.linkerd.io"

// DefaultPatchTimeout bounds a single patch call.
const DefaultPatchTimeout = 10 * time.Second

// Applier is the Patch Applier: a single-consumer task draining the
// patch queue, issuing at most one in-flight patch across the whole
// controller at any instant. There is no local retry; a failed or timed
// out patch is simply logged, and convergence is left to the next watch
// event re-triggering the decision function.
type Applier struct {
	patches  <-chan Update
	client   smiclientset.Interface
	recorder record.EventRecorder
	timeout  time.Duration

	log     *logging.Entry
	metrics *Metrics
}

// NewApplier builds an Applier that reads from patches until it is
// closed.
func NewApplier(
	patches <-chan Update,
	client smiclientset.Interface,
	recorder record.EventRecorder,
	timeout time.Duration,
	log *logging.Entry,
	metrics *Metrics,
) *Applier {
	if timeout <= 0 {
		timeout = DefaultPatchTimeout
	}
	return &Applier{
		patches:  patches,
		client:   client,
		recorder: recorder,
		timeout:  timeout,
		log:      log.WithField("component", "applier"),
		metrics:  metrics,
	}
}

// Run drains patches until the channel is closed, applying each update
// strictly serially. It returns once the channel is drained, which is
// the controller's shutdown signal for this task.
func (a *Applier) Run(ctx context.Context) {
	for update := range a.patches {
		a.apply(ctx, update)
	}
	a.log.Info("patch channel closed, applier exiting")
}

func (a *Applier) apply(ctx context.Context, update Update) {
	reason := "failing over to fallbacks"
	if update.PrimaryActive {
		reason = "switching traffic to primary"
	}
	message := fmt.Sprintf("trafficsplit/%s %s", update.Target.Name, reason)

	if update.Object != nil {
		a.recorder.Event(update.Object, corev1.EventTypeNormal, ControllerName, message)
	}

	body, err := mergePatchBody(update)
	if err != nil {
		a.log.WithError(err).Error("failed to encode trafficsplit patch")
		a.metrics.patchesFailed.Inc()
		return
	}

	patchCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	_, err = a.client.SplitV1alpha2().
		TrafficSplits(update.Target.Namespace).
		Patch(patchCtx, update.Target.Name, types.MergePatchType, body, metav1.PatchOptions{
			FieldManager: fieldManager,
		})
	if err != nil {
		a.log.WithFields(logging.Fields{
			"trafficsplit": update.Target,
			"timeout":      a.timeout,
		}).WithError(err).Warn("failed to patch trafficsplit")
		a.metrics.patchesFailed.Inc()
		return
	}

	a.log.WithField("trafficsplit", update.Target).Trace("patched trafficsplit")
	a.metrics.patchesApplied.Inc()
}

// mergePatchSpec is the spec.backends portion of the patch body.
type mergePatchSpec struct {
	Backends []v1alpha2.TrafficSplitBackend `json:"backends"`
}

// mergePatch is the patch body: only apiVersion, kind, name, and
// spec.backends. A merge patch is additive — it must never carry fields
// it does not intend to overwrite, or it would clobber sibling fields
// such as annotations on apply.
type mergePatch struct {
	APIVersion string         `json:"apiVersion"`
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	Spec       mergePatchSpec `json:"spec"`
}

func mergePatchBody(update Update) ([]byte, error) {
	return json.Marshal(mergePatch{
		APIVersion: "split.smi-spec.io/v1alpha2",
		Kind:       "TrafficSplit",
		Name:       update.Target.Name,
		Spec:       mergePatchSpec{Backends: update.Backends},
	})
}
