// Package controller wires the Resource Stores, the watch-cache
// informers, the Reconciler and the Applier together: the "Coordination
// / Glue" component of the design. It owns no reconciliation logic of
// its own.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/servicemeshinterface/smi-sdk-go/pkg/apis/split/v1alpha2"
	smiclientset "github.com/servicemeshinterface/smi-sdk-go/pkg/gen/client/split/clientset/versioned"
	smiinformers "github.com/servicemeshinterface/smi-sdk-go/pkg/gen/client/split/informers/externalversions"
	logging "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/record"

	"github.com/linkerd/linkerd-failover/internal/failover"
	"github.com/linkerd/linkerd-failover/internal/store"
)

// Config holds everything the controller needs to start watching and
// reconciling, besides the two API clients themselves.
type Config struct {
	// Selector restricts which TrafficSplits the controller considers.
	// TrafficSplits that don't match are invisible to the controller.
	Selector string
	// Resync is the informer's full relist period — together with the
	// requeue helper (RequeueInterval), one of the two mechanisms by which
	// a failed or dropped patch eventually converges.
	Resync time.Duration
	// PatchTimeout bounds a single in-flight patch.
	PatchTimeout time.Duration
	// PatchQueueCapacity bounds how many pending updates the applier may
	// lag behind the reconciler by before the reconciler blocks.
	PatchQueueCapacity int
	// RequeueInterval is how often the periodic-resync requeue helper
	// re-delivers every known TrafficSplit for re-evaluation, independent
	// of the informer's own (much longer) full-resync period.
	RequeueInterval time.Duration
}

// Controller is the assembled reconciliation engine.
type Controller struct {
	cfg Config
	log *logging.Entry

	trafficSplits *store.Store[*v1alpha2.TrafficSplit]
	endpoints     *store.Store[*corev1.Endpoints]

	tsInformer cache.SharedIndexInformer
	epInformer cache.SharedIndexInformer

	tsEvents chan failover.Event[*v1alpha2.TrafficSplit]
	epEvents chan failover.Event[*corev1.Endpoints]
	patches  chan failover.Update

	reconciler *failover.Reconciler
	applier    *failover.Applier
	requeuer   *requeuer

	// mu guards both stores' writes and synced together, so that the
	// initial-sync transition below and every event handler's "am I
	// before or after sync" decision are totally ordered: a handler
	// invocation either lands entirely before initialSync's snapshot (its
	// write is included, and it must not also emit its own event) or
	// entirely after (responsible for its own event, even when the
	// snapshot already holds that object). Neither handler nor initialSync
	// must observe a state
	// where a write is visible and its attribution is ambiguous.
	mu     sync.Mutex
	synced bool
}

// New builds a Controller. smiClient is used to watch and patch
// TrafficSplits; k8sClient is used to watch Endpoints and to record
// cluster Events.
func New(
	smiClient smiclientset.Interface,
	k8sClient kubernetes.Interface,
	cfg Config,
	recorder record.EventRecorder,
	metrics *failover.Metrics,
	log *logging.Entry,
) (*Controller, error) {
	if cfg.Resync <= 0 {
		cfg.Resync = 10 * time.Minute
	}
	if cfg.PatchTimeout <= 0 {
		cfg.PatchTimeout = failover.DefaultPatchTimeout
	}
	if cfg.PatchQueueCapacity <= 0 {
		cfg.PatchQueueCapacity = 1000
	}
	if cfg.RequeueInterval <= 0 {
		cfg.RequeueInterval = 30 * time.Second
	}

	smiFactory := smiinformers.NewSharedInformerFactoryWithOptions(
		smiClient, cfg.Resync,
		smiinformers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.LabelSelector = cfg.Selector
		}),
	)
	tsInformer := smiFactory.Split().V1alpha2().TrafficSplits().Informer()

	k8sFactory := informers.NewSharedInformerFactory(k8sClient, cfg.Resync)
	epInformer := k8sFactory.Core().V1().Endpoints().Informer()

	trafficSplits := store.New[*v1alpha2.TrafficSplit]()
	endpoints := store.New[*corev1.Endpoints]()
	oracle := failover.NewOracle(endpoints)

	tsEvents := make(chan failover.Event[*v1alpha2.TrafficSplit], 64)
	epEvents := make(chan failover.Event[*corev1.Endpoints], 64)
	patches := make(chan failover.Update, cfg.PatchQueueCapacity)

	c := &Controller{
		cfg:           cfg,
		log:           log,
		trafficSplits: trafficSplits,
		endpoints:     endpoints,
		tsInformer:    tsInformer,
		epInformer:    epInformer,
		tsEvents:      tsEvents,
		epEvents:      epEvents,
		patches:       patches,
	}

	c.reconciler = failover.NewReconciler(tsEvents, epEvents, trafficSplits, oracle, patches, log, metrics)
	c.applier = failover.NewApplier(patches, smiClient, recorder, cfg.PatchTimeout, log, metrics)
	c.requeuer = newRequeuer(trafficSplits, tsEvents, cfg.RequeueInterval, log)

	if _, err := tsInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { c.onTrafficSplit(obj) },
		UpdateFunc: func(_, obj interface{}) { c.onTrafficSplit(obj) },
		DeleteFunc: func(obj interface{}) { c.onTrafficSplitDelete(obj) },
	}); err != nil {
		return nil, fmt.Errorf("registering trafficsplit event handler: %w", err)
	}

	if _, err := epInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { c.onEndpoints(obj) },
		UpdateFunc: func(_, obj interface{}) { c.onEndpoints(obj) },
		DeleteFunc: func(obj interface{}) { c.onEndpointsDelete(obj) },
	}); err != nil {
		return nil, fmt.Errorf("registering endpoints event handler: %w", err)
	}

	return c, nil
}

// Run starts the informers, waits for both caches to sync, then starts
// the reconciler, the applier and the periodic requeue helper, and
// blocks until ctx is cancelled. Shutdown proceeds in the order the
// design mandates: the informers and the requeuer stop first (driven by
// ctx), the reconciler drains and exits once both its event channels
// close, this function then closes the patch channel, and the applier
// drains and exits.
func (c *Controller) Run(ctx context.Context) error {
	tsInformerDone := make(chan struct{})
	epInformerDone := make(chan struct{})
	go func() { c.tsInformer.Run(ctx.Done()); close(tsInformerDone) }()
	go func() { c.epInformer.Run(ctx.Done()); close(epInformerDone) }()

	syncCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if !cache.WaitForCacheSync(syncCtx.Done(), c.tsInformer.HasSynced, c.epInformer.HasSynced) {
		return fmt.Errorf("failed to sync informer caches")
	}
	c.log.Info("informer caches synced")

	// Only now does any event reach the reconciler: client-go delivers
	// AddFunc progressively during each informer's initial List, well
	// before HasSynced flips true, and the two informers settle at very
	// different speeds (TrafficSplit is label-selected and namespaced,
	// Endpoints watches every namespace unfiltered). Evaluating a
	// TrafficSplit against a still-empty Endpoints store would read as a
	// total outage and patch every backend to zero on every restart —
	// exactly the fabricated failover the decision function must never
	// produce. c.synced stays false, so onTrafficSplit/onEndpoints neither
	// write the stores nor send, until initialSync below performs one
	// atomic Replace of each store from the informers' already-complete
	// indexers and flips synced under the same lock.
	reconcileErr := make(chan error, 1)
	go func() { reconcileErr <- c.reconciler.Run(ctx) }()

	applierDone := make(chan struct{})
	go func() { c.applier.Run(ctx); close(applierDone) }()

	requeuerDone := make(chan struct{})
	go func() { c.requeuer.run(ctx); close(requeuerDone) }()

	c.initialSync()

	<-ctx.Done()

	// The informers and the requeuer are the only senders on these
	// channels besides this goroutine's own initialSync call, which has
	// long since returned by the time ctx is cancelled; wait for all of
	// them to fully stop before closing, or one still in flight would
	// send on a closed channel.
	<-tsInformerDone
	<-epInformerDone
	<-requeuerDone
	close(c.tsEvents)
	close(c.epEvents)
	err := <-reconcileErr
	close(c.patches)
	<-applierDone

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// initialSync runs exactly once, after both informer caches have
// synced. It pulls every object each informer's indexer already holds,
// atomically replaces the corresponding store's contents with Replace,
// and emits a single Restarted event carrying every TrafficSplit now on
// file — the Go analogue of the spec's "store is atomically replaced
// with the provided snapshot before any consumer handles the restart"
// invariant, applied at controller startup.
func (c *Controller) initialSync() {
	c.mu.Lock()
	tsItems := c.tsInformer.GetIndexer().List()
	tsSnapshot := make(map[store.Key]*v1alpha2.TrafficSplit, len(tsItems))
	for _, obj := range tsItems {
		ts, ok := obj.(*v1alpha2.TrafficSplit)
		if !ok {
			c.log.Errorf("expected *TrafficSplit in indexer, got %T", obj)
			continue
		}
		tsSnapshot[store.Key{Namespace: ts.Namespace, Name: ts.Name}] = ts
	}

	epItems := c.epInformer.GetIndexer().List()
	epSnapshot := make(map[store.Key]*corev1.Endpoints, len(epItems))
	for _, obj := range epItems {
		ep, ok := obj.(*corev1.Endpoints)
		if !ok {
			c.log.Errorf("expected *Endpoints in indexer, got %T", obj)
			continue
		}
		epSnapshot[store.Key{Namespace: ep.Namespace, Name: ep.Name}] = ep
	}

	c.trafficSplits.Replace(tsSnapshot)
	c.endpoints.Replace(epSnapshot)
	c.synced = true
	c.mu.Unlock()

	splits := make([]*v1alpha2.TrafficSplit, 0, len(tsSnapshot))
	for _, ts := range tsSnapshot {
		splits = append(splits, ts)
	}
	c.log.WithField("trafficsplits", len(splits)).Info("performing initial reconciliation pass")
	c.tsEvents <- failover.Event[*v1alpha2.TrafficSplit]{Kind: failover.Restarted, Snapshot: splits}
}

// onTrafficSplit, onTrafficSplitDelete, onEndpoints and onEndpointsDelete
// all follow the same pattern: before the initial sync transition, the
// corresponding informer's indexer (not this store) is the source of
// truth, so the handler only needs to know whether it ran before or
// after that transition, decided atomically under c.mu alongside the
// store write itself. Before: initialSync's snapshot will include this
// write, so the handler must not also emit an event. After: the
// handler owns emitting this event, exactly as it always has.

func (c *Controller) onTrafficSplit(obj interface{}) {
	ts, ok := obj.(*v1alpha2.TrafficSplit)
	if !ok {
		c.log.Errorf("expected *TrafficSplit, got %T", obj)
		return
	}
	key := types.NamespacedName{Namespace: ts.Namespace, Name: ts.Name}

	c.mu.Lock()
	synced := c.synced
	if synced {
		c.trafficSplits.Put(key, ts)
	}
	c.mu.Unlock()

	if synced {
		c.tsEvents <- failover.Event[*v1alpha2.TrafficSplit]{Kind: failover.Applied, Object: ts}
	}
}

func (c *Controller) onTrafficSplitDelete(obj interface{}) {
	ts, ok := obj.(*v1alpha2.TrafficSplit)
	if !ok {
		tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
		if !ok {
			c.log.Errorf("couldn't get object from tombstone %#v", obj)
			return
		}
		ts, ok = tombstone.Obj.(*v1alpha2.TrafficSplit)
		if !ok {
			c.log.Errorf("tombstone contained object that is not a TrafficSplit %#v", tombstone.Obj)
			return
		}
	}
	key := types.NamespacedName{Namespace: ts.Namespace, Name: ts.Name}

	c.mu.Lock()
	synced := c.synced
	if synced {
		c.trafficSplits.Delete(key)
	}
	c.mu.Unlock()

	if synced {
		c.tsEvents <- failover.Event[*v1alpha2.TrafficSplit]{Kind: failover.Deleted, Object: ts}
	}
}

func (c *Controller) onEndpoints(obj interface{}) {
	ep, ok := obj.(*corev1.Endpoints)
	if !ok {
		c.log.Errorf("expected *Endpoints, got %T", obj)
		return
	}
	key := types.NamespacedName{Namespace: ep.Namespace, Name: ep.Name}

	c.mu.Lock()
	synced := c.synced
	if synced {
		c.endpoints.Put(key, ep)
	}
	c.mu.Unlock()

	if synced {
		c.epEvents <- failover.Event[*corev1.Endpoints]{Kind: failover.Applied, Object: ep}
	}
}

func (c *Controller) onEndpointsDelete(obj interface{}) {
	ep, ok := obj.(*corev1.Endpoints)
	if !ok {
		tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
		if !ok {
			c.log.Errorf("couldn't get object from tombstone %#v", obj)
			return
		}
		ep, ok = tombstone.Obj.(*corev1.Endpoints)
		if !ok {
			c.log.Errorf("tombstone contained object that is not Endpoints %#v", tombstone.Obj)
			return
		}
	}
	key := types.NamespacedName{Namespace: ep.Namespace, Name: ep.Name}

	c.mu.Lock()
	synced := c.synced
	if synced {
		c.endpoints.Delete(key)
	}
	c.mu.Unlock()

	if synced {
		c.epEvents <- failover.Event[*corev1.Endpoints]{Kind: failover.Deleted, Object: ep}
	}
}
