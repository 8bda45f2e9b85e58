package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	smiclientset "github.com/servicemeshinterface/smi-sdk-go/pkg/gen/client/split/clientset/versioned"
	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"

	"github.com/linkerd/linkerd-failover/internal/controller"
	"github.com/linkerd/linkerd-failover/internal/failover"
	"github.com/linkerd/linkerd-failover/internal/k8sclient"
	"github.com/linkerd/linkerd-failover/pkg/admin"
	"github.com/linkerd/linkerd-failover/pkg/flags"
)

func main() {
	cmd := flag.NewFlagSet("linkerd-failover", flag.ExitOnError)

	kubeConfigPath := cmd.String("kubeconfig", "", "path to a kubeconfig file; empty uses in-cluster config")
	selector := cmd.String("selector", "app.kubernetes.io/managed-by=linkerd-failover",
		"label selector restricting which TrafficSplits this controller manages")
	adminAddr := cmd.String("admin-addr", ":9995", "address to serve /metrics, /ping and /ready on")
	enablePprof := cmd.Bool("enable-pprof", false, "enable pprof endpoints on the admin server")
	patchTimeout := cmd.Duration("patch-timeout", failover.DefaultPatchTimeout, "timeout for a single TrafficSplit patch")
	patchQueueCapacity := cmd.Int("patch-queue-capacity", 1000, "capacity of the pending-patch queue")
	resync := cmd.Duration("resync", 10*time.Minute, "full relist period for the TrafficSplit and Endpoints informers")
	requeueInterval := cmd.Duration("requeue-interval", 30*time.Second,
		"how often every known TrafficSplit is re-evaluated regardless of watch activity")

	flags.ConfigureAndParse(cmd, os.Args[1:])

	log.Infof("starting with selector %q", *selector)

	config, err := k8sclient.LoadConfig(*kubeConfigPath)
	if err != nil {
		log.Fatalf("failed to load kubernetes client config: %s", err)
	}

	k8sClient, err := kubernetes.NewForConfig(config)
	if err != nil {
		log.Fatalf("failed to build kubernetes client: %s", err)
	}

	smiClient, err := smiclientset.NewForConfig(config)
	if err != nil {
		log.Fatalf("failed to build smi client: %s", err)
	}

	ready := false
	adminServer := admin.NewServer(*adminAddr, *enablePprof, &ready)
	go func() {
		log.Infof("starting admin server on %s", *adminAddr)
		if err := adminServer.ListenAndServe(); err != nil {
			log.Errorf("admin server exited: %s", err)
		}
	}()

	broadcaster := record.NewBroadcaster()
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{
		Interface: k8sClient.CoreV1().Events(""),
	})
	recorder := broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: failover.ControllerName})
	defer broadcaster.Shutdown()

	metrics := failover.NewMetrics(prometheus.DefaultRegisterer)

	ctrl, err := controller.New(smiClient, k8sClient, controller.Config{
		Selector:           *selector,
		Resync:             *resync,
		PatchTimeout:       *patchTimeout,
		PatchQueueCapacity: *patchQueueCapacity,
		RequeueInterval:    *requeueInterval,
	}, recorder, metrics, log.NewEntry(log.StandardLogger()))
	if err != nil {
		log.Fatalf("failed to build controller: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %s, shutting down", sig)
		cancel()
	}()

	ready = true

	if err := ctrl.Run(ctx); err != nil {
		log.Fatalf("controller exited with error: %s", err)
	}
}
