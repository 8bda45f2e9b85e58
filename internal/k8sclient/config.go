// Package k8sclient builds the REST config this module's binaries use to
// reach a cluster, the same way every teacher controller binary does:
// an explicit kubeconfig path, falling back to in-cluster config when
// run as a pod.
package k8sclient

import (
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// LoadConfig resolves a REST config from the in-cluster service account
// when kubeconfigPath is empty, and from the kubeconfig file at
// kubeconfigPath otherwise. The default kubeconfig locations (the
// KUBECONFIG variable, ~/.kube/config) are not searched.
func LoadConfig(kubeconfigPath string) (*rest.Config, error) {
	return LoadConfigWithContext(kubeconfigPath, "")
}

// LoadConfigWithContext is LoadConfig, with an explicit kubeconfig
// context override (empty uses the kubeconfig's current-context).
func LoadConfigWithContext(kubeconfigPath, kubeContext string) (*rest.Config, error) {
	if kubeconfigPath == "" && kubeContext == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath},
		&clientcmd.ConfigOverrides{CurrentContext: kubeContext},
	).ClientConfig()
}
