// Package cli is the status-reading companion to the failover
// controller: a thin, read-only client over the same TrafficSplit
// resources the controller patches. It never writes to the cluster.
package cli

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	stdout = color.Output
	stderr = color.Error

	okStatus   = color.New(color.FgGreen, color.Bold).SprintFunc()("√")
	warnStatus = color.New(color.FgYellow, color.Bold).SprintFunc()("‼")

	kubeconfigPath string
	kubeContext    string
	selector       string
)

// RootCmd is the entry point for the linkerd-failover-cli binary.
var RootCmd = &cobra.Command{
	Use:   "linkerd-failover-cli",
	Short: "Inspect the TrafficSplits managed by linkerd-failover",
}

func init() {
	RootCmd.PersistentFlags().StringVar(&kubeconfigPath, "kubeconfig", "", "path to a kubeconfig file")
	RootCmd.PersistentFlags().StringVar(&kubeContext, "context", "", "name of the kubeconfig context to use")
	RootCmd.PersistentFlags().StringVar(&selector, "selector", "app.kubernetes.io/managed-by=linkerd-failover",
		"label selector restricting which TrafficSplits are shown")
	RootCmd.AddCommand(statusCmd)
}

// Execute runs RootCmd, exiting with status 1 on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
