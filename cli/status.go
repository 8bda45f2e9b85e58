package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/servicemeshinterface/smi-sdk-go/pkg/apis/split/v1alpha2"
	smiclientset "github.com/servicemeshinterface/smi-sdk-go/pkg/gen/client/split/clientset/versioned"
	"github.com/spf13/cobra"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/linkerd/linkerd-failover/internal/failover"
	"github.com/linkerd/linkerd-failover/internal/k8sclient"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current backend weights of every managed TrafficSplit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := k8sclient.LoadConfigWithContext(kubeconfigPath, kubeContext)
		if err != nil {
			return fmt.Errorf("loading kubernetes config: %w", err)
		}

		client, err := smiclientset.NewForConfig(config)
		if err != nil {
			return fmt.Errorf("building smi client: %w", err)
		}

		splits, err := client.SplitV1alpha2().TrafficSplits("").List(context.Background(), metav1.ListOptions{
			LabelSelector: selector,
		})
		if err != nil {
			return fmt.Errorf("listing trafficsplits: %w", err)
		}

		printStatus(stdout, splits.Items)
		return nil
	},
}

func printStatus(w io.Writer, splits []v1alpha2.TrafficSplit) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAMESPACE\tTRAFFICSPLIT\tPRIMARY\tBACKEND\tWEIGHT\tACTIVE")
	for _, ts := range splits {
		primary := ts.Annotations[failover.PrimaryServiceAnnotation]
		for _, b := range ts.Spec.Backends {
			mark := " "
			if b.Weight > 0 {
				mark = okStatus
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", ts.Namespace, ts.Name, primary, b.Service, b.Weight, mark)
		}
		if primary == "" {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", ts.Namespace, ts.Name, "-", "-", "-", warnStatus)
		}
	}
	tw.Flush()
}
