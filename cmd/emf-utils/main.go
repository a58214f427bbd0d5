// emf-utils is a set of CloudWatch Embedded Metric Format utilities
// commands.
package main

import (
	"fmt"
	"os"

	put_metrics "github.com/aws/aws-emf-metrics/cmd/emf-utils/put-metrics"
	"github.com/aws/aws-emf-metrics/cmd/emf-utils/validate"
	"github.com/aws/aws-emf-metrics/cmd/emf-utils/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:        "emf-utils",
	Short:      "AWS CloudWatch EMF utils CLI",
	SuggestFor: []string{"emfutils"},
}

func init() {
	cobra.EnablePrefixMatching = true
}

func init() {
	rootCmd.AddCommand(
		validate.NewCommand(),
		put_metrics.NewCommand(),
		version.NewCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "emf-utils failed %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
