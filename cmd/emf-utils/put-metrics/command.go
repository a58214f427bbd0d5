// Package putmetrics implements EMF document re-publishing commands.
package putmetrics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aws/aws-emf-metrics/emf"
	"github.com/aws/aws-emf-metrics/pkg/logutil"
	"github.com/aws/aws-emf-metrics/sink"
)

var (
	logLevel    string
	region      string
	namespace   string
	endpointURL string
)

func init() {
	cobra.EnablePrefixMatching = true
}

// NewCommand implements "emf-utils put-metrics" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put-metrics [PATH]",
		Short: "Re-publishes EMF documents through the CloudWatch PutMetricData API (stdin when no path)",
		Run:   putMetricsFunc,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, dpanic, panic, fatal)")
	cmd.PersistentFlags().StringVar(&region, "region", "us-west-2", "AWS region")
	cmd.PersistentFlags().StringVar(&namespace, "namespace", "", "Namespace override for all documents")
	cmd.PersistentFlags().StringVar(&endpointURL, "endpoint-url", "", "Custom CloudWatch endpoint (for tests)")
	return cmd
}

func putMetricsFunc(cmd *cobra.Command, args []string) {
	if len(args) > 1 {
		fmt.Fprintf(os.Stderr, "expected at most 1 argument for input path; got %q\n", args)
		os.Exit(1)
	}

	lg, err := logutil.NewLogger(logLevel)
	if err != nil {
		panic(err)
	}

	in := os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open %q (%v)\n", args[0], err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	var docs []emf.Document
	invalid, line := 0, 0
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var doc emf.Document
		err := json.Unmarshal(text, &doc)
		if err == nil {
			err = doc.Validate()
		}
		if err != nil {
			invalid++
			lg.Warn("skipping invalid document", zap.Int("line", line), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	if err := sc.Err(); err != nil {
		lg.Fatal("failed to read input", zap.Error(err))
	}
	if len(docs) == 0 {
		lg.Info("no documents to put", zap.Int("invalid-lines", invalid))
		return
	}

	awsCfg, err := sink.NewAWSConfig(sink.AWSOptions{
		Logger:      lg,
		Region:      region,
		ResolverURL: endpointURL,
		SigningName: "monitoring",
	})
	if err != nil {
		lg.Fatal("failed to load AWS config", zap.Error(err))
	}

	if err := sink.PutDocuments(context.Background(), lg, cloudwatch.NewFromConfig(awsCfg), namespace, docs); err != nil {
		lg.Fatal("failed to put metric data", zap.Error(err))
	}
	lg.Info("put metric data complete",
		zap.Int("documents", len(docs)),
		zap.Int("invalid-lines", invalid),
	)
}
