// Command xraytrain fine-tunes the X-ray classifier on TFRecord shards.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:   "xraytrain",
	Short: "Fine-tune the X-ray image classifier",
	Long: `xraytrain streams TFRecord shards of encoded X-ray images through a
shuffling, batching pipeline and fine-tunes a classifier checkpoint on them,
validating on a held-out set after every epoch.`,
	SilenceUsage: true,
}

func init() {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	rootCmd.PersistentFlags().AddGoFlagSet(fs)

	initTrain()
	initInit()
	initPack()
	initInspect()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}
