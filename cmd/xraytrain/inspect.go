package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Noofbiz/xraytrain/datasets"
	"github.com/Noofbiz/xraytrain/tfrecord"
)

var inspectOpts struct {
	batchSize  int
	resize     int
	numClasses int
	sample     bool
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <glob>",
	Short: "Count the records of a set of shards and show a sample batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := datasets.Glob(args[0])
		if err != nil {
			return err
		}
		total := 0
		for _, f := range files {
			n, err := tfrecord.Count(f)
			if err != nil {
				return err
			}
			var size uint64
			if fi, err := os.Stat(f); err == nil {
				size = uint64(fi.Size())
			}
			fmt.Printf("%-40s %10s records %10s\n", filepath.Base(f), humanize.Comma(int64(n)), humanize.Bytes(size))
			total += n
		}
		fmt.Printf("%d files, %s records\n", len(files), humanize.Comma(int64(total)))
		if !inspectOpts.sample {
			return nil
		}

		ds, err := datasets.New(files, datasets.Options{
			BatchSize:  inspectOpts.batchSize,
			ResizeTo:   inspectOpts.resize,
			NumClasses: inspectOpts.numClasses,
			Seed:       1,
		})
		if err != nil {
			return err
		}
		defer ds.Close()

		td := datasets.NewTensorDataset(cmd.Context(), ds)
		_, inputs, labels, err := td.Yield()
		if err != nil {
			return err
		}
		fmt.Printf("sample batch from %s: images %s, labels %s\n", td.Name(), inputs[0].Shape(), labels[0].Shape())
		return nil
	},
}

func initInspect() {
	rootCmd.AddCommand(inspectCmd)
	f := inspectCmd.Flags()
	f.IntVarP(&inspectOpts.batchSize, "batch-size", "b", 8, "examples in the sample batch")
	f.IntVar(&inspectOpts.resize, "resize", datasets.DefaultResizeTo, "side of the resized images")
	f.IntVar(&inspectOpts.numClasses, "num-classes", datasets.DefaultNumClasses, "number of classes")
	f.BoolVar(&inspectOpts.sample, "sample", true, "decode one batch through the pipeline")
}
