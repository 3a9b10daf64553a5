package main

import (
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/xraytrain/classifier"
)

var (
	initConfig classifier.Config
	initOutput string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a freshly initialized classifier checkpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := classifier.New(initConfig)
		if err != nil {
			return err
		}
		if err := m.Save(initOutput); err != nil {
			return err
		}
		h, w, c := m.InputShape()
		klog.Infof("wrote %dx%dx%d -> %d classes checkpoint to %s", h, w, c, m.NumClasses(), initOutput)
		return nil
	},
}

func initInit() {
	rootCmd.AddCommand(initCmd)
	f := initCmd.Flags()
	f.StringVarP(&initOutput, "output", "o", "weight_model3.ckpt", "checkpoint path")
	f.IntVar(&initConfig.InputSize, "input-size", 224, "side of the square input images")
	f.IntVar(&initConfig.PoolGrid, "pool-grid", 16, "side of the pooling grid")
	f.IntSliceVar(&initConfig.HiddenSizes, "hidden", []int{64}, "hidden layer sizes")
	f.IntVar(&initConfig.NumClasses, "num-classes", 50, "number of classes")
	f.Int64Var(&initConfig.Seed, "seed", 0, "initialization seed; 0 picks one from the clock")
}
