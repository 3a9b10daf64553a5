package main

import (
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/xraytrain/config"
	"github.com/Noofbiz/xraytrain/trainer"
)

var (
	trainConfigPath string
	trainOverrides  config.Overrides
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fine-tune a checkpoint on the train shards",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if trainConfigPath != "" {
			loaded, err := config.Load(trainConfigPath)
			if err != nil {
				return err
			}
			cfg = *loaded
		}
		cfg.ApplyOverrides(trainOverrides)

		res, err := trainer.RunTraining(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if n := len(res.History); n > 0 {
			last := res.History[n-1]
			klog.Infof("run %s finished: loss=%.4f val_loss=%.4f val_accuracy=%.4f",
				res.RunID, last["loss"], last["val_loss"], last["val_categorical_accuracy"])
		}
		return nil
	},
}

func initTrain() {
	rootCmd.AddCommand(trainCmd)
	f := trainCmd.Flags()
	f.StringVarP(&trainConfigPath, "config", "c", "", "YAML config file; defaults are used when empty")
	f.StringVar(&trainOverrides.TrainPath, "train", "", "glob of the training shards")
	f.StringVar(&trainOverrides.TestPath, "test", "", "glob of the validation shards")
	f.StringVar(&trainOverrides.CheckpointPath, "checkpoint", "", "checkpoint to fine-tune")
	f.StringVarP(&trainOverrides.OutputCheckpoint, "output", "o", "", "where to save the fine-tuned checkpoint")
	f.StringVar(&trainOverrides.LogDir, "log-dir", "", "parent directory of the run's summary files")
	f.StringVar(&trainOverrides.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	f.IntVarP(&trainOverrides.BatchSize, "batch-size", "b", 0, "examples per batch")
	f.IntVarP(&trainOverrides.Epochs, "epochs", "e", 0, "number of epochs")
	f.IntVar(&trainOverrides.TrainsetSize, "trainset-size", 0, "training examples per epoch")
	f.IntVar(&trainOverrides.ValsetSize, "valset-size", 0, "validation examples per evaluation")
	f.Int64Var(&trainOverrides.Seed, "seed", 0, "shuffle seed; 0 picks one from the clock")
}
