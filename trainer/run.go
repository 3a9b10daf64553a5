package trainer

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/xraytrain/classifier"
	"github.com/Noofbiz/xraytrain/config"
	"github.com/Noofbiz/xraytrain/datasets"
	"github.com/Noofbiz/xraytrain/metrics"
	"github.com/Noofbiz/xraytrain/summary"
)

// runDirLayout is the timestamp of the per-run log directory. It avoids ':'
// so the path is valid on every filesystem.
const runDirLayout = "2006-01-02T15-04-05"

// Result describes a finished run.
type Result struct {
	Model   *classifier.Model
	History History
	RunID   string
	LogDir  string
}

// RunTraining fine-tunes the checkpoint at cfg.CheckpointPath on the train
// shards, validating on the test shards after every epoch.
func RunTraining(ctx context.Context, cfg config.Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runID := uuid.NewString()

	model, err := classifier.Load(cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}
	h, w, c := model.InputShape()
	if h != cfg.ResizeDim || w != cfg.ResizeDim || c != datasets.Channels {
		return nil, errors.Wrapf(classifier.ErrShape, "checkpoint takes %dx%dx%d images, pipeline produces %dx%dx%d",
			h, w, c, cfg.ResizeDim, cfg.ResizeDim, datasets.Channels)
	}
	if model.NumClasses() != cfg.NumClasses {
		return nil, errors.Wrapf(classifier.ErrShape, "checkpoint has %d classes, config %d", model.NumClasses(), cfg.NumClasses)
	}
	model.Config.LearningRate = cfg.LearningRate
	model.Config.Momentum = cfg.Momentum
	klog.Infof("model %s: %s", cfg.CheckpointPath, model.Summary())

	pipeOpts := datasets.Options{
		BatchSize:        cfg.BatchSize,
		ResizeTo:         cfg.ResizeDim,
		NumClasses:       cfg.NumClasses,
		ShuffleBuffer:    cfg.ShuffleBuffer,
		PrefetchBatches:  cfg.PrefetchBatches,
		NumParallelCalls: cfg.ParallelCalls,
		Seed:             cfg.Seed,
	}
	train, err := datasets.FromPattern(cfg.TrainPath, pipeOpts)
	if err != nil {
		return nil, errors.Wrap(err, "train pipeline")
	}
	defer train.Close()

	if cfg.TrainsetSize == 0 {
		n, err := datasets.CountRecords(train.Files())
		if err != nil {
			return nil, err
		}
		klog.Infof("counted %d training records", n)
		cfg.TrainsetSize = n
	}
	steps := cfg.StepsPerEpoch()

	testFiles, err := datasets.Glob(cfg.TestPath)
	if err != nil {
		return nil, errors.Wrap(err, "validation files")
	}

	logDir := filepath.Join(cfg.LogDir, "xray-"+time.Now().Format(runDirLayout))
	writer, err := summary.NewWriter(logDir)
	if err != nil {
		return nil, err
	}
	defer writer.Close()

	valOpts := validationPipeline(cfg, pipeOpts)
	val, valDS, err := NewValidation(ctx, model, writer, ValidationOptions{
		LogDir:     logDir,
		Files:      testFiles,
		Steps:      cfg.ValidationSteps(),
		ReuseBatch: cfg.ReuseValidationBatch,
		Pipeline:   valOpts,
	})
	if err != nil {
		return nil, err
	}
	defer valDS.Close()
	defer val.Close()

	callbacks := []Callback{&TensorBoard{Writer: writer}, val}
	fitOpts := FitOptions{Epochs: cfg.Epochs, StepsPerEpoch: steps}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		tm, err := metrics.NewTrainingMetrics(reg)
		if err != nil {
			return nil, err
		}
		if err := metrics.ObservePipeline(reg, "train", train.Stats); err != nil {
			return nil, err
		}
		if err := metrics.ObservePipeline(reg, "validation", valDS.Stats); err != nil {
			return nil, err
		}
		callbacks = append(callbacks, tm)
		fitOpts.OnStep = tm.ObserveStep

		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(srvCtx, cfg.MetricsAddr, reg); err != nil {
				klog.Errorf("metrics server: %v", err)
			}
		}()
	}

	klog.Infof("run %s: %d epochs of %d steps, %d validation steps, logs in %s",
		runID, cfg.Epochs, steps, cfg.ValidationSteps(), logDir)
	history, err := Fit(ctx, model, train, fitOpts, callbacks...)
	res := &Result{Model: model, History: history, RunID: runID, LogDir: logDir}
	if err != nil {
		return res, err
	}

	for _, curve := range []struct{ name, train string }{
		{"loss", classifier.MetricLoss},
		{"accuracy", classifier.MetricAccuracy},
	} {
		path := filepath.Join(logDir, curve.name+".png")
		if err := summary.PlotCurves(path, curve.name, writer.History(), curve.train, validationPrefix+curve.train); err != nil {
			klog.Warningf("plot %s: %v", curve.name, err)
		}
	}

	if cfg.OutputCheckpoint != "" {
		if err := model.Save(cfg.OutputCheckpoint); err != nil {
			return res, err
		}
		klog.Infof("saved checkpoint to %s", cfg.OutputCheckpoint)
	}
	return res, nil
}

// validationPipeline derives the validation stream options from the training
// ones. The seed is offset so the two streams differ. The stream is read
// ValidationSteps batches per epoch, so its queue is no deeper than that.
func validationPipeline(cfg config.Config, train datasets.Options) datasets.Options {
	opts := train
	if opts.Seed != 0 {
		opts.Seed++
	}
	if vs := cfg.ValidationSteps(); opts.PrefetchBatches <= 0 || opts.PrefetchBatches > vs {
		opts.PrefetchBatches = vs
	}
	return opts
}
