// Package trainer runs the epoch loop over a batch stream and dispatches the
// epoch-end callbacks.
package trainer

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/xraytrain/datasets"
	"github.com/Noofbiz/xraytrain/summary"
)

// Logs maps a metric name to its value for one epoch.
type Logs = map[string]float64

// Callback is invoked at the end of every epoch. An error stops training.
type Callback interface {
	OnEpochEnd(epoch int, logs Logs) error
}

// CallbackFunc adapts a function to the Callback interface.
type CallbackFunc func(epoch int, logs Logs) error

// OnEpochEnd calls f.
func (f CallbackFunc) OnEpochEnd(epoch int, logs Logs) error {
	return f(epoch, logs)
}

// Model is what Fit and Validation need from a classifier.
type Model interface {
	TrainStep(images, targets []float32, n int) (loss, accuracy float64, err error)
	Evaluate(images, targets []float32, n int) (loss, accuracy float64, err error)
	MetricsNames() []string
	NumClasses() int
	InputShape() (height, width, channels int)
}

// BatchSource is a stream of batches, such as *datasets.Dataset.
type BatchSource interface {
	Next(ctx context.Context) (*datasets.Batch, error)
}

// FitOptions controls the loop.
type FitOptions struct {
	Epochs        int
	StepsPerEpoch int

	// OnStep, if set, is called with the wall time of every training step,
	// including the wait for the batch.
	OnStep func(time.Duration)
}

// History is the per-epoch logs in order.
type History []Logs

// Fit trains model for opts.Epochs epochs of opts.StepsPerEpoch batches each.
// The stream is never expected to end; the counters and ctx bound the loop.
// Callbacks see the epoch's mean training metrics and may add their own keys
// to logs before the next callback runs.
func Fit(ctx context.Context, model Model, src BatchSource, opts FitOptions, callbacks ...Callback) (History, error) {
	if opts.Epochs <= 0 || opts.StepsPerEpoch <= 0 {
		return nil, errors.Errorf("epochs and steps per epoch must be > 0 (got %d, %d)", opts.Epochs, opts.StepsPerEpoch)
	}
	numClasses := model.NumClasses()
	history := make(History, 0, opts.Epochs)

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		start := time.Now()
		var lossSum, accSum float64
		for step := 0; step < opts.StepsPerEpoch; step++ {
			stepStart := time.Now()
			b, err := src.Next(ctx)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d step %d", epoch, step)
			}
			targets, err := b.OneHot(numClasses)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d step %d", epoch, step)
			}
			loss, acc, err := model.TrainStep(b.Images, targets, b.Size)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d step %d", epoch, step)
			}
			lossSum += loss
			accSum += acc
			if opts.OnStep != nil {
				opts.OnStep(time.Since(stepStart))
			}
			klog.V(2).Infof("epoch %d step %d/%d: loss=%.4f acc=%.4f", epoch, step+1, opts.StepsPerEpoch, loss, acc)
		}

		n := float64(opts.StepsPerEpoch)
		names := model.MetricsNames()
		logs := Logs{names[0]: lossSum / n}
		if len(names) > 1 {
			logs[names[1]] = accSum / n
		}
		klog.Infof("epoch %d/%d done in %s: %s=%.4f", epoch+1, opts.Epochs, time.Since(start).Round(time.Millisecond), names[0], logs[names[0]])

		for _, cb := range callbacks {
			if err := cb.OnEpochEnd(epoch, logs); err != nil {
				history = append(history, logs)
				return history, errors.Wrapf(err, "epoch %d callback", epoch)
			}
		}
		history = append(history, logs)
	}
	return history, nil
}

// TensorBoard writes the training metrics of each epoch to a summary writer.
type TensorBoard struct {
	Writer *summary.Writer
}

// OnEpochEnd writes every key in logs that is not a validation metric.
func (tb *TensorBoard) OnEpochEnd(epoch int, logs Logs) error {
	values := make(map[string]float64, len(logs))
	for k, v := range logs {
		if !strings.HasPrefix(k, validationPrefix) {
			values[k] = v
		}
	}
	return tb.Writer.Scalars(int64(epoch), values)
}
