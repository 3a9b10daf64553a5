package trainer

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/xraytrain/datasets"
	"github.com/Noofbiz/xraytrain/summary"
)

const validationPrefix = "val_"

// ErrMissingLoss is returned by Validation when the epoch logs have no loss.
var ErrMissingLoss = errors.New("trainer: epoch logs have no loss")

// Validation evaluates the model on a held-out stream at the end of every
// epoch and writes val_ prefixed scalars next to the training ones.
type Validation struct {
	// LogDir receives the validation event file when no writer is given.
	LogDir string

	// BatchSize every validation batch must have.
	BatchSize int
	Steps     int

	// ReuseBatch evaluates the first batch ever drawn Steps times at every
	// epoch instead of drawing fresh batches.
	ReuseBatch bool

	ctx      context.Context
	pipeline BatchSource
	model    Model
	writer   *summary.Writer
	ownsW    bool

	fixed        *datasets.Batch
	fixedTargets []float32
}

// ValidationOptions configures NewValidation.
type ValidationOptions struct {
	LogDir     string
	Files      []string
	Steps      int
	ReuseBatch bool

	// Pipeline options. BatchSize is required.
	Pipeline datasets.Options
}

// NewValidation builds the validation pipeline over opts.Files right away. The
// returned pipeline must be closed by the caller.
func NewValidation(ctx context.Context, model Model, writer *summary.Writer, opts ValidationOptions) (*Validation, *datasets.Dataset, error) {
	ds, err := datasets.New(opts.Files, opts.Pipeline)
	if err != nil {
		return nil, nil, errors.Wrap(err, "validation pipeline")
	}
	v := NewValidationFrom(ctx, model, writer, ds, opts.Pipeline.BatchSize, opts.Steps)
	v.LogDir = opts.LogDir
	v.ReuseBatch = opts.ReuseBatch
	return v, ds, nil
}

// NewValidationFrom evaluates over an existing stream.
func NewValidationFrom(ctx context.Context, model Model, writer *summary.Writer, src BatchSource, batchSize, steps int) *Validation {
	return &Validation{
		BatchSize: batchSize,
		Steps:     steps,
		ctx:       ctx,
		pipeline:  src,
		model:     model,
		writer:    writer,
	}
}

// OnEpochEnd logs the training loss, evaluates Steps batches and records the
// mean validation metrics in logs and in the summary writer.
func (v *Validation) OnEpochEnd(epoch int, logs Logs) error {
	loss, ok := logs["loss"]
	if !ok {
		return ErrMissingLoss
	}
	klog.Infof("The average loss for epoch %d is %.4f", epoch, loss)

	if v.Steps <= 0 {
		return errors.Errorf("validation steps must be > 0 (got %d)", v.Steps)
	}
	names := v.model.MetricsNames()
	numClasses := v.model.NumClasses()

	var sums [2]float64
	for step := 0; step < v.Steps; step++ {
		b, targets, err := v.batch(numClasses)
		if err != nil {
			return errors.Wrapf(err, "validation step %d", step)
		}
		l, a, err := v.model.Evaluate(b.Images, targets, b.Size)
		if err != nil {
			return errors.Wrapf(err, "validation step %d", step)
		}
		sums[0] += l
		sums[1] += a
	}

	values := make(map[string]float64, len(names))
	for i, name := range names {
		if i >= len(sums) {
			break
		}
		key := validationPrefix + name
		values[key] = sums[i] / float64(v.Steps)
		logs[key] = values[key]
	}
	klog.V(1).Infof("epoch %d validation: %v", epoch, values)
	if v.writer == nil {
		if v.LogDir == "" {
			return nil
		}
		w, err := summary.NewWriter(v.LogDir)
		if err != nil {
			return err
		}
		v.writer, v.ownsW = w, true
	}
	return v.writer.Scalars(int64(epoch), values)
}

// batch returns the next batch to evaluate and its one-hot targets. With
// ReuseBatch the first batch is kept for the life of the callback.
func (v *Validation) batch(numClasses int) (*datasets.Batch, []float32, error) {
	if v.ReuseBatch && v.fixed != nil {
		return v.fixed, v.fixedTargets, nil
	}
	b, err := v.pipeline.Next(v.ctx)
	if err != nil {
		return nil, nil, err
	}
	if v.BatchSize > 0 && b.Size != v.BatchSize {
		return nil, nil, errors.Errorf("validation batch has %d examples, want %d", b.Size, v.BatchSize)
	}
	targets, err := b.OneHot(numClasses)
	if err != nil {
		return nil, nil, err
	}
	if v.ReuseBatch {
		v.fixed, v.fixedTargets = b, targets
	}
	return b, targets, nil
}

// Writer returns the summary writer the callback writes to, if any.
func (v *Validation) Writer() *summary.Writer {
	return v.writer
}

// Close closes the event file the callback opened under LogDir. A writer
// passed in by the caller is left alone.
func (v *Validation) Close() error {
	if !v.ownsW {
		return nil
	}
	return v.writer.Close()
}
