// Package datasets streams labelled images out of TFRecord shards and turns
// them into fixed-size training batches.
//
// Layout and intended usage:
//
// Dataset
//   - Stores the shard paths resolved from a glob pattern
//   - Reads tf.train.Example records lazily, only once the first batch is asked for
//   - Each record carries "image/encoded" (JPEG or PNG bytes) and
//     "image/class/label" (int64, 0 when absent)
//   - Images are resized to ResizeTo x ResizeTo x 3 and standardized per image
//   - The stream is windowed-shuffled, repeated forever, batched and prefetched
//
// The stream never ends on its own. Whoever consumes it owns the step counter
// and decides when to stop. A Dataset can't be rewound; build a new one to
// start over.
//
// Batches are returned as contiguous float32 buffers along with shape
// metadata. TensorDataset converts them into gomlx tensors so the same stream
// can feed gomlx training loops.
package datasets

import (
	"fmt"
	"runtime"
	"time"

	"github.com/pkg/errors"
)

// Feature keys of the records.
const (
	ImageKey = "image/encoded"
	LabelKey = "image/class/label"
)

// Defaults mirror the values the X-ray model was trained with.
const (
	DefaultResizeTo       = 224
	DefaultNumClasses     = 50
	DefaultParallelCalls  = 4
	DefaultShuffleFactor  = 5
	DefaultPrefetchFactor = 2
	Channels              = 3
)

var (
	// ErrNoFiles is returned when a pattern or file list resolves to nothing.
	ErrNoFiles = errors.New("datasets: no record files")
	// ErrNoRecords is returned by Next when a full pass over the files produced
	// no records, so the stream would otherwise block forever.
	ErrNoRecords = errors.New("datasets: record files contain no records")
	// ErrLabelOutOfRange is returned when a label is outside [0, NumClasses).
	ErrLabelOutOfRange = errors.New("datasets: label out of range")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("datasets: dataset closed")
)

// Options configures a Dataset. Zero values take the defaults documented on
// each field.
type Options struct {
	// BatchSize is the number of examples per batch. Required.
	BatchSize int

	// ResizeTo is the side of the square images produced (default 224).
	ResizeTo int

	// NumClasses bounds the labels (default 50).
	NumClasses int

	// ShuffleBuffer is the shuffle window in examples (default 5*BatchSize).
	ShuffleBuffer int

	// PrefetchBatches is how many ready batches may be queued ahead of the
	// consumer (default 2*BatchSize).
	PrefetchBatches int

	// NumParallelCalls is the number of decode workers (default 4).
	NumParallelCalls int

	// Seed drives the shuffle. If zero, a time-based seed is used.
	Seed int64

	// SkipChecksums disables CRC verification of the records.
	SkipChecksums bool
}

func (o Options) withDefaults() (Options, error) {
	if o.BatchSize <= 0 {
		return o, fmt.Errorf("batch size must be > 0, got %d", o.BatchSize)
	}
	if o.ResizeTo <= 0 {
		o.ResizeTo = DefaultResizeTo
	}
	if o.NumClasses <= 0 {
		o.NumClasses = DefaultNumClasses
	}
	if o.ShuffleBuffer <= 0 {
		o.ShuffleBuffer = DefaultShuffleFactor * o.BatchSize
	}
	if o.PrefetchBatches <= 0 {
		o.PrefetchBatches = DefaultPrefetchFactor * o.BatchSize
	}
	if o.NumParallelCalls <= 0 {
		o.NumParallelCalls = min(DefaultParallelCalls, runtime.NumCPU())
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	return o, nil
}

// Batch is a group of normalized examples stored in flat contiguous buffers.
type Batch struct {
	// Images holds Size images of Height*Width*Channels floats each, in HWC
	// order.
	Images []float32

	// Labels are the raw class indices, one per image.
	Labels []int64

	Size     int
	Height   int
	Width    int
	Channels int
}

// ImageLen is the number of floats of a single image.
func (b *Batch) ImageLen() int {
	return b.Height * b.Width * b.Channels
}

// Image returns the i-th image of the batch. The slice aliases the batch.
func (b *Batch) Image(i int) []float32 {
	n := b.ImageLen()
	return b.Images[i*n : (i+1)*n]
}

// OneHot expands the labels into a Size x numClasses matrix, row major.
func (b *Batch) OneHot(numClasses int) ([]float32, error) {
	out := make([]float32, b.Size*numClasses)
	for i, label := range b.Labels {
		if label < 0 || label >= int64(numClasses) {
			return nil, errors.Wrapf(ErrLabelOutOfRange, "example %d: label %d not in [0, %d)", i, label, numClasses)
		}
		out[i*numClasses+int(label)] = 1
	}
	return out, nil
}

// OneHot returns the one-hot vector of a single label.
func OneHot(label int64, numClasses int) ([]float32, error) {
	if label < 0 || label >= int64(numClasses) {
		return nil, errors.Wrapf(ErrLabelOutOfRange, "label %d not in [0, %d)", label, numClasses)
	}
	v := make([]float32, numClasses)
	v[label] = 1
	return v, nil
}

// Stats are counters of a running Dataset.
type Stats struct {
	RecordsRead     int64
	ExamplesDecoded int64
	BatchesYielded  int64
}
