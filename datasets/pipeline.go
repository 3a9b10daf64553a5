package datasets

import (
	"context"
	"io"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/xraytrain/tfrecord"
)

// Dataset is an infinite, shuffled, batched stream over a set of record files.
//
// Records go through: decode (and resize) -> standardize -> shuffle ->
// repeat -> batch -> prefetch. The order of these stages is fixed.
type Dataset struct {
	// Pattern used to find the files, empty when built from an explicit list.
	Pattern string

	files []string
	opts  Options
	rng   *rand.Rand

	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	out       chan *Batch

	// err is the reason the producer stopped. It is written before out is
	// closed and read only after.
	err error

	recordsRead     atomic.Int64
	examplesDecoded atomic.Int64
	batchesYielded  atomic.Int64
}

// CreateDataset builds a stream over files with the given batch size and the
// default options for everything else.
func CreateDataset(files []string, batchSize int) (*Dataset, error) {
	return New(files, Options{BatchSize: batchSize})
}

// New builds a stream over files. Nothing is read until the first call to
// Next.
func New(files []string, opts Options) (*Dataset, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return nil, errors.Wrap(err, "record file")
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dataset{
		files:  append([]string(nil), files...),
		opts:   opts,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		out:    make(chan *Batch, opts.PrefetchBatches),
	}, nil
}

// FromPattern resolves pattern with filepath.Glob and builds a stream over the
// matches.
func FromPattern(pattern string, opts Options) (*Dataset, error) {
	files, err := Glob(pattern)
	if err != nil {
		return nil, err
	}
	ds, err := New(files, opts)
	if err != nil {
		return nil, err
	}
	ds.Pattern = pattern
	return ds, nil
}

// Files returns the record files of the stream.
func (d *Dataset) Files() []string {
	return append([]string(nil), d.files...)
}

// Options returns the effective options, defaults filled in.
func (d *Dataset) Options() Options {
	return d.opts
}

// Name returns a short description of the stream.
func (d *Dataset) Name() string {
	if d.Pattern != "" {
		return "records(" + d.Pattern + ")"
	}
	return "records"
}

// Next returns the next batch. The first call starts the background producer.
// Every batch holds exactly BatchSize examples. Errors are terminal: once Next
// fails it keeps returning the same error.
func (d *Dataset) Next(ctx context.Context) (*Batch, error) {
	d.startOnce.Do(func() {
		go d.run()
	})
	if d.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-d.out:
		if !ok {
			return nil, d.err
		}
		d.batchesYielded.Add(1)
		return b, nil
	}
}

// Close stops the producer and waits for it to release its files.
func (d *Dataset) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		started := true
		d.startOnce.Do(func() {
			started = false
			d.err = ErrClosed
			close(d.out)
			close(d.done)
		})
		if started {
			<-d.done
		}
	})
	return nil
}

// Stats returns the counters of the stream.
func (d *Dataset) Stats() Stats {
	return Stats{
		RecordsRead:     d.recordsRead.Load(),
		ExamplesDecoded: d.examplesDecoded.Load(),
		BatchesYielded:  d.batchesYielded.Load(),
	}
}

func (d *Dataset) run() {
	defer close(d.done)
	defer close(d.out)

	shuffle := newShuffleBuffer(d.opts.ShuffleBuffer, d.rng)
	batcher := newBatcher(d.opts)

	emit := func(ex example) error {
		b := batcher.add(ex)
		if b == nil {
			return nil
		}
		select {
		case <-d.ctx.Done():
			return ErrClosed
		case d.out <- b:
			return nil
		}
	}

	for pass := 0; ; pass++ {
		n, err := d.pass(shuffle, emit)
		if err == nil && n == 0 {
			err = ErrNoRecords
		}
		if err != nil {
			if d.ctx.Err() != nil {
				err = ErrClosed
			} else {
				klog.Errorf("dataset %s stopped on pass %d: %v", d.Name(), pass, err)
			}
			d.err = err
			return
		}
		klog.V(1).Infof("dataset %s: pass %d done, %d records", d.Name(), pass, n)
	}
}

// pass streams every file once through the shuffle buffer and drains it at
// the end, so no example is held over into the next pass.
func (d *Dataset) pass(shuffle *shuffleBuffer, emit func(example) error) (int, error) {
	total := 0
	for _, path := range d.files {
		n, err := d.readFile(path, func(ex example) error {
			if out, ok := shuffle.push(ex); ok {
				return emit(out)
			}
			return nil
		})
		total += n
		if err != nil {
			return total, err
		}
	}
	for shuffle.len() > 0 {
		ex, _ := shuffle.pop()
		if err := emit(ex); err != nil {
			return total, err
		}
	}
	return total, nil
}

type rawRecord struct {
	index int
	data  []byte
}

// readFile reads path in chunks and decodes each chunk in parallel. Results
// are handed to fn in file order.
func (d *Dataset) readFile(path string, fn func(example) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open record file")
	}
	defer f.Close()

	rd := tfrecord.NewReader(f, !d.opts.SkipChecksums)
	chunkSize := d.opts.NumParallelCalls * 8
	chunk := make([]rawRecord, 0, chunkSize)
	count := 0

	flush := func() error {
		decoded, err := d.decodeChunk(path, chunk)
		if err != nil {
			return err
		}
		chunk = chunk[:0]
		for _, ex := range decoded {
			if err := fn(ex); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if d.ctx.Err() != nil {
			return count, ErrClosed
		}
		data, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, errors.Wrapf(err, "%s: record %d", path, count)
		}
		d.recordsRead.Add(1)
		chunk = append(chunk, rawRecord{index: count, data: data})
		count++
		if len(chunk) == chunkSize {
			if err := flush(); err != nil {
				return count, err
			}
		}
	}
	if len(chunk) > 0 {
		if err := flush(); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (d *Dataset) decodeChunk(path string, chunk []rawRecord) ([]example, error) {
	out := make([]example, len(chunk))
	errs := make([]error, len(chunk))
	workers := min(d.opts.NumParallelCalls, len(chunk))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(chunk); i += workers {
				out[i], errs[i] = decodeRecord(chunk[i].data, d.opts.ResizeTo, d.opts.NumClasses)
			}
		}(w)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "%s: record %d", path, chunk[i].index)
		}
	}
	d.examplesDecoded.Add(int64(len(chunk)))
	return out, nil
}

// batcher groups examples into full batches. Batches may straddle passes.
type batcher struct {
	size, side int
	cur        *Batch
}

func newBatcher(opts Options) *batcher {
	return &batcher{size: opts.BatchSize, side: opts.ResizeTo}
}

func (b *batcher) add(ex example) *Batch {
	if b.cur == nil {
		b.cur = &Batch{
			Images:   make([]float32, 0, b.size*b.side*b.side*Channels),
			Labels:   make([]int64, 0, b.size),
			Height:   b.side,
			Width:    b.side,
			Channels: Channels,
		}
	}
	b.cur.Images = append(b.cur.Images, ex.image...)
	b.cur.Labels = append(b.cur.Labels, ex.label)
	b.cur.Size++
	if b.cur.Size < b.size {
		return nil
	}
	full := b.cur
	b.cur = nil
	return full
}
