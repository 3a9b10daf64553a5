package datasets

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustDataset(t *testing.T, files []string, opts Options) *Dataset {
	t.Helper()
	ds, err := New(files, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestOneHot(t *testing.T) {
	const numClasses = 50
	for _, label := range []int64{0, 1, 17, numClasses - 1} {
		v, err := OneHot(label, numClasses)
		if err != nil {
			t.Fatalf("OneHot(%d): %v", label, err)
		}
		if len(v) != numClasses {
			t.Fatalf("expected length %d, got %d", numClasses, len(v))
		}
		for i, x := range v {
			want := float32(0)
			if int64(i) == label {
				want = 1
			}
			if x != want {
				t.Fatalf("OneHot(%d)[%d] = %v, want %v", label, i, x, want)
			}
		}
	}
	for _, label := range []int64{-1, numClasses} {
		if _, err := OneHot(label, numClasses); !errors.Is(err, ErrLabelOutOfRange) {
			t.Fatalf("OneHot(%d): expected ErrLabelOutOfRange, got %v", label, err)
		}
	}
}

func TestBatchOneHot(t *testing.T) {
	b := &Batch{Size: 3, Labels: []int64{2, 0, 1}}
	got, err := b.OneHot(3)
	if err != nil {
		t.Fatalf("OneHot: %v", err)
	}
	want := []float32{0, 0, 1, 1, 0, 0, 0, 1, 0}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("OneHot = %v, want %v", got, want)
	}
}

// TestBatchesAreFullAndStandardized checks batch shape and that every image
// comes out with zero mean and unit variance.
func TestBatchesAreFullAndStandardized(t *testing.T) {
	files := labelledShards(t, t.TempDir(), 10, 2)
	const side = 16
	ds := mustDataset(t, files, Options{BatchSize: 4, ResizeTo: side, NumClasses: 10, Seed: 1})
	ctx := testContext(t)

	for i := 0; i < 6; i++ {
		b, err := ds.Next(ctx)
		if err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
		if b.Size != 4 || len(b.Labels) != 4 {
			t.Fatalf("batch %d: size=%d labels=%d", i, b.Size, len(b.Labels))
		}
		if b.Height != side || b.Width != side || b.Channels != 3 {
			t.Fatalf("batch %d: image shape (%d,%d,%d)", i, b.Height, b.Width, b.Channels)
		}
		if len(b.Images) != 4*side*side*3 {
			t.Fatalf("batch %d: %d floats", i, len(b.Images))
		}
		for j := 0; j < b.Size; j++ {
			var sum, sumSq float64
			img := b.Image(j)
			for _, v := range img {
				sum += float64(v)
				sumSq += float64(v) * float64(v)
			}
			mean := sum / float64(len(img))
			variance := sumSq/float64(len(img)) - mean*mean
			if math.Abs(mean) > 1e-4 || math.Abs(variance-1) > 1e-3 {
				t.Fatalf("batch %d image %d: mean=%v variance=%v", i, j, mean, variance)
			}
		}
	}
}

// TestStreamRepeatsForever asks for far more batches than there are records.
func TestStreamRepeatsForever(t *testing.T) {
	files := labelledShards(t, t.TempDir(), 7, 3)
	ds := mustDataset(t, files, Options{BatchSize: 3, ResizeTo: 4, NumClasses: 7, Seed: 5})
	ctx := testContext(t)

	const want = 300
	seen := make(map[int64]int)
	for i := 0; i < want; i++ {
		b, err := ds.Next(ctx)
		if err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
		for _, l := range b.Labels {
			seen[l]++
		}
	}
	if len(seen) != 7 {
		t.Fatalf("expected all 7 labels to recur, saw %v", seen)
	}
	st := ds.Stats()
	if st.BatchesYielded != want {
		t.Fatalf("BatchesYielded = %d, want %d", st.BatchesYielded, want)
	}
	if st.RecordsRead < want*3 {
		t.Fatalf("RecordsRead = %d, expected at least %d", st.RecordsRead, want*3)
	}
}

func collectLabels(t *testing.T, ds *Dataset, batches int) []int64 {
	t.Helper()
	ctx := testContext(t)
	var out []int64
	for i := 0; i < batches; i++ {
		b, err := ds.Next(ctx)
		if err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
		out = append(out, b.Labels...)
	}
	return out
}

func TestSeededOrderIsDeterministic(t *testing.T) {
	files := labelledShards(t, t.TempDir(), 20, 3)
	opts := Options{BatchSize: 5, ResizeTo: 4, NumClasses: 20, Seed: 42, NumParallelCalls: 3}

	run1 := collectLabels(t, mustDataset(t, files, opts), 12)
	run2 := collectLabels(t, mustDataset(t, files, opts), 12)
	if !reflect.DeepEqual(run1, run2) {
		t.Fatalf("same seed gave different orders:\n%v\n%v", run1, run2)
	}

	opts.Seed = 43
	run3 := collectLabels(t, mustDataset(t, files, opts), 12)
	if reflect.DeepEqual(run1, run3) {
		t.Fatalf("different seeds gave the same order: %v", run1)
	}
}

// TestShuffleWindowOfOneKeepsFileOrder shows the shuffle only mixes within
// its window: a window of one is the identity, pass after pass.
func TestShuffleWindowOfOneKeepsFileOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train-0")
	var recs []record
	for i := 0; i < 5; i++ {
		recs = append(recs, record{image: pngImage(t, 3, 3, int64(i)), label: int64(i)})
	}
	writeShard(t, path, recs)

	ds := mustDataset(t, []string{path}, Options{BatchSize: 2, ResizeTo: 2, NumClasses: 5, ShuffleBuffer: 1, Seed: 9})
	got := collectLabels(t, ds, 5)
	want := []int64{0, 1, 2, 3, 4, 0, 1, 2, 3, 4}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}
}

// TestEachPassIsAPermutation checks that the shuffle buffer is drained at the
// end of every pass, so each consecutive run of N examples holds every record
// once.
func TestEachPassIsAPermutation(t *testing.T) {
	const n = 12
	files := labelledShards(t, t.TempDir(), n, 2)
	ds := mustDataset(t, files, Options{BatchSize: 4, ResizeTo: 2, NumClasses: n, ShuffleBuffer: 5, Seed: 3})
	labels := collectLabels(t, ds, 3*n/4)
	for pass := 0; pass < 3; pass++ {
		seen := make(map[int64]bool)
		for _, l := range labels[pass*n : (pass+1)*n] {
			if seen[l] {
				t.Fatalf("pass %d repeats label %d: %v", pass, l, labels)
			}
			seen[l] = true
		}
	}
}

func TestFromPatternNoMatches(t *testing.T) {
	_, err := FromPattern(filepath.Join(t.TempDir(), "train*"), Options{BatchSize: 2})
	if !errors.Is(err, ErrNoFiles) {
		t.Fatalf("expected ErrNoFiles, got %v", err)
	}
	if _, err := New(nil, Options{BatchSize: 2}); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("expected ErrNoFiles for empty list, got %v", err)
	}
}

func TestFromPatternSortsMatches(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, filepath.Join(dir, "train-2"), nil)
	writeShard(t, filepath.Join(dir, "train-1"), nil)
	writeShard(t, filepath.Join(dir, "test-1"), nil)

	ds, err := FromPattern(filepath.Join(dir, "train*"), Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("FromPattern: %v", err)
	}
	defer ds.Close()
	want := []string{filepath.Join(dir, "train-1"), filepath.Join(dir, "train-2")}
	if !reflect.DeepEqual(ds.Files(), want) {
		t.Fatalf("Files = %v, want %v", ds.Files(), want)
	}
}

func TestEmptyFilesReportNoRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train-0")
	writeShard(t, path, nil)

	ds := mustDataset(t, []string{path}, Options{BatchSize: 2})
	if _, err := ds.Next(testContext(t)); !errors.Is(err, ErrNoRecords) {
		t.Fatalf("expected ErrNoRecords, got %v", err)
	}
}

func TestInvalidOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train-0")
	writeShard(t, path, nil)
	if _, err := New([]string{path}, Options{}); err == nil {
		t.Fatal("expected error for zero batch size")
	}
	if _, err := New([]string{path + "-missing"}, Options{BatchSize: 1}); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train-0")
	writeShard(t, path, nil)
	ds, err := CreateDataset([]string{path}, 100)
	if err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	defer ds.Close()
	o := ds.Options()
	if o.ResizeTo != 224 || o.NumClasses != 50 || o.ShuffleBuffer != 500 || o.PrefetchBatches != 200 {
		t.Fatalf("unexpected defaults: %+v", o)
	}
	if o.Seed == 0 || o.NumParallelCalls <= 0 {
		t.Fatalf("seed and workers should be filled: %+v", o)
	}
}

func TestLabelOutOfRangeIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train-0")
	writeShard(t, path, []record{
		{image: pngImage(t, 4, 4, 1), label: 1},
		{image: pngImage(t, 4, 4, 2), label: 9},
	})
	ds := mustDataset(t, []string{path}, Options{BatchSize: 1, ResizeTo: 2, NumClasses: 3})
	ctx := testContext(t)

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		_, err = ds.Next(ctx)
	}
	if !errors.Is(err, ErrLabelOutOfRange) {
		t.Fatalf("expected ErrLabelOutOfRange, got %v", err)
	}
	// Errors stick.
	if _, again := ds.Next(ctx); !errors.Is(again, ErrLabelOutOfRange) {
		t.Fatalf("expected the same error again, got %v", again)
	}
}

func TestMissingLabelDefaultsToZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train-0")
	writeShard(t, path, []record{{image: pngImage(t, 4, 4, 1), label: -1}})

	ds := mustDataset(t, []string{path}, Options{BatchSize: 2, ResizeTo: 2, NumClasses: 2})
	b, err := ds.Next(testContext(t))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !reflect.DeepEqual(b.Labels, []int64{0, 0}) {
		t.Fatalf("labels = %v, want zeros", b.Labels)
	}
}

func TestMalformedImageIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train-0")
	writeShard(t, path, []record{{image: []byte("not an image"), label: 0}})

	ds := mustDataset(t, []string{path}, Options{BatchSize: 1, ResizeTo: 2, NumClasses: 2})
	_, err := ds.Next(testContext(t))
	if err == nil {
		t.Fatal("expected a decode error")
	}
}

func TestTruncatedFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train-0")
	writeShard(t, path, []record{{image: pngImage(t, 4, 4, 1), label: 0}})
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw[:len(raw)-3], 0o644); err != nil {
		t.Fatal(err)
	}

	ds := mustDataset(t, []string{path}, Options{BatchSize: 1, ResizeTo: 2, NumClasses: 2})
	if _, err := ds.Next(testContext(t)); err == nil {
		t.Fatal("expected an error for a truncated file")
	}
}

func TestCloseStopsStream(t *testing.T) {
	files := labelledShards(t, t.TempDir(), 6, 1)
	ds, err := New(files, Options{BatchSize: 2, ResizeTo: 2, NumClasses: 6, PrefetchBatches: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := testContext(t)
	if _, err := ds.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := ds.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := ds.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Closing twice, or closing an unstarted stream, is fine.
	if err := ds.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	idle, err := New(files, Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idle.Close()
	if _, err := idle.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from unstarted dataset, got %v", err)
	}
}

func TestNextHonoursContext(t *testing.T) {
	files := labelledShards(t, t.TempDir(), 2, 1)
	ds := mustDataset(t, files, Options{BatchSize: 2, ResizeTo: 2, NumClasses: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ds.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCountRecords(t *testing.T) {
	files := labelledShards(t, t.TempDir(), 11, 3)
	n, err := CountRecords(files)
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if n != 11 {
		t.Fatalf("CountRecords = %d, want 11", n)
	}
}
