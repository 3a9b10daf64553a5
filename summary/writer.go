// Package summary writes per-epoch scalars in the TensorBoard event file
// format and renders them as PNG curves.
package summary

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/xraytrain/tfrecord"
)

// Field numbers of tensorflow/core/util/event.proto and summary.proto.
const (
	eventWallTime    protowire.Number = 1
	eventStep        protowire.Number = 2
	eventFileVersion protowire.Number = 3
	eventSummary     protowire.Number = 5
	summaryValue     protowire.Number = 1
	valueTag         protowire.Number = 1
	valueSimpleValue protowire.Number = 2
)

const fileVersion = "brain.Event:2"

// Point is one scalar sample.
type Point struct {
	Step  int64
	Value float64
}

// Writer appends scalar events to a single event file. It is safe for
// concurrent use.
type Writer struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	buf     *bufio.Writer
	rec     *tfrecord.Writer
	history map[string][]Point
	now     func() time.Time
}

// NewWriter creates logDir if needed and opens a new event file inside it.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	name := fmt.Sprintf("events.out.tfevents.%d.%s.%s", time.Now().Unix(), host, uuid.NewString()[:8])
	path := filepath.Join(logDir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create event file")
	}
	buf := bufio.NewWriter(f)
	w := &Writer{
		path:    path,
		f:       f,
		buf:     buf,
		rec:     tfrecord.NewWriter(buf),
		history: make(map[string][]Point),
		now:     time.Now,
	}
	var ev []byte
	ev = appendWallTime(ev, w.now())
	ev = protowire.AppendTag(ev, eventFileVersion, protowire.BytesType)
	ev = protowire.AppendString(ev, fileVersion)
	if err := w.rec.Write(ev); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "write file version")
	}
	klog.V(1).Infof("writing summaries to %s", path)
	return w, nil
}

// Path returns the event file path.
func (w *Writer) Path() string {
	return w.path
}

// Scalar records value under tag at step.
func (w *Writer) Scalar(tag string, step int64, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return errors.New("summary: writer closed")
	}
	if err := w.rec.Write(encodeScalar(w.now(), tag, step, value)); err != nil {
		return errors.Wrapf(err, "write scalar %s", tag)
	}
	w.history[tag] = append(w.history[tag], Point{Step: step, Value: value})
	return nil
}

// Scalars records every value of values at step, in tag order.
func (w *Writer) Scalars(step int64, values map[string]float64) error {
	tags := make([]string, 0, len(values))
	for tag := range values {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		if err := w.Scalar(tag, step, values[tag]); err != nil {
			return err
		}
	}
	return w.Flush()
}

// History returns a copy of every scalar written so far, by tag.
func (w *Writer) History() map[string][]Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string][]Point, len(w.history))
	for tag, pts := range w.history {
		out[tag] = append([]Point(nil), pts...)
	}
	return out
}

// Flush pushes buffered events to the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.buf.Flush()
}

// Close flushes and closes the event file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.buf.Flush()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	return err
}

func appendWallTime(b []byte, t time.Time) []byte {
	secs := float64(t.UnixNano()) / 1e9
	b = protowire.AppendTag(b, eventWallTime, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(secs))
}

func encodeScalar(t time.Time, tag string, step int64, value float64) []byte {
	var val []byte
	val = protowire.AppendTag(val, valueTag, protowire.BytesType)
	val = protowire.AppendString(val, tag)
	val = protowire.AppendTag(val, valueSimpleValue, protowire.Fixed32Type)
	val = protowire.AppendFixed32(val, math.Float32bits(float32(value)))

	var sum []byte
	sum = protowire.AppendTag(sum, summaryValue, protowire.BytesType)
	sum = protowire.AppendBytes(sum, val)

	var ev []byte
	ev = appendWallTime(ev, t)
	ev = protowire.AppendTag(ev, eventStep, protowire.VarintType)
	ev = protowire.AppendVarint(ev, uint64(step))
	ev = protowire.AppendTag(ev, eventSummary, protowire.BytesType)
	ev = protowire.AppendBytes(ev, sum)
	return ev
}
