package datasets

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/xraytrain/tfrecord"
)

// record is a fixture entry; a negative label leaves the feature out.
type record struct {
	image []byte
	label int64
}

// pngImage encodes a w x h image filled with noise from seed.
func pngImage(t *testing.T, w, h int, seed int64) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// writeShard writes records to path as serialized tf.train.Examples.
func writeShard(t *testing.T, path string, records []record) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create shard %s: %v", path, err)
	}
	defer f.Close()

	w := tfrecord.NewWriter(f)
	for _, r := range records {
		ex := tfrecord.NewExample()
		ex.SetBytes(ImageKey, r.image)
		if r.label >= 0 {
			ex.SetInt64(LabelKey, r.label)
		}
		if err := w.Write(ex.Marshal()); err != nil {
			t.Fatalf("failed to write record: %v", err)
		}
	}
}

// labelledShards writes n records spread over files shards in dir. Record i
// gets label i so orderings can be compared by label.
func labelledShards(t *testing.T, dir string, n, files int) []string {
	t.Helper()
	perFile := make([][]record, files)
	for i := 0; i < n; i++ {
		perFile[i%files] = append(perFile[i%files], record{image: pngImage(t, 6, 5, int64(i)), label: int64(i)})
	}
	paths := make([]string, files)
	for i := range perFile {
		paths[i] = filepath.Join(dir, "train-"+string(rune('a'+i)))
		writeShard(t, paths[i], perFile[i])
	}
	return paths
}
