package tfrecord

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func writeRecords(t *testing.T, payloads ...[]byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	for _, p := range payloads {
		require.NoError(t, w.Write(p))
	}
	return buf.Bytes()
}

func TestReaderRoundTrip(t *testing.T) {
	raw := writeRecords(t, []byte("alpha"), []byte{}, []byte("gamma"))

	rd := NewReader(bytes.NewReader(raw), true)
	var got []string
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(rec))
	}
	require.Equal(t, []string{"alpha", "", "gamma"}, got)
}

func TestReaderDetectsCorruption(t *testing.T) {
	raw := writeRecords(t, []byte("payload"))
	raw[14] ^= 0xff // inside the payload

	_, err := NewReader(bytes.NewReader(raw), true).Next()
	require.True(t, errors.Is(err, ErrCorrupt), "got %v", err)

	// Without verification the bytes come back untouched.
	rec, err := NewReader(bytes.NewReader(raw), false).Next()
	require.NoError(t, err)
	require.Len(t, rec, len("payload"))
}

func TestReaderTruncated(t *testing.T) {
	raw := writeRecords(t, []byte("payload"))
	_, err := NewReader(bytes.NewReader(raw[:len(raw)-2]), true).Next()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = NewReader(bytes.NewReader(raw[:5]), true).Next()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train-00000")
	require.NoError(t, os.WriteFile(path, writeRecords(t, []byte("a"), []byte("bb"), []byte("ccc")), 0o644))

	n, err := Count(path)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	_, err = Count(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestExampleRoundTrip(t *testing.T) {
	ex := NewExample()
	ex.SetBytes("image/encoded", []byte{0xff, 0xd8, 0x01})
	ex.SetInt64("image/class/label", 7)
	ex.Features["image/mean"] = Feature{Float: []float32{0.5, -1.25}}

	got, err := UnmarshalExample(ex.Marshal())
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xd8, 0x01}, got.Bytes("image/encoded"))
	require.Equal(t, int64(7), got.Int64("image/class/label", 0))
	require.Equal(t, []float32{0.5, -1.25}, got.Features["image/mean"].Float)
}

func TestExampleDefaults(t *testing.T) {
	ex := NewExample()
	ex.SetBytes("image/encoded", []byte("x"))

	got, err := UnmarshalExample(ex.Marshal())
	require.NoError(t, err)
	require.Equal(t, int64(0), got.Int64("image/class/label", 0))
	require.Nil(t, got.Bytes("image/format"))
}

// TestExampleUnpackedInt64 feeds an int64 list written without packing, the
// way older writers produce it.
func TestExampleUnpackedInt64(t *testing.T) {
	var list []byte
	list = protowire.AppendTag(list, listValue, protowire.VarintType)
	list = protowire.AppendVarint(list, 3)
	list = protowire.AppendTag(list, listValue, protowire.VarintType)
	list = protowire.AppendVarint(list, 9)

	var feat []byte
	feat = protowire.AppendTag(feat, featInt64List, protowire.BytesType)
	feat = protowire.AppendBytes(feat, list)

	var entry []byte
	entry = protowire.AppendTag(entry, mapKey, protowire.BytesType)
	entry = protowire.AppendString(entry, "image/class/label")
	entry = protowire.AppendTag(entry, mapValue, protowire.BytesType)
	entry = protowire.AppendBytes(entry, feat)

	var features []byte
	features = protowire.AppendTag(features, featuresFeature, protowire.BytesType)
	features = protowire.AppendBytes(features, entry)

	var msg []byte
	msg = protowire.AppendTag(msg, exampleFeatures, protowire.BytesType)
	msg = protowire.AppendBytes(msg, features)
	// An unknown varint field must be skipped.
	msg = protowire.AppendTag(msg, 15, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 1)

	got, err := UnmarshalExample(msg)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 9}, got.Features["image/class/label"].Int64)
}

func TestUnmarshalExampleGarbage(t *testing.T) {
	_, err := UnmarshalExample([]byte{0x0a, 0xff, 0xff})
	require.Error(t, err)
}
