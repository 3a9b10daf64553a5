package datasets

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"github.com/Noofbiz/xraytrain/tfrecord"
)

// example is a decoded and normalized record.
type example struct {
	image []float32
	label int64
}

// decodeRecord parses a serialized tf.train.Example, decodes and resizes its
// image and standardizes the pixels.
func decodeRecord(raw []byte, size, numClasses int) (example, error) {
	ex, err := tfrecord.UnmarshalExample(raw)
	if err != nil {
		return example{}, err
	}
	label := ex.Int64(LabelKey, 0)
	if label < 0 || label >= int64(numClasses) {
		return example{}, errors.Wrapf(ErrLabelOutOfRange, "label %d not in [0, %d)", label, numClasses)
	}
	encoded := ex.Bytes(ImageKey)
	if len(encoded) == 0 {
		return example{}, errors.Errorf("feature %q is empty", ImageKey)
	}
	img, err := decodeImage(encoded, size)
	if err != nil {
		return example{}, err
	}
	standardize(img)
	return example{image: img, label: label}, nil
}

// decodeImage decodes JPEG or PNG bytes into a size x size x 3 float buffer
// with values in [0, 1], HWC order. Resizing is bilinear into a 16 bit per
// channel buffer, so interpolated values keep sub-8-bit precision.
func decodeImage(encoded []byte, size int) ([]float32, error) {
	src, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	if src.Bounds().Empty() {
		return nil, errors.New("decode image: empty bounds")
	}

	dst := image.NewRGBA64(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float32, size*size*Channels)
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < size; x++ {
			o := (y*size + x) * Channels
			p := x * 8
			for c := 0; c < Channels; c++ {
				v := uint16(row[p+2*c])<<8 | uint16(row[p+2*c+1])
				out[o+c] = float32(v) / 0xffff
			}
		}
	}
	return out, nil
}

// standardize rescales img in place to zero mean and unit variance. The
// divisor is floored at 1/sqrt(N) so uniform images don't blow up.
func standardize(img []float32) {
	n := float64(len(img))
	if n == 0 {
		return
	}
	var sum, sumSq float64
	for _, v := range img {
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}
	mean := sum / n
	variance := math.Max(sumSq/n-mean*mean, 0)
	stddev := math.Max(math.Sqrt(variance), 1/math.Sqrt(n))
	for i, v := range img {
		img[i] = float32((float64(v) - mean) / stddev)
	}
}
