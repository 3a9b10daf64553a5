package datasets

import (
	"context"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// ToGomlxTensors converts the batch into an image tensor of shape
// [Size, Height, Width, Channels] and a one-hot label tensor of shape
// [Size, numClasses].
func (b *Batch) ToGomlxTensors(numClasses int) (*tensors.Tensor, *tensors.Tensor, error) {
	oneHot, err := b.OneHot(numClasses)
	if err != nil {
		return nil, nil, err
	}
	images := tensors.FromFlatDataAndDimensions(b.Images, b.Size, b.Height, b.Width, b.Channels)
	labels := tensors.FromFlatDataAndDimensions(oneHot, b.Size, numClasses)
	return images, labels, nil
}

// TensorDataset adapts a Dataset to gomlx's train.Dataset interface.
type TensorDataset struct {
	ds         *Dataset
	numClasses int
	ctx        context.Context
}

// NewTensorDataset wraps ds. Labels are one-hot encoded over the dataset's
// NumClasses.
func NewTensorDataset(ctx context.Context, ds *Dataset) *TensorDataset {
	return &TensorDataset{ds: ds, numClasses: ds.opts.NumClasses, ctx: ctx}
}

// Name implements train.Dataset.
func (t *TensorDataset) Name() string {
	return t.ds.Name()
}

// Reset implements train.Dataset. The stream is infinite, so there is nothing
// to rewind.
func (t *TensorDataset) Reset() {}

// Yield implements train.Dataset. It returns the next batch as gomlx tensors.
func (t *TensorDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	b, err := t.ds.Next(t.ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	in, la, err := b.ToGomlxTensors(t.numClasses)
	if err != nil {
		return nil, nil, nil, err
	}
	return t, []*tensors.Tensor{in}, []*tensors.Tensor{la}, nil
}
