package classifier

import (
	"bufio"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// checkpointVersion is incremented when the on-disk format changes.
const checkpointVersion = 1

type checkpoint struct {
	Version int
	Config  Config
	Sizes   []int
	Weights [][][]float32
	Biases  [][]float32
}

// Save writes the model to path. The file is written next to path and renamed
// into place, so a crash never leaves a half-written checkpoint.
func (m *Model) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create checkpoint dir")
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	err = gob.NewEncoder(w).Encode(checkpoint{
		Version: checkpointVersion,
		Config:  m.Config,
		Sizes:   m.layerSizes,
		Weights: m.weights,
		Biases:  m.biases,
	})
	if err == nil {
		err = w.Flush()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "write checkpoint %s", path)
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "install checkpoint")
}

// Load restores a model saved with Save. Optimizer state starts from zero.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()

	var ck checkpoint
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&ck); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	if ck.Version != checkpointVersion {
		return nil, errors.Errorf("checkpoint %s: version %d, want %d", path, ck.Version, checkpointVersion)
	}
	if len(ck.Sizes) < 2 || len(ck.Weights) != len(ck.Sizes)-1 || len(ck.Biases) != len(ck.Weights) {
		return nil, errors.Wrapf(ErrShape, "checkpoint %s: %d layers for sizes %v", path, len(ck.Weights), ck.Sizes)
	}
	for l, W := range ck.Weights {
		if len(W) != ck.Sizes[l+1] || len(ck.Biases[l]) != ck.Sizes[l+1] {
			return nil, errors.Wrapf(ErrShape, "checkpoint %s: layer %d", path, l)
		}
		for _, row := range W {
			if len(row) != ck.Sizes[l] {
				return nil, errors.Wrapf(ErrShape, "checkpoint %s: layer %d row", path, l)
			}
		}
	}

	cfg := ck.Config
	if cfg.PoolGrid <= 0 || cfg.PoolGrid > cfg.InputSize {
		return nil, errors.Wrapf(ErrShape, "checkpoint %s: pool grid %d for %d pixel inputs", path, cfg.PoolGrid, cfg.InputSize)
	}
	if in := cfg.PoolGrid * cfg.PoolGrid * cfg.Channels; ck.Sizes[0] != in {
		return nil, errors.Wrapf(ErrShape, "checkpoint %s: input layer has %d units, config pools to %d", path, ck.Sizes[0], in)
	}
	if out := ck.Sizes[len(ck.Sizes)-1]; out != cfg.NumClasses {
		return nil, errors.Wrapf(ErrShape, "checkpoint %s: output layer has %d units, config has %d classes", path, out, cfg.NumClasses)
	}

	m := &Model{
		Config:     ck.Config,
		layerSizes: ck.Sizes,
		weights:    ck.Weights,
		biases:     ck.Biases,
	}
	m.resetVelocity()
	return m, nil
}
