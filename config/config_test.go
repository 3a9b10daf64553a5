package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultSteps(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 53, cfg.StepsPerEpoch())
	require.Equal(t, 7, cfg.ValidationSteps())
	require.Equal(t, 4, cfg.PrefetchBatches)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
train_path: /data/xray/train*
batch_size: 32
epochs: 3
seed: 11
reuse_validation_batch: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/data/xray/train*", cfg.TrainPath)
	require.Equal(t, "./xray/test*", cfg.TestPath)
	require.Equal(t, 32, cfg.BatchSize)
	require.Equal(t, 3, cfg.Epochs)
	require.Equal(t, int64(11), cfg.Seed)
	require.True(t, cfg.ReuseValidationBatch)
	require.Equal(t, 224, cfg.ResizeDim)
	require.Equal(t, 163, cfg.StepsPerEpoch())
	require.Equal(t, 20, cfg.ValidationSteps())
}

func TestLoadEmptyFileGivesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, Default(), *cfg)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "batch_sise: 3\n"))
	require.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load(writeConfig(t, "batch_size: 0\n"))
	require.Error(t, err)
	_, err = Load(writeConfig(t, "momentum: 1.5\n"))
	require.Error(t, err)
	_, err = Load(writeConfig(t, "num_classes: 1\n"))
	require.Error(t, err)
	_, err = Load(writeConfig(t, "prefetch_batches: -1\n"))
	require.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{
		TrainPath:    "/x/train*",
		BatchSize:    10,
		Epochs:       0,
		TrainsetSize: 95,
		Seed:         4,
	})
	require.Equal(t, "/x/train*", cfg.TrainPath)
	require.Equal(t, "./xray/test*", cfg.TestPath)
	require.Equal(t, 10, cfg.BatchSize)
	require.Equal(t, 100, cfg.Epochs)
	require.Equal(t, int64(4), cfg.Seed)
	require.Equal(t, 10, cfg.StepsPerEpoch())
	require.Equal(t, 63, cfg.ValidationSteps())
}
