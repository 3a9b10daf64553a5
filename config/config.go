// Package config holds the knobs of a fine-tuning run.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config captures everything a training run needs.
type Config struct {
	TrainPath        string `yaml:"train_path"`
	TestPath         string `yaml:"test_path"`
	CheckpointPath   string `yaml:"checkpoint_path"`
	OutputCheckpoint string `yaml:"output_checkpoint"`
	LogDir           string `yaml:"log_dir"`
	MetricsAddr      string `yaml:"metrics_addr"`

	BatchSize    int `yaml:"batch_size"`
	ResizeDim    int `yaml:"resize_dim"`
	NumClasses   int `yaml:"num_classes"`
	Epochs       int `yaml:"epochs"`
	TrainsetSize int `yaml:"trainset_size"`
	ValsetSize   int `yaml:"valset_size"`

	ShuffleBuffer int `yaml:"shuffle_buffer"`
	// PrefetchBatches bounds the queue of ready batches per pipeline. Zero
	// falls back to 2*batch_size, which at 224x224 is several gigabytes.
	PrefetchBatches int   `yaml:"prefetch_batches"`
	ParallelCalls   int   `yaml:"parallel_calls"`
	Seed            int64 `yaml:"seed"`

	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`

	// ReuseValidationBatch evaluates one validation batch ValidationSteps
	// times instead of drawing a fresh batch per step.
	ReuseValidationBatch bool `yaml:"reuse_validation_batch"`
}

// Default returns the configuration the X-ray model was trained with.
func Default() Config {
	return Config{
		TrainPath:       "./xray/train*",
		TestPath:        "./xray/test*",
		CheckpointPath:  "weight_model3.ckpt",
		LogDir:          "./logs",
		BatchSize:       100,
		ResizeDim:       224,
		NumClasses:      50,
		Epochs:          100,
		TrainsetSize:    5216,
		ValsetSize:      624,
		ParallelCalls:   4,
		PrefetchBatches: 4,
		LearningRate:    0.154,
		Momentum:        0.9,
	}
}

// Load reads a YAML file on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Overrides captures CLI supplied values. Zero values leave the config alone.
type Overrides struct {
	TrainPath        string
	TestPath         string
	CheckpointPath   string
	OutputCheckpoint string
	LogDir           string
	MetricsAddr      string
	BatchSize        int
	Epochs           int
	TrainsetSize     int
	ValsetSize       int
	Seed             int64
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	setString(&c.TrainPath, o.TrainPath)
	setString(&c.TestPath, o.TestPath)
	setString(&c.CheckpointPath, o.CheckpointPath)
	setString(&c.OutputCheckpoint, o.OutputCheckpoint)
	setString(&c.LogDir, o.LogDir)
	setString(&c.MetricsAddr, o.MetricsAddr)
	setInt(&c.BatchSize, o.BatchSize)
	setInt(&c.Epochs, o.Epochs)
	setInt(&c.TrainsetSize, o.TrainsetSize)
	setInt(&c.ValsetSize, o.ValsetSize)
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.TrainPath == "" {
		return errors.New("train_path must be set")
	}
	if c.TestPath == "" {
		return errors.New("test_path must be set")
	}
	if c.CheckpointPath == "" {
		return errors.New("checkpoint_path must be set")
	}
	if c.LogDir == "" {
		return errors.New("log_dir must be set")
	}
	for name, v := range map[string]int{
		"batch_size":  c.BatchSize,
		"resize_dim":  c.ResizeDim,
		"epochs":      c.Epochs,
		"valset_size": c.ValsetSize,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", name, v)
		}
	}
	if c.NumClasses < 2 {
		return fmt.Errorf("num_classes must be >= 2 (got %d)", c.NumClasses)
	}
	if c.ShuffleBuffer < 0 || c.PrefetchBatches < 0 || c.ParallelCalls < 0 {
		return errors.New("shuffle_buffer, prefetch_batches and parallel_calls must be >= 0")
	}
	if c.TrainsetSize < 0 {
		return fmt.Errorf("trainset_size must be >= 0 (got %d)", c.TrainsetSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1) (got %g)", c.Momentum)
	}
	return nil
}

// StepsPerEpoch is ceil(TrainsetSize / BatchSize). It is zero while the train
// set size is unknown.
func (c *Config) StepsPerEpoch() int {
	return ceilDiv(c.TrainsetSize, c.BatchSize)
}

// ValidationSteps is ceil(ValsetSize / BatchSize).
func (c *Config) ValidationSteps() int {
	return ceilDiv(c.ValsetSize, c.BatchSize)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
