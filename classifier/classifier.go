// Package classifier is a small pure-Go image classifier that fills the role
// of the pre-trained model being fine-tuned: it exposes a per-batch training
// step and an evaluation entry point, and it can be saved to and restored from
// a checkpoint file.
//
// Images are average-pooled onto a coarse grid, then fed through an MLP with
// ReLU hidden layers and a softmax output. Training minimizes categorical
// cross-entropy with SGD and momentum.
package classifier

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrShape is returned when a batch does not match the model's input or
// output shape.
var ErrShape = errors.New("classifier: shape mismatch")

// Metric names reported by TrainStep and Evaluate, in order.
const (
	MetricLoss     = "loss"
	MetricAccuracy = "categorical_accuracy"
)

// Config holds the architecture and optimizer hyperparameters.
type Config struct {
	// InputSize is the side of the square input images. Default 224.
	InputSize int

	// Channels of the input images. Default 3.
	Channels int

	// PoolGrid is the side of the pooling grid the image is averaged onto.
	// Default 16.
	PoolGrid int

	// HiddenSizes is the list of hidden layer sizes. Default {64}.
	HiddenSizes []int

	// NumClasses is the size of the softmax output. Default 50.
	NumClasses int

	// LearningRate and Momentum of the SGD optimizer. Defaults 0.154 and 0.9.
	LearningRate float64
	Momentum     float64

	// ClipNorm is the global gradient norm threshold. If zero, 5 is used.
	ClipNorm float32

	// Seed controls weight initialization. If zero, a time-based seed is used.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.InputSize == 0 {
		c.InputSize = 224
	}
	if c.Channels == 0 {
		c.Channels = 3
	}
	if c.PoolGrid == 0 {
		c.PoolGrid = 16
	}
	if c.PoolGrid > c.InputSize {
		c.PoolGrid = c.InputSize
	}
	if len(c.HiddenSizes) == 0 {
		c.HiddenSizes = []int{64}
	}
	if c.NumClasses == 0 {
		c.NumClasses = 50
	}
	if c.LearningRate == 0 {
		c.LearningRate = 0.154
	}
	if c.Momentum == 0 {
		c.Momentum = 0.9
	}
	if c.ClipNorm == 0 {
		c.ClipNorm = 5
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Model is the classifier. It is not safe for concurrent use.
type Model struct {
	Config Config

	// layerSizes includes the pooled input size, hidden sizes, then classes.
	layerSizes []int

	// weights[l] is a matrix of shape [out][in] for layer l -> l+1.
	weights [][][]float32
	biases  [][]float32

	// Momentum buffers, same shapes as weights and biases.
	velW [][][]float32
	velB [][]float32
}

// New creates a freshly initialized model.
func New(cfg Config) (*Model, error) {
	cfg = cfg.withDefaults()
	if cfg.InputSize < 0 || cfg.Channels < 0 || cfg.PoolGrid <= 0 || cfg.NumClasses < 2 {
		return nil, fmt.Errorf("invalid classifier config: %+v", cfg)
	}
	for _, h := range cfg.HiddenSizes {
		if h <= 0 {
			return nil, fmt.Errorf("hidden layer size must be > 0, got %d", h)
		}
	}

	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, cfg.PoolGrid*cfg.PoolGrid*cfg.Channels)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, cfg.NumClasses)

	m := &Model{Config: cfg, layerSizes: sizes}
	rng := rand.New(rand.NewSource(cfg.Seed))
	L := len(sizes) - 1
	m.weights = make([][][]float32, L)
	m.biases = make([][]float32, L)
	for l := 0; l < L; l++ {
		in, out := sizes[l], sizes[l+1]
		// Xavier/Glorot uniform
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		mat := make([][]float32, out)
		for j := range mat {
			row := make([]float32, in)
			for i := range row {
				row[i] = (rng.Float32()*2 - 1) * limit
			}
			mat[j] = row
		}
		m.weights[l] = mat
		m.biases[l] = make([]float32, out)
	}
	m.resetVelocity()
	return m, nil
}

func (m *Model) resetVelocity() {
	m.velW = make([][][]float32, len(m.weights))
	m.velB = make([][]float32, len(m.biases))
	for l := range m.weights {
		m.velW[l] = zerosLike(m.weights[l])
		m.velB[l] = make([]float32, len(m.biases[l]))
	}
}

func zerosLike(mat [][]float32) [][]float32 {
	out := make([][]float32, len(mat))
	for j := range mat {
		out[j] = make([]float32, len(mat[j]))
	}
	return out
}

// InputShape returns the expected (height, width, channels) of an image.
func (m *Model) InputShape() (int, int, int) {
	return m.Config.InputSize, m.Config.InputSize, m.Config.Channels
}

// NumClasses returns the size of the output layer.
func (m *Model) NumClasses() int {
	return m.Config.NumClasses
}

// MetricsNames returns the names of the values returned by TrainStep and
// Evaluate.
func (m *Model) MetricsNames() []string {
	return []string{MetricLoss, MetricAccuracy}
}

// NumParams returns the number of trainable weights and biases.
func (m *Model) NumParams() int {
	n := 0
	for l := 1; l < len(m.layerSizes); l++ {
		n += m.layerSizes[l-1]*m.layerSizes[l] + m.layerSizes[l]
	}
	return n
}

// Summary describes the architecture on one line.
func (m *Model) Summary() string {
	h, w, c := m.InputShape()
	var b strings.Builder
	fmt.Fprintf(&b, "input %dx%dx%d -> avgpool %dx%dx%d", h, w, c, m.Config.PoolGrid, m.Config.PoolGrid, c)
	for l := 1; l < len(m.layerSizes); l++ {
		act := "relu"
		if l == len(m.layerSizes)-1 {
			act = "softmax"
		}
		fmt.Fprintf(&b, " -> dense %d (%s)", m.layerSizes[l], act)
	}
	fmt.Fprintf(&b, ", %d params", m.NumParams())
	return b.String()
}

func (m *Model) imageLen() int {
	return m.Config.InputSize * m.Config.InputSize * m.Config.Channels
}

func (m *Model) checkBatch(images, targets []float32, n int) error {
	if n <= 0 {
		return errors.Wrapf(ErrShape, "batch of %d examples", n)
	}
	if len(images) != n*m.imageLen() {
		return errors.Wrapf(ErrShape, "images: got %d floats, want %d x %d", len(images), n, m.imageLen())
	}
	if targets != nil && len(targets) != n*m.Config.NumClasses {
		return errors.Wrapf(ErrShape, "targets: got %d floats, want %d x %d", len(targets), n, m.Config.NumClasses)
	}
	return nil
}

// pool averages an HWC image onto a PoolGrid x PoolGrid grid, per channel.
func (m *Model) pool(img []float32) []float32 {
	size, grid, ch := m.Config.InputSize, m.Config.PoolGrid, m.Config.Channels
	out := make([]float32, grid*grid*ch)
	for gy := 0; gy < grid; gy++ {
		y0, y1 := gy*size/grid, (gy+1)*size/grid
		for gx := 0; gx < grid; gx++ {
			x0, x1 := gx*size/grid, (gx+1)*size/grid
			count := float32((y1 - y0) * (x1 - x0))
			o := (gy*grid + gx) * ch
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					p := (y*size + x) * ch
					for c := 0; c < ch; c++ {
						out[o+c] += img[p+c]
					}
				}
			}
			for c := 0; c < ch; c++ {
				out[o+c] /= count
			}
		}
	}
	return out
}

// forward runs one pooled input through the network. It returns the
// pre-activations of every layer and the activations, where acts[0] is the
// input and the last entry holds the softmax probabilities.
func (m *Model) forward(input []float32) (preActs, acts [][]float32) {
	L := len(m.weights)
	acts = make([][]float32, L+1)
	acts[0] = input
	preActs = make([][]float32, L)
	for l := 0; l < L; l++ {
		inVec := acts[l]
		W, b := m.weights[l], m.biases[l]
		pre := make([]float32, len(b))
		for j := range pre {
			sum := b[j]
			row := W[j]
			for i, v := range inVec {
				sum += row[i] * v
			}
			pre[j] = sum
		}
		preActs[l] = pre

		act := make([]float32, len(pre))
		copy(act, pre)
		if l < L-1 {
			for i := range act {
				if act[i] < 0 {
					act[i] = 0
				}
			}
		} else {
			softmax(act)
		}
		acts[l+1] = act
	}
	return preActs, acts
}

func softmax(x []float32) {
	maxV := x[0]
	for _, v := range x {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxV))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

func argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

// crossEntropy returns -sum(target * log(p)) with p clamped away from zero.
func crossEntropy(probs, target []float32) float64 {
	var loss float64
	for i, t := range target {
		if t != 0 {
			loss -= float64(t) * math.Log(math.Max(float64(probs[i]), 1e-7))
		}
	}
	return loss
}

// PredictBatch returns the class probabilities of n images.
func (m *Model) PredictBatch(images []float32, n int) ([][]float32, error) {
	if err := m.checkBatch(images, nil, n); err != nil {
		return nil, err
	}
	out := make([][]float32, n)
	step := m.imageLen()
	for i := 0; i < n; i++ {
		_, acts := m.forward(m.pool(images[i*step : (i+1)*step]))
		out[i] = acts[len(acts)-1]
	}
	return out, nil
}

// Evaluate returns the mean loss and accuracy of n images against one-hot
// targets without touching the weights.
func (m *Model) Evaluate(images, targets []float32, n int) (loss, accuracy float64, err error) {
	if err := m.checkBatch(images, targets, n); err != nil {
		return 0, 0, err
	}
	probs, err := m.PredictBatch(images, n)
	if err != nil {
		return 0, 0, err
	}
	k := m.Config.NumClasses
	correct := 0
	for i, p := range probs {
		target := targets[i*k : (i+1)*k]
		loss += crossEntropy(p, target)
		if argmax(p) == argmax(target) {
			correct++
		}
	}
	return loss / float64(n), float64(correct) / float64(n), nil
}

// TrainStep runs one SGD step over n images and their one-hot targets and
// returns the mean loss and accuracy measured before the update.
func (m *Model) TrainStep(images, targets []float32, n int) (loss, accuracy float64, err error) {
	if err := m.checkBatch(images, targets, n); err != nil {
		return 0, 0, err
	}
	L := len(m.weights)
	gradW := make([][][]float32, L)
	gradB := make([][]float32, L)
	for l := 0; l < L; l++ {
		gradW[l] = zerosLike(m.weights[l])
		gradB[l] = make([]float32, len(m.biases[l]))
	}

	k := m.Config.NumClasses
	step := m.imageLen()
	correct := 0
	for ex := 0; ex < n; ex++ {
		target := targets[ex*k : (ex+1)*k]
		preActs, acts := m.forward(m.pool(images[ex*step : (ex+1)*step]))
		probs := acts[L]
		loss += crossEntropy(probs, target)
		if argmax(probs) == argmax(target) {
			correct++
		}

		// softmax + cross-entropy: dLoss/dLogits = p - t
		delta := make([]float32, k)
		for j := range delta {
			delta[j] = probs[j] - target[j]
		}
		for l := L - 1; l >= 0; l-- {
			inAct := acts[l]
			for j, d := range delta {
				gradB[l][j] += d
				row := gradW[l][j]
				for i, a := range inAct {
					row[i] += d * a
				}
			}
			if l == 0 {
				break
			}
			prev := make([]float32, len(inAct))
			for i := range prev {
				if preActs[l-1][i] <= 0 {
					continue
				}
				var sum float32
				for j, d := range delta {
					sum += m.weights[l][j][i] * d
				}
				prev[i] = sum
			}
			delta = prev
		}
	}

	scale := float32(1.0 / float64(n))
	var norm float64
	for l := 0; l < L; l++ {
		for j := range gradW[l] {
			gradB[l][j] *= scale
			norm += float64(gradB[l][j]) * float64(gradB[l][j])
			for i := range gradW[l][j] {
				gradW[l][j][i] *= scale
				norm += float64(gradW[l][j][i]) * float64(gradW[l][j][i])
			}
		}
	}
	norm = math.Sqrt(norm)
	if clip := float64(m.Config.ClipNorm); clip > 0 && norm > clip {
		scale = float32(clip / norm)
	} else {
		scale = 1
	}

	lr := float32(m.Config.LearningRate)
	mom := float32(m.Config.Momentum)
	for l := 0; l < L; l++ {
		for j := range m.weights[l] {
			m.velB[l][j] = mom*m.velB[l][j] - lr*gradB[l][j]*scale
			m.biases[l][j] += m.velB[l][j]
			row, vel, grad := m.weights[l][j], m.velW[l][j], gradW[l][j]
			for i := range row {
				vel[i] = mom*vel[i] - lr*grad[i]*scale
				row[i] += vel[i]
			}
		}
	}
	return loss / float64(n), float64(correct) / float64(n), nil
}
