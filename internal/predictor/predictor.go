// Package predictor owns the GLOF risk classifier: a small convolutional
// network with sigmoid output, trained with binary cross-entropy and Adam.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/glof-monitor/internal/imageprocessor"
)

// DecisionBoundary is the risk at which confidence is zero.
const DecisionBoundary = 0.5

// Options configures a Predictor.
type Options struct {
	Architecture Architecture
	Seed         int64
	BatchSize    int
}

// Dataset pairs preprocessed samples with labels in [0,1].
type Dataset struct {
	Samples []*Tensor
	Labels  []float64
}

// History records per-epoch training metrics. Validation slices stay empty
// when no validation set is supplied.
type History struct {
	Loss        []float64 `json:"loss"`
	Accuracy    []float64 `json:"accuracy"`
	ValLoss     []float64 `json:"val_loss,omitempty"`
	ValAccuracy []float64 `json:"val_accuracy,omitempty"`
}

// Predictor is safe for concurrent Predict calls; Train holds it exclusively.
type Predictor struct {
	mu        sync.RWMutex
	net       *network
	opt       *adam
	rng       *rand.Rand
	batchSize int
	logger    *zap.Logger
}

// New builds a predictor with freshly initialised weights.
func New(opts Options, logger *zap.Logger) (*Predictor, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	net, err := newNetwork(opts.Architecture, rng)
	if err != nil {
		return nil, fmt.Errorf("build network: %w", err)
	}
	return newPredictor(net, rng, opts.BatchSize, logger), nil
}

// LoadFile reads weights written by SaveFile. The file's architecture wins
// over opts.Architecture.
func LoadFile(path string, opts Options, logger *zap.Logger) (*Predictor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	net, err := readWeights(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return newPredictor(net, rand.New(rand.NewSource(opts.Seed)), opts.BatchSize, logger), nil
}

// LoadOrInit loads weights from path. A missing file falls back to freshly
// initialised weights unless required is set; any other read failure is
// returned as is.
func LoadOrInit(path string, opts Options, required bool, logger *zap.Logger) (*Predictor, error) {
	p, err := LoadFile(path, opts, logger)
	if err == nil {
		return p, nil
	}
	if required || !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if logger != nil {
		logger.Warn("model weights not found, using untrained weights", zap.String("path", path), zap.Int64("seed", opts.Seed))
	}
	return New(opts, logger)
}

func newPredictor(net *network, rng *rand.Rand, batchSize int, logger *zap.Logger) *Predictor {
	if batchSize <= 0 {
		batchSize = 32
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Predictor{
		net:       net,
		opt:       newAdam(),
		rng:       rng,
		batchSize: batchSize,
		logger:    logger.Named("predictor"),
	}
}

// Architecture reports the network layout.
func (p *Predictor) Architecture() Architecture {
	return p.net.arch
}

// SaveFile writes the current weights atomically.
func (p *Predictor) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".weights-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	p.mu.RLock()
	err = writeWeights(tmp, p.net)
	p.mu.RUnlock()
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Preprocess resizes img to the network input and scales it into [0,1].
func (p *Predictor) Preprocess(img *imageprocessor.Image) (*Tensor, error) {
	return Preprocess(img, p.net.arch.InputSize)
}

// Predict returns the risk level in [0,1] and its confidence |risk-0.5|*2.
func (p *Predictor) Predict(ctx context.Context, img *imageprocessor.Image) (float64, float64, error) {
	x, err := p.Preprocess(img)
	if err != nil {
		return 0, 0, err
	}
	return p.PredictTensor(ctx, x)
}

// PredictTensor scores an already preprocessed sample.
func (p *Predictor) PredictTensor(ctx context.Context, x *Tensor) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if err := p.checkShape(x); err != nil {
		return 0, 0, err
	}

	start := time.Now()
	p.mu.RLock()
	risk, _ := p.net.forward(x, false, nil)
	p.mu.RUnlock()

	if math.IsNaN(risk) || risk < 0 || risk > 1 {
		return 0, 0, modelFailure("classifier produced %v", risk)
	}
	p.logger.Debug("inference complete", zap.Float64("risk_level", risk), zap.Duration("elapsed", time.Since(start)))
	return risk, Confidence(risk), nil
}

// Confidence is the distance from the decision boundary scaled to [0,1].
func Confidence(risk float64) float64 {
	return math.Abs(risk-DecisionBoundary) * 2
}

// Evaluate computes mean binary cross-entropy and accuracy without dropout.
func (p *Predictor) Evaluate(ctx context.Context, data Dataset) (float64, float64, error) {
	if err := p.checkDataset(data); err != nil {
		return 0, 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.evaluateLocked(ctx, data)
}

func (p *Predictor) evaluateLocked(ctx context.Context, data Dataset) (float64, float64, error) {
	var loss float64
	correct := 0
	for i, x := range data.Samples {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		prob, _ := p.net.forward(x, false, nil)
		loss += binaryCrossEntropy(prob, data.Labels[i])
		if (prob >= DecisionBoundary) == (data.Labels[i] >= DecisionBoundary) {
			correct++
		}
	}
	n := float64(len(data.Samples))
	return loss / n, float64(correct) / n, nil
}

// Train fits the classifier with shuffled mini-batches for the given epochs,
// evaluating on validation after every epoch when it is non-nil.
func (p *Predictor) Train(ctx context.Context, train Dataset, validation *Dataset, epochs int) (*History, error) {
	if epochs <= 0 {
		return nil, invalidInput("epochs must be positive, got %d", epochs)
	}
	if err := p.checkDataset(train); err != nil {
		return nil, err
	}
	if validation != nil {
		if err := p.checkDataset(*validation); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	hist := &History{}
	order := make([]int, len(train.Samples))
	for i := range order {
		order[i] = i
	}
	params := p.net.params()

	for epoch := 0; epoch < epochs; epoch++ {
		p.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var loss float64
		correct := 0
		for start := 0; start < len(order); start += p.batchSize {
			if err := ctx.Err(); err != nil {
				return hist, err
			}
			end := min(start+p.batchSize, len(order))
			for _, idx := range order[start:end] {
				y := train.Labels[idx]
				prob, caches := p.net.forward(train.Samples[idx], true, p.rng)
				loss += binaryCrossEntropy(prob, y)
				if (prob >= DecisionBoundary) == (y >= DecisionBoundary) {
					correct++
				}
				p.net.backward(prob-y, caches)
			}
			p.opt.step(params, end-start)
		}

		n := float64(len(order))
		hist.Loss = append(hist.Loss, loss/n)
		hist.Accuracy = append(hist.Accuracy, float64(correct)/n)
		fields := []zap.Field{zap.Int("epoch", epoch+1), zap.Float64("loss", loss/n), zap.Float64("accuracy", float64(correct)/n)}

		if validation != nil {
			vl, va, err := p.evaluateLocked(ctx, *validation)
			if err != nil {
				return hist, err
			}
			hist.ValLoss = append(hist.ValLoss, vl)
			hist.ValAccuracy = append(hist.ValAccuracy, va)
			fields = append(fields, zap.Float64("val_loss", vl), zap.Float64("val_accuracy", va))
		}
		p.logger.Info("epoch complete", fields...)
	}
	return hist, nil
}

func (p *Predictor) checkShape(x *Tensor) error {
	if x == nil {
		return invalidInput("nil tensor")
	}
	a := p.net.arch
	if x.H != a.InputSize || x.W != a.InputSize || x.C != a.Channels || len(x.Data) != x.H*x.W*x.C {
		return invalidInput("tensor shape %dx%dx%d, want %dx%dx%d", x.H, x.W, x.C, a.InputSize, a.InputSize, a.Channels)
	}
	return nil
}

func (p *Predictor) checkDataset(d Dataset) error {
	if len(d.Samples) == 0 {
		return invalidInput("empty dataset")
	}
	if len(d.Samples) != len(d.Labels) {
		return invalidInput("%d samples but %d labels", len(d.Samples), len(d.Labels))
	}
	for i, x := range d.Samples {
		if err := p.checkShape(x); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		if l := d.Labels[i]; l < 0 || l > 1 || math.IsNaN(l) {
			return invalidInput("label %d outside [0,1]: %v", i, l)
		}
	}
	return nil
}

// IsInvalidInput reports whether err is a PredictionError caused by the caller.
func IsInvalidInput(err error) bool {
	var pe *PredictionError
	return errors.As(err, &pe) && pe.Kind == InvalidInput
}
