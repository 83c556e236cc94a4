package predictor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// Architecture describes the convolutional classifier. Each entry of Filters
// adds a 3x3 conv + ReLU + 2x2 max-pool block; each entry of Dense adds a ReLU
// fully connected layer followed by dropout at the matching rate.
type Architecture struct {
	InputSize int       `json:"input_size"`
	Channels  int       `json:"channels"`
	Filters   []int     `json:"filters"`
	Dense     []int     `json:"dense"`
	Dropout   []float64 `json:"dropout"`
}

// DefaultArchitecture is the production network.
func DefaultArchitecture() Architecture {
	return Architecture{
		InputSize: 224,
		Channels:  3,
		Filters:   []int{32, 64, 128, 256},
		Dense:     []int{512, 256},
		Dropout:   []float64{0.5, 0.3},
	}
}

// Validate rejects architectures whose feature maps would vanish.
func (a Architecture) Validate() error {
	_, err := a.flatSize()
	return err
}

func (a Architecture) flatSize() (int, error) {
	if a.InputSize <= 0 {
		return 0, errors.New("input size must be positive")
	}
	if a.Channels != 3 {
		return 0, fmt.Errorf("input must have 3 channels, got %d", a.Channels)
	}
	if len(a.Filters) == 0 {
		return 0, errors.New("at least one convolution block is required")
	}
	if len(a.Dense) != len(a.Dropout) {
		return 0, fmt.Errorf("%d dense layers but %d dropout rates", len(a.Dense), len(a.Dropout))
	}
	side := a.InputSize
	for i, f := range a.Filters {
		if f <= 0 {
			return 0, fmt.Errorf("block %d: filters must be positive", i)
		}
		side = (side - kernel + 1) / 2
		if side < 1 {
			return 0, fmt.Errorf("block %d: feature map vanishes for input %d", i, a.InputSize)
		}
	}
	for i, units := range a.Dense {
		if units <= 0 {
			return 0, fmt.Errorf("dense %d: units must be positive", i)
		}
		if r := a.Dropout[i]; r < 0 || r >= 1 {
			return 0, fmt.Errorf("dense %d: dropout %v outside [0,1)", i, r)
		}
	}
	return side * side * a.Filters[len(a.Filters)-1], nil
}

type network struct {
	arch   Architecture
	layers []layer
}

func newNetwork(arch Architecture, rng *rand.Rand) (*network, error) {
	flat, err := arch.flatSize()
	if err != nil {
		return nil, err
	}
	n := &network{arch: arch}
	in := arch.Channels
	for _, f := range arch.Filters {
		n.layers = append(n.layers, newConv2D(in, f, rng), maxPool2D{})
		in = f
	}
	in = flat
	for i, units := range arch.Dense {
		n.layers = append(n.layers, newDense(in, units, relu, rng), dropout{rate: arch.Dropout[i]})
		in = units
	}
	n.layers = append(n.layers, newDense(in, 1, linear, rng))
	return n, nil
}

func (n *network) params() []*param {
	var ps []*param
	for _, l := range n.layers {
		ps = append(ps, l.params()...)
	}
	return ps
}

// forward returns the sigmoid output and, when training, the per-layer caches.
func (n *network) forward(x *Tensor, train bool, rng *rand.Rand) (float64, []any) {
	var caches []any
	if train {
		caches = make([]any, len(n.layers))
	}
	for i, l := range n.layers {
		var c any
		x, c = l.forward(x, train, rng)
		if train {
			caches[i] = c
		}
	}
	return sigmoid(float64(x.Data[0])), caches
}

// backward accumulates parameter gradients for dL/dz at the output logit.
func (n *network) backward(dz float64, caches []any) {
	grad := &Tensor{H: 1, W: 1, C: 1, Data: []float32{float32(dz)}}
	for i := len(n.layers) - 1; i >= 0; i-- {
		grad = n.layers[i].backward(grad, caches[i])
	}
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

const lossEpsilon = 1e-7

func binaryCrossEntropy(p, y float64) float64 {
	p = math.Min(math.Max(p, lossEpsilon), 1-lossEpsilon)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}

// adam implements the Adam update with bias correction.
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
}

func newAdam() *adam {
	return &adam{lr: 1e-3, beta1: 0.9, beta2: 0.999, eps: 1e-7}
}

// step applies the averaged gradients over batch samples and clears them.
func (a *adam) step(params []*param, batch int) {
	a.t++
	lrT := a.lr * math.Sqrt(1-math.Pow(a.beta2, float64(a.t))) / (1 - math.Pow(a.beta1, float64(a.t)))
	inv := 1 / float64(batch)
	for _, p := range params {
		if p.m == nil {
			p.m = make([]float32, len(p.value))
			p.v = make([]float32, len(p.value))
		}
		for i, g := range p.grad {
			gf := float64(g) * inv
			m := a.beta1*float64(p.m[i]) + (1-a.beta1)*gf
			v := a.beta2*float64(p.v[i]) + (1-a.beta2)*gf*gf
			p.m[i], p.v[i] = float32(m), float32(v)
			p.value[i] -= float32(lrT * m / (math.Sqrt(v) + a.eps))
			p.grad[i] = 0
		}
	}
}
