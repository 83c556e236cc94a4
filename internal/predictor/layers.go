package predictor

import (
	"math"
	"math/rand"
)

// param is one trainable buffer with its gradient accumulator and Adam moments.
type param struct {
	value []float32
	grad  []float32
	m, v  []float32
}

func newParam(n int) *param {
	return &param{value: make([]float32, n), grad: make([]float32, n)}
}

func (p *param) initNormal(rng *rand.Rand, std float64) {
	for i := range p.value {
		p.value[i] = float32(rng.NormFloat64() * std)
	}
}

// layer caches nothing on itself; whatever backward needs is returned by forward.
type layer interface {
	forward(x *Tensor, train bool, rng *rand.Rand) (*Tensor, any)
	backward(dy *Tensor, cache any) *Tensor
	params() []*param
}

// conv2D is a 3x3 valid convolution followed by ReLU.
type conv2D struct {
	inC, outC int
	w, b      *param // w is laid out [out][ky][kx][in]
}

const kernel = 3

func newConv2D(inC, outC int, rng *rand.Rand) *conv2D {
	c := &conv2D{inC: inC, outC: outC, w: newParam(outC * kernel * kernel * inC), b: newParam(outC)}
	c.w.initNormal(rng, math.Sqrt(2/float64(kernel*kernel*inC)))
	return c
}

type convCache struct {
	in, out *Tensor
}

func (c *conv2D) forward(x *Tensor, _ bool, _ *rand.Rand) (*Tensor, any) {
	out := newTensor(x.H-kernel+1, x.W-kernel+1, c.outC)
	w, b := c.w.value, c.b.value
	for y := 0; y < out.H; y++ {
		for xx := 0; xx < out.W; xx++ {
			dst := out.Data[(y*out.W+xx)*c.outC : (y*out.W+xx+1)*c.outC]
			for o := range dst {
				sum := b[o]
				for ky := 0; ky < kernel; ky++ {
					inRow := ((y+ky)*x.W + xx) * c.inC
					wRow := (o*kernel + ky) * kernel * c.inC
					in := x.Data[inRow : inRow+kernel*c.inC]
					wk := w[wRow : wRow+kernel*c.inC]
					for i, v := range in {
						sum += v * wk[i]
					}
				}
				if sum < 0 {
					sum = 0
				}
				dst[o] = sum
			}
		}
	}
	return out, convCache{in: x, out: out}
}

func (c *conv2D) backward(dy *Tensor, cache any) *Tensor {
	cc := cache.(convCache)
	x := cc.in
	dx := newTensor(x.H, x.W, x.C)
	w, dw, db := c.w.value, c.w.grad, c.b.grad
	for y := 0; y < dy.H; y++ {
		for xx := 0; xx < dy.W; xx++ {
			base := (y*dy.W + xx) * c.outC
			for o := 0; o < c.outC; o++ {
				if cc.out.Data[base+o] <= 0 {
					continue
				}
				g := dy.Data[base+o]
				if g == 0 {
					continue
				}
				db[o] += g
				for ky := 0; ky < kernel; ky++ {
					inRow := ((y+ky)*x.W + xx) * c.inC
					wRow := (o*kernel + ky) * kernel * c.inC
					for i := 0; i < kernel*c.inC; i++ {
						dw[wRow+i] += g * x.Data[inRow+i]
						dx.Data[inRow+i] += g * w[wRow+i]
					}
				}
			}
		}
	}
	return dx
}

func (c *conv2D) params() []*param {
	return []*param{c.w, c.b}
}

// maxPool2D is a 2x2 max pool with stride 2; odd trailing rows and columns are dropped.
type maxPool2D struct{}

type poolCache struct {
	inH, inW, inC int
	argmax        []int32
}

func (maxPool2D) forward(x *Tensor, _ bool, _ *rand.Rand) (*Tensor, any) {
	out := newTensor(x.H/2, x.W/2, x.C)
	argmax := make([]int32, len(out.Data))
	for y := 0; y < out.H; y++ {
		for xx := 0; xx < out.W; xx++ {
			for ch := 0; ch < x.C; ch++ {
				best := int32(((2*y)*x.W+2*xx)*x.C + ch)
				for _, d := range [3][2]int{{0, 1}, {1, 0}, {1, 1}} {
					i := int32(((2*y+d[0])*x.W+2*xx+d[1])*x.C + ch)
					if x.Data[i] > x.Data[best] {
						best = i
					}
				}
				o := (y*out.W+xx)*x.C + ch
				out.Data[o] = x.Data[best]
				argmax[o] = best
			}
		}
	}
	return out, poolCache{inH: x.H, inW: x.W, inC: x.C, argmax: argmax}
}

func (maxPool2D) backward(dy *Tensor, cache any) *Tensor {
	pc := cache.(poolCache)
	dx := newTensor(pc.inH, pc.inW, pc.inC)
	for o, i := range pc.argmax {
		dx.Data[i] += dy.Data[o]
	}
	return dx
}

func (maxPool2D) params() []*param {
	return nil
}

type activation int

const (
	linear activation = iota
	relu
)

// dense is a fully connected layer over the flattened input.
type dense struct {
	in, out int
	act     activation
	w, b    *param // w is laid out [out][in]
}

func newDense(in, out int, act activation, rng *rand.Rand) *dense {
	d := &dense{in: in, out: out, act: act, w: newParam(in * out), b: newParam(out)}
	std := math.Sqrt(2 / float64(in))
	if act == linear {
		std = math.Sqrt(1 / float64(in))
	}
	d.w.initNormal(rng, std)
	return d
}

type denseCache struct {
	in, out *Tensor
}

func (d *dense) forward(x *Tensor, _ bool, _ *rand.Rand) (*Tensor, any) {
	out := newTensor(1, 1, d.out)
	for o := 0; o < d.out; o++ {
		row := d.w.value[o*d.in : (o+1)*d.in]
		sum := d.b.value[o]
		for i, v := range x.Data {
			sum += v * row[i]
		}
		if d.act == relu && sum < 0 {
			sum = 0
		}
		out.Data[o] = sum
	}
	return out, denseCache{in: x, out: out}
}

func (d *dense) backward(dy *Tensor, cache any) *Tensor {
	dc := cache.(denseCache)
	dx := &Tensor{H: dc.in.H, W: dc.in.W, C: dc.in.C, Data: make([]float32, len(dc.in.Data))}
	for o := 0; o < d.out; o++ {
		g := dy.Data[o]
		if d.act == relu && dc.out.Data[o] <= 0 {
			continue
		}
		if g == 0 {
			continue
		}
		d.b.grad[o] += g
		row := d.w.value[o*d.in : (o+1)*d.in]
		grow := d.w.grad[o*d.in : (o+1)*d.in]
		for i, v := range dc.in.Data {
			grow[i] += g * v
			dx.Data[i] += g * row[i]
		}
	}
	return dx
}

func (d *dense) params() []*param {
	return []*param{d.w, d.b}
}

// dropout zeroes activations with probability rate during training and rescales the rest.
type dropout struct {
	rate float64
}

func (d dropout) forward(x *Tensor, train bool, rng *rand.Rand) (*Tensor, any) {
	if !train || d.rate == 0 {
		return x, nil
	}
	scale := float32(1 / (1 - d.rate))
	mask := make([]float32, len(x.Data))
	out := &Tensor{H: x.H, W: x.W, C: x.C, Data: make([]float32, len(x.Data))}
	for i, v := range x.Data {
		if rng.Float64() >= d.rate {
			mask[i] = scale
			out.Data[i] = v * scale
		}
	}
	return out, mask
}

func (d dropout) backward(dy *Tensor, cache any) *Tensor {
	mask, ok := cache.([]float32)
	if !ok {
		return dy
	}
	dx := &Tensor{H: dy.H, W: dy.W, C: dy.C, Data: make([]float32, len(dy.Data))}
	for i, g := range dy.Data {
		dx.Data[i] = g * mask[i]
	}
	return dx
}

func (dropout) params() []*param {
	return nil
}
