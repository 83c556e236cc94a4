package predictor

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/example/glof-monitor/internal/imageprocessor"
)

// Tensor is a single HWC sample in float32.
type Tensor struct {
	H, W, C int
	Data    []float32
}

func newTensor(h, w, c int) *Tensor {
	return &Tensor{H: h, W: w, C: c, Data: make([]float32, h*w*c)}
}

// Preprocess resizes img to size x size RGB with bilinear filtering and scales
// samples into [0,1]. Grey inputs are replicated across channels and alpha is dropped.
func Preprocess(img *imageprocessor.Image, size int) (*Tensor, error) {
	if size <= 0 {
		return nil, invalidInput("target size must be positive, got %d", size)
	}
	if err := img.Validate(); err != nil {
		return nil, &PredictionError{Kind: InvalidInput, Err: err}
	}

	src := img
	if img.Channels == 4 {
		src = dropAlpha(img)
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	from := src.ToImage()
	draw.BiLinear.Scale(dst, dst.Bounds(), from, from.Bounds(), draw.Src, nil)

	t := newTensor(size, size, 3)
	for p, i := 0, 0; p < len(t.Data); p, i = p+3, i+4 {
		t.Data[p] = float32(dst.Pix[i]) / 255
		t.Data[p+1] = float32(dst.Pix[i+1]) / 255
		t.Data[p+2] = float32(dst.Pix[i+2]) / 255
	}
	return t, nil
}

func dropAlpha(img *imageprocessor.Image) *imageprocessor.Image {
	out := &imageprocessor.Image{Width: img.Width, Height: img.Height, Channels: 3, Pix: make([]uint8, img.Width*img.Height*3)}
	for p, i := 0, 0; p < len(out.Pix); p, i = p+3, i+4 {
		out.Pix[p], out.Pix[p+1], out.Pix[p+2] = img.Pix[i], img.Pix[i+1], img.Pix[i+2]
	}
	return out
}
