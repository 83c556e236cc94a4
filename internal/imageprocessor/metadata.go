package imageprocessor

import "math"

// Metadata is a statistical summary of every sample in an image.
type Metadata struct {
	Shape []int   `json:"shape"`
	DType string  `json:"dtype"`
	Min   float64 `json:"min_value"`
	Max   float64 `json:"max_value"`
	Mean  float64 `json:"mean_value"`
	Std   float64 `json:"std_value"`
}

// ExtractMetadata computes shape, sample type and min/max/mean/std over all samples.
func ExtractMetadata(img *Image) Metadata {
	md := Metadata{Shape: img.Shape(), DType: DType}
	if len(img.Pix) == 0 {
		return md
	}

	lo, hi := img.Pix[0], img.Pix[0]
	var sum uint64
	for _, v := range img.Pix {
		lo = min(lo, v)
		hi = max(hi, v)
		sum += uint64(v)
	}
	n := float64(len(img.Pix))
	mean := float64(sum) / n

	var sq float64
	for _, v := range img.Pix {
		d := float64(v) - mean
		sq += d * d
	}

	md.Min = float64(lo)
	md.Max = float64(hi)
	md.Mean = mean
	md.Std = math.Sqrt(sq / n)
	return md
}
