// Package imageprocessor holds the stateless raster transforms used by the
// risk pipeline: download, enhancement, feature extraction and statistics.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DType is the sample type of every Image.
const DType = "uint8"

// DefaultMaxPixels bounds decoding when no explicit limit is configured.
const DefaultMaxPixels int64 = 40_000_000

var (
	// ErrInvalidImage is returned by Validate for malformed rasters.
	ErrInvalidImage = errors.New("invalid image")
	// ErrImageTooLarge is returned when a payload declares more pixels than allowed.
	ErrImageTooLarge = errors.New("image too large")
)

// Image is a decoded 8-bit raster with interleaved channels in row-major order.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// New allocates a zeroed image.
func New(width, height, channels int) (*Image, error) {
	img := &Image{Width: width, Height: height, Channels: channels}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidImage, width, height)
	}
	if !validChannels(channels) {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidImage, channels)
	}
	img.Pix = make([]uint8, width*height*channels)
	return img, nil
}

// Validate checks the dimension, channel and buffer invariants.
func (m *Image) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidImage)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidImage, m.Width, m.Height)
	}
	if !validChannels(m.Channels) {
		return fmt.Errorf("%w: %d channels", ErrInvalidImage, m.Channels)
	}
	if want := m.Width * m.Height * m.Channels; len(m.Pix) != want {
		return fmt.Errorf("%w: buffer holds %d samples, want %d", ErrInvalidImage, len(m.Pix), want)
	}
	return nil
}

// Shape mirrors the array shape of the raster: [H W] for single channel, [H W C] otherwise.
func (m *Image) Shape() []int {
	if m.Channels == 1 {
		return []int{m.Height, m.Width}
	}
	return []int{m.Height, m.Width, m.Channels}
}

// Clone returns a deep copy.
func (m *Image) Clone() *Image {
	out := *m
	out.Pix = append([]uint8(nil), m.Pix...)
	return &out
}

func (m *Image) offset(x, y int) int {
	return (y*m.Width + x) * m.Channels
}

// Gray returns the sample at (x, y) of a single channel image.
func (m *Image) Gray(x, y int) uint8 {
	return m.Pix[y*m.Width+x]
}

// Decode turns an encoded payload into an Image and reports the format name.
func Decode(data []byte) (*Image, string, error) {
	return DecodeLimited(data, DefaultMaxPixels)
}

// DecodeLimited reads the header first and refuses payloads declaring more
// than maxPixels before any raster is allocated.
func DecodeLimited(data []byte, maxPixels int64) (*Image, string, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image config: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: dimensions %dx%d", ErrInvalidImage, cfg.Width, cfg.Height)
	}
	if total := int64(cfg.Width) * int64(cfg.Height); total > maxPixels {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	img, err := FromImage(src)
	if err != nil {
		return nil, format, err
	}
	return img, format, nil
}

// FromImage converts a standard library image. Grey sources keep one channel,
// opaque colour sources get three and translucent ones four.
func FromImage(src image.Image) (*Image, error) {
	b := src.Bounds()
	switch s := src.(type) {
	case *image.Gray:
		out, err := New(b.Dx(), b.Dy(), 1)
		if err != nil {
			return nil, err
		}
		for y := 0; y < out.Height; y++ {
			start := s.PixOffset(b.Min.X, b.Min.Y+y)
			copy(out.Pix[y*out.Width:(y+1)*out.Width], s.Pix[start:start+out.Width])
		}
		return out, nil
	case *image.Gray16:
		out, err := New(b.Dx(), b.Dy(), 1)
		if err != nil {
			return nil, err
		}
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Pix[y*out.Width+x] = uint8(s.Gray16At(b.Min.X+x, b.Min.Y+y).Y >> 8)
			}
		}
		return out, nil
	}

	channels := 4
	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		channels = 3
	}
	out, err := New(b.Dx(), b.Dy(), channels)
	if err != nil {
		return nil, err
	}
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := out.offset(x, y)
			out.Pix[i], out.Pix[i+1], out.Pix[i+2] = c.R, c.G, c.B
			if channels == 4 {
				out.Pix[i+3] = c.A
			}
		}
	}
	return out, nil
}

// ToImage converts back to a standard library image for encoding.
func (m *Image) ToImage() image.Image {
	rect := image.Rect(0, 0, m.Width, m.Height)
	switch m.Channels {
	case 1:
		g := image.NewGray(rect)
		copy(g.Pix, m.Pix)
		return g
	case 3:
		rgba := image.NewRGBA(rect)
		for i, j := 0, 0; i < len(m.Pix); i, j = i+3, j+4 {
			rgba.Pix[j], rgba.Pix[j+1], rgba.Pix[j+2], rgba.Pix[j+3] = m.Pix[i], m.Pix[i+1], m.Pix[i+2], 0xff
		}
		return rgba
	default:
		nrgba := image.NewNRGBA(rect)
		copy(nrgba.Pix, m.Pix)
		return nrgba
	}
}

// Luminance returns a single channel copy using ITU-R BT.601 weights.
func Luminance(m *Image) *Image {
	if m.Channels == 1 {
		return m.Clone()
	}
	out := &Image{Width: m.Width, Height: m.Height, Channels: 1, Pix: make([]uint8, m.Width*m.Height)}
	for p, i := 0, 0; p < len(out.Pix); p, i = p+1, i+m.Channels {
		y := 0.299*float64(m.Pix[i]) + 0.587*float64(m.Pix[i+1]) + 0.114*float64(m.Pix[i+2])
		out.Pix[p] = clampUint8(math.Round(y))
	}
	return out
}

func validChannels(c int) bool {
	return c == 1 || c == 3 || c == 4
}

func clampUint8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}
