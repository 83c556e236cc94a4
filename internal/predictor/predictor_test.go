package predictor

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/example/glof-monitor/internal/imageprocessor"
)

func tinyArchitecture() Architecture {
	return Architecture{
		InputSize: 16,
		Channels:  3,
		Filters:   []int{4, 8},
		Dense:     []int{8},
		Dropout:   []float64{0.25},
	}
}

func newTinyPredictor(t *testing.T, seed int64) *Predictor {
	t.Helper()
	p, err := New(Options{Architecture: tinyArchitecture(), Seed: seed, BatchSize: 4}, zap.NewNop())
	if err != nil {
		t.Fatalf("new predictor: %v", err)
	}
	return p
}

func randomImage(t *testing.T, rng *rand.Rand, w, h, c int) *imageprocessor.Image {
	t.Helper()
	img, err := imageprocessor.New(w, h, c)
	if err != nil {
		t.Fatalf("new image: %v", err)
	}
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	return img
}

func filledTensor(size int, level float32, rng *rand.Rand) *Tensor {
	x := newTensor(size, size, 3)
	for i := range x.Data {
		x.Data[i] = level + float32(rng.Float64()*0.05)
	}
	return x
}

func TestDefaultArchitectureShape(t *testing.T) {
	flat, err := DefaultArchitecture().flatSize()
	if err != nil {
		t.Fatalf("default architecture invalid: %v", err)
	}
	if flat != 12*12*256 {
		t.Fatalf("expected flattened size %d, got %d", 12*12*256, flat)
	}
}

func TestArchitectureValidateRejectsVanishingMaps(t *testing.T) {
	arch := Architecture{InputSize: 4, Channels: 3, Filters: []int{2, 2}}
	if err := arch.Validate(); err == nil {
		t.Fatal("expected error for vanishing feature map")
	}
	arch = tinyArchitecture()
	arch.Dropout = nil
	if err := arch.Validate(); err == nil {
		t.Fatal("expected error for mismatched dropout rates")
	}
}

func TestPreprocessOutputsUnitRangeAtTargetSize(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	sizes := [][2]int{{1, 1}, {3, 500}, {300, 200}, {224, 224}}
	for _, size := range sizes {
		for _, c := range []int{1, 3, 4} {
			x, err := Preprocess(randomImage(t, rng, size[0], size[1], c), 224)
			if err != nil {
				t.Fatalf("preprocess %v x%d: %v", size, c, err)
			}
			if x.H != 224 || x.W != 224 || x.C != 3 || len(x.Data) != 224*224*3 {
				t.Fatalf("unexpected tensor shape %dx%dx%d", x.H, x.W, x.C)
			}
			for _, v := range x.Data {
				if v < 0 || v > 1 {
					t.Fatalf("sample %v outside [0,1]", v)
				}
			}
		}
	}
}

func TestPreprocessReplicatesGrey(t *testing.T) {
	img, _ := imageprocessor.New(2, 2, 1)
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	x, err := Preprocess(img, 8)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	for _, v := range x.Data {
		if v != 1 {
			t.Fatalf("expected white to map to 1, got %v", v)
		}
	}
}

func TestPreprocessRejectsMalformedImage(t *testing.T) {
	bad := &imageprocessor.Image{Width: 4, Height: 4, Channels: 2, Pix: make([]uint8, 32)}
	_, err := Preprocess(bad, 224)
	if !IsInvalidInput(err) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestPredictReturnsBoundedRiskAndConfidence(t *testing.T) {
	p := newTinyPredictor(t, 1)
	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 10; i++ {
		risk, confidence, err := p.Predict(context.Background(), randomImage(t, rng, 10+i, 20, 3))
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if risk < 0 || risk > 1 {
			t.Fatalf("risk %v outside [0,1]", risk)
		}
		if confidence < 0 || confidence > 1 {
			t.Fatalf("confidence %v outside [0,1]", confidence)
		}
		if confidence != math.Abs(risk-0.5)*2 {
			t.Fatalf("confidence %v does not match risk %v", confidence, risk)
		}
	}
}

func TestPredictIsDeterministic(t *testing.T) {
	img := randomImage(t, rand.New(rand.NewSource(2)), 30, 30, 3)
	a, b := newTinyPredictor(t, 4), newTinyPredictor(t, 4)
	r1, _, err := a.Predict(context.Background(), img)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	r2, _, _ := a.Predict(context.Background(), img)
	r3, _, _ := b.Predict(context.Background(), img)
	if r1 != r2 || r1 != r3 {
		t.Fatalf("expected identical predictions, got %v %v %v", r1, r2, r3)
	}
}

func TestPredictFailsFastOnMalformedInput(t *testing.T) {
	p := newTinyPredictor(t, 1)
	_, _, err := p.Predict(context.Background(), &imageprocessor.Image{Width: 3, Height: 3, Channels: 3, Pix: make([]uint8, 4)})
	var pe *PredictionError
	if !errors.As(err, &pe) || pe.Kind != InvalidInput {
		t.Fatalf("expected invalid input PredictionError, got %v", err)
	}

	_, _, err = p.PredictTensor(context.Background(), newTensor(8, 8, 3))
	if !IsInvalidInput(err) {
		t.Fatalf("expected shape mismatch error, got %v", err)
	}
}

func TestPredictHonoursCancelledContext(t *testing.T) {
	p := newTinyPredictor(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := p.Predict(ctx, randomImage(t, rand.New(rand.NewSource(1)), 8, 8, 3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentPredictions(t *testing.T) {
	p := newTinyPredictor(t, 3)
	img := randomImage(t, rand.New(rand.NewSource(3)), 16, 16, 3)
	want, _, err := p.Predict(context.Background(), img)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := p.Predict(context.Background(), img)
			if err != nil {
				errs <- err
				return
			}
			if got != want {
				errs <- errors.New("concurrent prediction diverged")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	p := newTinyPredictor(t, 8)
	path := filepath.Join(t.TempDir(), "models", "glof_model.bin")
	if err := p.SaveFile(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadFile(path, Options{Seed: 99}, zap.NewNop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Architecture().InputSize != 16 {
		t.Fatalf("expected architecture from file, got %+v", loaded.Architecture())
	}

	img := randomImage(t, rand.New(rand.NewSource(8)), 20, 12, 3)
	want, _, _ := p.Predict(context.Background(), img)
	got, _, err := loaded.Predict(context.Background(), img)
	if err != nil {
		t.Fatalf("predict with loaded weights: %v", err)
	}
	if got != want {
		t.Fatalf("expected %v after reload, got %v", want, got)
	}
}

func TestLoadRejectsCorruptWeights(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.bin")
	if err := os.WriteFile(bad, []byte("not a weights file"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(bad, Options{}, zap.NewNop()); !errors.Is(err, ErrBadWeights) {
		t.Fatalf("expected ErrBadWeights, got %v", err)
	}

	var buf bytes.Buffer
	if err := writeWeights(&buf, newTinyPredictor(t, 1).net); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-10]
	if _, err := readWeights(bytes.NewReader(truncated)); !errors.Is(err, ErrBadWeights) {
		t.Fatalf("expected ErrBadWeights for truncated file, got %v", err)
	}
}

func TestLoadOrInit(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.bin")
	opts := Options{Architecture: tinyArchitecture(), Seed: 3}

	p, err := LoadOrInit(missing, opts, false, zap.NewNop())
	if err != nil {
		t.Fatalf("expected fallback to fresh weights, got %v", err)
	}
	if p.Architecture().InputSize != 16 {
		t.Fatalf("unexpected architecture %+v", p.Architecture())
	}
	if _, err := LoadOrInit(missing, opts, true, zap.NewNop()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing required weights to fail, got %v", err)
	}

	bad := filepath.Join(dir, "bad.bin")
	if err := os.WriteFile(bad, []byte("junk"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOrInit(bad, opts, false, zap.NewNop()); !errors.Is(err, ErrBadWeights) {
		t.Fatalf("expected corrupt weights to fail, got %v", err)
	}
}

func TestTrainReducesLoss(t *testing.T) {
	p := newTinyPredictor(t, 21)
	rng := rand.New(rand.NewSource(21))
	var train Dataset
	for i := 0; i < 8; i++ {
		level, label := float32(0.1), 0.0
		if i%2 == 0 {
			level, label = 0.85, 1.0
		}
		train.Samples = append(train.Samples, filledTensor(16, level, rng))
		train.Labels = append(train.Labels, label)
	}

	before, _, err := p.Evaluate(context.Background(), train)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	hist, err := p.Train(context.Background(), train, &train, 40)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if len(hist.Loss) != 40 || len(hist.ValLoss) != 40 || len(hist.Accuracy) != 40 || len(hist.ValAccuracy) != 40 {
		t.Fatalf("unexpected history lengths: %d %d", len(hist.Loss), len(hist.ValLoss))
	}
	after, _, err := p.Evaluate(context.Background(), train)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !(after < before) {
		t.Fatalf("expected loss to drop, before %v after %v", before, after)
	}
	for _, l := range hist.Loss {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			t.Fatalf("non-finite training loss %v", l)
		}
	}
}

func TestTrainValidatesInput(t *testing.T) {
	p := newTinyPredictor(t, 1)
	rng := rand.New(rand.NewSource(1))
	good := Dataset{Samples: []*Tensor{filledTensor(16, 0.5, rng)}, Labels: []float64{1}}

	if _, err := p.Train(context.Background(), good, nil, 0); !IsInvalidInput(err) {
		t.Fatalf("expected invalid epochs error, got %v", err)
	}
	if _, err := p.Train(context.Background(), Dataset{Samples: good.Samples, Labels: []float64{2}}, nil, 1); !IsInvalidInput(err) {
		t.Fatalf("expected label range error, got %v", err)
	}
	if _, err := p.Train(context.Background(), Dataset{Samples: []*Tensor{newTensor(4, 4, 3)}, Labels: []float64{0}}, nil, 1); !IsInvalidInput(err) {
		t.Fatalf("expected shape error, got %v", err)
	}
	hist, err := p.Train(context.Background(), good, nil, 2)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if len(hist.ValLoss) != 0 {
		t.Fatalf("expected no validation metrics, got %v", hist.ValLoss)
	}
}
