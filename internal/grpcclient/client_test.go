package grpcclient

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/glof-monitor/internal/grpcserver"
	"github.com/example/glof-monitor/internal/imageprocessor"
	"github.com/example/glof-monitor/internal/predictor"
)

type stubModel struct {
	risk float64
	err  error
	seen []int
}

func (s *stubModel) Predict(ctx context.Context, img *imageprocessor.Image) (float64, float64, error) {
	s.seen = img.Shape()
	if s.err != nil {
		return 0, 0, s.err
	}
	return s.risk, predictor.Confidence(s.risk), nil
}

func startServer(t *testing.T, model grpcserver.RiskModel) *RiskModelClient {
	t.Helper()
	return startLimitedServer(t, model, 0)
}

func startLimitedServer(t *testing.T, model grpcserver.RiskModel, maxPixels int64) *RiskModelClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(zap.NewNop())))
	grpcserver.Register(srv, model, zap.NewNop()).MaxPixels = maxPixels
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewRiskModelClient(conn, zap.NewNop())
}

func testImage(t *testing.T, channels int) *imageprocessor.Image {
	t.Helper()
	img, err := imageprocessor.New(12, 8, channels)
	if err != nil {
		t.Fatalf("new image: %v", err)
	}
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	return img
}

func TestPredictRoundTrip(t *testing.T) {
	model := &stubModel{risk: 0.83}
	client := startServer(t, model)

	risk, confidence, err := client.Predict(context.Background(), testImage(t, 3))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if risk != 0.83 || confidence != predictor.Confidence(0.83) {
		t.Fatalf("unexpected result %v %v", risk, confidence)
	}
	if len(model.seen) != 3 || model.seen[0] != 8 || model.seen[1] != 12 {
		t.Fatalf("server decoded unexpected shape %v", model.seen)
	}
}

func TestPredictGrayImageRoundTrip(t *testing.T) {
	model := &stubModel{risk: 0.2}
	client := startServer(t, model)

	if _, _, err := client.Predict(context.Background(), testImage(t, 1)); err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(model.seen) != 2 {
		t.Fatalf("expected grey image to stay single channel, got shape %v", model.seen)
	}
}

func TestPredictMapsRemoteErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want predictor.PredictionErrorKind
	}{
		{"invalid input", &predictor.PredictionError{Kind: predictor.InvalidInput, Err: errors.New("bad shape")}, predictor.InvalidInput},
		{"model failure", &predictor.PredictionError{Kind: predictor.ModelFailure, Err: errors.New("nan")}, predictor.ModelFailure},
		{"unexpected", errors.New("boom"), predictor.ModelFailure},
	}
	for _, tc := range cases {
		client := startServer(t, &stubModel{err: tc.err})
		_, _, err := client.Predict(context.Background(), testImage(t, 3))
		var predErr *predictor.PredictionError
		if !errors.As(err, &predErr) || predErr.Kind != tc.want {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.want, err)
		}
	}
}

func TestPredictRejectsMalformedImageLocally(t *testing.T) {
	model := &stubModel{risk: 0.5}
	client := startServer(t, model)

	_, _, err := client.Predict(context.Background(), &imageprocessor.Image{Width: 2, Height: 2, Channels: 3, Pix: []uint8{1}})
	if !predictor.IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if model.seen != nil {
		t.Fatal("expected no remote call")
	}
}

func TestPredictRejectsImagesOverPixelLimit(t *testing.T) {
	model := &stubModel{risk: 0.5}
	client := startLimitedServer(t, model, 50)

	_, _, err := client.Predict(context.Background(), testImage(t, 1))
	var predErr *predictor.PredictionError
	if !errors.As(err, &predErr) || predErr.Kind != predictor.InvalidInput {
		t.Fatalf("expected invalid input for 12x8 over a 50 pixel cap, got %v", err)
	}
	if model.seen != nil {
		t.Fatalf("model must not run, saw shape %v", model.seen)
	}
}
