package grpcclient

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/glof-monitor/internal/grpcserver"
	"github.com/example/glof-monitor/internal/imageprocessor"
	"github.com/example/glof-monitor/internal/logging"
	"github.com/example/glof-monitor/internal/predictor"
)

// DialRiskModel returns a ready-to-use client for a remote model server.
func DialRiskModel(ctx context.Context, addr string, logger *zap.Logger) (*RiskModelClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_risk_model", "", err)
		logger.Error("failed to dial risk model server", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRiskModelClient(conn, logger), conn, nil
}

// RiskModelClient scores images on a remote glof.v1.RiskModel service.
type RiskModelClient struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func NewRiskModelClient(conn grpc.ClientConnInterface, logger *zap.Logger) *RiskModelClient {
	return &RiskModelClient{conn: conn, logger: logger.Named("grpc_risk_model_client")}
}

// Predict sends img as PNG and returns the remote risk level and confidence.
// Remote InvalidArgument maps to an invalid_input PredictionError, any other
// failure to a model PredictionError.
func (c *RiskModelClient) Predict(ctx context.Context, img *imageprocessor.Image) (float64, float64, error) {
	if err := img.Validate(); err != nil {
		return 0, 0, &predictor.PredictionError{Kind: predictor.InvalidInput, Err: err}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.ToImage()); err != nil {
		return 0, 0, &predictor.PredictionError{Kind: predictor.InvalidInput, Err: fmt.Errorf("encode image: %w", err)}
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, grpcserver.PredictMethod, wrapperspb.Bytes(buf.Bytes()), out); err != nil {
		wrapped := logging.NewOperationError("grpcclient.predict", "", err)
		c.logger.Error("risk model call failed", zap.Error(wrapped))
		switch status.Code(err) {
		case codes.InvalidArgument:
			return 0, 0, &predictor.PredictionError{Kind: predictor.InvalidInput, Err: wrapped}
		case codes.Canceled:
			return 0, 0, context.Canceled
		case codes.DeadlineExceeded:
			return 0, 0, context.DeadlineExceeded
		default:
			return 0, 0, &predictor.PredictionError{Kind: predictor.ModelFailure, Err: wrapped}
		}
	}

	risk, ok := numberField(out, grpcserver.FieldRiskLevel)
	if !ok || risk < 0 || risk > 1 {
		return 0, 0, &predictor.PredictionError{Kind: predictor.ModelFailure, Err: fmt.Errorf("malformed response: %v", out.AsMap())}
	}
	confidence, ok := numberField(out, grpcserver.FieldConfidence)
	if !ok {
		confidence = predictor.Confidence(risk)
	}
	return risk, confidence, nil
}

func numberField(s *structpb.Struct, name string) (float64, bool) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}
