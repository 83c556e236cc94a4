// Package grpcserver exposes a RiskModel over gRPC as glof.v1.RiskModel.
//
// The service uses protobuf well-known types on the wire so no generated
// stubs are needed:
//
//	service RiskModel {
//	  rpc Predict(google.protobuf.BytesValue) returns (google.protobuf.Struct);
//	}
//
// The request carries an encoded image (PNG, JPEG, GIF, WebP, BMP or TIFF).
// The response struct has numeric fields risk_level and confidence.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/glof-monitor/internal/imageprocessor"
	"github.com/example/glof-monitor/internal/logging"
	"github.com/example/glof-monitor/internal/predictor"
)

const (
	ServiceName   = "glof.v1.RiskModel"
	PredictMethod = "/glof.v1.RiskModel/Predict"

	FieldRiskLevel  = "risk_level"
	FieldConfidence = "confidence"
)

// RiskModel scores a decoded image.
type RiskModel interface {
	Predict(ctx context.Context, img *imageprocessor.Image) (float64, float64, error)
}

type riskModelServer interface {
	Predict(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error)
}

// Server adapts a RiskModel to the gRPC service.
type Server struct {
	// MaxPixels caps decoded payloads; zero means imageprocessor.DefaultMaxPixels.
	MaxPixels int64

	model  RiskModel
	logger *zap.Logger
}

// Register attaches the RiskModel service to s.
func Register(s grpc.ServiceRegistrar, model RiskModel, logger *zap.Logger) *Server {
	srv := &Server{model: model, logger: logger.Named("grpc_risk_model")}
	s.RegisterService(&serviceDesc, srv)
	return srv
}

// Predict decodes the image and scores it.
func (s *Server) Predict(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	if len(in.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image payload is empty")
	}
	img, format, err := imageprocessor.DecodeLimited(in.GetValue(), s.MaxPixels)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode image: %v", err)
	}

	risk, confidence, err := s.model.Predict(ctx, img)
	if err != nil {
		s.logger.Error("prediction failed", zap.Error(logging.NewOperationError("grpcserver.predict", "", err)), zap.String("format", format))
		var predErr *predictor.PredictionError
		switch {
		case errors.As(err, &predErr) && predErr.Kind == predictor.InvalidInput:
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, context.Canceled):
			return nil, status.Error(codes.Canceled, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		default:
			return nil, status.Error(codes.Internal, err.Error())
		}
	}

	s.logger.Debug("prediction served",
		zap.String("format", format),
		zap.Ints("shape", img.Shape()),
		zap.Float64("risk_level", risk),
	)
	return structpb.NewStruct(map[string]interface{}{
		FieldRiskLevel:  risk,
		FieldConfidence: confidence,
	})
}

func predictHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(riskModelServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PredictMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(riskModelServer).Predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*riskModelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "glof/v1/risk_model.proto",
}

// LoggingInterceptor logs every unary call with its status code and latency.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc call",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
