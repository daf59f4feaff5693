package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/coral-monitor/internal/inference"
	"github.com/example/coral-monitor/internal/logging"
)

const (
	serviceName   = "coralmonitor.inference.v1.Pipeline"
	runMethod     = "/" + serviceName + "/Run"
	fieldOverlay  = "overlay"
	fieldSecond   = "secondary"
	fieldResults  = "results"
	dialTimeout   = 5 * time.Second
	operationRun  = "grpcclient.run_pipeline"
	operationDial = "grpcclient.dial_pipeline"
)

// DialPipeline returns a ready-to-use inference adapter backed by a remote
// pipeline service.
func DialPipeline(ctx context.Context, addr string, logger *zap.Logger) (inference.Adapter, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError(operationDial, "", err)
		logger.Error("failed to dial inference pipeline", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewPipelineClient(conn, logger), conn, nil
}

// NewPipelineClient wraps an existing connection as an inference adapter.
func NewPipelineClient(conn grpc.ClientConnInterface, logger *zap.Logger) inference.Adapter {
	return &grpcPipeline{conn: conn, logger: logger}
}

type grpcPipeline struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcPipeline) Run(ctx context.Context, image []byte) (*inference.Result, error) {
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, runMethod, wrapperspb.Bytes(image), resp); err != nil {
		wrapped := logging.NewOperationError(operationRun, "", err)
		g.logger.Error("inference pipeline call failed", zap.Error(wrapped), zap.Int("image_bytes", len(image)))
		return nil, wrapped
	}
	result, err := decodeResult(resp)
	if err != nil {
		return nil, logging.NewOperationError(operationRun, "", err)
	}
	return result, nil
}

func encodeResult(res *inference.Result) (*structpb.Struct, error) {
	if res == nil {
		return nil, errors.New("nil result")
	}
	fields := map[string]any{
		fieldOverlay: base64.StdEncoding.EncodeToString(res.Overlay),
	}
	if res.Secondary != nil {
		fields[fieldSecond] = base64.StdEncoding.EncodeToString(res.Secondary)
	}
	if res.Metadata != nil {
		fields[fieldResults] = res.Metadata
	}
	return structpb.NewStruct(fields)
}

func decodeResult(s *structpb.Struct) (*inference.Result, error) {
	fields := s.GetFields()

	overlay, ok := fields[fieldOverlay]
	if !ok {
		return nil, errors.New("response has no overlay")
	}
	primary, err := base64.StdEncoding.DecodeString(overlay.GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode overlay: %w", err)
	}

	result := &inference.Result{Overlay: primary}
	if v, ok := fields[fieldSecond]; ok {
		if result.Secondary, err = base64.StdEncoding.DecodeString(v.GetStringValue()); err != nil {
			return nil, fmt.Errorf("decode secondary: %w", err)
		}
	}
	if v, ok := fields[fieldResults]; ok {
		// structpb has a single number kind, so ints come back as float64
		result.Metadata = v.GetStructValue().AsMap()
	}
	return result, nil
}
