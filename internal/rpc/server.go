package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/internal/observability"
	"go-stream-processor/pkg/models"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Controller is the pipeline lifecycle surface the server exposes.
type Controller interface {
	Start(ctx context.Context, pipelineID string, overrides map[string]string) (string, error)
	Stop(ctx context.Context, jobID string) error
	Status(jobID string) (models.PipelineSnapshot, error)
	List() []models.PipelineSnapshot
	SendStreamData(ctx context.Context, in <-chan models.StreamData) <-chan models.StreamDataResponse
	StreamResults(ctx context.Context, jobID string) (<-chan models.ProcessingResult, error)
}

// Server answers control-plane calls. Expected failures such as an unknown
// job come back as success=false; only faults the server cannot explain
// turn into codes.Internal.
type Server struct {
	ctrl        Controller
	stopTimeout time.Duration
	srv         *grpc.Server
	logger      *logrus.Entry
}

func NewServer(ctrl Controller, stopTimeout time.Duration, opts ...grpc.ServerOption) *Server {
	s := &Server{
		ctrl:        ctrl,
		stopTimeout: stopTimeout,
		logger:      observability.Component("rpc"),
	}

	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(s.recoverUnary),
		grpc.ChainStreamInterceptor(s.recoverStream),
	}, opts...)
	s.srv = grpc.NewServer(opts...)
	RegisterStreamProcessorServer(s.srv, s)
	return s
}

func (s *Server) recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{"method": info.FullMethod, "panic": r}).Errorf("handler panicked\n%s", debug.Stack())
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

func (s *Server) recoverStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{"method": info.FullMethod, "panic": r}).Errorf("handler panicked\n%s", debug.Stack())
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(srv, ss)
}

func (s *Server) StartProcessing(ctx context.Context, req *StartProcessingRequest) (*StartProcessingResponse, error) {
	jobID, err := s.ctrl.Start(ctx, req.PipelineID, req.Config)
	if err != nil {
		s.logger.WithError(err).WithField("pipeline_id", req.PipelineID).Warn("start rejected")
		return &StartProcessingResponse{Success: false, Message: err.Error()}, nil
	}
	return &StartProcessingResponse{
		Success: true,
		JobID:   jobID,
		Message: fmt.Sprintf("pipeline %s started", req.PipelineID),
	}, nil
}

func (s *Server) StopProcessing(ctx context.Context, req *StopProcessingRequest) (*StopProcessingResponse, error) {
	if s.stopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stopTimeout)
		defer cancel()
	}
	if err := s.ctrl.Stop(ctx, req.JobID); err != nil {
		return &StopProcessingResponse{Success: false, Message: err.Error()}, nil
	}
	return &StopProcessingResponse{Success: true, Message: fmt.Sprintf("job %s stopped", req.JobID)}, nil
}

func (s *Server) GetProcessingStatus(_ context.Context, req *GetProcessingStatusRequest) (*GetProcessingStatusResponse, error) {
	snap, err := s.ctrl.Status(req.JobID)
	if err != nil {
		return &GetProcessingStatusResponse{Success: false, Message: err.Error()}, nil
	}
	return &GetProcessingStatusResponse{Success: true, Pipeline: &snap}, nil
}

func (s *Server) ListPipelines(context.Context, *ListPipelinesRequest) (*ListPipelinesResponse, error) {
	return &ListPipelinesResponse{Pipelines: s.ctrl.List()}, nil
}

func (s *Server) SendStreamData(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	in := make(chan models.StreamData)
	recvErr := make(chan error, 1)
	go func() {
		defer close(in)
		for {
			d := new(models.StreamData)
			if err := stream.RecvMsg(d); err != nil {
				if !errors.Is(err, io.EOF) {
					recvErr <- err
				}
				return
			}
			select {
			case in <- *d:
			case <-ctx.Done():
				return
			}
		}
	}()

	out := s.ctrl.SendStreamData(ctx, in)
	for resp := range out {
		if err := stream.SendMsg(&resp); err != nil {
			cancel()
			for range out {
			}
			return err
		}
	}

	select {
	case err := <-recvErr:
		return err
	default:
		return nil
	}
}

func (s *Server) StreamResults(req *StreamResultsRequest, stream grpc.ServerStream) error {
	results, err := s.ctrl.StreamResults(stream.Context(), req.JobID)
	if err != nil {
		if apperr.IsLifecycle(err) {
			return status.Error(codes.NotFound, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}

	for r := range results {
		if err := stream.SendMsg(&r); err != nil {
			return err
		}
	}
	return stream.Context().Err()
}

// Serve handles calls on l until ctx ends, then stops gracefully. In-flight
// streams get the stop timeout to finish before being cut.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(l)
	}()

	select {
	case <-ctx.Done():
		s.stop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.WithField("address", l.Addr().String()).Info("control plane listening")
	return s.Serve(ctx, l)
}

func (s *Server) stop() {
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()

	timeout := s.stopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("graceful stop timed out, closing open streams")
		s.srv.Stop()
	}
}
