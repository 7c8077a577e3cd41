package rpc

import (
	"context"

	"go-stream-processor/pkg/models"

	"google.golang.org/grpc"
)

const serviceName = "streamprocessor.v1.StreamProcessorService"

type StartProcessingRequest struct {
	PipelineID string            `json:"pipeline_id"`
	Config     map[string]string `json:"config,omitempty"`
}

type StartProcessingResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message"`
}

type StopProcessingRequest struct {
	JobID string `json:"job_id"`
}

type StopProcessingResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type GetProcessingStatusRequest struct {
	JobID string `json:"job_id"`
}

type GetProcessingStatusResponse struct {
	Success  bool                     `json:"success"`
	Message  string                   `json:"message,omitempty"`
	Pipeline *models.PipelineSnapshot `json:"pipeline,omitempty"`
}

type ListPipelinesRequest struct{}

type ListPipelinesResponse struct {
	Pipelines []models.PipelineSnapshot `json:"pipelines"`
}

type StreamResultsRequest struct {
	JobID string `json:"job_id"`
}

// StreamProcessorServer is the control-plane surface served over gRPC.
type StreamProcessorServer interface {
	StartProcessing(context.Context, *StartProcessingRequest) (*StartProcessingResponse, error)
	StopProcessing(context.Context, *StopProcessingRequest) (*StopProcessingResponse, error)
	GetProcessingStatus(context.Context, *GetProcessingStatusRequest) (*GetProcessingStatusResponse, error)
	ListPipelines(context.Context, *ListPipelinesRequest) (*ListPipelinesResponse, error)
	SendStreamData(grpc.ServerStream) error
	StreamResults(*StreamResultsRequest, grpc.ServerStream) error
}

// RegisterStreamProcessorServer attaches srv to s.
func RegisterStreamProcessorServer(s grpc.ServiceRegistrar, srv StreamProcessorServer) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(StreamProcessorServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StreamProcessorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(StreamProcessorServer), ctx, req.(*Req))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StreamProcessorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartProcessing",
			Handler:    unaryHandler("StartProcessing", StreamProcessorServer.StartProcessing),
		},
		{
			MethodName: "StopProcessing",
			Handler:    unaryHandler("StopProcessing", StreamProcessorServer.StopProcessing),
		},
		{
			MethodName: "GetProcessingStatus",
			Handler:    unaryHandler("GetProcessingStatus", StreamProcessorServer.GetProcessingStatus),
		},
		{
			MethodName: "ListPipelines",
			Handler:    unaryHandler("ListPipelines", StreamProcessorServer.ListPipelines),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SendStreamData",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(StreamProcessorServer).SendStreamData(stream)
			},
		},
		{
			StreamName:    "StreamResults",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(StreamResultsRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(StreamProcessorServer).StreamResults(in, stream)
			},
		},
	},
	Metadata: "streamprocessor/v1/service.json",
}
