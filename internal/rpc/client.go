package rpc

import (
	"context"

	"go-stream-processor/pkg/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	sendStreamDataDesc = &grpc.StreamDesc{StreamName: "SendStreamData", ServerStreams: true, ClientStreams: true}
	streamResultsDesc  = &grpc.StreamDesc{StreamName: "StreamResults", ServerStreams: true}
)

// Client is a control-plane client.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security. Extra options are
// appended, so callers may override the credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func method(name string) string {
	return "/" + serviceName + "/" + name
}

func (c *Client) StartProcessing(ctx context.Context, req *StartProcessingRequest) (*StartProcessingResponse, error) {
	out := new(StartProcessingResponse)
	if err := c.conn.Invoke(ctx, method("StartProcessing"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StopProcessing(ctx context.Context, req *StopProcessingRequest) (*StopProcessingResponse, error) {
	out := new(StopProcessingResponse)
	if err := c.conn.Invoke(ctx, method("StopProcessing"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetProcessingStatus(ctx context.Context, req *GetProcessingStatusRequest) (*GetProcessingStatusResponse, error) {
	out := new(GetProcessingStatusResponse)
	if err := c.conn.Invoke(ctx, method("GetProcessingStatus"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListPipelines(ctx context.Context) (*ListPipelinesResponse, error) {
	out := new(ListPipelinesResponse)
	if err := c.conn.Invoke(ctx, method("ListPipelines"), &ListPipelinesRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DataStream is the client side of SendStreamData.
type DataStream struct {
	stream grpc.ClientStream
}

func (c *Client) SendStreamData(ctx context.Context) (*DataStream, error) {
	stream, err := c.conn.NewStream(ctx, sendStreamDataDesc, method("SendStreamData"))
	if err != nil {
		return nil, err
	}
	return &DataStream{stream: stream}, nil
}

func (d *DataStream) Send(data *models.StreamData) error {
	return d.stream.SendMsg(data)
}

// CloseSend signals that no more data follows. Responses keep arriving
// until every sent element is answered.
func (d *DataStream) CloseSend() error {
	return d.stream.CloseSend()
}

// Recv returns io.EOF once the server has answered everything.
func (d *DataStream) Recv() (*models.StreamDataResponse, error) {
	out := new(models.StreamDataResponse)
	if err := d.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResultStream is the client side of StreamResults.
type ResultStream struct {
	stream grpc.ClientStream
}

func (c *Client) StreamResults(ctx context.Context, jobID string) (*ResultStream, error) {
	stream, err := c.conn.NewStream(ctx, streamResultsDesc, method("StreamResults"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&StreamResultsRequest{JobID: jobID}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ResultStream{stream: stream}, nil
}

func (r *ResultStream) Recv() (*models.ProcessingResult, error) {
	out := new(models.ProcessingResult)
	if err := r.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}
