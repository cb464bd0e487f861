//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package rpc

import (
	"context"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	grpcCodes "google.golang.org/grpc/codes"
	grpcStatus "google.golang.org/grpc/status"

	"github.com/nestybox/microvisor/domain"
)

// RpcService bridges the transport to the syscall dispatcher. The wire
// framing itself belongs to grpc; this layer only decodes envelopes and
// relays typed results.
type RpcService struct {
	addr   string
	server *grpc.Server
	dsp    domain.DispatcherServiceIface
}

// NewRpcService builds the control-plane server.
func NewRpcService() *RpcService {
	return &RpcService{}
}

func (rs *RpcService) Setup(dsp domain.DispatcherServiceIface, addr string) {
	rs.dsp = dsp
	rs.addr = addr

	rs.server = grpc.NewServer()
	rs.server.RegisterService(&kernelServiceDesc, rs)
}

// Init blocks serving the control plane, mirroring the main-loop style of
// the grpc servers this bridges to.
func (rs *RpcService) Init() error {
	lis, err := net.Listen("tcp", rs.addr)
	if err != nil {
		return err
	}

	logrus.Infof("Control plane listening on %s", rs.addr)

	return rs.server.Serve(lis)
}

func (rs *RpcService) Stop() {
	if rs.server != nil {
		rs.server.GracefulStop()
	}
}

//
// Unary methods.
//

func (rs *RpcService) execute(ctx context.Context, req *ExecuteRequest) (*domain.SyscallResult, error) {
	sc, err := req.Syscall.Decode()
	if err != nil {
		return nil, grpcStatus.Errorf(grpcCodes.InvalidArgument, "%v", err)
	}

	res := rs.dsp.Execute(ctx, req.Pid, sc)
	return &res, nil
}

func (rs *RpcService) executeAsync(ctx context.Context, req *ExecuteRequest) (*TaskRef, error) {
	sc, err := req.Syscall.Decode()
	if err != nil {
		return nil, grpcStatus.Errorf(grpcCodes.InvalidArgument, "%v", err)
	}

	id, err := rs.dsp.ExecuteAsync(req.Pid, sc)
	if err != nil {
		return nil, grpcStatus.Errorf(grpcCodes.InvalidArgument, "%v", err)
	}
	return &TaskRef{TaskID: id}, nil
}

func (rs *RpcService) poll(ctx context.Context, req *TaskRef) (*domain.TaskStatus, error) {
	st, err := rs.dsp.Poll(req.TaskID)
	if err != nil {
		return nil, grpcStatus.Errorf(grpcCodes.NotFound, "%v", err)
	}
	return &st, nil
}

func (rs *RpcService) cancel(ctx context.Context, req *TaskRef) (*CancelReply, error) {
	return &CancelReply{Cancelled: rs.dsp.Cancel(req.TaskID)}, nil
}

func (rs *RpcService) executeBatch(ctx context.Context, req *BatchRequest) (*domain.BatchResult, error) {
	mode := domain.BatchParallel
	if req.Mode == "sequential" {
		mode = domain.BatchSequential
	}

	scs := make([]domain.Syscall, 0, len(req.Syscalls))
	for _, env := range req.Syscalls {
		sc, err := env.Decode()
		if err != nil {
			return nil, grpcStatus.Errorf(grpcCodes.InvalidArgument, "%v", err)
		}
		scs = append(scs, sc)
	}

	res := rs.dsp.ExecuteBatch(ctx, req.Pid, scs, mode, req.StopOnError)
	return &res, nil
}

//
// Bidirectional stream. The first chunk carries the pid and syscall kind;
// read streams flow runtime -> client, write streams client -> runtime.
//

func (rs *RpcService) stream(stream grpc.ServerStream) error {
	var first domain.StreamChunk
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}

	switch first.Kind {
	case domain.KindReadFile:
		chunks, err := rs.dsp.StreamRead(stream.Context(), first.Pid, first.Path, len(first.Data))
		if err != nil {
			return grpcStatus.Errorf(grpcCodes.FailedPrecondition, "%v", err)
		}
		for chunk := range chunks {
			if err := stream.SendMsg(&chunk); err != nil {
				return err
			}
		}
		return nil

	case domain.KindWriteFile:
		in := make(chan domain.StreamChunk, 4)
		errCh := make(chan error, 1)

		go func() {
			defer close(in)
			for {
				var chunk domain.StreamChunk
				if err := stream.RecvMsg(&chunk); err != nil {
					if err != io.EOF {
						errCh <- err
					}
					return
				}
				in <- chunk
				if chunk.Last {
					return
				}
			}
		}()

		res := rs.dsp.StreamWrite(stream.Context(), first.Pid, first.Path, in)

		select {
		case err := <-errCh:
			return err
		default:
		}

		return stream.SendMsg(&res)

	default:
		return grpcStatus.Errorf(grpcCodes.InvalidArgument,
			"stream kind %q not supported", first.Kind)
	}
}

//
// Hand-written service descriptor; the codec above replaces generated
// stubs.
//

func executeHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(ExecuteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*RpcService).execute(ctx, req)
}

func executeAsyncHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(ExecuteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*RpcService).executeAsync(ctx, req)
}

func pollHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(TaskRef)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*RpcService).poll(ctx, req)
}

func cancelHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(TaskRef)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*RpcService).cancel(ctx, req)
}

func executeBatchHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(BatchRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*RpcService).executeBatch(ctx, req)
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(*RpcService).stream(stream)
}

var kernelServiceDesc = grpc.ServiceDesc{
	ServiceName: "microvisor.Kernel",
	HandlerType: (*RpcService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "ExecuteAsync", Handler: executeAsyncHandler},
		{MethodName: "Poll", Handler: pollHandler},
		{MethodName: "Cancel", Handler: cancelHandler},
		{MethodName: "ExecuteBatch", Handler: executeBatchHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamSyscall",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "microvisor/kernel",
}
