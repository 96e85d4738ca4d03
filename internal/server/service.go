package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mcpgate.v1.GateService"

// Method names.
const (
	MethodCheck               = "Check"
	MethodProcessConfirmation = "ProcessConfirmation"
	MethodGetEffectivePolicy  = "GetEffectivePolicy"
	MethodUpsertPolicy        = "UpsertPolicy"
	MethodDeletePolicy        = "DeletePolicy"
	MethodSetEmergency        = "SetEmergency"
	MethodUpdateTrust         = "UpdateTrust"
	MethodRecordEvent         = "RecordEvent"
	MethodListAnomalies       = "ListAnomalies"
	MethodUpdateAnomalyStatus = "UpdateAnomalyStatus"
)

// GateServiceServer is the server API for GateService. Every message is a
// google.protobuf.Struct.
type GateServiceServer interface {
	Check(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessConfirmation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEffectivePolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpsertPolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeletePolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetEmergency(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateTrust(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAnomalies(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateAnomalyStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(GateServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(GateServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// GateServiceDesc describes GateService for grpc.Server.RegisterService.
var GateServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc(MethodCheck, GateServiceServer.Check),
		methodDesc(MethodProcessConfirmation, GateServiceServer.ProcessConfirmation),
		methodDesc(MethodGetEffectivePolicy, GateServiceServer.GetEffectivePolicy),
		methodDesc(MethodUpsertPolicy, GateServiceServer.UpsertPolicy),
		methodDesc(MethodDeletePolicy, GateServiceServer.DeletePolicy),
		methodDesc(MethodSetEmergency, GateServiceServer.SetEmergency),
		methodDesc(MethodUpdateTrust, GateServiceServer.UpdateTrust),
		methodDesc(MethodRecordEvent, GateServiceServer.RecordEvent),
		methodDesc(MethodListAnomalies, GateServiceServer.ListAnomalies),
		methodDesc(MethodUpdateAnomalyStatus, GateServiceServer.UpdateAnomalyStatus),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterGateServiceServer registers srv on s.
func RegisterGateServiceServer(s grpc.ServiceRegistrar, srv GateServiceServer) {
	s.RegisterService(&GateServiceDesc, srv)
}

// GateServiceClient calls GateService methods by name.
type GateServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewGateServiceClient(cc grpc.ClientConnInterface) *GateServiceClient {
	return &GateServiceClient{cc: cc}
}

// Call invokes method with in. A nil in sends an empty struct.
func (c *GateServiceClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
