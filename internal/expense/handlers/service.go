package handlers

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "expense.v1.ExpenseService"

// ExpenseServiceServer is the server API of expense.v1.ExpenseService.
type ExpenseServiceServer interface {
	SubmitClaim(context.Context, *SubmitClaimRequest) (*ClaimResponse, error)
	GetClaim(context.Context, *GetClaimRequest) (*ClaimResponse, error)
	ListClaims(context.Context, *ListClaimsRequest) (*ListClaimsResponse, error)
	ListApprovalQueue(context.Context, *ListApprovalQueueRequest) (*ListClaimsResponse, error)
	Decide(context.Context, *DecideRequest) (*ClaimResponse, error)
	ConfigureRule(context.Context, *ConfigureRuleRequest) (*ConfigureRuleResponse, error)
}

// ExpenseServiceDesc describes the service for grpc.Server.RegisterService.
var ExpenseServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExpenseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitClaim", Handler: unaryHandler("SubmitClaim", ExpenseServiceServer.SubmitClaim)},
		{MethodName: "GetClaim", Handler: unaryHandler("GetClaim", ExpenseServiceServer.GetClaim)},
		{MethodName: "ListClaims", Handler: unaryHandler("ListClaims", ExpenseServiceServer.ListClaims)},
		{MethodName: "ListApprovalQueue", Handler: unaryHandler("ListApprovalQueue", ExpenseServiceServer.ListApprovalQueue)},
		{MethodName: "Decide", Handler: unaryHandler("Decide", ExpenseServiceServer.Decide)},
		{MethodName: "ConfigureRule", Handler: unaryHandler("ConfigureRule", ExpenseServiceServer.ConfigureRule)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "expense/v1/expense.proto",
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

func unaryHandler[Req, Resp any](method string, call func(ExpenseServiceServer, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ExpenseServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ExpenseServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ExpenseServiceClient calls expense.v1.ExpenseService with the JSON codec.
type ExpenseServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewExpenseServiceClient(cc grpc.ClientConnInterface) *ExpenseServiceClient {
	return &ExpenseServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *ExpenseServiceClient, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ExpenseServiceClient) SubmitClaim(ctx context.Context, in *SubmitClaimRequest, opts ...grpc.CallOption) (*ClaimResponse, error) {
	return invoke[ClaimResponse](ctx, c, "SubmitClaim", in, opts)
}

func (c *ExpenseServiceClient) GetClaim(ctx context.Context, in *GetClaimRequest, opts ...grpc.CallOption) (*ClaimResponse, error) {
	return invoke[ClaimResponse](ctx, c, "GetClaim", in, opts)
}

func (c *ExpenseServiceClient) ListClaims(ctx context.Context, in *ListClaimsRequest, opts ...grpc.CallOption) (*ListClaimsResponse, error) {
	return invoke[ListClaimsResponse](ctx, c, "ListClaims", in, opts)
}

func (c *ExpenseServiceClient) ListApprovalQueue(ctx context.Context, in *ListApprovalQueueRequest, opts ...grpc.CallOption) (*ListClaimsResponse, error) {
	return invoke[ListClaimsResponse](ctx, c, "ListApprovalQueue", in, opts)
}

func (c *ExpenseServiceClient) Decide(ctx context.Context, in *DecideRequest, opts ...grpc.CallOption) (*ClaimResponse, error) {
	return invoke[ClaimResponse](ctx, c, "Decide", in, opts)
}

func (c *ExpenseServiceClient) ConfigureRule(ctx context.Context, in *ConfigureRuleRequest, opts ...grpc.CallOption) (*ConfigureRuleResponse, error) {
	return invoke[ConfigureRuleResponse](ctx, c, "ConfigureRule", in, opts)
}
