package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Gateway exposes the gRPC service as REST routes on a runtime.ServeMux,
// proxying every request through an ExpenseServiceClient.
type Gateway struct {
	client *ExpenseServiceClient
	mux    *runtime.ServeMux
	logger *zap.Logger
}

func NewGateway(client *ExpenseServiceClient, logger *zap.Logger) *Gateway {
	return &Gateway{client: client, logger: logger.Named("http_gateway")}
}

type errorBody struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// ServeMux returns a mux with the REST routes installed. Message types are
// plain structs, so bodies go through runtime.JSONBuiltin and errors through
// handleError.
func (g *Gateway) ServeMux(opts ...runtime.ServeMuxOption) (*runtime.ServeMux, error) {
	opts = append([]runtime.ServeMuxOption{
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
		runtime.WithErrorHandler(g.handleError),
	}, opts...)
	mux := runtime.NewServeMux(opts...)
	if err := g.Register(mux); err != nil {
		return nil, err
	}
	return mux, nil
}

// Register installs the REST routes on mux.
func (g *Gateway) Register(mux *runtime.ServeMux) error {
	g.mux = mux
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/claims", g.submitClaim},
		{http.MethodGet, "/v1/claims", g.listClaims},
		{http.MethodGet, "/v1/claims/{id}", g.getClaim},
		{http.MethodPost, "/v1/claims/{id}/decision", g.decide},
		{http.MethodGet, "/v1/approvals", g.listApprovalQueue},
		{http.MethodPut, "/v1/companies/{company_id}/rules", g.configureRule},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) submitClaim(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req SubmitClaimRequest
	if !g.decode(w, r, &req) {
		return
	}
	resp, err := g.client.SubmitClaim(outgoing(r), &req)
	g.respond(w, r, resp, err)
}

func (g *Gateway) getClaim(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := g.client.GetClaim(outgoing(r), &GetClaimRequest{ID: params["id"]})
	g.respond(w, r, resp, err)
}

func (g *Gateway) listClaims(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	req := &ListClaimsRequest{
		Status:   q.Get("status"),
		Category: q.Get("category"),
		From:     q.Get("from"),
		To:       q.Get("to"),
	}
	var err error
	if req.Limit, err = queryInt(q.Get("limit")); err != nil {
		g.writeError(w, r, status.Error(codes.InvalidArgument, "limit must be an integer"))
		return
	}
	if req.Offset, err = queryInt(q.Get("offset")); err != nil {
		g.writeError(w, r, status.Error(codes.InvalidArgument, "offset must be an integer"))
		return
	}
	resp, err := g.client.ListClaims(outgoing(r), req)
	g.respond(w, r, resp, err)
}

func (g *Gateway) listApprovalQueue(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.client.ListApprovalQueue(outgoing(r), &ListApprovalQueueRequest{})
	g.respond(w, r, resp, err)
}

func (g *Gateway) decide(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req DecideRequest
	if !g.decode(w, r, &req) {
		return
	}
	req.ClaimID = params["id"]
	resp, err := g.client.Decide(outgoing(r), &req)
	g.respond(w, r, resp, err)
}

func (g *Gateway) configureRule(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req ConfigureRuleRequest
	if !g.decode(w, r, &req) {
		return
	}
	req.CompanyID = params["company_id"]
	resp, err := g.client.ConfigureRule(outgoing(r), &req)
	g.respond(w, r, resp, err)
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	inbound, _ := runtime.MarshalerForRequest(g.mux, r)
	if err := inbound.NewDecoder(r.Body).Decode(v); err != nil {
		g.writeError(w, r, status.Errorf(codes.InvalidArgument, "malformed request body: %v", err))
		return false
	}
	return true
}

func (g *Gateway) respond(w http.ResponseWriter, r *http.Request, resp interface{}, err error) {
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	_, outbound := runtime.MarshalerForRequest(g.mux, r)
	g.write(w, outbound, http.StatusOK, resp)
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	_, outbound := runtime.MarshalerForRequest(g.mux, r)
	runtime.HTTPError(r.Context(), g.mux, outbound, w, r, err)
}

// handleError is the mux error handler: the gRPC status becomes the HTTP
// status and the ErrorInfo reason is carried in the body.
func (g *Gateway) handleError(_ context.Context, _ *runtime.ServeMux, m runtime.Marshaler, w http.ResponseWriter, _ *http.Request, err error) {
	st := status.Convert(err)
	g.write(w, m, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    int32(st.Code()),
		Message: st.Message(),
		Reason:  ErrorReason(err),
	})
}

func (g *Gateway) write(w http.ResponseWriter, m runtime.Marshaler, code int, v interface{}) {
	buf, err := m.Marshal(v)
	if err != nil {
		g.logger.Error("Failed to marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", m.ContentType(v))
	w.WriteHeader(code)
	if _, err := w.Write(buf); err != nil {
		g.logger.Error("Failed to write response", zap.Error(err))
	}
}

// outgoing forwards the caller's bearer token to the gRPC service.
func outgoing(r *http.Request) context.Context {
	ctx := r.Context()
	if authz := r.Header.Get("Authorization"); authz != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", authz)
	}
	return ctx
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
