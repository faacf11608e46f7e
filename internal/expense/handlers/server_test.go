package handlers

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gartstein/reimburse/internal/expense/auth"
	"github.com/gartstein/reimburse/internal/expense/controller"
	e "github.com/gartstein/reimburse/internal/expense/errors"
	"github.com/gartstein/reimburse/internal/expense/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const testSecret = "test-secret"

// startBufServer serves the handler behind the auth interceptor on an
// in-memory listener and returns a client connection to it.
func startBufServer(t *testing.T, ctrl ClaimController, users UserDirectory) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(auth.NewAuthInterceptor(testSecret).Unary()))
	srv.RegisterService(&ExpenseServiceDesc, NewExpenseHandler(ctrl, users, zaptest.NewLogger(t)))
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func bearer(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := auth.GenerateToken(userID.String(), testSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestExpenseService_OverGRPC(t *testing.T) {
	users, employee, _ := testUsers()
	view := testView()
	ctrl := &mockClaimController{
		submitClaimFunc: func(_ context.Context, actor models.Actor, req controller.SubmitRequest) (*models.ClaimView, error) {
			if actor.User.ID != employee.ID {
				return nil, e.ErrForbidden
			}
			return view, nil
		},
		getClaimFunc: func(_ context.Context, _ models.Actor, id uuid.UUID) (*models.ClaimView, error) {
			return nil, e.ErrNotFound
		},
		decideFunc: func(context.Context, models.Actor, uuid.UUID, models.Decision, string) (*models.ClaimView, error) {
			return nil, e.ErrAlreadyDecided
		},
	}
	client := NewExpenseServiceClient(startBufServer(t, ctrl, users))
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", bearer(t, employee.ID))

	t.Run("unauthenticated", func(t *testing.T) {
		_, err := client.SubmitClaim(context.Background(), &SubmitClaimRequest{})
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("submit over json codec", func(t *testing.T) {
		resp, err := client.SubmitClaim(ctx, &SubmitClaimRequest{
			Amount: decimal.RequireFromString("50.25"), Currency: "EUR", Category: "meals",
			Description: "Team lunch", Date: "2024-03-01",
		})
		require.NoError(t, err)
		assert.Equal(t, view.ID.String(), resp.Claim.ID)
		assert.True(t, view.ConvertedAmount.Equal(resp.Claim.ConvertedAmount))
		assert.Len(t, resp.Claim.Steps, 2)
	})

	t.Run("error details survive the wire", func(t *testing.T) {
		_, err := client.Decide(ctx, &DecideRequest{ClaimID: uuid.NewString(), Decision: "APPROVE"})
		assert.Equal(t, codes.AlreadyExists, status.Code(err))
		assert.Equal(t, reasonAlreadyDecided, ErrorReason(err))

		_, err = client.GetClaim(ctx, &GetClaimRequest{ID: uuid.NewString()})
		assert.Equal(t, codes.NotFound, status.Code(err))
	})
}

func TestGateway(t *testing.T) {
	users, employee, admin := testUsers()
	view := testView()
	var gotCompany uuid.UUID
	var gotFilter models.ClaimFilter
	ctrl := &mockClaimController{
		submitClaimFunc: func(context.Context, models.Actor, controller.SubmitRequest) (*models.ClaimView, error) {
			return view, nil
		},
		getClaimFunc: func(_ context.Context, _ models.Actor, id uuid.UUID) (*models.ClaimView, error) {
			if id != view.ID {
				return nil, e.ErrNotFound
			}
			return view, nil
		},
		listClaimsFunc: func(_ context.Context, _ models.Actor, f models.ClaimFilter) ([]models.ClaimView, error) {
			gotFilter = f
			return []models.ClaimView{*view}, nil
		},
		listApprovalQueueFunc: func(context.Context, models.Actor) ([]models.ClaimView, error) {
			return nil, nil
		},
		decideFunc: func(context.Context, models.Actor, uuid.UUID, models.Decision, string) (*models.ClaimView, error) {
			return nil, e.ErrNotActionable
		},
		configureRuleFunc: func(_ context.Context, _ models.Actor, companyID uuid.UUID, _ string, _ models.RuleConfig) error {
			gotCompany = companyID
			return nil
		},
	}
	conn := startBufServer(t, ctrl, users)

	mux, err := NewGateway(NewExpenseServiceClient(conn), zaptest.NewLogger(t)).ServeMux()
	require.NoError(t, err)
	srv := httptest.NewServer(auth.HTTPMiddleware(mux, testSecret))
	defer srv.Close()

	do := func(method, path, body string, user *uuid.UUID) (*http.Response, map[string]interface{}) {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		if user != nil {
			req.Header.Set("Authorization", bearer(t, *user))
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		out := map[string]interface{}{}
		if resp.Header.Get("Content-Type") == "application/json" {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		}
		return resp, out
	}

	t.Run("submit", func(t *testing.T) {
		resp, body := do(http.MethodPost, "/v1/claims",
			`{"amount":"50.25","currency":"EUR","category":"meals","description":"Team lunch","date":"2024-03-01"}`, &employee.ID)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		claim := body["claim"].(map[string]interface{})
		assert.Equal(t, view.ID.String(), claim["id"])
		assert.Equal(t, "54.27", claim["converted_amount"])
	})

	t.Run("missing token", func(t *testing.T) {
		resp, _ := do(http.MethodGet, "/v1/claims", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("get claim", func(t *testing.T) {
		resp, _ := do(http.MethodGet, "/v1/claims/"+view.ID.String(), "", &employee.ID)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, body := do(http.MethodGet, "/v1/claims/"+uuid.NewString(), "", &employee.ID)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, reasonNotFound, body["reason"])
	})

	t.Run("list claims", func(t *testing.T) {
		resp, body := do(http.MethodGet, "/v1/claims?status=PENDING&limit=10&offset=20", "", &employee.ID)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, body["claims"], 1)
		assert.Equal(t, models.ClaimPending, gotFilter.Status)
		assert.Equal(t, 10, gotFilter.Limit)
		assert.Equal(t, 20, gotFilter.Offset)

		resp, _ = do(http.MethodGet, "/v1/claims?limit=ten", "", &employee.ID)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("approval queue", func(t *testing.T) {
		resp, _ := do(http.MethodGet, "/v1/approvals", "", &employee.ID)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("decision conflict", func(t *testing.T) {
		resp, body := do(http.MethodPost, "/v1/claims/"+view.ID.String()+"/decision", `{"decision":"APPROVE"}`, &employee.ID)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "FailedPrecondition maps to 400")
		assert.Equal(t, reasonNotActionable, body["reason"])
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, body := do(http.MethodPost, "/v1/claims", `{"amount":`, &employee.ID)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.EqualValues(t, codes.InvalidArgument, body["code"])
	})

	t.Run("unknown route uses the same error body", func(t *testing.T) {
		resp, body := do(http.MethodGet, "/v1/receipts", "", &employee.ID)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.EqualValues(t, codes.NotFound, body["code"])
	})

	t.Run("configure rule", func(t *testing.T) {
		resp, _ := do(http.MethodPut, "/v1/companies/"+admin.CompanyID.String()+"/rules",
			`{"category":"travel","rule":{"type":"SEQUENTIAL_MANAGER","include_admins":true}}`, &admin.ID)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, admin.CompanyID, gotCompany)
	})
}

func TestServer_RegisterHTTPGateway(t *testing.T) {
	s := NewServer(50061, 8091, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := s.RegisterHTTPGateway(ctx, []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, "secret")
	require.NoError(t, err)
	assert.NotNil(t, s.httpServer.Handler)
	assert.Equal(t, s.httpEndpoint, s.httpServer.Addr)
}

func TestServer_StartStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	s := NewServer(50062, 8092, logger)
	users, _, _ := testUsers()
	s.RegisterGRPCHandler(NewExpenseHandler(&mockClaimController{}, users, logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.RegisterHTTPGateway(ctx, []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, "secret"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
	}()
	time.Sleep(200 * time.Millisecond)

	s.Stop()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("timed out waiting for server to stop")
	}

	lis, err := net.Listen("tcp", s.grpcEndpoint)
	require.NoError(t, err, "gRPC port released after shutdown")
	lis.Close()
}
