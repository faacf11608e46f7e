package handlers

import (
	"context"
	"errors"

	"github.com/gartstein/reimburse/internal/expense/auth"
	"github.com/gartstein/reimburse/internal/expense/controller"
	e "github.com/gartstein/reimburse/internal/expense/errors"
	"github.com/gartstein/reimburse/internal/expense/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ClaimController is the orchestrator API the handlers invoke.
type ClaimController interface {
	SubmitClaim(ctx context.Context, actor models.Actor, req controller.SubmitRequest) (*models.ClaimView, error)
	GetClaim(ctx context.Context, actor models.Actor, claimID uuid.UUID) (*models.ClaimView, error)
	ListClaims(ctx context.Context, actor models.Actor, filter models.ClaimFilter) ([]models.ClaimView, error)
	ListApprovalQueue(ctx context.Context, actor models.Actor) ([]models.ClaimView, error)
	Decide(ctx context.Context, actor models.Actor, claimID uuid.UUID, decision models.Decision, comments string) (*models.ClaimView, error)
	ConfigureRule(ctx context.Context, actor models.Actor, companyID uuid.UUID, category string, rule models.RuleConfig) error
}

// UserDirectory resolves the authenticated subject into a user.
type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// ExpenseHandler implements ExpenseServiceServer on top of a ClaimController.
type ExpenseHandler struct {
	service ClaimController
	users   UserDirectory
	logger  *zap.Logger
}

func NewExpenseHandler(service ClaimController, users UserDirectory, logger *zap.Logger) *ExpenseHandler {
	return &ExpenseHandler{
		service: service,
		users:   users,
		logger:  logger.Named("grpc_handler"),
	}
}

// actor turns the token subject into the caller's Actor.
func (h *ExpenseHandler) actor(ctx context.Context) (models.Actor, error) {
	id, err := auth.UserIDFromContext(ctx)
	if err != nil {
		return models.Actor{}, status.Error(codes.Unauthenticated, err.Error())
	}
	u, err := h.users.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, e.ErrNotFound) {
			return models.Actor{}, status.Errorf(codes.Unauthenticated, "unknown user %s", id)
		}
		return models.Actor{}, h.mapServiceError(err)
	}
	return models.NewActor(*u), nil
}

func (h *ExpenseHandler) SubmitClaim(ctx context.Context, req *SubmitClaimRequest) (*ClaimResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	submit, err := toSubmitRequest(req)
	if err != nil {
		return nil, h.mapServiceError(err)
	}
	view, err := h.service.SubmitClaim(ctx, actor, submit)
	if err != nil {
		return nil, h.mapServiceError(err)
	}
	return &ClaimResponse{Claim: toClaim(view)}, nil
}

func (h *ExpenseHandler) GetClaim(ctx context.Context, req *GetClaimRequest) (*ClaimResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		return nil, h.mapServiceError(e.Invalid("id", "not a claim id"))
	}
	view, err := h.service.GetClaim(ctx, actor, id)
	if err != nil {
		return nil, h.mapServiceError(err)
	}
	return &ClaimResponse{Claim: toClaim(view)}, nil
}

func (h *ExpenseHandler) ListClaims(ctx context.Context, req *ListClaimsRequest) (*ListClaimsResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	filter, err := toFilter(req)
	if err != nil {
		return nil, h.mapServiceError(err)
	}
	views, err := h.service.ListClaims(ctx, actor, filter)
	if err != nil {
		return nil, h.mapServiceError(err)
	}
	return &ListClaimsResponse{Claims: toClaims(views)}, nil
}

func (h *ExpenseHandler) ListApprovalQueue(ctx context.Context, _ *ListApprovalQueueRequest) (*ListClaimsResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	views, err := h.service.ListApprovalQueue(ctx, actor)
	if err != nil {
		return nil, h.mapServiceError(err)
	}
	return &ListClaimsResponse{Claims: toClaims(views)}, nil
}

func (h *ExpenseHandler) Decide(ctx context.Context, req *DecideRequest) (*ClaimResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(req.ClaimID)
	if err != nil {
		return nil, h.mapServiceError(e.Invalid("claim_id", "not a claim id"))
	}
	view, err := h.service.Decide(ctx, actor, id, models.Decision(req.Decision), req.Comments)
	if err != nil {
		return nil, h.mapServiceError(err)
	}
	return &ClaimResponse{Claim: toClaim(view)}, nil
}

func (h *ExpenseHandler) ConfigureRule(ctx context.Context, req *ConfigureRuleRequest) (*ConfigureRuleResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	companyID, err := uuid.Parse(req.CompanyID)
	if err != nil {
		return nil, h.mapServiceError(e.Invalid("company_id", "not a company id"))
	}
	if err := h.service.ConfigureRule(ctx, actor, companyID, req.Category, req.Rule); err != nil {
		if errors.Is(err, e.ErrInvalidRuleConfig) {
			// The caller supplied the rule: a malformed one is their input.
			return nil, statusError(codes.InvalidArgument, reasonInvalidRuleConfig, err.Error(), nil)
		}
		return nil, h.mapServiceError(err)
	}
	return &ConfigureRuleResponse{}, nil
}
