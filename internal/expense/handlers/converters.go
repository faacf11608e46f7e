package handlers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gartstein/reimburse/internal/expense/controller"
	e "github.com/gartstein/reimburse/internal/expense/errors"
	"github.com/gartstein/reimburse/internal/expense/models"
	"github.com/gartstein/reimburse/internal/pkg/utils"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	dateLayout  = "2006-01-02"
	errorDomain = "expense.v1"
)

// ErrorInfo reasons.
const (
	reasonInvalidInput           = "INVALID_INPUT"
	reasonNotFound               = "NOT_FOUND"
	reasonForbidden              = "FORBIDDEN"
	reasonAlreadyDecided         = "ALREADY_DECIDED"
	reasonNotActionable          = "NOT_ACTIONABLE"
	reasonConcurrentModification = "CONCURRENT_MODIFICATION"
	reasonRateUnavailable        = "RATE_UNAVAILABLE"
	reasonHierarchyUnavailable   = "HIERARCHY_UNAVAILABLE"
	reasonManagerChainCycle      = "MANAGER_CHAIN_CYCLE"
	reasonInvalidRuleConfig      = "INVALID_RULE_CONFIG"
	reasonInternal               = "INTERNAL"
)

func toSubmitRequest(req *SubmitClaimRequest) (controller.SubmitRequest, error) {
	date, err := parseDate("date", req.Date)
	if err != nil {
		return controller.SubmitRequest{}, err
	}
	return controller.SubmitRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		Category:       req.Category,
		Description:    req.Description,
		Date:           date,
		IdempotencyKey: req.IdempotencyKey,
	}, nil
}

func toFilter(req *ListClaimsRequest) (models.ClaimFilter, error) {
	f := models.ClaimFilter{
		Status:   models.ClaimStatus(strings.ToUpper(req.Status)),
		Category: req.Category,
		Limit:    req.Limit,
		Offset:   req.Offset,
	}
	if req.From != "" {
		from, err := parseDate("from", req.From)
		if err != nil {
			return f, err
		}
		f.From = utils.Ptr(from)
	}
	if req.To != "" {
		to, err := parseDate("to", req.To)
		if err != nil {
			return f, err
		}
		f.To = utils.Ptr(to)
	}
	return f, nil
}

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, e.Invalid(field, "is required")
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, e.Invalid(field, fmt.Sprintf("%q is not a YYYY-MM-DD date", s))
	}
	return t, nil
}

func toClaims(views []models.ClaimView) []*Claim {
	out := make([]*Claim, len(views))
	for i := range views {
		out[i] = toClaim(&views[i])
	}
	return out
}

func toClaim(v *models.ClaimView) *Claim {
	c := &Claim{
		ID:              v.ID.String(),
		SubmitterID:     v.SubmitterID.String(),
		Amount:          v.Amount,
		Currency:        v.Currency,
		ConvertedAmount: v.ConvertedAmount,
		BaseCurrency:    v.BaseCurrency,
		RateStale:       v.RateStale,
		Category:        v.Category,
		Description:     v.Description,
		Date:            v.Date.Format(dateLayout),
		Status:          string(v.Status),
		Rule:            string(v.RuleType),
		Steps:           make([]*Step, len(v.Steps)),
		CreatedAt:       v.CreatedAt,
	}
	for i, s := range v.Steps {
		c.Steps[i] = &Step{
			ID:         s.ID.String(),
			StepNumber: s.StepNumber,
			ApproverID: s.ApproverID.String(),
			Rule:       string(s.Rule),
			Status:     string(s.Status),
			Comments:   s.Comments,
			DecidedAt:  s.DecidedAt,
			Actionable: s.Actionable,
		}
	}
	return c
}

// mapServiceError maps domain errors to gRPC status codes with an ErrorInfo
// detail naming the reason.
func (h *ExpenseHandler) mapServiceError(err error) error {
	var verr *e.ValidationError
	switch {
	case errors.As(err, &verr):
		return statusError(codes.InvalidArgument, reasonInvalidInput, err.Error(), map[string]string{"field": verr.Field})
	case errors.Is(err, e.ErrInvalidInput):
		return statusError(codes.InvalidArgument, reasonInvalidInput, err.Error(), nil)
	case errors.Is(err, e.ErrNotFound):
		return statusError(codes.NotFound, reasonNotFound, err.Error(), nil)
	case errors.Is(err, e.ErrForbidden):
		return statusError(codes.PermissionDenied, reasonForbidden, err.Error(), nil)
	case errors.Is(err, e.ErrAlreadyDecided):
		return statusError(codes.AlreadyExists, reasonAlreadyDecided, err.Error(), nil)
	case errors.Is(err, e.ErrNotActionable):
		return statusError(codes.FailedPrecondition, reasonNotActionable, err.Error(), nil)
	case errors.Is(err, e.ErrConcurrentModification):
		return statusError(codes.Aborted, reasonConcurrentModification, err.Error(), nil)
	case errors.Is(err, e.ErrRateUnavailable):
		return statusError(codes.Unavailable, reasonRateUnavailable, err.Error(), nil)
	case errors.Is(err, e.ErrHierarchyLookup):
		return statusError(codes.Unavailable, reasonHierarchyUnavailable, err.Error(), nil)
	case errors.Is(err, e.ErrManagerChainCycle):
		return statusError(codes.FailedPrecondition, reasonManagerChainCycle, err.Error(), nil)
	case errors.Is(err, e.ErrInvalidRuleConfig):
		return statusError(codes.FailedPrecondition, reasonInvalidRuleConfig, err.Error(), nil)
	default:
		h.logger.Error("Internal server error", zap.Error(err))
		return statusError(codes.Internal, reasonInternal, "internal server error", nil)
	}
}

func statusError(code codes.Code, reason, msg string, metadata map[string]string) error {
	st := status.New(code, msg)
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   reason,
		Domain:   errorDomain,
		Metadata: metadata,
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// ErrorReason extracts the ErrorInfo reason from a status error.
func ErrorReason(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info.GetReason()
		}
	}
	return ""
}
