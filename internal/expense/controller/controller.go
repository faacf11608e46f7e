// Package controller implements the claim orchestrator: it validates
// requests, normalises currency, resolves approval plans, drives the approval
// state machine under a per-claim lock, persists the results and publishes
// claim events.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gartstein/reimburse/internal/expense/currency"
	e "github.com/gartstein/reimburse/internal/expense/errors"
	"github.com/gartstein/reimburse/internal/expense/events"
	"github.com/gartstein/reimburse/internal/expense/hierarchy"
	"github.com/gartstein/reimburse/internal/expense/models"
	"github.com/gartstein/reimburse/internal/expense/rules"
	"github.com/gartstein/reimburse/internal/expense/workflow"
	"github.com/gartstein/reimburse/internal/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxCategoryLen    = 100
	maxDescriptionLen = 3000
	maxKeyLen         = 128
	maxPageSize       = 200
)

// EventProducer queues claim events. Produce must not block.
type EventProducer interface {
	Produce(event events.Event)
}

// Repository defines the storage the orchestrator depends on.
type Repository interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error)
	ListReports(ctx context.Context, managerID uuid.UUID) ([]uuid.UUID, error)
	ActiveRule(ctx context.Context, companyID uuid.UUID, category string) (models.RuleConfig, error)
	SaveRuleConfig(ctx context.Context, companyID uuid.UUID, category *string, rule models.RuleConfig, createdBy uuid.UUID) error
	CreateClaim(ctx context.Context, claim *models.Claim) error
	GetClaim(ctx context.Context, id uuid.UUID) (*models.Claim, error)
	FindByIdempotencyKey(ctx context.Context, submitterID uuid.UUID, key string) (*models.Claim, error)
	WithClaim(ctx context.Context, id uuid.UUID, fn func(claim *models.Claim) error) error
	ListClaims(ctx context.Context, q models.ClaimQuery) ([]models.Claim, error)
	ListPendingForApprover(ctx context.Context, approverID uuid.UUID) ([]models.Claim, error)
	Close() error
}

// DefaultRule applies to companies that never configured one: the
// submitter's manager chain followed by the company admins.
var DefaultRule = models.RuleConfig{Type: models.RuleSequentialManager, IncludeAdmins: true}

// SubmitRequest carries a new claim.
type SubmitRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Category    string
	Description string
	Date        time.Time
	// IdempotencyKey makes retried submissions return the original claim.
	IdempotencyKey string
}

// ClaimService coordinates claim submission and approval decisions.
type ClaimService struct {
	repo       Repository
	normalizer *currency.Normalizer
	resolver   *hierarchy.Resolver
	machine    *workflow.Machine
	producer   EventProducer
	locks      *utils.KeyedMutex[uuid.UUID]
	logger     *zap.Logger
	now        func() time.Time
}

func NewClaimService(repo Repository, normalizer *currency.Normalizer, resolver *hierarchy.Resolver, producer EventProducer, logger *zap.Logger) *ClaimService {
	return &ClaimService{
		repo:       repo,
		normalizer: normalizer,
		resolver:   resolver,
		machine:    workflow.NewMachine(),
		producer:   producer,
		locks:      utils.NewKeyedMutex[uuid.UUID](),
		logger:     logger.Named("claim_service"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SubmitClaim validates and normalises the claim, freezes its approval plan
// and persists claim and steps in one write. Nothing is persisted on failure.
func (s *ClaimService) SubmitClaim(ctx context.Context, actor models.Actor, req SubmitRequest) (*models.ClaimView, error) {
	if !actor.Capabilities.Has(models.CanSubmit) {
		return nil, fmt.Errorf("%w: %s may not submit claims", e.ErrForbidden, actor.User.Role)
	}
	req, err := validateSubmit(req)
	if err != nil {
		return nil, err
	}
	submitter := actor.User

	if req.IdempotencyKey != "" {
		existing, err := s.repo.FindByIdempotencyKey(ctx, submitter.ID, req.IdempotencyKey)
		switch {
		case err == nil:
			return NewClaimView(existing, submitter.ID), nil
		case !errors.Is(err, e.ErrNotFound):
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	company, err := s.repo.GetCompany(ctx, submitter.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}

	conv, err := s.normalizer.Normalize(ctx, req.Amount, req.Currency, company.BaseCurrency, req.Date)
	if err != nil {
		return nil, s.failure("submit", err, zap.String("submitter_id", submitter.ID.String()))
	}

	rule, err := s.repo.ActiveRule(ctx, company.ID, req.Category)
	switch {
	case errors.Is(err, e.ErrNotFound):
		rule = DefaultRule
	case err != nil:
		return nil, fmt.Errorf("failed to get approval rule: %w", err)
	}
	rule = rule.Clone()

	drafts, err := s.resolver.Resolve(ctx, submitter, rule)
	if err != nil {
		return nil, s.failure("submit", err,
			zap.String("submitter_id", submitter.ID.String()),
			zap.String("company_id", company.ID.String()),
		)
	}
	// The snapshot must describe the steps the resolver drafted.
	snapshot, _ := rule.RecusedFor(submitter.ID)

	now := s.now()
	claim := &models.Claim{
		ID:              uuid.New(),
		CompanyID:       company.ID,
		SubmitterID:     submitter.ID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		ConvertedAmount: conv.Amount,
		BaseCurrency:    company.BaseCurrency,
		ExchangeRate:    conv.Rate,
		RateStale:       conv.Stale,
		Category:        req.Category,
		Description:     req.Description,
		Date:            req.Date,
		Rule:            snapshot,
		IdempotencyKey:  req.IdempotencyKey,
		Version:         1,
	}
	if _, err := s.machine.Submit(claim, drafts, now); err != nil {
		return nil, s.failure("submit", err, zap.String("submitter_id", submitter.ID.String()))
	}

	if err := s.repo.CreateClaim(ctx, claim); err != nil {
		if errors.Is(err, e.ErrDuplicateKey) && req.IdempotencyKey != "" {
			// Lost a race with a retry carrying the same key.
			existing, ferr := s.repo.FindByIdempotencyKey(ctx, submitter.ID, req.IdempotencyKey)
			if ferr == nil {
				return NewClaimView(existing, submitter.ID), nil
			}
		}
		return nil, fmt.Errorf("failed to create claim: %w", err)
	}

	s.logger.Info("claim submitted",
		zap.String("claim_id", claim.ID.String()),
		zap.String("submitter_id", submitter.ID.String()),
		zap.String("rule", string(rule.Type)),
		zap.Int("steps", len(claim.Steps)),
		zap.Bool("rate_stale", conv.Stale),
	)

	evs := []events.Event{events.NewEvent(events.ClaimSubmitted, claim, nil)}
	if ev, ok := finalEvent(claim); ok {
		evs = append(evs, ev)
	}
	s.publish(evs...)
	return NewClaimView(claim, submitter.ID), nil
}

// Decide records the actor's decision on the claim. It applies to every
// PENDING step of the actor that is actionable when the request arrives, in
// step-number order, and stops once the claim is final.
func (s *ClaimService) Decide(ctx context.Context, actor models.Actor, claimID uuid.UUID, decision models.Decision, comments string) (*models.ClaimView, error) {
	if !decision.Valid() {
		return nil, e.Invalid("decision", fmt.Sprintf("%q is not APPROVE or REJECT", decision))
	}
	if len(comments) > maxDescriptionLen {
		return nil, e.Invalid("comments", fmt.Sprintf("longer than %d characters", maxDescriptionLen))
	}
	if !actor.Capabilities.Has(models.CanApprove) {
		return nil, fmt.Errorf("%w: %s may not decide claims", e.ErrForbidden, actor.User.Role)
	}

	unlock := s.locks.Lock(claimID)
	defer unlock()

	var (
		transitions []*workflow.Transition
		result      *models.Claim
	)
	err := s.repo.WithClaim(ctx, claimID, func(claim *models.Claim) error {
		var err error
		transitions, err = s.applyDecision(claim, actor.User.ID, decision, comments)
		if err != nil {
			return err
		}
		result = claim
		return nil
	})
	if err != nil {
		return nil, s.failure("decide", err,
			zap.String("claim_id", claimID.String()),
			zap.String("approver_id", actor.User.ID.String()),
		)
	}
	committed := result.Clone()

	evs := make([]events.Event, 0, len(transitions)+1)
	for _, tr := range transitions {
		step := tr.Step
		evs = append(evs, events.NewEvent(events.StepDecided, committed, &step))
	}
	if ev, ok := finalEvent(committed); ok {
		last := transitions[len(transitions)-1]
		s.logger.Info("claim finalized",
			zap.String("claim_id", claimID.String()),
			zap.String("status", string(committed.Status)),
			zap.String("satisfied_by", string(last.Verdict.SatisfiedBy)),
			zap.Int("cancelled_steps", len(last.Cancelled)),
		)
		evs = append(evs, ev)
	}
	s.publish(evs...)
	return NewClaimView(committed, actor.User.ID), nil
}

func (s *ClaimService) applyDecision(claim *models.Claim, approverID uuid.UUID, decision models.Decision, comments string) ([]*workflow.Transition, error) {
	mine := claim.StepsFor(approverID)
	if len(mine) == 0 {
		return nil, fmt.Errorf("%w: %s holds no step on claim %s", e.ErrNotActionable, approverID, claim.ID)
	}

	var pending []models.Step
	decided := false
	for _, st := range mine {
		switch {
		case st.Status == models.StepPending:
			pending = append(pending, st)
		case st.Status.IsDecided():
			decided = true
		}
	}
	if len(pending) == 0 {
		if decided {
			return nil, fmt.Errorf("%w: %s already decided on claim %s", e.ErrAlreadyDecided, approverID, claim.ID)
		}
		return nil, fmt.Errorf("%w: claim %s is %s", e.ErrNotActionable, claim.ID, claim.Status)
	}
	if claim.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: claim %s is %s", e.ErrNotActionable, claim.ID, claim.Status)
	}

	active := map[uuid.UUID]bool{}
	for _, id := range rules.Actionable(claim.Steps, claim.Rule) {
		active[id] = true
	}

	at := s.now()
	var transitions []*workflow.Transition
	for _, st := range pending {
		if !active[st.ID] {
			continue
		}
		if claim.Status.IsTerminal() {
			break
		}
		tr, err := s.machine.Decide(claim, st.ID, decision, comments, at)
		if err != nil {
			if len(transitions) > 0 && e.IsConflict(err) {
				// Cancelled by this same decision.
				continue
			}
			return nil, err
		}
		transitions = append(transitions, tr)
	}
	if len(transitions) == 0 {
		return nil, fmt.Errorf("%w: no active step for %s on claim %s", e.ErrNotActionable, approverID, claim.ID)
	}
	return transitions, nil
}

// GetClaim returns the claim if the actor may see it. Claims outside the
// actor's visibility are reported as not found.
func (s *ClaimService) GetClaim(ctx context.Context, actor models.Actor, claimID uuid.UUID) (*models.ClaimView, error) {
	claim, err := s.repo.GetClaim(ctx, claimID)
	if err != nil {
		if errors.Is(err, e.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	ok, err := s.visible(ctx, actor, claim)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: claim %s", e.ErrNotFound, claimID)
	}
	return NewClaimView(claim, actor.User.ID), nil
}

func (s *ClaimService) visible(ctx context.Context, actor models.Actor, claim *models.Claim) (bool, error) {
	u := actor.User
	switch {
	case claim.CompanyID != u.CompanyID:
		return false, nil
	case claim.SubmitterID == u.ID, len(claim.StepsFor(u.ID)) > 0, actor.Capabilities.Has(models.CanViewCompany):
		return true, nil
	case !actor.Capabilities.Has(models.CanViewTeam):
		return false, nil
	}
	submitter, err := s.repo.GetUser(ctx, claim.SubmitterID)
	if err != nil {
		return false, fmt.Errorf("failed to get submitter: %w", err)
	}
	return submitter.ManagerID != nil && *submitter.ManagerID == u.ID, nil
}

// ListClaims returns the claims visible to the actor: their own, their
// direct reports' and those assigned to them; admins see the whole company.
func (s *ClaimService) ListClaims(ctx context.Context, actor models.Actor, filter models.ClaimFilter) ([]models.ClaimView, error) {
	if err := validateFilter(&filter); err != nil {
		return nil, err
	}
	u := actor.User
	q := models.ClaimQuery{Filter: filter, SubmitterIDs: []uuid.UUID{u.ID}}
	if actor.Capabilities.Has(models.CanApprove) {
		q.ApproverID = utils.Ptr(u.ID)
	}
	if actor.Capabilities.Has(models.CanViewTeam) {
		reports, err := s.repo.ListReports(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list reports: %w", err)
		}
		q.SubmitterIDs = append(q.SubmitterIDs, reports...)
	}
	if actor.Capabilities.Has(models.CanViewCompany) {
		q.CompanyID = utils.Ptr(u.CompanyID)
	}

	claims, err := s.repo.ListClaims(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	views := make([]models.ClaimView, 0, len(claims))
	for i := range claims {
		if claims[i].CompanyID != u.CompanyID {
			continue
		}
		views = append(views, *NewClaimView(&claims[i], u.ID))
	}
	return views, nil
}

// ListApprovalQueue returns claims on which the actor holds a step that is
// actionable right now, oldest first.
func (s *ClaimService) ListApprovalQueue(ctx context.Context, actor models.Actor) ([]models.ClaimView, error) {
	if !actor.Capabilities.Has(models.CanApprove) {
		return nil, fmt.Errorf("%w: %s may not approve claims", e.ErrForbidden, actor.User.Role)
	}
	claims, err := s.repo.ListPendingForApprover(ctx, actor.User.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval queue: %w", err)
	}
	var views []models.ClaimView
	for i := range claims {
		v := NewClaimView(&claims[i], actor.User.ID)
		if v.HasActionable() {
			views = append(views, *v)
		}
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	return views, nil
}

// ConfigureRule installs an approval rule for the actor's company, optionally
// scoped to one category. Only new claims pick it up.
func (s *ClaimService) ConfigureRule(ctx context.Context, actor models.Actor, companyID uuid.UUID, category string, rule models.RuleConfig) error {
	if !actor.Capabilities.Has(models.CanConfigureRules) || actor.User.CompanyID != companyID {
		return fmt.Errorf("%w: %s may not configure rules of company %s", e.ErrForbidden, actor.User.ID, companyID)
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	var scope *string
	if category = strings.TrimSpace(category); category != "" {
		if len(category) > maxCategoryLen {
			return e.Invalid("category", fmt.Sprintf("longer than %d characters", maxCategoryLen))
		}
		scope = &category
	}
	for _, c := range rule.Components() {
		if c.Type != models.RuleSpecificApprover {
			continue
		}
		approver, err := s.repo.GetUser(ctx, *c.ApproverID)
		if err != nil || approver.CompanyID != companyID {
			return e.Invalid("approver_id", fmt.Sprintf("%s is not a member of company %s", c.ApproverID, companyID))
		}
	}

	if err := s.repo.SaveRuleConfig(ctx, companyID, scope, rule.Clone(), actor.User.ID); err != nil {
		return fmt.Errorf("failed to save approval rule: %w", err)
	}
	s.logger.Info("approval rule configured",
		zap.String("company_id", companyID.String()),
		zap.String("category", category),
		zap.String("rule", string(rule.Type)),
	)
	return nil
}

// publish queues events in commit order. Produce never blocks, so this is
// called while the claim lock is still held.
func (s *ClaimService) publish(evs ...events.Event) {
	if s.producer == nil {
		return
	}
	for _, ev := range evs {
		s.producer.Produce(ev)
	}
}

// failure logs err at the level its class calls for and returns it.
func (s *ClaimService) failure(op string, err error, fields ...zap.Field) error {
	fields = append(fields, zap.String("op", op), zap.Error(err))
	switch {
	case e.IsStructural(err):
		s.logger.Error("approval configuration needs administrator attention", fields...)
	case e.IsDependency(err):
		s.logger.Warn("dependency failure", fields...)
	case e.IsConflict(err):
		s.logger.Info("conflicting request rejected", fields...)
	case e.IsValidation(err), errors.Is(err, e.ErrNotFound), errors.Is(err, e.ErrForbidden):
		s.logger.Debug("request rejected", fields...)
	default:
		s.logger.Error("operation failed", fields...)
	}
	return err
}

func finalEvent(claim *models.Claim) (events.Event, bool) {
	switch claim.Status {
	case models.ClaimApproved:
		return events.NewEvent(events.ClaimApproved, claim, nil), true
	case models.ClaimRejected:
		return events.NewEvent(events.ClaimRejected, claim, nil), true
	default:
		return events.Event{}, false
	}
}

func validateSubmit(req SubmitRequest) (SubmitRequest, error) {
	if !req.Amount.IsPositive() {
		return req, e.Invalid("amount", "must be greater than zero")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return req, e.Invalid("amount", "at most two decimal places")
	}
	code, err := currency.ValidateCode(req.Currency)
	if err != nil {
		return req, err
	}
	req.Currency = code

	req.Category = strings.TrimSpace(req.Category)
	if req.Category == "" {
		return req, e.Invalid("category", "is required")
	}
	if len(req.Category) > maxCategoryLen {
		return req, e.Invalid("category", fmt.Sprintf("longer than %d characters", maxCategoryLen))
	}
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		return req, e.Invalid("description", "is required")
	}
	if len(req.Description) > maxDescriptionLen {
		return req, e.Invalid("description", fmt.Sprintf("longer than %d characters", maxDescriptionLen))
	}
	if req.Date.IsZero() {
		return req, e.Invalid("date", "is required")
	}
	if len(req.IdempotencyKey) > maxKeyLen {
		return req, e.Invalid("idempotency_key", fmt.Sprintf("longer than %d characters", maxKeyLen))
	}
	return req, nil
}

func validateFilter(f *models.ClaimFilter) error {
	switch f.Status {
	case "", models.ClaimPending, models.ClaimApproved, models.ClaimRejected:
	default:
		return e.Invalid("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return e.Invalid("to", "before from")
	}
	if f.Limit < 0 || f.Offset < 0 {
		return e.Invalid("limit", "must not be negative")
	}
	if f.Limit == 0 || f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	return nil
}
