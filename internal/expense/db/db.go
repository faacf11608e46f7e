package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gartstein/reimburse/internal/expense/currency"
	dbmodels "github.com/gartstein/reimburse/internal/expense/db/models"
	e "github.com/gartstein/reimburse/internal/expense/errors"
	"github.com/gartstein/reimburse/internal/expense/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dayLayout = "2006-01-02"

type Repository struct {
	db *gorm.DB
}

type Config struct {
	// Driver is "postgres" (default) or "sqlite".
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Path is the sqlite database file, ":memory:" for a throwaway database.
	Path string
}

func NewRepository(cfg *Config) (*Repository, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	case "", "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&dbmodels.Company{},
		&dbmodels.User{},
		&dbmodels.RuleConfig{},
		&dbmodels.Claim{},
		&dbmodels.Step{},
		&dbmodels.ExchangeRate{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (r *Repository) CreateCompany(ctx context.Context, company *models.Company) error {
	if err := r.db.WithContext(ctx).Create(fromCompany(company)).Error; err != nil {
		return translate(err, "company %s", company.ID)
	}
	return nil
}

func (r *Repository) GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error) {
	var rec dbmodels.Company
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, translate(err, "company %s", id)
	}
	return toCompany(&rec), nil
}

func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(fromUser(user)).Error; err != nil {
		return translate(err, "user %s", user.ID)
	}
	return nil
}

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var rec dbmodels.User
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, translate(err, "user %s", id)
	}
	return toUser(&rec), nil
}

// GetManager returns the user's manager id, nil at the top of the chain.
func (r *Repository) GetManager(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error) {
	var rec dbmodels.User
	err := r.db.WithContext(ctx).Select("id", "manager_id").First(&rec, "id = ?", userID).Error
	if err != nil {
		return nil, translate(err, "user %s", userID)
	}
	return rec.ManagerID, nil
}

func (r *Repository) ListAdmins(ctx context.Context, companyID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&dbmodels.User{}).
		Where("company_id = ? AND role = ?", companyID, string(models.RoleAdmin)).
		Order("created_at, id").
		Pluck("id", &ids).Error
	return ids, err
}

// ListReports returns the ids of the manager's direct reports.
func (r *Repository) ListReports(ctx context.Context, managerID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&dbmodels.User{}).
		Where("manager_id = ?", managerID).
		Order("created_at, id").
		Pluck("id", &ids).Error
	return ids, err
}

// ActiveRule returns the active configuration for category, falling back to
// the company-wide one.
func (r *Repository) ActiveRule(ctx context.Context, companyID uuid.UUID, category string) (models.RuleConfig, error) {
	var recs []dbmodels.RuleConfig
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND active = ?", companyID, true).
		Where("(category = ? OR category IS NULL)", category).
		Find(&recs).Error
	if err != nil {
		return models.RuleConfig{}, err
	}
	var fallback *dbmodels.RuleConfig
	for i := range recs {
		if recs[i].Category != nil {
			return recs[i].Config, nil
		}
		fallback = &recs[i]
	}
	if fallback == nil {
		return models.RuleConfig{}, fmt.Errorf("%w: no active approval rule for company %s", e.ErrNotFound, companyID)
	}
	return fallback.Config, nil
}

// SaveRuleConfig installs rule as the active configuration of its scope and
// deactivates the previous one. Claims keep the snapshot they were submitted with.
func (r *Repository) SaveRuleConfig(ctx context.Context, companyID uuid.UUID, category *string, rule models.RuleConfig, createdBy uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&dbmodels.RuleConfig{}).Where("company_id = ? AND active = ?", companyID, true)
		if category == nil {
			q = q.Where("category IS NULL")
		} else {
			q = q.Where("category = ?", *category)
		}
		if err := q.Update("active", false).Error; err != nil {
			return err
		}
		return tx.Create(&dbmodels.RuleConfig{
			ID:        uuid.New(),
			CompanyID: companyID,
			Category:  category,
			Active:    true,
			Config:    rule.Clone(),
			CreatedBy: createdBy,
		}).Error
	})
}

// CreateClaim persists the claim and its full step plan atomically.
func (r *Repository) CreateClaim(ctx context.Context, claim *models.Claim) error {
	if claim.Version == 0 {
		claim.Version = 1
	}
	if err := r.db.WithContext(ctx).Create(fromClaim(claim)).Error; err != nil {
		return translate(err, "claim %s", claim.ID)
	}
	return nil
}

func (r *Repository) GetClaim(ctx context.Context, id uuid.UUID) (*models.Claim, error) {
	return r.loadClaim(r.db.WithContext(ctx), id)
}

func (r *Repository) FindByIdempotencyKey(ctx context.Context, submitterID uuid.UUID, key string) (*models.Claim, error) {
	var rec dbmodels.Claim
	err := r.db.WithContext(ctx).Preload("Steps").
		First(&rec, "submitter_id = ? AND idempotency_key = ?", submitterID, key).Error
	if err != nil {
		return nil, translate(err, "claim with idempotency key %q", key)
	}
	return toClaim(&rec), nil
}

// WithClaim runs fn against the claim under an exclusive row lock and
// persists what fn changed when it returns nil. The write is guarded by the
// claim version.
func (r *Repository) WithClaim(ctx context.Context, id uuid.UUID, fn func(claim *models.Claim) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim, err := r.loadClaim(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
		if err != nil {
			return err
		}
		before := claim.Clone()
		if err := fn(claim); err != nil {
			return err
		}
		return saveTransition(tx, before, claim)
	})
}

func saveTransition(tx *gorm.DB, before, after *models.Claim) error {
	res := tx.Model(&dbmodels.Claim{}).
		Where("id = ? AND version = ?", after.ID, before.Version).
		Updates(map[string]interface{}{
			"status":     string(after.Status),
			"version":    before.Version + 1,
			"updated_at": after.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: claim %s changed since version %d", e.ErrConcurrentModification, after.ID, before.Version)
	}
	after.Version = before.Version + 1

	for _, s := range after.Steps {
		prev, ok := before.Step(s.ID)
		if !ok {
			return fmt.Errorf("%w: step %s added to claim %s", e.ErrInvalidInput, s.ID, after.ID)
		}
		if prev.Status == s.Status && prev.Comments == s.Comments {
			continue
		}
		err := tx.Model(&dbmodels.Step{}).Where("id = ?", s.ID).Updates(map[string]interface{}{
			"status":     string(s.Status),
			"comments":   s.Comments,
			"decided_at": s.DecidedAt,
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// ListClaims returns the union of claims matched by the query's scopes,
// newest first.
func (r *Repository) ListClaims(ctx context.Context, q models.ClaimQuery) ([]models.Claim, error) {
	var scopes []string
	var args []interface{}
	if len(q.SubmitterIDs) > 0 {
		scopes = append(scopes, "submitter_id IN ?")
		args = append(args, q.SubmitterIDs)
	}
	if q.CompanyID != nil {
		scopes = append(scopes, "company_id = ?")
		args = append(args, *q.CompanyID)
	}
	if q.ApproverID != nil {
		scopes = append(scopes, "id IN (SELECT claim_id FROM approval_steps WHERE approver_id = ?)")
		args = append(args, *q.ApproverID)
	}
	if len(scopes) == 0 {
		return nil, nil
	}

	tx := r.db.WithContext(ctx).Model(&dbmodels.Claim{}).
		Where("("+strings.Join(scopes, " OR ")+")", args...)
	f := q.Filter
	if f.Status != "" {
		tx = tx.Where("status = ?", string(f.Status))
	}
	if f.Category != "" {
		tx = tx.Where("category = ?", f.Category)
	}
	if f.From != nil {
		tx = tx.Where("date >= ?", *f.From)
	}
	if f.To != nil {
		tx = tx.Where("date <= ?", *f.To)
	}
	if f.Limit > 0 {
		tx = tx.Limit(f.Limit)
	}
	if f.Offset > 0 {
		tx = tx.Offset(f.Offset)
	}

	var recs []dbmodels.Claim
	if err := tx.Preload("Steps").Order("created_at DESC, id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return toClaims(recs), nil
}

// ListPendingForApprover returns PENDING claims on which the approver still
// holds a PENDING step. Whether the step is active is decided by the caller.
func (r *Repository) ListPendingForApprover(ctx context.Context, approverID uuid.UUID) ([]models.Claim, error) {
	var recs []dbmodels.Claim
	err := r.db.WithContext(ctx).Preload("Steps").
		Where("status = ?", string(models.ClaimPending)).
		Where("id IN (SELECT claim_id FROM approval_steps WHERE approver_id = ? AND status = ?)",
			approverID, string(models.StepPending)).
		Order("created_at, id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return toClaims(recs), nil
}

// Rate implements currency.RateProvider over the exchange_rates table.
func (r *Repository) Rate(ctx context.Context, pair currency.Pair, date time.Time) (currency.Quote, error) {
	var rec dbmodels.ExchangeRate
	err := r.db.WithContext(ctx).
		First(&rec, "base = ? AND quote = ? AND day = ?", pair.From, pair.To, date.Format(dayLayout)).Error
	return toQuote(&rec, err, pair, date)
}

// RateBefore returns the latest rate published strictly before date.
func (r *Repository) RateBefore(ctx context.Context, pair currency.Pair, date time.Time) (currency.Quote, error) {
	var rec dbmodels.ExchangeRate
	err := r.db.WithContext(ctx).
		Where("base = ? AND quote = ? AND day < ?", pair.From, pair.To, date.Format(dayLayout)).
		Order("day DESC").
		First(&rec).Error
	return toQuote(&rec, err, pair, date)
}

// UpsertRate stores a published rate, replacing an earlier value for the same day.
func (r *Repository) UpsertRate(ctx context.Context, pair currency.Pair, date time.Time, rate decimal.Decimal) error {
	rec := &dbmodels.ExchangeRate{
		Base:  pair.From,
		Quote: pair.To,
		Day:   date.Format(dayLayout),
		Rate:  rate,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "base"}, {Name: "quote"}, {Name: "day"}},
		DoUpdates: clause.AssignmentColumns([]string{"rate", "updated_at"}),
	}).Create(rec).Error
}

func (r *Repository) WithTransaction(ctx context.Context, fn func(repo *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// Exec runs a raw statement, for maintenance and test cleanup.
func (r *Repository) Exec(ctx context.Context, query string, args ...interface{}) error {
	return r.db.WithContext(ctx).Exec(query, args...).Error
}

func (r *Repository) Close() error {
	db, err := r.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func (r *Repository) loadClaim(tx *gorm.DB, id uuid.UUID) (*models.Claim, error) {
	var rec dbmodels.Claim
	if err := tx.Preload("Steps").First(&rec, "id = ?", id).Error; err != nil {
		return nil, translate(err, "claim %s", id)
	}
	return toClaim(&rec), nil
}

func toClaims(recs []dbmodels.Claim) []models.Claim {
	out := make([]models.Claim, len(recs))
	for i := range recs {
		out[i] = *toClaim(&recs[i])
	}
	return out
}

func toQuote(rec *dbmodels.ExchangeRate, err error, pair currency.Pair, date time.Time) (currency.Quote, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return currency.Quote{}, fmt.Errorf("%w: %s on %s", e.ErrRateUnavailable, pair, date.Format(dayLayout))
		}
		return currency.Quote{}, err
	}
	day, err := time.Parse(dayLayout, rec.Day)
	if err != nil {
		return currency.Quote{}, fmt.Errorf("stored rate day %q: %w", rec.Day, err)
	}
	return currency.Quote{Rate: rec.Rate, Date: day}, nil
}

func translate(err error, format string, args ...interface{}) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %s", e.ErrNotFound, fmt.Sprintf(format, args...))
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s", e.ErrDuplicateKey, fmt.Sprintf(format, args...))
	default:
		return err
	}
}
