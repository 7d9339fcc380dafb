package periods

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

// Store abstracts period persistence.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	Insert(ctx context.Context, p Period) (Period, error)
	Load(ctx context.Context, id int64) (Period, error)
	FindByMonth(ctx context.Context, employerID int64, year, month int) (Period, error)
	List(ctx context.Context, employerID int64, limit, offset int) ([]Period, error)
}

// TxStore exposes the period operations available inside a transaction.
type TxStore interface {
	LoadForUpdate(ctx context.Context, id int64) (Period, error)
	UpdateStatus(ctx context.Context, p Period, to Status, actorID int64, at time.Time) error
}

// Service owns the pay period lifecycle.
type Service struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service instance.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, validate: validator.New(), logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now returns the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}

// Create opens the period of (employer, year, month). Working days default to
// the Monday to Saturday count of the month.
func (s *Service) Create(ctx context.Context, in CreateInput) (Period, error) {
	if err := s.validate.Struct(in); err != nil {
		return Period{}, err
	}
	start, end := Bounds(in.Year, in.Month)
	days := WorkingDays(in.Year, in.Month)
	if in.WorkingDays != nil {
		days = *in.WorkingDays
	}
	p, err := s.store.Insert(ctx, Period{
		EmployerID:  in.EmployerID,
		Year:        in.Year,
		Month:       in.Month,
		StartDate:   start,
		EndDate:     end,
		WorkingDays: days,
		Status:      StatusOpen,
	})
	if err != nil {
		return Period{}, err
	}
	s.logger.Info("pay period created", slog.Int64("employer_id", p.EmployerID), slog.String("period", p.Label()), slog.Int64("period_id", p.ID))
	return p, nil
}

// Get returns a period by id.
func (s *Service) Get(ctx context.Context, id int64) (Period, error) {
	return s.store.Load(ctx, id)
}

// Find returns the period of (employer, year, month).
func (s *Service) Find(ctx context.Context, employerID int64, year, month int) (Period, error) {
	return s.store.FindByMonth(ctx, employerID, year, month)
}

// List returns the periods of an employer, most recent first.
func (s *Service) List(ctx context.Context, employerID int64, limit, offset int) ([]Period, error) {
	return s.store.List(ctx, employerID, limit, offset)
}

// Transition moves a locked period to status to after checking the lifecycle.
// Callers that also touch slips pass their own transaction store.
func (s *Service) Transition(ctx context.Context, tx TxStore, p Period, to Status, actorID int64) (Period, error) {
	if err := CanTransition(p.Status, to); err != nil {
		return Period{}, err
	}
	at := s.now()
	if err := tx.UpdateStatus(ctx, p, to, actorID, at); err != nil {
		return Period{}, err
	}
	stamp := at
	switch to {
	case StatusComputed:
		p.ComputedAt = &stamp
	case StatusValidated:
		p.ValidatedAt = &stamp
	case StatusClosed:
		p.ClosedAt = &stamp
		if actorID != 0 {
			actor := actorID
			p.ClosedBy = &actor
		}
	case StatusPaid:
		p.PaidAt = &stamp
	}
	p.Status = to
	p.UpdatedAt = at
	return p, nil
}

// Close applies the administrative lock on a validated period.
func (s *Service) Close(ctx context.Context, periodID, actorID int64) (Period, error) {
	var out Period
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		p, err := tx.LoadForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		out, err = s.Transition(ctx, tx, p, StatusClosed, actorID)
		return err
	})
	if err != nil {
		return Period{}, err
	}
	s.logger.Info("pay period closed", slog.Int64("period_id", periodID), slog.Int64("actor_id", actorID))
	return out, nil
}
