package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mengji/ledger/internal/domain"
	"mengji/ledger/internal/ledger"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service exposes the daily ledger to the authenticated user in ctx. Every
// record is keyed by that user's username.
type Service struct {
	book *ledger.Book
	log  *zap.Logger
}

func New(book *ledger.Book, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{book: book, log: log}
}

func (s *Service) Today() string {
	return s.book.Today()
}

func (s *Service) GetDay(ctx context.Context, date string) (domain.DayView, error) {
	day, err := s.day(ctx, date)
	if err != nil {
		return domain.DayView{}, err
	}
	return day.View(), nil
}

// UpdateField applies a typed value or a counter step to one column.
func (s *Service) UpdateField(ctx context.Context, date string, req domain.FieldUpdateRequest) (domain.DayView, error) {
	module, err := parseModule(req.Module)
	if err != nil {
		return domain.DayView{}, err
	}
	day, err := s.day(ctx, date)
	if err != nil {
		return domain.DayView{}, err
	}

	column := strings.TrimSpace(req.Column)
	switch {
	case req.Delta != nil:
		err = day.StepCount(module, column, *req.Delta)
	case req.Value != nil:
		err = day.SetField(module, column, *req.Value)
	default:
		err = fmt.Errorf("%w: value or delta is required", ledger.ErrInvalidValue)
	}
	if err != nil {
		return domain.DayView{}, err
	}
	return day.View(), nil
}

func (s *Service) SubmitModule(ctx context.Context, date string, rawModule string) (domain.DayView, error) {
	module, err := parseModule(rawModule)
	if err != nil {
		return domain.DayView{}, err
	}
	day, err := s.day(ctx, date)
	if err != nil {
		return domain.DayView{}, err
	}
	if err := day.SaveModule(ctx, module); err != nil {
		return domain.DayView{}, err
	}
	return day.View(), nil
}

func (s *Service) RequestFinalize(ctx context.Context, date string) (domain.DayView, error) {
	day, err := s.day(ctx, date)
	if err != nil {
		return domain.DayView{}, err
	}
	if err := day.RequestFinalize(); err != nil {
		return domain.DayView{}, err
	}
	return day.View(), nil
}

func (s *Service) CancelFinalize(ctx context.Context, date string) (domain.DayView, error) {
	day, err := s.day(ctx, date)
	if err != nil {
		return domain.DayView{}, err
	}
	if err := day.CancelFinalize(); err != nil {
		return domain.DayView{}, err
	}
	return day.View(), nil
}

func (s *Service) ConfirmFinalize(ctx context.Context, date string) (domain.DayView, error) {
	day, err := s.day(ctx, date)
	if err != nil {
		return domain.DayView{}, err
	}
	if _, err := day.ConfirmFinalize(ctx); err != nil {
		return domain.DayView{}, err
	}
	actor, _ := ActorFromContext(ctx)
	s.log.Info("day locked", zap.String("actor", actor.Username), zap.String("record_date", day.Date()))
	return day.View(), nil
}

// Summary returns the read-only figures of a finalized day.
func (s *Service) Summary(ctx context.Context, date string) (domain.DaySummary, error) {
	day, err := s.day(ctx, date)
	if err != nil {
		return domain.DaySummary{}, err
	}
	return day.Summary()
}

func (s *Service) day(ctx context.Context, date string) (*ledger.Day, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return nil, ledger.ErrAuthRequired
	}
	return s.book.Open(ctx, actor.Username, date)
}

func parseModule(raw string) (domain.Module, error) {
	module, ok := domain.ParseModule(strings.ToLower(strings.TrimSpace(raw)))
	if !ok {
		return "", fmt.Errorf("%w: unknown module %q", ledger.ErrInvalidValue, raw)
	}
	return module, nil
}
