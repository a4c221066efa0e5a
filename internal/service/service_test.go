package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"mengji/ledger/internal/domain"
	"mengji/ledger/internal/ledger"
	"mengji/ledger/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.New()
	book := ledger.NewBook(ledger.Options{
		Gateway:  repo,
		Logger:   zap.NewNop(),
		Location: time.UTC,
		Now:      func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) },
	})
	return New(book, zap.NewNop()), repo
}

func ownerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "owner", Role: domain.RoleOwner})
}

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }

func TestOperationsRequireActor(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.GetDay(ctx, "today"); !errors.Is(err, ledger.ErrAuthRequired) {
		t.Fatalf("expected auth required, got %v", err)
	}
	if _, err := svc.SubmitModule(ctx, "today", "raw"); !errors.Is(err, ledger.ErrAuthRequired) {
		t.Fatalf("expected auth required on submit, got %v", err)
	}
	if _, err := svc.ConfirmFinalize(ctx, "today"); !errors.Is(err, ledger.ErrAuthRequired) {
		t.Fatalf("expected auth required on confirm, got %v", err)
	}
}

func TestFullDayFlow(t *testing.T) {
	svc, repo := newTestService()
	ctx := ownerCtx()

	updates := []domain.FieldUpdateRequest{
		{Module: "income", Column: "income_wechat", Value: strPtr("88.00")},
		{Module: "income", Column: "income_cash", Value: strPtr("12")},
		{Module: "bing", Column: "sku_roubing", Delta: intPtr(5)},
		{Module: "raw", Column: "exp_raw_veg", Value: strPtr("20")},
	}
	for _, req := range updates {
		if _, err := svc.UpdateField(ctx, "today", req); err != nil {
			t.Fatalf("update %s.%s failed: %v", req.Module, req.Column, err)
		}
	}

	view, err := svc.SubmitModule(ctx, "today", "income")
	if err != nil {
		t.Fatalf("submit income failed: %v", err)
	}
	if len(view.LockedModules) != 1 || view.LockedModules[0] != domain.ModuleIncome {
		t.Fatalf("expected income locked, got %v", view.LockedModules)
	}
	if _, err := svc.UpdateField(ctx, "today", updates[0]); !errors.Is(err, ledger.ErrModuleLocked) {
		t.Fatalf("expected module locked, got %v", err)
	}

	if _, err := svc.Summary(ctx, "today"); !errors.Is(err, ledger.ErrNotLocked) {
		t.Fatalf("expected summary to need a locked day, got %v", err)
	}

	view, err = svc.RequestFinalize(ctx, "today")
	if err != nil {
		t.Fatalf("request finalize failed: %v", err)
	}
	if view.Phase != domain.PhasePendingConfirmation {
		t.Fatalf("expected pending confirmation, got %s", view.Phase)
	}

	view, err = svc.ConfirmFinalize(ctx, "today")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if view.Phase != domain.PhaseLocked || view.Summary == nil {
		t.Fatalf("expected locked day with summary, got %+v", view)
	}

	summary, err := svc.Summary(ctx, "2026-10-19")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if got := summary.EstimatedProfit.StringFixed(2); got != "80.00" {
		t.Fatalf("expected profit 80.00, got %s", got)
	}

	rec, err := repo.GetDailyRecord(context.Background(), "owner", "2026-10-19")
	if err != nil {
		t.Fatalf("stored record missing: %v", err)
	}
	if !rec.IsLocked {
		t.Fatalf("expected stored record to be locked")
	}
}

func TestRecordsAreKeyedPerUser(t *testing.T) {
	svc, _ := newTestService()
	staff := WithActor(context.Background(), domain.Actor{Username: "staff", Role: domain.RoleStaff})

	if _, err := svc.UpdateField(ownerCtx(), "today", domain.FieldUpdateRequest{Module: "tang", Column: "sku_hundun", Value: strPtr("3")}); err != nil {
		t.Fatalf("owner update failed: %v", err)
	}
	view, err := svc.GetDay(staff, "today")
	if err != nil {
		t.Fatalf("staff get failed: %v", err)
	}
	if view.Record.Tang.Hundun != 0 {
		t.Fatalf("expected staff day to be separate, got hundun=%d", view.Record.Tang.Hundun)
	}
}

func TestUpdateFieldRejectsBadInput(t *testing.T) {
	svc, _ := newTestService()
	ctx := ownerCtx()

	if _, err := svc.UpdateField(ctx, "today", domain.FieldUpdateRequest{Module: "drinks", Column: "x", Value: strPtr("1")}); !errors.Is(err, ledger.ErrInvalidValue) {
		t.Fatalf("expected invalid module error, got %v", err)
	}
	if _, err := svc.UpdateField(ctx, "today", domain.FieldUpdateRequest{Module: "raw", Column: "exp_raw_veg"}); !errors.Is(err, ledger.ErrInvalidValue) {
		t.Fatalf("expected missing value error, got %v", err)
	}
	if _, err := svc.UpdateField(ctx, "2030-01-01", domain.FieldUpdateRequest{Module: "raw", Column: "exp_raw_veg", Value: strPtr("1")}); !errors.Is(err, ledger.ErrFutureDate) {
		t.Fatalf("expected future date error, got %v", err)
	}
}

func TestEmptyDayCannotBeFinalized(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.RequestFinalize(ownerCtx(), "today"); !errors.Is(err, ledger.ErrEmptySubmission) {
		t.Fatalf("expected empty submission, got %v", err)
	}
	if _, err := svc.CancelFinalize(ownerCtx(), "today"); !errors.Is(err, ledger.ErrNotPending) {
		t.Fatalf("expected not pending, got %v", err)
	}
}
