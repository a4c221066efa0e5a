package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mengji/ledger/internal/aggregate"
	"mengji/ledger/internal/domain"
	"mengji/ledger/internal/store"
)

func TestDailyRecordLifecycle(t *testing.T) {
	databaseURL := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set LEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, RunMigrations(s.DB()))

	userID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	recordDate := "2026-10-19"
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM daily_records WHERE user_id = $1`, userID)
	})

	raw := domain.DailyRecord{Raw: domain.RawExpense{Veg: decimal.NewFromInt(10), Meat: decimal.NewFromInt(20)}}
	require.NoError(t, s.UpsertModule(ctx, domain.NewModulePatch(userID, recordDate, domain.ModuleRaw, raw, aggregate.Compute(raw))))

	fixed := domain.DailyRecord{Fixed: domain.FixedExpense{Rent: decimal.NewFromInt(500)}}
	require.NoError(t, s.UpsertModule(ctx, domain.NewModulePatch(userID, recordDate, domain.ModuleFixed, fixed, aggregate.Compute(fixed))))

	err = s.UpsertModule(ctx, domain.NewModulePatch(userID, recordDate, domain.ModuleRaw, raw, aggregate.Compute(raw)))
	require.ErrorIs(t, err, store.ErrModuleLocked)

	rec, err := s.GetDailyRecord(ctx, userID, recordDate)
	require.NoError(t, err)
	assert.Equal(t, recordDate, rec.RecordDate)
	assert.True(t, rec.Raw.Meat.Equal(decimal.NewFromInt(20)))
	assert.True(t, rec.Fixed.Rent.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, []domain.Module{domain.ModuleRaw, domain.ModuleFixed}, rec.LockedModules)

	draft := *rec
	draft.Income.Wechat = decimal.NewFromInt(100)
	require.NoError(t, s.UpsertSnapshot(ctx, domain.NewSnapshot(userID, recordDate, draft, aggregate.Compute(draft))))

	final, err := s.GetDailyRecord(ctx, userID, recordDate)
	require.NoError(t, err)
	assert.True(t, final.IsLocked)
	assert.Equal(t, rec.ID, final.ID)
	assert.Equal(t, "46.67", final.Totals.CogsToday.StringFixed(2))

	err = s.UpsertSnapshot(ctx, domain.NewSnapshot(userID, recordDate, draft, aggregate.Compute(draft)))
	require.ErrorIs(t, err, store.ErrDayLocked)
}
