package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"mengji/ledger/internal/domain"
	"mengji/ledger/internal/store"
	"mengji/ledger/internal/xid"
)

// UpsertModule merges one module's leaves, its subtotal and its lock flag into
// the (user, date) row. The conflict branch only fires while neither the day
// nor the module is locked, so a blocked write returns no id.
func (s *Store) UpsertModule(ctx context.Context, patch domain.ModulePatch) error {
	if err := store.ValidatePatch(patch); err != nil {
		return err
	}

	cols := patch.Columns()
	lockCol := domain.LockColumn(patch.Module)

	names := make([]string, 0, len(cols)+1)
	placeholders := make([]string, 0, len(cols)+1)
	updates := make([]string, 0, len(cols)+2)
	args := []any{xid.New("rec"), patch.UserID, patch.RecordDate}
	for _, c := range cols {
		args = append(args, c.Value())
		names = append(names, c.Name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c.Name, c.Name))
	}
	names = append(names, lockCol)
	placeholders = append(placeholders, "true")
	updates = append(updates, lockCol+" = true", "updated_at = now()")

	query := fmt.Sprintf(`
		INSERT INTO daily_records (id, user_id, record_date, %s, created_at, updated_at)
		VALUES ($1, $2, $3, %s, now(), now())
		ON CONFLICT (user_id, record_date)
		DO UPDATE SET %s
		WHERE NOT daily_records.is_locked AND NOT daily_records.%s
		RETURNING id
	`, strings.Join(names, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "), lockCol)

	var id string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return wrapErr("upsert "+string(patch.Module), err)
	}

	var dayLocked, moduleLocked bool
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT is_locked, %s FROM daily_records WHERE user_id = $1 AND record_date = $2
	`, lockCol), patch.UserID, patch.RecordDate).Scan(&dayLocked, &moduleLocked)
	if err != nil {
		return wrapErr("upsert "+string(patch.Module), err)
	}
	if dayLocked {
		return store.ErrDayLocked
	}
	return store.ErrModuleLocked
}

// UpsertSnapshot writes every column, every derived total and every lock flag
// in one statement and sets is_locked. Columns of a module the row already has
// locked keep their stored values.
func (s *Store) UpsertSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if err := store.ValidateSnapshot(snap); err != nil {
		return err
	}

	rec := snap.Record
	cols := append(rec.AllColumns(), rec.GrandTotalColumns()...)

	names := make([]string, 0, len(cols)+len(domain.Modules)+1)
	placeholders := make([]string, 0, cap(names))
	updates := make([]string, 0, cap(names)+1)
	args := []any{xid.New("rec"), rec.UserID, rec.RecordDate}
	for _, c := range cols {
		args = append(args, c.Value())
		names = append(names, c.Name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		if c.Module == "" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c.Name, c.Name))
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = CASE WHEN daily_records.%s THEN daily_records.%s ELSE EXCLUDED.%s END",
			c.Name, domain.LockColumn(c.Module), c.Name, c.Name))
	}
	for _, m := range domain.Modules {
		lockCol := domain.LockColumn(m)
		names = append(names, lockCol)
		placeholders = append(placeholders, "true")
		updates = append(updates, lockCol+" = true")
	}
	names = append(names, "is_locked")
	placeholders = append(placeholders, "true")
	updates = append(updates, "is_locked = true", "updated_at = now()")

	query := fmt.Sprintf(`
		INSERT INTO daily_records (id, user_id, record_date, %s, created_at, updated_at)
		VALUES ($1, $2, $3, %s, now(), now())
		ON CONFLICT (user_id, record_date)
		DO UPDATE SET %s
		WHERE NOT daily_records.is_locked
		RETURNING id
	`, strings.Join(names, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))

	var id string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrDayLocked
	}
	return wrapErr("finalize snapshot", err)
}

func (s *Store) GetDailyRecord(ctx context.Context, userID string, recordDate string) (*domain.DailyRecord, error) {
	var rec domain.DailyRecord
	cols := append(rec.AllColumns(), rec.GrandTotalColumns()...)
	locks := make([]bool, len(domain.Modules))

	names := []string{"id", "user_id", "record_date::text"}
	dest := []any{&rec.ID, &rec.UserID, &rec.RecordDate}
	for _, c := range cols {
		names = append(names, c.Name)
		dest = append(dest, c.Dest())
	}
	for i, m := range domain.Modules {
		names = append(names, domain.LockColumn(m))
		dest = append(dest, &locks[i])
	}
	names = append(names, "is_locked", "created_at", "updated_at")
	dest = append(dest, &rec.IsLocked, &rec.CreatedAt, &rec.UpdatedAt)

	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM daily_records
		WHERE user_id = $1 AND record_date = $2
	`, strings.Join(names, ", ")), userID, recordDate).Scan(dest...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrapErr("get daily record", err)
	}

	rec.LockedModules = make([]domain.Module, 0, len(domain.Modules))
	for i, m := range domain.Modules {
		if locks[i] {
			rec.LockedModules = append(rec.LockedModules, m)
		}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
