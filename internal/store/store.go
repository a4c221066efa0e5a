package store

import (
	"context"
	"errors"
	"fmt"

	"mengji/ledger/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDayLocked     = errors.New("day is locked")
	ErrModuleLocked  = errors.New("module is locked")
	ErrInvalidRecord = errors.New("invalid record")
	ErrInvalidUser   = errors.New("invalid user")
)

// PersistenceError is a failure reported by the backing store. Message, Code
// and Detail are what the store itself returned and are safe to show to the
// user who triggered the write.
type PersistenceError struct {
	Op      string
	Message string
	Code    string
	Detail  string
	Err     error
}

func (e *PersistenceError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code %s)", e.Op, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same write could succeed.
// Errors in SQLSTATE classes 22, 23 and 42 never will.
func (e *PersistenceError) Transient() bool {
	if len(e.Code) < 2 {
		return true
	}
	switch e.Code[:2] {
	case "22", "23", "42":
		return false
	}
	return true
}

// Gateway merges module slices and finalize snapshots into the single row
// kept per (user, date).
type Gateway interface {
	UpsertModule(ctx context.Context, patch domain.ModulePatch) error
	UpsertSnapshot(ctx context.Context, snap domain.Snapshot) error
	GetDailyRecord(ctx context.Context, userID string, recordDate string) (*domain.DailyRecord, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Gateway
	UserStore
}

// ValidatePatch rejects patches that could not be keyed or carry negative values.
func ValidatePatch(patch domain.ModulePatch) error {
	if patch.UserID == "" || patch.RecordDate == "" {
		return ErrInvalidRecord
	}
	if _, ok := domain.ParseModule(string(patch.Module)); !ok {
		return ErrInvalidRecord
	}
	return validateColumns(patch.Columns())
}

func ValidateSnapshot(snap domain.Snapshot) error {
	if snap.Record.UserID == "" || snap.Record.RecordDate == "" {
		return ErrInvalidRecord
	}
	rec := snap.Record
	if err := validateColumns(rec.AllColumns()); err != nil {
		return err
	}
	// estimated_profit is the one column allowed to go negative.
	return validateColumns(rec.GrandTotalColumns()[:3])
}

func validateColumns(cols []domain.Column) error {
	for _, c := range cols {
		switch c.Kind {
		case domain.KindAmount:
			if c.Amount().IsNegative() {
				return fmt.Errorf("%w: %s is negative", ErrInvalidRecord, c.Name)
			}
		case domain.KindCount:
			if c.Count() < 0 {
				return fmt.Errorf("%w: %s is negative", ErrInvalidRecord, c.Name)
			}
		}
	}
	return nil
}
