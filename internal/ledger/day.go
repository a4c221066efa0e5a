package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mengji/ledger/internal/aggregate"
	"mengji/ledger/internal/cache"
	"mengji/ledger/internal/domain"
	"mengji/ledger/internal/metrics"
	"mengji/ledger/internal/normalize"
	"mengji/ledger/internal/store"
)

const (
	finalizeAction = "finalize"
	maxTextLength  = 64
	guardTTL       = 30 * time.Second
)

// Day is the working state of one (user, date) record: the draft being
// typed in, per-module locks and the finalization phase.
//
// Persistence calls run without holding mu so other modules stay editable
// while one module is being saved.
type Day struct {
	mu         sync.Mutex
	userID     string
	date       string
	draft      domain.DailyRecord
	phase      domain.Phase
	inFlight   map[string]struct{}
	reconciled bool
	touched    time.Time

	locks   *LockController
	gateway store.Gateway
	guard   cache.Guard
	retry   RetryPolicy
	metrics *metrics.Recorder
	log     *zap.Logger
	now     func() time.Time
}

type dayDeps struct {
	gateway store.Gateway
	locks   *LockController
	guard   cache.Guard
	retry   RetryPolicy
	metrics *metrics.Recorder
	log     *zap.Logger
	now     func() time.Time
}

func newDay(userID string, date string, deps dayDeps) *Day {
	d := &Day{
		userID:   userID,
		date:     date,
		phase:    domain.PhaseOpen,
		inFlight: make(map[string]struct{}),
		locks:    deps.locks,
		gateway:  deps.gateway,
		guard:    deps.guard,
		retry:    deps.retry,
		metrics:  deps.metrics,
		log:      deps.log.With(zap.String("user_id", userID), zap.String("record_date", date)),
		now:      deps.now,
	}
	d.draft.UserID = userID
	d.draft.RecordDate = date
	d.touched = d.now()
	if d.locks.DayLocked() {
		d.phase = domain.PhaseLocked
	}
	return d
}

func (d *Day) Date() string { return d.date }

// SetField normalizes raw into the named column of module m.
func (d *Day) SetField(m domain.Module, column string, raw string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	col, err := d.editableColumnLocked(m, column)
	if err != nil {
		return err
	}

	switch col.Kind {
	case domain.KindAmount:
		col.SetAmount(normalize.Amount(raw))
	case domain.KindCount:
		col.SetCount(normalize.Count(raw))
	case domain.KindText:
		col.SetText(normalize.Text(raw, maxTextLength))
	case domain.KindDuration:
		dur, ok := domain.ParseDuration(raw)
		if !ok {
			return fmt.Errorf("%w: %s must be one of days, months, long_term", ErrInvalidValue, column)
		}
		col.SetDuration(dur)
	}
	d.editedLocked()
	return nil
}

// StepCount moves a unit counter by delta, never below zero.
func (d *Day) StepCount(m domain.Module, column string, delta int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	col, err := d.editableColumnLocked(m, column)
	if err != nil {
		return err
	}
	if col.Kind != domain.KindCount {
		return fmt.Errorf("%w: %s is not a counter", ErrInvalidValue, column)
	}
	col.SetCount(normalize.Step(col.Count(), delta))
	d.editedLocked()
	return nil
}

func (d *Day) editableColumnLocked(m domain.Module, column string) (domain.Column, error) {
	if d.phase == domain.PhaseLocked || d.locks.DayLocked() {
		return domain.Column{}, ErrDayLocked
	}
	if d.locks.IsLocked(m) {
		return domain.Column{}, ErrModuleLocked
	}
	if d.busyLocked(string(m)) || d.busyLocked(finalizeAction) {
		return domain.Column{}, ErrInFlight
	}
	col, ok := d.draft.Column(m, column)
	if !ok {
		return domain.Column{}, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, m, column)
	}
	return col, nil
}

// editedLocked drops a pending confirmation; the user must review again.
func (d *Day) editedLocked() {
	d.touched = d.now()
	if d.phase == domain.PhasePendingConfirmation {
		d.phase = domain.PhaseOpen
	}
}

func (d *Day) Totals() domain.Totals {
	d.mu.Lock()
	defer d.mu.Unlock()
	return aggregate.Compute(d.draft)
}

// SaveModule persists module m's slice and locks it once the write succeeds.
func (d *Day) SaveModule(ctx context.Context, m domain.Module) error {
	d.mu.Lock()
	switch {
	case d.phase == domain.PhaseLocked || d.locks.DayLocked():
		d.mu.Unlock()
		d.metrics.ModuleSave(string(m), "day_locked")
		return ErrDayLocked
	case d.locks.IsLocked(m):
		d.mu.Unlock()
		d.metrics.ModuleSave(string(m), "locked")
		return ErrModuleLocked
	case d.busyLocked(string(m)) || d.busyLocked(finalizeAction):
		d.mu.Unlock()
		return ErrInFlight
	}
	patch := domain.NewModulePatch(d.userID, d.date, m, d.draft, aggregate.Compute(d.draft))
	d.inFlight[string(m)] = struct{}{}
	d.touched = d.now()
	d.mu.Unlock()

	attempts := 0
	err := d.persist(ctx, string(m), func(ctx context.Context) error {
		attempts++
		return d.gateway.UpsertModule(ctx, patch)
	})
	if err != nil && attempts > 1 && errors.Is(err, ErrModuleLocked) && d.landed(ctx, m, &patch.Slice) {
		d.log.Info("earlier attempt committed the module", zap.String("module", string(m)))
		err = nil
	}

	// Lock before clearing in-flight so no edit slips in between.
	if err == nil {
		d.locks.Lock(ctx, m)
	}
	d.mu.Lock()
	delete(d.inFlight, string(m))
	d.mu.Unlock()

	switch {
	case err == nil:
		d.metrics.ModuleSave(string(m), "ok")
		d.log.Info("module saved", zap.String("module", string(m)))
		return nil
	case errors.Is(err, ErrModuleLocked), errors.Is(err, ErrDayLocked):
		d.metrics.ModuleSave(string(m), "conflict")
		d.log.Warn("module already locked remotely", zap.String("module", string(m)), zap.Error(err))
		d.reconcileQuietly(ctx)
		return err
	default:
		d.metrics.ModuleSave(string(m), "error")
		d.log.Error("module save failed", zap.String("module", string(m)), zap.Error(err))
		return err
	}
}

// RequestFinalize moves an Open day with content to PendingConfirmation.
// The gateway is not touched.
func (d *Day) RequestFinalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase == domain.PhaseLocked || d.locks.DayLocked() {
		return ErrDayLocked
	}
	if d.busyLocked(finalizeAction) {
		return ErrInFlight
	}
	if !aggregate.HasContent(aggregate.Compute(d.draft)) {
		d.metrics.Finalization("request", "empty")
		return ErrEmptySubmission
	}
	d.phase = domain.PhasePendingConfirmation
	d.touched = d.now()
	d.metrics.Finalization("request", "ok")
	return nil
}

func (d *Day) CancelFinalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.phase {
	case domain.PhaseLocked:
		return ErrDayLocked
	case domain.PhaseOpen:
		return ErrNotPending
	}
	if d.busyLocked(finalizeAction) {
		return ErrInFlight
	}
	d.phase = domain.PhaseOpen
	d.touched = d.now()
	return nil
}

// ConfirmFinalize writes the full snapshot with is_locked set and moves the
// day to Locked. On failure the phase stays PendingConfirmation. Modules
// another device locked in the meantime are adopted from the remote row
// before the snapshot is built.
func (d *Day) ConfirmFinalize(ctx context.Context) (domain.DaySummary, error) {
	d.mu.Lock()
	switch {
	case d.phase == domain.PhaseLocked || d.locks.DayLocked():
		d.mu.Unlock()
		return domain.DaySummary{}, ErrDayLocked
	case d.phase != domain.PhasePendingConfirmation:
		d.mu.Unlock()
		return domain.DaySummary{}, ErrNotPending
	case len(d.inFlight) > 0:
		d.mu.Unlock()
		return domain.DaySummary{}, ErrInFlight
	}
	d.inFlight[finalizeAction] = struct{}{}
	d.touched = d.now()
	d.mu.Unlock()

	if err := d.Reconcile(ctx); err != nil {
		d.log.Warn("reconcile before finalize failed", zap.Error(err))
	}

	d.mu.Lock()
	if d.phase == domain.PhaseLocked {
		delete(d.inFlight, finalizeAction)
		d.mu.Unlock()
		d.metrics.Finalization("confirm", "conflict")
		return domain.DaySummary{}, ErrDayLocked
	}
	snap := domain.NewSnapshot(d.userID, d.date, d.draft, aggregate.Compute(d.draft))
	d.mu.Unlock()

	err := d.persist(ctx, finalizeAction, func(ctx context.Context) error {
		return d.gateway.UpsertSnapshot(ctx, snap)
	})

	d.mu.Lock()
	delete(d.inFlight, finalizeAction)
	if err == nil {
		d.draft = snap.Record
		d.phase = domain.PhaseLocked
	}
	d.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrDayLocked) {
			d.metrics.Finalization("confirm", "conflict")
			d.reconcileQuietly(ctx)
			return domain.DaySummary{}, err
		}
		d.metrics.Finalization("confirm", "error")
		d.log.Error("finalize failed", zap.Error(err))
		return domain.DaySummary{}, err
	}

	d.locks.LockDay(ctx)
	d.metrics.Finalization("confirm", "ok")
	d.log.Info("day finalized")
	return aggregate.Summarize(snap.Record), nil
}

// persist runs write under the distributed guard and the retry policy.
func (d *Day) persist(ctx context.Context, action string, write func(context.Context) error) error {
	release, err := d.guard.Acquire(ctx, cache.GuardKey(d.userID, d.date, action), guardTTL)
	if errors.Is(err, cache.ErrHeld) {
		return ErrInFlight
	}
	if err != nil {
		return fmt.Errorf("acquire %s guard: %w", action, err)
	}
	defer release(context.WithoutCancel(ctx))

	return d.retry.Do(ctx, action, write)
}

// landed reports whether the remote row already holds want's values for m,
// as when an earlier attempt committed but its reply was lost.
func (d *Day) landed(ctx context.Context, m domain.Module, want *domain.DailyRecord) bool {
	rec, err := d.gateway.GetDailyRecord(ctx, d.userID, d.date)
	if err != nil {
		return false
	}
	return rec.HasLock(m) && rec.SameModule(m, want)
}

// Reconcile reads the remote row and adopts its locks and locked values.
func (d *Day) Reconcile(ctx context.Context) error {
	rec, err := d.gateway.GetDailyRecord(ctx, d.userID, d.date)
	if errors.Is(err, store.ErrNotFound) {
		d.mu.Lock()
		d.reconciled = true
		d.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	d.locks.Reconcile(ctx, rec)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconciled = true
	if rec.IsLocked {
		d.draft = *rec
		d.phase = domain.PhaseLocked
		return nil
	}
	for _, m := range rec.LockedModules {
		d.draft.CopyModule(m, rec)
	}
	d.draft.ID = rec.ID
	d.draft.CreatedAt = rec.CreatedAt
	d.draft.UpdatedAt = rec.UpdatedAt
	return nil
}

func (d *Day) reconcileQuietly(ctx context.Context) {
	if err := d.Reconcile(ctx); err != nil {
		d.log.Warn("reconcile failed", zap.Error(err))
	}
}

// View returns a consistent copy of the day with freshly computed totals.
func (d *Day) View() domain.DayView {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.draft
	rec.Totals = aggregate.Compute(d.draft)
	rec.LockedModules = d.locks.Modules()
	rec.IsLocked = d.phase == domain.PhaseLocked

	view := domain.DayView{
		Record:        rec,
		Phase:         d.phase,
		LockedModules: rec.LockedModules,
		InFlight:      d.inFlightModulesLocked(),
		Reconciled:    d.reconciled,
	}
	if d.phase == domain.PhaseLocked {
		summary := aggregate.Summarize(rec)
		view.Summary = &summary
	}
	return view
}

// Summary is only available once the day is locked.
func (d *Day) Summary() (domain.DaySummary, error) {
	view := d.View()
	if view.Summary == nil {
		return domain.DaySummary{}, ErrNotLocked
	}
	return *view.Summary, nil
}

func (d *Day) Phase() domain.Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *Day) busyLocked(action string) bool {
	_, ok := d.inFlight[action]
	return ok
}

func (d *Day) inFlightModulesLocked() []domain.Module {
	if len(d.inFlight) == 0 {
		return nil
	}
	set := make(map[domain.Module]struct{}, len(d.inFlight))
	for action := range d.inFlight {
		if action == finalizeAction {
			for _, m := range domain.Modules {
				set[m] = struct{}{}
			}
			continue
		}
		set[domain.Module(action)] = struct{}{}
	}
	return domain.OrderedModules(set)
}

func (d *Day) idleSince() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.touched, len(d.inFlight) == 0
}
