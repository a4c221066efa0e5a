package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mengji/ledger/internal/cache"
	"mengji/ledger/internal/metrics"
	"mengji/ledger/internal/store"
)

const dateLayout = "2006-01-02"

type Options struct {
	Gateway  store.Gateway
	Locks    cache.LockCache
	Guard    cache.Guard
	Retry    RetryPolicy
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
	Location *time.Location
	LockTTL  time.Duration
	IdleTTL  time.Duration
	Now      func() time.Time
}

// Book hands out the Day for a (user, date), loading it from the lock cache
// and the gateway the first time it is asked for.
type Book struct {
	mu   sync.Mutex
	days map[string]*Day

	gateway store.Gateway
	locks   cache.LockCache
	guard   cache.Guard
	retry   RetryPolicy
	metrics *metrics.Recorder
	log     *zap.Logger
	loc     *time.Location
	lockTTL time.Duration
	idleTTL time.Duration
	now     func() time.Time
}

func NewBook(opts Options) *Book {
	b := &Book{
		days:    make(map[string]*Day),
		gateway: opts.Gateway,
		locks:   opts.Locks,
		guard:   opts.Guard,
		retry:   opts.Retry,
		metrics: opts.Metrics,
		log:     opts.Logger,
		loc:     opts.Location,
		lockTTL: opts.LockTTL,
		idleTTL: opts.IdleTTL,
		now:     opts.Now,
	}
	if b.locks == nil {
		b.locks = cache.NoopLockCache{}
	}
	if b.guard == nil {
		b.guard = cache.NoopGuard{}
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	if b.loc == nil {
		b.loc = time.UTC
	}
	if b.lockTTL <= 0 {
		b.lockTTL = 48 * time.Hour
	}
	if b.idleTTL <= 0 {
		b.idleTTL = 12 * time.Hour
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.retry.Notify == nil {
		b.retry.Notify = func(op string, err error, wait time.Duration) {
			b.metrics.Retry(op)
			b.log.Warn("retrying store write", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
		}
	}
	return b
}

// Today is the current calendar date in the book's time zone.
func (b *Book) Today() string {
	return b.now().In(b.loc).Format(dateLayout)
}

// ResolveDate accepts "today", an empty string or a YYYY-MM-DD date that is
// not after today.
func (b *Book) ResolveDate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	today := b.Today()
	if raw == "" || raw == "today" {
		return today, nil
	}
	parsed, err := time.ParseInLocation(dateLayout, raw, b.loc)
	if err != nil {
		return "", ErrInvalidDate
	}
	date := parsed.Format(dateLayout)
	if date > today {
		return "", ErrFutureDate
	}
	return date, nil
}

// Open returns the working Day for userID on rawDate.
func (b *Book) Open(ctx context.Context, userID string, rawDate string) (*Day, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrAuthRequired
	}
	date, err := b.ResolveDate(rawDate)
	if err != nil {
		return nil, err
	}
	key := userID + "|" + date

	b.mu.Lock()
	if day, ok := b.days[key]; ok {
		b.mu.Unlock()
		if !day.View().Reconciled {
			day.reconcileQuietly(ctx)
		}
		return day, nil
	}
	b.mu.Unlock()

	b.prune()

	locks := NewLockController(b.locks, cache.LockKey(userID, date), b.lockTTL, b.log)
	locks.Load(ctx)
	day := newDay(userID, date, dayDeps{
		gateway: b.gateway,
		locks:   locks,
		guard:   b.guard,
		retry:   b.retry,
		metrics: b.metrics,
		log:     b.log,
		now:     b.now,
	})
	if err := day.Reconcile(ctx); err != nil {
		b.log.Warn("day opened from cached locks only", zap.String("user_id", userID), zap.String("record_date", date), zap.Error(err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.days[key]; ok {
		return existing, nil
	}
	b.days[key] = day
	return day, nil
}

// prune drops days nobody has touched for idleTTL and that have nothing in flight.
func (b *Book) prune() {
	cutoff := b.now().Add(-b.idleTTL)

	b.mu.Lock()
	defer b.mu.Unlock()
	for key, day := range b.days {
		touched, idle := day.idleSince()
		if idle && touched.Before(cutoff) {
			delete(b.days, key)
		}
	}
}

func (b *Book) openDays() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.days)
}
