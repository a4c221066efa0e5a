package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mengji/ledger/internal/cache"
	"mengji/ledger/internal/domain"
)

// LockController tracks which modules of one day are submitted. Flags only
// ever move from unlocked to locked. The remote row is authoritative; the
// cache holds the last picture seen so a reload can gate edits right away.
type LockController struct {
	mu        sync.RWMutex
	modules   map[domain.Module]struct{}
	dayLocked bool
	syncedAt  time.Time

	cache cache.LockCache
	key   string
	ttl   time.Duration
	log   *zap.Logger
}

func NewLockController(c cache.LockCache, key string, ttl time.Duration, log *zap.Logger) *LockController {
	if c == nil {
		c = cache.NoopLockCache{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LockController{
		modules: make(map[domain.Module]struct{}, len(domain.Modules)),
		cache:   c,
		key:     key,
		ttl:     ttl,
		log:     log,
	}
}

// Load merges the cached picture into the controller.
func (l *LockController) Load(ctx context.Context) {
	state, ok, err := l.cache.Get(ctx, l.key)
	if err != nil {
		l.log.Warn("lock cache read failed", zap.String("key", l.key), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range state.Modules {
		l.modules[m] = struct{}{}
	}
	l.dayLocked = l.dayLocked || state.DayLocked
	l.syncedAt = state.SyncedAt
}

func (l *LockController) IsLocked(m domain.Module) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.dayLocked {
		return true
	}
	_, ok := l.modules[m]
	return ok
}

func (l *LockController) DayLocked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dayLocked
}

func (l *LockController) Modules() []domain.Module {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return domain.OrderedModules(l.modules)
}

// Lock marks m as submitted. Call it only after the module write succeeded.
func (l *LockController) Lock(ctx context.Context, m domain.Module) {
	l.mu.Lock()
	l.modules[m] = struct{}{}
	state := l.stateLocked()
	l.mu.Unlock()
	l.persist(ctx, state)
}

// LockDay marks the whole day, and with it every module, as final.
func (l *LockController) LockDay(ctx context.Context) {
	l.mu.Lock()
	for _, m := range domain.Modules {
		l.modules[m] = struct{}{}
	}
	l.dayLocked = true
	state := l.stateLocked()
	l.mu.Unlock()
	l.persist(ctx, state)
}

// Reconcile folds the remote row's flags in. Remote locks are adopted; a
// local lock the row does not carry is kept, since locks never revert.
func (l *LockController) Reconcile(ctx context.Context, rec *domain.DailyRecord) {
	l.mu.Lock()
	for _, m := range rec.LockedModules {
		l.modules[m] = struct{}{}
	}
	if rec.IsLocked {
		for _, m := range domain.Modules {
			l.modules[m] = struct{}{}
		}
		l.dayLocked = true
	}
	l.syncedAt = time.Now().UTC()
	state := l.stateLocked()
	l.mu.Unlock()
	l.persist(ctx, state)
}

func (l *LockController) stateLocked() domain.LockState {
	return domain.LockState{
		Modules:   domain.OrderedModules(l.modules),
		DayLocked: l.dayLocked,
		SyncedAt:  l.syncedAt,
	}
}

func (l *LockController) persist(ctx context.Context, state domain.LockState) {
	if err := l.cache.Set(ctx, l.key, state, l.ttl); err != nil {
		l.log.Warn("lock cache write failed", zap.String("key", l.key), zap.Error(err))
	}
}
