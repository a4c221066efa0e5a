package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"mengji/ledger/internal/aggregate"
	"mengji/ledger/internal/domain"
	"mengji/ledger/internal/store"
	"mengji/ledger/internal/xid"
)

// Store keeps daily records and users in process memory. It applies the same
// merge and lock guards as the postgres store.
type Store struct {
	mu              sync.RWMutex
	records         map[string]*domain.DailyRecord
	usersByUsername map[string]domain.UserAccount
	now             func() time.Time
}

func New() *Store {
	return &Store{
		records:         make(map[string]*domain.DailyRecord),
		usersByUsername: make(map[string]domain.UserAccount),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// NewSeeded returns a store with an owner and a staff account for dev mode.
// Credentials come from SEED_OWNER_PASSWORD and SEED_STAFF_PASSWORD; dev
// defaults are used with a warning when either is unset.
func NewSeeded(log *zap.Logger) *Store {
	s := New()
	s.usersByUsername = seedUsers(log)
	return s
}

func seedUsers(log *zap.Logger) map[string]domain.UserAccount {
	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Warn("memory store using default dev credentials; set SEED_OWNER_PASSWORD and SEED_STAFF_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"owner", ownerPwd, domain.RoleOwner},
		{"staff", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func recordKey(userID, recordDate string) string {
	return userID + "|" + recordDate
}

func (s *Store) UpsertModule(_ context.Context, patch domain.ModulePatch) error {
	if err := store.ValidatePatch(patch); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := recordKey(patch.UserID, patch.RecordDate)
	rec, ok := s.records[key]
	if !ok {
		rec = &domain.DailyRecord{
			ID:         xid.New("rec"),
			UserID:     patch.UserID,
			RecordDate: patch.RecordDate,
			CreatedAt:  now,
		}
	}
	if rec.IsLocked {
		return store.ErrDayLocked
	}
	if rec.HasLock(patch.Module) {
		return store.ErrModuleLocked
	}

	rec.CopyModule(patch.Module, &patch.Slice)
	rec.AddLock(patch.Module)
	rec.UpdatedAt = now
	s.records[key] = rec
	return nil
}

// UpsertSnapshot locks the whole row. Modules the row already has locked keep
// their stored values.
func (s *Store) UpsertSnapshot(_ context.Context, snap domain.Snapshot) error {
	if err := store.ValidateSnapshot(snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := recordKey(snap.Record.UserID, snap.Record.RecordDate)
	next := cloneRecord(snap.Record)
	next.ID = xid.New("rec")
	next.CreatedAt = now
	if existing, ok := s.records[key]; ok {
		if existing.IsLocked {
			return store.ErrDayLocked
		}
		next.ID = existing.ID
		next.CreatedAt = existing.CreatedAt
		for _, m := range existing.LockedModules {
			next.CopyModule(m, existing)
		}
		next.Totals = aggregate.Compute(next)
	}
	next.LockedModules = append([]domain.Module(nil), domain.Modules...)
	next.IsLocked = true
	next.UpdatedAt = now
	s.records[key] = &next
	return nil
}

func (s *Store) GetDailyRecord(_ context.Context, userID string, recordDate string) (*domain.DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey(userID, recordDate)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneRecord(*rec)
	return &out, nil
}

func cloneRecord(rec domain.DailyRecord) domain.DailyRecord {
	rec.LockedModules = append([]domain.Module(nil), rec.LockedModules...)
	return rec
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidUser
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidUser
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidUser
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
