package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Module string

const (
	ModuleIncome   Module = "income"
	ModuleBing     Module = "bing"
	ModuleTang     Module = "tang"
	ModuleMixian   Module = "mixian"
	ModuleChaomian Module = "chaomian"
	ModuleRaw      Module = "raw"
	ModuleFixed    Module = "fixed"
	ModuleCons     Module = "cons"
	ModuleOther    Module = "other"
)

// Modules lists every lockable module in display order.
var Modules = []Module{
	ModuleIncome,
	ModuleBing, ModuleTang, ModuleMixian, ModuleChaomian,
	ModuleRaw, ModuleFixed, ModuleCons, ModuleOther,
}

func ParseModule(raw string) (Module, bool) {
	for _, m := range Modules {
		if string(m) == raw {
			return m, true
		}
	}
	return "", false
}

func (m Module) IsSales() bool {
	switch m {
	case ModuleBing, ModuleTang, ModuleMixian, ModuleChaomian:
		return true
	}
	return false
}

func (m Module) IsExpense() bool {
	switch m {
	case ModuleRaw, ModuleFixed, ModuleCons, ModuleOther:
		return true
	}
	return false
}

type ConsumableDuration string

const (
	DurationUnset    ConsumableDuration = ""
	DurationDays     ConsumableDuration = "days"
	DurationMonths   ConsumableDuration = "months"
	DurationLongTerm ConsumableDuration = "long_term"
)

func ParseDuration(raw string) (ConsumableDuration, bool) {
	switch d := ConsumableDuration(raw); d {
	case DurationUnset, DurationDays, DurationMonths, DurationLongTerm:
		return d, true
	}
	return "", false
}

type Income struct {
	Wechat decimal.Decimal `json:"wechat"`
	Alipay decimal.Decimal `json:"alipay"`
	Cash   decimal.Decimal `json:"cash"`
}

// BingSales counts pastries.
type BingSales struct {
	Roubing      int `json:"roubing"`
	Shouroubing  int `json:"shouroubing"`
	Changdanbing int `json:"changdanbing"`
	Roudanbing   int `json:"roudanbing"`
	Danbing      int `json:"danbing"`
	Changbing    int `json:"changbing"`
}

// TangSales counts soups and porridge.
type TangSales struct {
	Fentang   int `json:"fentang"`
	Hundun    int `json:"hundun"`
	Mizhou    int `json:"mizhou"`
	Doujiang  int `json:"doujiang"`
	Jidantang int `json:"jidantang"`
}

// MixianSales counts rice noodles, vegetarian (su) and meat (rou).
type MixianSales struct {
	SuSanxian  int `json:"su_sanxian"`
	SuSuancai  int `json:"su_suancai"`
	SuMala     int `json:"su_mala"`
	RouSanxian int `json:"rou_sanxian"`
	RouSuancai int `json:"rou_suancai"`
	RouMala    int `json:"rou_mala"`
	Suanlafen  int `json:"suanlafen"`
}

// ChaomianSales counts fried noodles.
type ChaomianSales struct {
	Xiangcui  int `json:"xiangcui"`
	HefenKuan int `json:"hefen_kuan"`
	HefenXi   int `json:"hefen_xi"`
}

type RawExpense struct {
	Veg    decimal.Decimal `json:"veg"`
	Meat   decimal.Decimal `json:"meat"`
	Egg    decimal.Decimal `json:"egg"`
	Noodle decimal.Decimal `json:"noodle"`
	Spice  decimal.Decimal `json:"spice"`
	Pack   decimal.Decimal `json:"pack"`
}

type FixedExpense struct {
	Rent    decimal.Decimal `json:"rent"`
	Utility decimal.Decimal `json:"utility"`
	Gas     decimal.Decimal `json:"gas"`
	Salary  decimal.Decimal `json:"salary"`
}

type ConsumableExpense struct {
	Name     string             `json:"name"`
	Amount   decimal.Decimal    `json:"amount"`
	Duration ConsumableDuration `json:"duration"`
}

type OtherExpense struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

type Totals struct {
	TotalIncome       decimal.Decimal `json:"total_income"`
	BingCount         int             `json:"total_bing_count"`
	TangCount         int             `json:"total_tang_count"`
	MixianCount       int             `json:"total_mixian_count"`
	ChaomianCount     int             `json:"total_chaomian_count"`
	TotalSales        int             `json:"total_sales"`
	ExpenseRaw        decimal.Decimal `json:"total_expense_raw"`
	ExpenseFix        decimal.Decimal `json:"total_expense_fix"`
	ExpenseCons       decimal.Decimal `json:"total_expense_cons"`
	ExpenseOther      decimal.Decimal `json:"total_expense_other"`
	TotalDailyExpense decimal.Decimal `json:"total_daily_expense"`
	CogsToday         decimal.Decimal `json:"cogs_today"`
	EstimatedProfit   decimal.Decimal `json:"estimated_profit"`
}

// DailyRecord is the single row kept per (user, calendar date).
type DailyRecord struct {
	ID            string            `json:"id,omitempty"`
	UserID        string            `json:"user_id"`
	RecordDate    string            `json:"record_date"`
	Income        Income            `json:"income"`
	Bing          BingSales         `json:"bing"`
	Tang          TangSales         `json:"tang"`
	Mixian        MixianSales       `json:"mixian"`
	Chaomian      ChaomianSales     `json:"chaomian"`
	Raw           RawExpense        `json:"raw"`
	Fixed         FixedExpense      `json:"fixed"`
	Cons          ConsumableExpense `json:"cons"`
	Other         OtherExpense      `json:"other"`
	Totals        Totals            `json:"totals"`
	LockedModules []Module          `json:"locked_modules"`
	IsLocked      bool              `json:"is_locked"`
	CreatedAt     time.Time         `json:"created_at,omitzero"`
	UpdatedAt     time.Time         `json:"updated_at,omitzero"`
}

func (r *DailyRecord) HasLock(m Module) bool {
	for _, locked := range r.LockedModules {
		if locked == m {
			return true
		}
	}
	return false
}

// AddLock records m as locked, keeping LockedModules in display order.
func (r *DailyRecord) AddLock(m Module) {
	if r.HasLock(m) {
		return
	}
	set := make(map[Module]struct{}, len(r.LockedModules)+1)
	for _, locked := range r.LockedModules {
		set[locked] = struct{}{}
	}
	set[m] = struct{}{}
	r.LockedModules = OrderedModules(set)
}

// OrderedModules returns the members of set in display order.
func OrderedModules(set map[Module]struct{}) []Module {
	out := make([]Module, 0, len(set))
	for _, m := range Modules {
		if _, ok := set[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

type Phase string

const (
	PhaseOpen                Phase = "open"
	PhasePendingConfirmation Phase = "pending_confirmation"
	PhaseLocked              Phase = "locked"
)

// LockState is the cached, last-known lock picture for one day.
type LockState struct {
	Modules   []Module  `json:"modules"`
	DayLocked bool      `json:"day_locked"`
	SyncedAt  time.Time `json:"synced_at"`
}

type DayView struct {
	Record        DailyRecord `json:"record"`
	Phase         Phase       `json:"phase"`
	LockedModules []Module    `json:"locked_modules"`
	InFlight      []Module    `json:"in_flight,omitempty"`
	Reconciled    bool        `json:"reconciled"`
	Summary       *DaySummary `json:"summary,omitempty"`
}

// DaySummary is the read-only picture served once a day is locked.
type DaySummary struct {
	UserID          string          `json:"user_id"`
	RecordDate      string          `json:"record_date"`
	Locked          bool            `json:"locked"`
	TotalIncome     decimal.Decimal `json:"total_income"`
	TotalExpense    decimal.Decimal `json:"total_expense"`
	CogsToday       decimal.Decimal `json:"cogs_today"`
	EstimatedProfit decimal.Decimal `json:"estimated_profit"`
	UnitsSold       int             `json:"units_sold"`
	Lines           []SummaryLine   `json:"lines"`
}

type SummaryLine struct {
	Section string `json:"section"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

type FieldUpdateRequest struct {
	Module string  `json:"module" validate:"required,oneof=income bing tang mixian chaomian raw fixed cons other"`
	Column string  `json:"column" validate:"required,max=64"`
	Value  *string `json:"value,omitempty" validate:"required_without=Delta,omitempty,max=64"`
	Delta  *int    `json:"delta,omitempty" validate:"required_without=Value,omitempty,min=-1000,max=1000"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated user behind a request.
type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64"`
	Password string `json:"password" validate:"required,min=6,max=128"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleOwner = "owner"
	RoleStaff = "staff"
)
