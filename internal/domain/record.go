package domain

import "github.com/shopspring/decimal"

type ColumnKind int

const (
	KindAmount ColumnKind = iota
	KindCount
	KindText
	KindDuration
)

// Column is a named leaf of a DailyRecord bound to the record it was taken
// from. Setting a column writes through to that record.
type Column struct {
	Module   Module
	Name     string
	Kind     ColumnKind
	amount   *decimal.Decimal
	count    *int
	text     *string
	duration *ConsumableDuration
}

func amountColumn(m Module, name string, v *decimal.Decimal) Column {
	return Column{Module: m, Name: name, Kind: KindAmount, amount: v}
}

func countColumn(m Module, name string, v *int) Column {
	return Column{Module: m, Name: name, Kind: KindCount, count: v}
}

func textColumn(m Module, name string, v *string) Column {
	return Column{Module: m, Name: name, Kind: KindText, text: v}
}

// Value returns the column value in a form database/sql can bind.
func (c Column) Value() any {
	switch c.Kind {
	case KindAmount:
		return *c.amount
	case KindCount:
		return *c.count
	case KindText:
		return *c.text
	case KindDuration:
		return string(*c.duration)
	}
	return nil
}

// Dest returns a pointer suitable for database/sql Scan.
func (c Column) Dest() any {
	switch c.Kind {
	case KindAmount:
		return c.amount
	case KindCount:
		return c.count
	case KindText:
		return c.text
	case KindDuration:
		return (*string)(c.duration)
	}
	return nil
}

func (c Column) Amount() decimal.Decimal {
	if c.amount == nil {
		return decimal.Zero
	}
	return *c.amount
}

func (c Column) Count() int {
	if c.count == nil {
		return 0
	}
	return *c.count
}

func (c Column) SetAmount(v decimal.Decimal) { *c.amount = v }

func (c Column) SetCount(v int) { *c.count = v }

func (c Column) SetText(v string) { *c.text = v }

func (c Column) SetDuration(v ConsumableDuration) { *c.duration = v }

// Columns returns the leaf columns owned by module m.
func (r *DailyRecord) Columns(m Module) []Column {
	switch m {
	case ModuleIncome:
		return []Column{
			amountColumn(m, "income_wechat", &r.Income.Wechat),
			amountColumn(m, "income_alipay", &r.Income.Alipay),
			amountColumn(m, "income_cash", &r.Income.Cash),
		}
	case ModuleBing:
		return []Column{
			countColumn(m, "sku_roubing", &r.Bing.Roubing),
			countColumn(m, "sku_shouroubing", &r.Bing.Shouroubing),
			countColumn(m, "sku_changdanbing", &r.Bing.Changdanbing),
			countColumn(m, "sku_roudanbing", &r.Bing.Roudanbing),
			countColumn(m, "sku_danbing", &r.Bing.Danbing),
			countColumn(m, "sku_changbing", &r.Bing.Changbing),
		}
	case ModuleTang:
		return []Column{
			countColumn(m, "sku_fentang", &r.Tang.Fentang),
			countColumn(m, "sku_hundun", &r.Tang.Hundun),
			countColumn(m, "sku_mizhou", &r.Tang.Mizhou),
			countColumn(m, "sku_doujiang", &r.Tang.Doujiang),
			countColumn(m, "sku_jidantang", &r.Tang.Jidantang),
		}
	case ModuleMixian:
		return []Column{
			countColumn(m, "sku_mixian_su_sanxian", &r.Mixian.SuSanxian),
			countColumn(m, "sku_mixian_su_suancai", &r.Mixian.SuSuancai),
			countColumn(m, "sku_mixian_su_mala", &r.Mixian.SuMala),
			countColumn(m, "sku_mixian_rou_sanxian", &r.Mixian.RouSanxian),
			countColumn(m, "sku_mixian_rou_suancai", &r.Mixian.RouSuancai),
			countColumn(m, "sku_mixian_rou_mala", &r.Mixian.RouMala),
			countColumn(m, "sku_suanlafen", &r.Mixian.Suanlafen),
		}
	case ModuleChaomian:
		return []Column{
			countColumn(m, "sku_chaomian_xiangcui", &r.Chaomian.Xiangcui),
			countColumn(m, "sku_chaohefen_kuan", &r.Chaomian.HefenKuan),
			countColumn(m, "sku_chaohefen_xi", &r.Chaomian.HefenXi),
		}
	case ModuleRaw:
		return []Column{
			amountColumn(m, "exp_raw_veg", &r.Raw.Veg),
			amountColumn(m, "exp_raw_meat", &r.Raw.Meat),
			amountColumn(m, "exp_raw_egg", &r.Raw.Egg),
			amountColumn(m, "exp_raw_noodle", &r.Raw.Noodle),
			amountColumn(m, "exp_raw_spice", &r.Raw.Spice),
			amountColumn(m, "exp_raw_pack", &r.Raw.Pack),
		}
	case ModuleFixed:
		return []Column{
			amountColumn(m, "exp_fix_rent", &r.Fixed.Rent),
			amountColumn(m, "exp_fix_utility", &r.Fixed.Utility),
			amountColumn(m, "exp_fix_gas", &r.Fixed.Gas),
			amountColumn(m, "exp_fix_salary", &r.Fixed.Salary),
		}
	case ModuleCons:
		return []Column{
			textColumn(m, "exp_cons_name", &r.Cons.Name),
			amountColumn(m, "exp_cons_amount", &r.Cons.Amount),
			{Module: m, Name: "exp_cons_duration", Kind: KindDuration, duration: &r.Cons.Duration},
		}
	case ModuleOther:
		return []Column{
			textColumn(m, "exp_other_name", &r.Other.Name),
			amountColumn(m, "exp_other_amount", &r.Other.Amount),
		}
	}
	return nil
}

// Column looks up a single leaf column of module m by name.
func (r *DailyRecord) Column(m Module, name string) (Column, bool) {
	for _, c := range r.Columns(m) {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// SubtotalColumn returns the stored subtotal owned by module m.
func (r *DailyRecord) SubtotalColumn(m Module) Column {
	switch m {
	case ModuleIncome:
		return amountColumn(m, "total_income", &r.Totals.TotalIncome)
	case ModuleBing:
		return countColumn(m, "total_bing_count", &r.Totals.BingCount)
	case ModuleTang:
		return countColumn(m, "total_tang_count", &r.Totals.TangCount)
	case ModuleMixian:
		return countColumn(m, "total_mixian_count", &r.Totals.MixianCount)
	case ModuleChaomian:
		return countColumn(m, "total_chaomian_count", &r.Totals.ChaomianCount)
	case ModuleRaw:
		return amountColumn(m, "total_expense_raw", &r.Totals.ExpenseRaw)
	case ModuleFixed:
		return amountColumn(m, "total_expense_fix", &r.Totals.ExpenseFix)
	case ModuleCons:
		return amountColumn(m, "total_expense_cons", &r.Totals.ExpenseCons)
	case ModuleOther:
		return amountColumn(m, "total_expense_other", &r.Totals.ExpenseOther)
	}
	return Column{}
}

// GrandTotalColumns returns the derived columns that span modules.
func (r *DailyRecord) GrandTotalColumns() []Column {
	return []Column{
		countColumn("", "total_sales", &r.Totals.TotalSales),
		amountColumn("", "total_daily_expense", &r.Totals.TotalDailyExpense),
		amountColumn("", "cogs_today", &r.Totals.CogsToday),
		amountColumn("", "estimated_profit", &r.Totals.EstimatedProfit),
	}
}

// AllColumns lists every leaf and subtotal column, module by module.
func (r *DailyRecord) AllColumns() []Column {
	out := make([]Column, 0, 64)
	for _, m := range Modules {
		out = append(out, r.Columns(m)...)
		out = append(out, r.SubtotalColumn(m))
	}
	return out
}

// CopyModule overwrites the leaves and subtotal of module m with those of src.
func (r *DailyRecord) CopyModule(m Module, src *DailyRecord) {
	switch m {
	case ModuleIncome:
		r.Income = src.Income
		r.Totals.TotalIncome = src.Totals.TotalIncome
	case ModuleBing:
		r.Bing = src.Bing
		r.Totals.BingCount = src.Totals.BingCount
	case ModuleTang:
		r.Tang = src.Tang
		r.Totals.TangCount = src.Totals.TangCount
	case ModuleMixian:
		r.Mixian = src.Mixian
		r.Totals.MixianCount = src.Totals.MixianCount
	case ModuleChaomian:
		r.Chaomian = src.Chaomian
		r.Totals.ChaomianCount = src.Totals.ChaomianCount
	case ModuleRaw:
		r.Raw = src.Raw
		r.Totals.ExpenseRaw = src.Totals.ExpenseRaw
	case ModuleFixed:
		r.Fixed = src.Fixed
		r.Totals.ExpenseFix = src.Totals.ExpenseFix
	case ModuleCons:
		r.Cons = src.Cons
		r.Totals.ExpenseCons = src.Totals.ExpenseCons
	case ModuleOther:
		r.Other = src.Other
		r.Totals.ExpenseOther = src.Totals.ExpenseOther
	}
}

// SameModule reports whether module m holds the same leaf values in r and other.
func (r *DailyRecord) SameModule(m Module, other *DailyRecord) bool {
	mine, theirs := r.Columns(m), other.Columns(m)
	if len(mine) != len(theirs) {
		return false
	}
	for i, c := range mine {
		if c.Kind == KindAmount {
			if !c.Amount().Equal(theirs[i].Amount()) {
				return false
			}
			continue
		}
		if c.Value() != theirs[i].Value() {
			return false
		}
	}
	return true
}

// LockColumn names the per-module lock flag column.
func LockColumn(m Module) string {
	return "lock_" + string(m)
}

// ModulePatch is a partial write of one module's slice against the
// (user, date) row. Gateways write only the columns it lists.
type ModulePatch struct {
	UserID     string
	RecordDate string
	Module     Module
	Slice      DailyRecord
}

// NewModulePatch copies module m and its subtotal out of draft.
func NewModulePatch(userID, recordDate string, m Module, draft DailyRecord, totals Totals) ModulePatch {
	src := draft
	src.Totals = totals
	patch := ModulePatch{UserID: userID, RecordDate: recordDate, Module: m}
	patch.Slice.UserID = userID
	patch.Slice.RecordDate = recordDate
	patch.Slice.CopyModule(m, &src)
	return patch
}

// Columns lists the leaf columns of the patched module followed by its subtotal.
func (p *ModulePatch) Columns() []Column {
	cols := p.Slice.Columns(p.Module)
	return append(cols, p.Slice.SubtotalColumn(p.Module))
}

// Snapshot is the full-row write performed when a day is finalized.
type Snapshot struct {
	Record DailyRecord
}

// NewSnapshot builds a locked full snapshot of draft with the given totals.
func NewSnapshot(userID, recordDate string, draft DailyRecord, totals Totals) Snapshot {
	rec := draft
	rec.UserID = userID
	rec.RecordDate = recordDate
	rec.Totals = totals
	rec.LockedModules = append([]Module(nil), Modules...)
	rec.IsLocked = true
	return Snapshot{Record: rec}
}
