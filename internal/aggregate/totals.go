// Package aggregate derives subtotals and day-level figures from a record's
// leaf fields. Every function here is pure.
package aggregate

import (
	"github.com/shopspring/decimal"

	"mengji/ledger/internal/domain"
	"mengji/ledger/internal/normalize"
)

// AmortizationDays spreads fixed monthly costs over a 30-day month.
const AmortizationDays = 30

var amortization = decimal.NewFromInt(AmortizationDays)

func Compute(rec domain.DailyRecord) domain.Totals {
	t := domain.Totals{
		TotalIncome:   Income(rec.Income),
		BingCount:     Bing(rec.Bing),
		TangCount:     Tang(rec.Tang),
		MixianCount:   Mixian(rec.Mixian),
		ChaomianCount: Chaomian(rec.Chaomian),
		ExpenseRaw:    Raw(rec.Raw),
		ExpenseFix:    Fixed(rec.Fixed),
		ExpenseCons:   Cons(rec.Cons),
		ExpenseOther:  Other(rec.Other),
	}
	t.TotalSales = t.BingCount + t.TangCount + t.MixianCount + t.ChaomianCount
	t.TotalDailyExpense = decimal.Sum(t.ExpenseRaw, t.ExpenseFix, t.ExpenseCons, t.ExpenseOther)
	t.CogsToday = Cogs(t.ExpenseRaw, t.ExpenseFix)
	t.EstimatedProfit = t.TotalIncome.Sub(t.CogsToday)
	return t
}

// Subtotal returns the subtotal of module m as a decimal, counts included.
func Subtotal(t domain.Totals, m domain.Module) decimal.Decimal {
	switch m {
	case domain.ModuleIncome:
		return t.TotalIncome
	case domain.ModuleBing:
		return decimal.NewFromInt(int64(t.BingCount))
	case domain.ModuleTang:
		return decimal.NewFromInt(int64(t.TangCount))
	case domain.ModuleMixian:
		return decimal.NewFromInt(int64(t.MixianCount))
	case domain.ModuleChaomian:
		return decimal.NewFromInt(int64(t.ChaomianCount))
	case domain.ModuleRaw:
		return t.ExpenseRaw
	case domain.ModuleFixed:
		return t.ExpenseFix
	case domain.ModuleCons:
		return t.ExpenseCons
	case domain.ModuleOther:
		return t.ExpenseOther
	}
	return decimal.Zero
}

func Income(in domain.Income) decimal.Decimal {
	return decimal.Sum(in.Wechat, in.Alipay, in.Cash)
}

func Bing(s domain.BingSales) int {
	return s.Roubing + s.Shouroubing + s.Changdanbing + s.Roudanbing + s.Danbing + s.Changbing
}

func Tang(s domain.TangSales) int {
	return s.Fentang + s.Hundun + s.Mizhou + s.Doujiang + s.Jidantang
}

func Mixian(s domain.MixianSales) int {
	return s.SuSanxian + s.SuSuancai + s.SuMala + s.RouSanxian + s.RouSuancai + s.RouMala + s.Suanlafen
}

func Chaomian(s domain.ChaomianSales) int {
	return s.Xiangcui + s.HefenKuan + s.HefenXi
}

func Raw(e domain.RawExpense) decimal.Decimal {
	return decimal.Sum(e.Veg, e.Meat, e.Egg, e.Noodle, e.Spice, e.Pack)
}

func Fixed(e domain.FixedExpense) decimal.Decimal {
	return decimal.Sum(e.Rent, e.Utility, e.Gas, e.Salary)
}

func Cons(e domain.ConsumableExpense) decimal.Decimal {
	return e.Amount
}

func Other(e domain.OtherExpense) decimal.Decimal {
	return e.Amount
}

// Cogs approximates today's cost of goods: raw spend plus one day of fixed costs.
func Cogs(raw, fixed decimal.Decimal) decimal.Decimal {
	return raw.Add(fixed.Div(amortization))
}

// HasContent reports whether a record carries anything worth finalizing:
// income, at least one unit sold, or a populated expense module.
func HasContent(t domain.Totals) bool {
	if t.TotalIncome.IsPositive() || t.TotalSales > 0 {
		return true
	}
	for _, sub := range []decimal.Decimal{t.ExpenseRaw, t.ExpenseFix, t.ExpenseCons, t.ExpenseOther} {
		if sub.IsPositive() {
			return true
		}
	}
	return false
}

// Summarize builds the read-only day summary.
func Summarize(rec domain.DailyRecord) domain.DaySummary {
	t := Compute(rec)
	return domain.DaySummary{
		UserID:          rec.UserID,
		RecordDate:      rec.RecordDate,
		Locked:          rec.IsLocked,
		TotalIncome:     t.TotalIncome,
		TotalExpense:    t.TotalDailyExpense,
		CogsToday:       t.CogsToday,
		EstimatedProfit: t.EstimatedProfit,
		UnitsSold:       t.TotalSales,
		Lines:           summaryLines(rec, t),
	}
}

func summaryLines(rec domain.DailyRecord, t domain.Totals) []domain.SummaryLine {
	lines := make([]domain.SummaryLine, 0, 64)
	for _, m := range domain.Modules {
		for _, c := range rec.Columns(m) {
			lines = append(lines, domain.SummaryLine{Section: string(m), Key: c.Name, Value: display(c)})
		}
		sub := rec.SubtotalColumn(m)
		lines = append(lines, domain.SummaryLine{Section: string(m), Key: sub.Name, Value: displayTotal(t, m)})
	}
	lines = append(lines,
		domain.SummaryLine{Section: "summary", Key: "total_sales", Value: decimal.NewFromInt(int64(t.TotalSales)).String()},
		domain.SummaryLine{Section: "summary", Key: "total_daily_expense", Value: normalize.Display(t.TotalDailyExpense)},
		domain.SummaryLine{Section: "summary", Key: "cogs_today", Value: normalize.Display(t.CogsToday)},
		domain.SummaryLine{Section: "summary", Key: "estimated_profit", Value: normalize.Display(t.EstimatedProfit)},
	)
	return lines
}

func display(c domain.Column) string {
	switch c.Kind {
	case domain.KindAmount:
		return normalize.Display(c.Amount())
	case domain.KindCount:
		return decimal.NewFromInt(int64(c.Count())).String()
	}
	if s, ok := c.Value().(string); ok {
		return s
	}
	return ""
}

func displayTotal(t domain.Totals, m domain.Module) string {
	sub := Subtotal(t, m)
	if m.IsSales() {
		return sub.String()
	}
	return normalize.Display(sub)
}
