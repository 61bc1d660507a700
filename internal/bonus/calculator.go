package bonus

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	CategoryA = "A"
	CategoryB = "B"
)

var cyrillicFold = strings.NewReplacer("А", "A", "а", "A", "В", "B", "в", "B")

// Normalize folds Cyrillic А/В to Latin, trims and upper-cases a bonus code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(cyrillicFold.Replace(code)))
}

// Category returns "A" or "B" for a normalized code and "" for anything else.
func Category(normalized string) string {
	if normalized == "" {
		return ""
	}
	switch normalized[:1] {
	case CategoryA:
		return CategoryA
	case CategoryB:
		return CategoryB
	}
	return ""
}

type LineItem struct {
	ProductID int64
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	// BonusCode is nil when the catalog record is missing or carries no code.
	BonusCode *string
}

type Totals struct {
	TurnoverA decimal.Decimal
	TurnoverB decimal.Decimal
	BonusA    decimal.Decimal
	BonusB    decimal.Decimal
	Quantity  decimal.Decimal
}

// Calculate sums turnover and bonus per category. Quantity counts every line,
// including ones without a usable code. Rounding happens once on the totals.
func Calculate(items []LineItem, rates map[string]decimal.Decimal) Totals {
	var t Totals
	for _, item := range items {
		t.Quantity = t.Quantity.Add(item.Quantity)

		if item.BonusCode == nil {
			continue
		}
		code := Normalize(*item.BonusCode)
		if code == "" {
			continue
		}

		turnover := item.Quantity.Mul(item.Price)
		amount := item.Quantity.Mul(rates[code])

		switch Category(code) {
		case CategoryA:
			t.TurnoverA = t.TurnoverA.Add(turnover)
			t.BonusA = t.BonusA.Add(amount)
		case CategoryB:
			t.TurnoverB = t.TurnoverB.Add(turnover)
			t.BonusB = t.BonusB.Add(amount)
		}
	}

	t.TurnoverA = t.TurnoverA.Round(2)
	t.TurnoverB = t.TurnoverB.Round(2)
	t.BonusA = t.BonusA.Round(2)
	t.BonusB = t.BonusB.Round(2)
	t.Quantity = t.Quantity.Round(2)
	return t
}

// ClientBonus applies a percentage rate to the combined A and B turnover.
func ClientBonus(t Totals, ratePercent decimal.Decimal) decimal.Decimal {
	return t.TurnoverA.Add(t.TurnoverB).Mul(ratePercent).Div(decimal.NewFromInt(100)).Round(2)
}
