// Package pricing holds the pure price and quantity math used by the sale
// engine. Nothing here touches storage; callers load whatever rows they need
// and pass them in.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/lautaro2705-commits/dietetica-erp/internal/domain"
)

var ErrNoBulkContent = errors.New("product has no bulk content")

var oneHundred = decimal.NewFromInt(100)

// RetailPrice is cost plus the product's retail markup, rounded to cents.
func RetailPrice(p domain.Product) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(p.RetailMarkupPct.Div(oneHundred))
	return p.CostPrice.Mul(factor).Round(2)
}

// ResolveUnitPrice picks the unit price for a whole-unit line.
// Priority: customer special price, then customer general discount applied
// to the wholesale price, then the sale type's normal price.
func ResolveUnitPrice(p domain.Product, saleType string, customer *domain.Customer, special *domain.SpecialPrice) decimal.Decimal {
	if special != nil {
		return special.Price.Round(2)
	}
	if customer != nil && customer.DiscountPct.IsPositive() {
		factor := decimal.NewFromInt(1).Sub(customer.DiscountPct.Div(oneHundred))
		return p.WholesalePrice.Mul(factor).Round(2)
	}
	if saleType == domain.SaleTypeRetail {
		return RetailPrice(p)
	}
	return p.WholesalePrice.Round(2)
}

// FractionPrice prices one fraction of a bulk product. An explicit override
// wins and is returned exactly as stored; otherwise the price is derived
// from cost per bulk unit plus the retail markup, rounded to cents.
// Customer discounts and special prices do not apply to fractions.
func FractionPrice(p domain.Product, f domain.Fraction) (decimal.Decimal, error) {
	if f.PriceOverride != nil {
		return *f.PriceOverride, nil
	}
	if !p.BulkContent.IsPositive() {
		return decimal.Zero, ErrNoBulkContent
	}
	perUnit := p.CostPrice.Div(p.BulkContent)
	factor := decimal.NewFromInt(1).Add(p.RetailMarkupPct.Div(oneHundred))
	return perUnit.Mul(f.Qty).Mul(factor).Round(2), nil
}

// FractionCost is the frozen cost snapshot for a fraction line, the share
// of the parent's cost the fraction represents.
func FractionCost(p domain.Product, f domain.Fraction) (decimal.Decimal, error) {
	if !p.BulkContent.IsPositive() {
		return decimal.Zero, ErrNoBulkContent
	}
	return p.CostPrice.Div(p.BulkContent).Mul(f.Qty).Round(2), nil
}

// StockDebit converts a line quantity into the amount of bulk stock it
// consumes. Fraction lines scale by fraction qty over bulk content; whole
// lines debit one to one.
func StockDebit(p domain.Product, f *domain.Fraction, qty decimal.Decimal) (decimal.Decimal, error) {
	if f == nil {
		return qty, nil
	}
	if !p.BulkContent.IsPositive() {
		return decimal.Zero, ErrNoBulkContent
	}
	return f.Qty.Mul(qty).Div(p.BulkContent), nil
}

// LineTotal is the frozen unit price times quantity, rounded to cents.
func LineTotal(unitPrice, qty decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(qty).Round(2)
}
