package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lautaro2705-commits/dietetica-erp/internal/domain"
)

func d(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	parsed, err := decimal.NewFromString(v)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", v, err)
	}
	return parsed
}

func sampleProduct(t *testing.T) domain.Product {
	return domain.Product{
		ID:              "prod-1",
		BulkContent:     d(t, "25"),
		CostPrice:       d(t, "100"),
		WholesalePrice:  d(t, "120"),
		RetailMarkupPct: d(t, "30"),
	}
}

func TestRetailPrice(t *testing.T) {
	got := RetailPrice(sampleProduct(t))
	if !got.Equal(d(t, "130")) {
		t.Fatalf("expected 130, got %s", got)
	}
}

func TestResolveUnitPricePriority(t *testing.T) {
	p := sampleProduct(t)
	customer := &domain.Customer{DiscountPct: d(t, "10")}
	special := &domain.SpecialPrice{Price: d(t, "95")}

	if got := ResolveUnitPrice(p, domain.SaleTypeWholesale, nil, nil); !got.Equal(d(t, "120")) {
		t.Fatalf("wholesale base: expected 120, got %s", got)
	}
	if got := ResolveUnitPrice(p, domain.SaleTypeRetail, nil, nil); !got.Equal(d(t, "130")) {
		t.Fatalf("retail base: expected 130, got %s", got)
	}
	if got := ResolveUnitPrice(p, domain.SaleTypeWholesale, customer, nil); !got.Equal(d(t, "108")) {
		t.Fatalf("discount: expected 108, got %s", got)
	}
	if got := ResolveUnitPrice(p, domain.SaleTypeRetail, customer, special); !got.Equal(d(t, "95")) {
		t.Fatalf("special price must win: expected 95, got %s", got)
	}
}

func TestResolveUnitPriceZeroDiscountFallsThrough(t *testing.T) {
	p := sampleProduct(t)
	customer := &domain.Customer{DiscountPct: decimal.Zero}

	if got := ResolveUnitPrice(p, domain.SaleTypeRetail, customer, nil); !got.Equal(d(t, "130")) {
		t.Fatalf("expected retail 130 for zero-discount customer, got %s", got)
	}
}

func TestFractionPriceDerived(t *testing.T) {
	p := sampleProduct(t)
	f := domain.Fraction{Qty: d(t, "5")}

	got, err := FractionPrice(p, f)
	if err != nil {
		t.Fatalf("fraction price failed: %v", err)
	}
	// (100 / 25) * 5 * 1.30 = 26.00
	if !got.Equal(d(t, "26")) {
		t.Fatalf("expected 26, got %s", got)
	}
}

func TestFractionPriceOverrideWins(t *testing.T) {
	p := sampleProduct(t)
	override := d(t, "24.5")
	f := domain.Fraction{Qty: d(t, "5"), PriceOverride: &override}

	got, err := FractionPrice(p, f)
	if err != nil {
		t.Fatalf("fraction price failed: %v", err)
	}
	if !got.Equal(d(t, "24.5")) {
		t.Fatalf("expected override 24.5, got %s", got)
	}
}

func TestFractionPriceOverrideReturnedAsStored(t *testing.T) {
	p := sampleProduct(t)
	override := d(t, "24.555")
	f := domain.Fraction{Qty: d(t, "5"), PriceOverride: &override}

	got, err := FractionPrice(p, f)
	if err != nil {
		t.Fatalf("fraction price failed: %v", err)
	}
	if !got.Equal(override) {
		t.Fatalf("override must not be rounded: expected 24.555, got %s", got)
	}
}

func TestFractionCost(t *testing.T) {
	p := sampleProduct(t)
	f := domain.Fraction{Qty: d(t, "5")}

	got, err := FractionCost(p, f)
	if err != nil {
		t.Fatalf("fraction cost failed: %v", err)
	}
	// (100 / 25) * 5 = 20.00
	if !got.Equal(d(t, "20")) {
		t.Fatalf("expected 20, got %s", got)
	}

	if _, err := FractionCost(domain.Product{CostPrice: d(t, "100")}, f); !errors.Is(err, ErrNoBulkContent) {
		t.Fatalf("expected ErrNoBulkContent, got %v", err)
	}
}

func TestFractionPriceRounding(t *testing.T) {
	p := domain.Product{
		BulkContent:     d(t, "10"),
		CostPrice:       d(t, "8500"),
		RetailMarkupPct: d(t, "35"),
	}
	f := domain.Fraction{Qty: d(t, "0.25")}

	got, err := FractionPrice(p, f)
	if err != nil {
		t.Fatalf("fraction price failed: %v", err)
	}
	// 850 * 0.25 * 1.35 = 286.875, rounded to cents.
	if !got.Equal(d(t, "286.88")) {
		t.Fatalf("expected 286.88, got %s", got)
	}
}

func TestFractionPriceNeedsBulkContent(t *testing.T) {
	p := domain.Product{CostPrice: d(t, "100")}
	f := domain.Fraction{Qty: d(t, "1")}

	if _, err := FractionPrice(p, f); !errors.Is(err, ErrNoBulkContent) {
		t.Fatalf("expected ErrNoBulkContent, got %v", err)
	}
}

func TestStockDebit(t *testing.T) {
	p := sampleProduct(t)

	whole, err := StockDebit(p, nil, d(t, "3"))
	if err != nil {
		t.Fatalf("whole-unit debit failed: %v", err)
	}
	if !whole.Equal(d(t, "3")) {
		t.Fatalf("expected whole-unit debit 3, got %s", whole)
	}

	f := &domain.Fraction{Qty: d(t, "5")}
	frac, err := StockDebit(p, f, d(t, "2"))
	if err != nil {
		t.Fatalf("fraction debit failed: %v", err)
	}
	// 5 * 2 / 25 = 0.4 bulk units.
	if !frac.Equal(d(t, "0.4")) {
		t.Fatalf("expected fraction debit 0.4, got %s", frac)
	}

	if _, err := StockDebit(domain.Product{}, f, d(t, "1")); !errors.Is(err, ErrNoBulkContent) {
		t.Fatalf("expected ErrNoBulkContent, got %v", err)
	}
}

func TestLineTotalRounds(t *testing.T) {
	got := LineTotal(d(t, "573.75"), d(t, "3"))
	if !got.Equal(d(t, "1721.25")) {
		t.Fatalf("expected 1721.25, got %s", got)
	}
}
