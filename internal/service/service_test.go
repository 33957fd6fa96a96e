package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lautaro2705-commits/dietetica-erp/internal/cache"
	"github.com/lautaro2705-commits/dietetica-erp/internal/domain"
	"github.com/lautaro2705-commits/dietetica-erp/internal/store"
	"github.com/lautaro2705-commits/dietetica-erp/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), cache.NoopSummaryCache{}, 0)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func sellerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "seller", Role: "seller"})
}

func dec(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", v, err)
	}
	return d
}

func TestCreateSaleRequiresActor(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(context.Background(), domain.SaleRequest{
		SaleType: "wholesale",
		Lines:    []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "1")}},
	})
	if err == nil {
		t.Fatalf("expected sale without actor to fail")
	}
}

func TestCreateSaleRejectsEmptyLines(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for empty sale, got %v", err)
	}
}

func TestCreateSaleWholesalePricing(t *testing.T) {
	svc := newTestService()

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "2")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// Seeded almendras sell wholesale at 9800 per bulk unit.
	if !sale.Total.Equal(dec(t, "19600")) {
		t.Fatalf("expected total 19600, got %s", sale.Total)
	}
	if len(sale.Lines) != 1 || !sale.Lines[0].UnitPrice.Equal(dec(t, "9800")) {
		t.Fatalf("unexpected line pricing: %+v", sale.Lines)
	}

	product, err := svc.GetProduct(context.Background(), "prod-almendras")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.Stock.Equal(dec(t, "38")) {
		t.Fatalf("expected stock 38 after sale, got %s", product.Stock)
	}
}

func TestCreateSaleRetailUsesMarkup(t *testing.T) {
	svc := newTestService()

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "retail",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "1")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// cost 8500 with 35% markup.
	if !sale.Lines[0].UnitPrice.Equal(dec(t, "11475")) {
		t.Fatalf("expected retail price 11475, got %s", sale.Lines[0].UnitPrice)
	}
}

func TestCreateSaleFractionPricingAndStock(t *testing.T) {
	svc := newTestService()

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "retail",
		PaymentMethod: "cash",
		Lines: []domain.SaleLineRequest{
			{ProductID: "prod-almendras", FractionID: "frac-alm-500", Qty: dec(t, "2")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// (8500 / 10) * 0.5 * 1.35 = 573.75 per 500 g bag.
	if !sale.Lines[0].UnitPrice.Equal(dec(t, "573.75")) {
		t.Fatalf("expected fraction price 573.75, got %s", sale.Lines[0].UnitPrice)
	}
	if !sale.Total.Equal(dec(t, "1147.5")) {
		t.Fatalf("expected total 1147.5, got %s", sale.Total)
	}

	// Two 500 g bags consume 1 kg out of a 10 kg bulk unit.
	product, err := svc.GetProduct(context.Background(), "prod-almendras")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.Stock.Equal(dec(t, "39.9")) {
		t.Fatalf("expected stock 39.9 after fraction sale, got %s", product.Stock)
	}
}

func TestCreateSaleFractionLineFreezesAdjustedCost(t *testing.T) {
	svc := newTestService()

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "retail",
		PaymentMethod: "cash",
		Lines: []domain.SaleLineRequest{
			{ProductID: "prod-almendras", FractionID: "frac-alm-500", Qty: dec(t, "1")},
			{ProductID: "prod-almendras", Qty: dec(t, "1")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// The frozen cost of a 500 g bag is its share of the bulk cost:
	// (8500 / 10) * 0.5 = 425, not the full-bag 8500.
	if !sale.Lines[0].UnitCost.Equal(dec(t, "425")) {
		t.Fatalf("expected fraction unit cost 425, got %s", sale.Lines[0].UnitCost)
	}
	if !sale.Lines[1].UnitCost.Equal(dec(t, "8500")) {
		t.Fatalf("expected whole-unit cost 8500, got %s", sale.Lines[1].UnitCost)
	}
}

func TestCreateSaleInsufficientStock(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "41")}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}

	var stockErr *store.StockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected StockError detail, got %v", err)
	}
	if stockErr.ProductID != "prod-almendras" || !stockErr.Available.Equal(dec(t, "40")) {
		t.Fatalf("unexpected stock error detail: %+v", stockErr)
	}

	// A failed sale must leave stock untouched.
	product, err := svc.GetProduct(context.Background(), "prod-almendras")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.Stock.Equal(dec(t, "40")) {
		t.Fatalf("expected stock 40 after failed sale, got %s", product.Stock)
	}
}

func TestCreateSaleAtomicAcrossLines(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines: []domain.SaleLineRequest{
			{ProductID: "prod-harina-int", Qty: dec(t, "5")},
			{ProductID: "prod-cocoa", Qty: dec(t, "99")},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}

	product, err := svc.GetProduct(context.Background(), "prod-harina-int")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.Stock.Equal(dec(t, "120")) {
		t.Fatalf("first line must not be applied when a later line fails, stock=%s", product.Stock)
	}
}

func TestCustomerDiscountAppliesToWholeUnitsOnly(t *testing.T) {
	svc := newTestService()

	customer, err := svc.CreateCustomer(sellerCtx(), domain.CustomerCreateRequest{
		Name:        "Almacen El Sol",
		DiscountPct: dec(t, "10"),
	})
	if err != nil {
		t.Fatalf("create customer failed: %v", err)
	}

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		CustomerID:    customer.ID,
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines: []domain.SaleLineRequest{
			{ProductID: "prod-almendras", Qty: dec(t, "1")},
			{ProductID: "prod-almendras", FractionID: "frac-alm-500", Qty: dec(t, "1")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// 9800 minus 10% on the whole unit, fraction price untouched.
	if !sale.Lines[0].UnitPrice.Equal(dec(t, "8820")) {
		t.Fatalf("expected discounted price 8820, got %s", sale.Lines[0].UnitPrice)
	}
	if !sale.Lines[1].UnitPrice.Equal(dec(t, "573.75")) {
		t.Fatalf("fraction price must ignore customer discount, got %s", sale.Lines[1].UnitPrice)
	}
}

func TestSpecialPriceBeatsDiscount(t *testing.T) {
	svc := newTestService()

	customer, err := svc.CreateCustomer(sellerCtx(), domain.CustomerCreateRequest{
		Name:        "Dietetica Centro",
		DiscountPct: dec(t, "15"),
	})
	if err != nil {
		t.Fatalf("create customer failed: %v", err)
	}
	if _, err := svc.SetSpecialPrice(adminCtx(), domain.SpecialPriceRequest{
		CustomerID: customer.ID,
		ProductID:  "prod-almendras",
		Price:      dec(t, "9000"),
	}); err != nil {
		t.Fatalf("set special price failed: %v", err)
	}

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		CustomerID:    customer.ID,
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "1")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if !sale.Lines[0].UnitPrice.Equal(dec(t, "9000")) {
		t.Fatalf("expected special price 9000, got %s", sale.Lines[0].UnitPrice)
	}
}

func TestOnAccountSaleAndPayment(t *testing.T) {
	svc := newTestService()

	customer, err := svc.CreateCustomer(sellerCtx(), domain.CustomerCreateRequest{Name: "Cliente Cuenta"})
	if err != nil {
		t.Fatalf("create customer failed: %v", err)
	}

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		CustomerID:    customer.ID,
		SaleType:      "wholesale",
		PaymentMethod: "on_account",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "1")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	got, err := svc.GetCustomer(context.Background(), customer.ID)
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if !got.Balance.Equal(sale.Total) {
		t.Fatalf("expected balance %s, got %s", sale.Total, got.Balance)
	}

	if _, err := svc.RegisterCustomerPayment(sellerCtx(), domain.CustomerPaymentRequest{
		CustomerID: customer.ID,
		Amount:     dec(t, "5000"),
	}); err != nil {
		t.Fatalf("register payment failed: %v", err)
	}

	got, err = svc.GetCustomer(context.Background(), customer.ID)
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if !got.Balance.Equal(sale.Total.Sub(dec(t, "5000"))) {
		t.Fatalf("expected balance %s, got %s", sale.Total.Sub(dec(t, "5000")), got.Balance)
	}

	entries, err := svc.ListAccountEntries(context.Background(), customer.ID, 10)
	if err != nil {
		t.Fatalf("list entries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 account entries, got %d", len(entries))
	}
}

func TestOnAccountSaleRequiresCustomer(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "on_account",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "1")}},
	})
	if err == nil {
		t.Fatalf("expected on_account sale without customer to fail")
	}
}

func TestVoidOnAccountSaleReversesBalance(t *testing.T) {
	svc := newTestService()

	customer, err := svc.CreateCustomer(sellerCtx(), domain.CustomerCreateRequest{Name: "Cliente Anulado"})
	if err != nil {
		t.Fatalf("create customer failed: %v", err)
	}
	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		CustomerID:    customer.ID,
		SaleType:      "wholesale",
		PaymentMethod: "on_account",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "2")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if _, err := svc.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID, Reason: "customer cancelled"}); err != nil {
		t.Fatalf("void sale failed: %v", err)
	}

	got, err := svc.GetCustomer(context.Background(), customer.ID)
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if !got.Balance.IsZero() {
		t.Fatalf("expected balance back to zero after void, got %s", got.Balance)
	}

	movements, err := svc.ListStockMovements(context.Background(), "prod-almendras", 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	var outs, ins int
	for _, m := range movements {
		switch m.Kind {
		case domain.MovementOut:
			outs++
		case domain.MovementIn:
			ins++
		}
	}
	if outs != 1 || ins != 2 {
		t.Fatalf("expected sale out + seed/void ins, got %d out / %d in", outs, ins)
	}
}

func TestVoidSaleRestoresStockOnce(t *testing.T) {
	svc := newTestService()

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "3")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	voided, err := svc.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID, Reason: "typing error"})
	if err != nil {
		t.Fatalf("void sale failed: %v", err)
	}
	if voided.Status != domain.SaleStatusVoided {
		t.Fatalf("expected voided status, got %s", voided.Status)
	}

	product, err := svc.GetProduct(context.Background(), "prod-almendras")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.Stock.Equal(dec(t, "40")) {
		t.Fatalf("expected stock restored to 40, got %s", product.Stock)
	}

	_, err = svc.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID, Reason: "again"})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected second void to fail with invalid sale, got %v", err)
	}

	product, err = svc.GetProduct(context.Background(), "prod-almendras")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.Stock.Equal(dec(t, "40")) {
		t.Fatalf("second void must not re-credit stock, got %s", product.Stock)
	}
}

func TestVoidSaleRequiresAdmin(t *testing.T) {
	svc := newTestService()

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "1")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if _, err := svc.VoidSale(sellerCtx(), domain.VoidSaleRequest{SaleID: sale.ID}); err == nil {
		t.Fatalf("expected void by seller to be rejected")
	}
}

func TestPartialReturnTracksRemainder(t *testing.T) {
	svc := newTestService()

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "4")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	lineID := sale.Lines[0].ID

	ret, err := svc.CreatePartialReturn(adminCtx(), domain.PartialReturnRequest{
		SaleID: sale.ID,
		Reason: "damaged bag",
		Lines:  []domain.ReturnLineRequest{{SaleLineID: lineID, Qty: dec(t, "1")}},
	})
	if err != nil {
		t.Fatalf("partial return failed: %v", err)
	}
	if !ret.Amount.Equal(dec(t, "9800")) {
		t.Fatalf("expected refund 9800, got %s", ret.Amount)
	}

	product, err := svc.GetProduct(context.Background(), "prod-almendras")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.Stock.Equal(dec(t, "37")) {
		t.Fatalf("expected stock 37 after return, got %s", product.Stock)
	}

	// Returning more than the remaining 3 must be rejected.
	_, err = svc.CreatePartialReturn(adminCtx(), domain.PartialReturnRequest{
		SaleID: sale.ID,
		Lines:  []domain.ReturnLineRequest{{SaleLineID: lineID, Qty: dec(t, "4")}},
	})
	if err == nil {
		t.Fatalf("expected over-return to be rejected")
	}

	// Returning exactly the remainder is fine.
	if _, err := svc.CreatePartialReturn(adminCtx(), domain.PartialReturnRequest{
		SaleID: sale.ID,
		Lines:  []domain.ReturnLineRequest{{SaleLineID: lineID, Qty: dec(t, "3")}},
	}); err != nil {
		t.Fatalf("returning the remainder failed: %v", err)
	}

	product, err = svc.GetProduct(context.Background(), "prod-almendras")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.Stock.Equal(dec(t, "40")) {
		t.Fatalf("expected stock back to 40, got %s", product.Stock)
	}
}

func TestVoidAfterPartialReturnCreditsOnlyRemainder(t *testing.T) {
	svc := newTestService()

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "4")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if _, err := svc.CreatePartialReturn(adminCtx(), domain.PartialReturnRequest{
		SaleID: sale.ID,
		Lines:  []domain.ReturnLineRequest{{SaleLineID: sale.Lines[0].ID, Qty: dec(t, "1")}},
	}); err != nil {
		t.Fatalf("partial return failed: %v", err)
	}

	if _, err := svc.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID, Reason: "cancel rest"}); err != nil {
		t.Fatalf("void failed: %v", err)
	}

	// 1 was already credited by the return; the void credits the other 3.
	product, err := svc.GetProduct(context.Background(), "prod-almendras")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.Stock.Equal(dec(t, "40")) {
		t.Fatalf("expected stock exactly 40, got %s", product.Stock)
	}
}

func TestAdjustMovementUsesAbsoluteTarget(t *testing.T) {
	svc := newTestService()

	mv, err := svc.CreateStockMovement(adminCtx(), domain.StockMovementRequest{
		ProductID: "prod-almendras",
		Kind:      "adjust",
		Qty:       dec(t, "37.5"),
		Reason:    "yearly count",
	})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if !mv.StockAfter.Equal(dec(t, "37.5")) {
		t.Fatalf("expected stock after 37.5, got %s", mv.StockAfter)
	}
	if !mv.Qty.Equal(dec(t, "-2.5")) {
		t.Fatalf("expected recorded delta -2.5, got %s", mv.Qty)
	}

	product, err := svc.GetProduct(context.Background(), "prod-almendras")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.Stock.Equal(dec(t, "37.5")) {
		t.Fatalf("expected stock 37.5, got %s", product.Stock)
	}
}

func TestAdjustMovementRequiresAdmin(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateStockMovement(sellerCtx(), domain.StockMovementRequest{
		ProductID: "prod-almendras",
		Kind:      "adjust",
		Qty:       dec(t, "10"),
	})
	if err == nil {
		t.Fatalf("expected adjust by seller to be rejected")
	}
}

func TestOutMovementGuardsStock(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateStockMovement(sellerCtx(), domain.StockMovementRequest{
		ProductID: "prod-cocoa",
		Kind:      "out",
		Qty:       dec(t, "999"),
		Reason:    "spoiled",
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
}

func TestPurchaseIncreasesStockAndUpdatesCost(t *testing.T) {
	svc := newTestService()

	supplier, err := svc.CreateSupplier(adminCtx(), domain.SupplierCreateRequest{Name: "Molinos Sur"})
	if err != nil {
		t.Fatalf("create supplier failed: %v", err)
	}

	purchase, err := svc.CreatePurchase(adminCtx(), domain.PurchaseCreateRequest{
		SupplierID:    supplier.ID,
		InvoiceNumber: "A-0001-00001234",
		Lines: []domain.PurchaseLineRequest{
			{ProductID: "prod-harina-int", Qty: dec(t, "10"), UnitCost: dec(t, "950"), UpdateCost: true},
		},
	})
	if err != nil {
		t.Fatalf("create purchase failed: %v", err)
	}
	if !purchase.Total.Equal(dec(t, "9500")) {
		t.Fatalf("expected purchase total 9500, got %s", purchase.Total)
	}

	product, err := svc.GetProduct(context.Background(), "prod-harina-int")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.Stock.Equal(dec(t, "130")) {
		t.Fatalf("expected stock 130, got %s", product.Stock)
	}
	if !product.CostPrice.Equal(dec(t, "950")) {
		t.Fatalf("expected updated cost 950, got %s", product.CostPrice)
	}

	history, err := svc.ListPriceHistory(context.Background(), "prod-harina-int", 10)
	if err != nil {
		t.Fatalf("list price history failed: %v", err)
	}
	if len(history) == 0 {
		t.Fatalf("expected a price history row for the cost change")
	}
}

func TestBulkUpdatePricesByCategory(t *testing.T) {
	svc := newTestService()

	result, err := svc.BulkUpdatePrices(adminCtx(), domain.BulkPriceUpdateRequest{
		Percent:    dec(t, "10"),
		CategoryID: "cat-frutos-secos",
		Fields:     []string{domain.PriceFieldWholesale},
	})
	if err != nil {
		t.Fatalf("bulk update failed: %v", err)
	}
	if result.Updated != 1 {
		t.Fatalf("expected 1 product updated, got %d", result.Updated)
	}

	product, err := svc.GetProduct(context.Background(), "prod-almendras")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if !product.WholesalePrice.Equal(dec(t, "10780")) {
		t.Fatalf("expected wholesale 10780, got %s", product.WholesalePrice)
	}
	// Cost must be untouched when not listed.
	if !product.CostPrice.Equal(dec(t, "8500")) {
		t.Fatalf("expected cost 8500, got %s", product.CostPrice)
	}
}

func TestQuoteProductPrice(t *testing.T) {
	svc := newTestService()

	quote, err := svc.QuoteProductPrice(context.Background(), "prod-almendras", "retail", "")
	if err != nil {
		t.Fatalf("quote failed: %v", err)
	}
	if !quote.UnitPrice.Equal(dec(t, "11475")) {
		t.Fatalf("expected unit price 11475, got %s", quote.UnitPrice)
	}
	if len(quote.Fractions) != 2 {
		t.Fatalf("expected 2 fraction prices, got %d", len(quote.Fractions))
	}
	for _, f := range quote.Fractions {
		if f.FractionID == "frac-alm-250" && !f.Price.Equal(dec(t, "286.88")) {
			t.Fatalf("expected 250 g price 286.88, got %s", f.Price)
		}
	}
}

func TestRegisterLifecycleExpectedCash(t *testing.T) {
	svc := newTestService()

	if _, err := svc.OpenRegister(sellerCtx(), domain.RegisterOpenRequest{
		OpeningFloat: dec(t, "10000"),
	}); err != nil {
		t.Fatalf("open register failed: %v", err)
	}

	// Opening twice on the same day must fail.
	if _, err := svc.OpenRegister(sellerCtx(), domain.RegisterOpenRequest{OpeningFloat: dec(t, "1")}); err == nil {
		t.Fatalf("expected second open to fail")
	}

	if _, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "1")}},
	}); err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// Transfer sales never count towards expected cash.
	if _, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "transfer",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-harina-int", Qty: dec(t, "1")}},
	}); err != nil {
		t.Fatalf("create transfer sale failed: %v", err)
	}

	if _, err := svc.CreateExpense(sellerCtx(), domain.ExpenseCreateRequest{
		Description: "bolsas kraft",
		Amount:      dec(t, "1500"),
	}); err != nil {
		t.Fatalf("create expense failed: %v", err)
	}

	if _, err := svc.AddRegisterWithdrawal(sellerCtx(), domain.RegisterWithdrawRequest{
		Amount: dec(t, "2000"),
		Motive: "pago fletero",
	}); err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}

	session, err := svc.CloseRegister(sellerCtx(), domain.RegisterCloseRequest{
		CountedCash: dec(t, "16000"),
	})
	if err != nil {
		t.Fatalf("close register failed: %v", err)
	}
	if session.Status != domain.RegisterStatusClosed {
		t.Fatalf("expected closed status, got %s", session.Status)
	}

	// 10000 opening + 9800 cash sale - 2000 withdrawal - 1500 expenses = 16300.
	if session.ExpectedCash == nil || !session.ExpectedCash.Equal(dec(t, "16300")) {
		t.Fatalf("unexpected expected cash: %v", session.ExpectedCash)
	}
	if session.Difference == nil || !session.Difference.Equal(dec(t, "-300")) {
		t.Fatalf("unexpected difference: %v", session.Difference)
	}
}

func TestSameDayVoidKeepsRegisterBalanced(t *testing.T) {
	svc := newTestService()

	if _, err := svc.OpenRegister(sellerCtx(), domain.RegisterOpenRequest{
		OpeningFloat: dec(t, "1000"),
	}); err != nil {
		t.Fatalf("open register failed: %v", err)
	}

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "1")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if _, err := svc.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID, Reason: "wrong item"}); err != nil {
		t.Fatalf("void sale failed: %v", err)
	}

	// The sale's cash came in and went back out the same day, so the
	// drawer must reconcile to the opening float alone.
	summary, err := svc.GetDaySummary(context.Background(), "")
	if err != nil {
		t.Fatalf("day summary failed: %v", err)
	}
	if !summary.ExpectedCash.Equal(dec(t, "1000")) {
		t.Fatalf("expected cash 1000 after same-day void, got %s", summary.ExpectedCash)
	}

	session, err := svc.CloseRegister(sellerCtx(), domain.RegisterCloseRequest{
		CountedCash: dec(t, "1000"),
	})
	if err != nil {
		t.Fatalf("close register failed: %v", err)
	}
	if session.ExpectedCash == nil || !session.ExpectedCash.Equal(dec(t, "1000")) {
		t.Fatalf("unexpected expected cash: %v", session.ExpectedCash)
	}
	if session.Difference == nil || !session.Difference.IsZero() {
		t.Fatalf("expected zero difference, got %v", session.Difference)
	}
}

func TestDaySummaryBreakdown(t *testing.T) {
	svc := newTestService()

	if _, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "1")}},
	}); err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if _, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "transfer",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-harina-int", Qty: dec(t, "2")}},
	}); err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	summary, err := svc.GetDaySummary(context.Background(), time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		t.Fatalf("day summary failed: %v", err)
	}
	if summary.SalesCount != 2 {
		t.Fatalf("expected 2 sales, got %d", summary.SalesCount)
	}
	if !summary.SalesTotal.Equal(dec(t, "12000")) {
		t.Fatalf("expected total 12000, got %s", summary.SalesTotal)
	}
	if len(summary.ByPayment) != 2 {
		t.Fatalf("expected 2 payment buckets, got %d", len(summary.ByPayment))
	}
}

func TestAuditTrailForSaleAndVoid(t *testing.T) {
	svc := newTestService()

	sale, err := svc.CreateSale(sellerCtx(), domain.SaleRequest{
		SaleType:      "wholesale",
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-almendras", Qty: dec(t, "1")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if _, err := svc.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID, Reason: "test"}); err != nil {
		t.Fatalf("void failed: %v", err)
	}

	entries, err := svc.ListAuditEntries(adminCtx(), store.AuditFilter{Entity: "sales"})
	if err != nil {
		t.Fatalf("list audit failed: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected at least 2 sale audit entries, got %d", len(entries))
	}

	if _, err := svc.ListAuditEntries(sellerCtx(), store.AuditFilter{}); err == nil {
		t.Fatalf("expected audit listing to require admin")
	}
}

func TestAuthenticateSeededUsers(t *testing.T) {
	svc := newTestService()

	actor, err := svc.Authenticate(context.Background(), "admin", "admin123")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if actor.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %s", actor.Role)
	}

	if _, err := svc.Authenticate(context.Background(), "admin", "wrong"); err == nil {
		t.Fatalf("expected bad password to fail")
	}
	if _, err := svc.Authenticate(context.Background(), "ghost", "admin123"); err == nil {
		t.Fatalf("expected unknown user to fail")
	}
}

func TestCreateUserAndLogin(t *testing.T) {
	svc := newTestService()

	if _, err := svc.CreateUser(sellerCtx(), domain.UserCreateRequest{
		Username: "nuevo",
		Password: "secret99",
	}); err == nil {
		t.Fatalf("expected user creation by seller to be rejected")
	}

	user, err := svc.CreateUser(adminCtx(), domain.UserCreateRequest{
		Username: "Nuevo",
		Password: "secret99",
		Role:     "seller",
	})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if user.Username != "nuevo" {
		t.Fatalf("expected lowercased username, got %s", user.Username)
	}

	if _, err := svc.Authenticate(context.Background(), "nuevo", "secret99"); err != nil {
		t.Fatalf("authenticate new user failed: %v", err)
	}
}

func TestCreateProductValidation(t *testing.T) {
	svc := newTestService()

	if _, err := svc.CreateProduct(sellerCtx(), domain.ProductCreateRequest{
		Code: "XX-01", Name: "X",
	}); err == nil {
		t.Fatalf("expected product creation by seller to be rejected")
	}

	if _, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "sin codigo"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Code:            "nu-ez-01",
		Name:            "Nuez Mariposa",
		CategoryID:      "cat-frutos-secos",
		BulkContent:     dec(t, "10"),
		CostPrice:       dec(t, "9000"),
		WholesalePrice:  dec(t, "10500"),
		RetailMarkupPct: dec(t, "35"),
		InitialStock:    dec(t, "12"),
		MinStock:        dec(t, "2"),
	})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	if product.Code != "NU-EZ-01" {
		t.Fatalf("expected uppercased code, got %s", product.Code)
	}

	// Initial stock lands as an "in" movement.
	movements, err := svc.ListStockMovements(context.Background(), product.ID, 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 1 || movements[0].Kind != domain.MovementIn {
		t.Fatalf("expected one initial in movement, got %+v", movements)
	}
}

func TestLowStockList(t *testing.T) {
	svc := newTestService()

	// Drain cocoa below its minimum of 3.
	if _, err := svc.CreateStockMovement(sellerCtx(), domain.StockMovementRequest{
		ProductID: "prod-cocoa",
		Kind:      "out",
		Qty:       dec(t, "13"),
		Reason:    "breakage",
	}); err != nil {
		t.Fatalf("out movement failed: %v", err)
	}

	low, err := svc.ListLowStockProducts(context.Background())
	if err != nil {
		t.Fatalf("low stock list failed: %v", err)
	}
	found := false
	for _, p := range low {
		if p.ID == "prod-cocoa" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cocoa in low stock list")
	}
}
