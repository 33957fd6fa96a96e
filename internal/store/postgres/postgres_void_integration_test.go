package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lautaro2705-commits/dietetica-erp/internal/domain"
)

func TestVoidSaleRestocksInventory(t *testing.T) {
	databaseURL := os.Getenv("DIETETICA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DIETETICA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	actor := domain.Actor{Username: "it-admin", Role: "admin"}
	stamp := time.Now().UnixNano()
	code := fmt.Sprintf("IT-VOID-%d", stamp)

	product, err := s.CreateProduct(ctx, actor, domain.Product{
		Code:            code,
		Name:            "Producto Void IT",
		Unit:            "kg",
		BulkContent:     decimal.NewFromInt(10),
		CostPrice:       decimal.NewFromInt(1000),
		WholesalePrice:  decimal.NewFromInt(1200),
		RetailMarkupPct: decimal.NewFromInt(30),
		Stock:           decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
	})

	sale, err := s.CreateSale(ctx, actor, domain.Sale{
		SaleType:      domain.SaleTypeWholesale,
		PaymentMethod: domain.PaymentCash,
		CreatedAt:     time.Now().UTC(),
	}, []domain.SaleLineRequest{
		{ProductID: product.ID, Qty: decimal.NewFromInt(2)},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM returns WHERE sale_id = $1`, sale.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, sale.ID)
	})

	after, err := s.GetProductByID(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product after sale: %v", err)
	}
	if !after.Stock.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("expected stock 8 after sale, got %s", after.Stock)
	}

	voided, err := s.VoidSale(ctx, actor, sale.ID, "integration test void", time.Now().UTC())
	if err != nil {
		t.Fatalf("void sale: %v", err)
	}
	if voided.Status != domain.SaleStatusVoided {
		t.Fatalf("expected voided status, got %s", voided.Status)
	}

	restocked, err := s.GetProductByID(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product after void: %v", err)
	}
	if !restocked.Stock.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected stock 10 after void restock, got %s", restocked.Stock)
	}

	// Voiding twice must not re-credit stock.
	if _, err := s.VoidSale(ctx, actor, sale.ID, "again", time.Now().UTC()); err == nil {
		t.Fatalf("expected second void to fail")
	}
}
