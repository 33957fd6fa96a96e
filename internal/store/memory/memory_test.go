package memory

import (
	"context"
	"testing"

	"github.com/lautaro2705-commits/dietetica-erp/internal/domain"
)

func TestCreateSalePermitsZeroLines(t *testing.T) {
	s := NewSeeded()
	actor := domain.Actor{Username: "seller", Role: domain.RoleSeller}

	// The engine itself accepts an empty sale; callers reject it before
	// reaching the store.
	sale, err := s.CreateSale(context.Background(), actor, domain.Sale{
		SaleType:      domain.SaleTypeWholesale,
		PaymentMethod: domain.PaymentCash,
	}, nil)
	if err != nil {
		t.Fatalf("zero-line sale failed: %v", err)
	}
	if !sale.Total.IsZero() {
		t.Fatalf("expected zero total, got %s", sale.Total)
	}
	if sale.Status != domain.SaleStatusActive {
		t.Fatalf("expected active status, got %s", sale.Status)
	}
	if len(sale.Lines) != 0 {
		t.Fatalf("expected no lines, got %d", len(sale.Lines))
	}
}
