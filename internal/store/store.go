package store

import (
	"context"
	"fmt"
	"time"

	"errors"

	"github.com/shopspring/decimal"

	"github.com/lautaro2705-commits/dietetica-erp/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("validation failed")
	ErrIntegrity         = errors.New("integrity violation")
	ErrInvalidSale       = errors.New("invalid sale state")
)

// StockError reports a failed stock debit with enough detail for the caller
// to name the product and the shortfall. errors.Is matches
// ErrInsufficientStock.
type StockError struct {
	ProductID   string
	ProductName string
	Available   decimal.Decimal
	Required    decimal.Decimal
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s (%s): available %s, required %s",
		e.ProductName, e.ProductID, e.Available.String(), e.Required.String())
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// SaleFilter narrows ListSales. Zero values mean no constraint.
type SaleFilter struct {
	From       time.Time
	To         time.Time
	CustomerID string
	Status     string
	Limit      int
}

// AuditFilter narrows ListAuditEntries.
type AuditFilter struct {
	Entity string
	Actor  string
	From   time.Time
	To     time.Time
	Limit  int
}

// Repository is the persistence boundary. Every mutating method takes the
// acting user explicitly and writes its audit entry inside the same
// transaction as the mutation.
type Repository interface {
	// Catalog.
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	ListLowStockProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductByCode(ctx context.Context, code string) (*domain.Product, error)
	CreateProduct(ctx context.Context, actor domain.Actor, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, actor domain.Actor, id string, upd domain.ProductUpdate) (*domain.Product, error)
	CreateFraction(ctx context.Context, actor domain.Actor, fraction domain.Fraction) (*domain.Fraction, error)
	UpdateFraction(ctx context.Context, actor domain.Actor, id string, upd domain.FractionUpdate) (*domain.Fraction, error)
	ListFractions(ctx context.Context, productID string) ([]domain.Fraction, error)
	CreateCategory(ctx context.Context, actor domain.Actor, category domain.Category) (*domain.Category, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	CreateSupplier(ctx context.Context, actor domain.Actor, supplier domain.Supplier) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)

	// Customers and account ledger.
	CreateCustomer(ctx context.Context, actor domain.Actor, customer domain.Customer) (*domain.Customer, error)
	UpdateCustomer(ctx context.Context, actor domain.Actor, id string, upd domain.CustomerUpdate) (*domain.Customer, error)
	GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	SetSpecialPrice(ctx context.Context, actor domain.Actor, sp domain.SpecialPrice) (*domain.SpecialPrice, error)
	DeleteSpecialPrice(ctx context.Context, actor domain.Actor, customerID string, productID string) error
	ListSpecialPrices(ctx context.Context, customerID string) ([]domain.SpecialPrice, error)
	RegisterCustomerPayment(ctx context.Context, actor domain.Actor, entry domain.CustomerAccountEntry) (*domain.CustomerAccountEntry, error)
	ListAccountEntries(ctx context.Context, customerID string, limit int) ([]domain.CustomerAccountEntry, error)

	// Sale, void and return engines.
	CreateSale(ctx context.Context, actor domain.Actor, sale domain.Sale, lines []domain.SaleLineRequest) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]domain.Sale, error)
	VoidSale(ctx context.Context, actor domain.Actor, saleID string, reason string, at time.Time) (*domain.Sale, error)
	CreatePartialReturn(ctx context.Context, actor domain.Actor, ret domain.Return, lines []domain.ReturnLineRequest) (*domain.Return, error)
	ListReturns(ctx context.Context, saleID string) ([]domain.Return, error)

	// Stock ledger.
	CreateStockMovement(ctx context.Context, actor domain.Actor, mv domain.StockMovement) (*domain.StockMovement, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)

	// Purchases and pricing.
	CreatePurchase(ctx context.Context, actor domain.Actor, purchase domain.Purchase, lines []domain.PurchaseLineRequest) (*domain.Purchase, error)
	ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error)
	BulkUpdatePrices(ctx context.Context, actor domain.Actor, req domain.BulkPriceUpdateRequest) (*domain.BulkPriceUpdateResult, error)
	ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.PriceHistory, error)

	// Expenses.
	CreateExpense(ctx context.Context, actor domain.Actor, expense domain.Expense) (*domain.Expense, error)
	ListExpensesByDate(ctx context.Context, date string) ([]domain.Expense, error)

	// Register sessions.
	OpenRegister(ctx context.Context, actor domain.Actor, session domain.RegisterSession) (*domain.RegisterSession, error)
	AddRegisterWithdrawal(ctx context.Context, actor domain.Actor, w domain.RegisterWithdrawal) (*domain.RegisterWithdrawal, error)
	CloseRegister(ctx context.Context, actor domain.Actor, date string, counted decimal.Decimal, notes string, at time.Time) (*domain.RegisterSession, error)
	GetRegisterSession(ctx context.Context, date string) (*domain.RegisterSession, error)
	ListRegisterWithdrawals(ctx context.Context, sessionID string) ([]domain.RegisterWithdrawal, error)
	GetDaySummary(ctx context.Context, date string) (*domain.DaySummary, error)

	// Audit.
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]domain.AuditEntry, error)

	// Users.
	CreateUser(ctx context.Context, actor domain.Actor, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, actor domain.Actor, username string, password string) error
}
