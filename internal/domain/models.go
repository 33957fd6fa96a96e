package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID              string          `json:"id"`
	Code            string          `json:"code"`
	Name            string          `json:"name"`
	CategoryID      string          `json:"category_id,omitempty"`
	SupplierID      string          `json:"supplier_id,omitempty"`
	Unit            string          `json:"unit"`
	BulkContent     decimal.Decimal `json:"bulk_content"`
	CostPrice       decimal.Decimal `json:"cost_price"`
	WholesalePrice  decimal.Decimal `json:"wholesale_price"`
	RetailMarkupPct decimal.Decimal `json:"retail_markup_pct"`
	Stock           decimal.Decimal `json:"stock"`
	MinStock        decimal.Decimal `json:"min_stock"`
	ExpiryDate      *time.Time      `json:"expiry_date,omitempty"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
}

type ProductCreateRequest struct {
	Code            string          `json:"code"`
	Name            string          `json:"name"`
	CategoryID      string          `json:"category_id,omitempty"`
	SupplierID      string          `json:"supplier_id,omitempty"`
	Unit            string          `json:"unit"`
	BulkContent     decimal.Decimal `json:"bulk_content"`
	CostPrice       decimal.Decimal `json:"cost_price"`
	WholesalePrice  decimal.Decimal `json:"wholesale_price"`
	RetailMarkupPct decimal.Decimal `json:"retail_markup_pct"`
	InitialStock    decimal.Decimal `json:"initial_stock"`
	MinStock        decimal.Decimal `json:"min_stock"`
	ExpiryDate      string          `json:"expiry_date,omitempty"`
}

// ProductUpdate carries only the fields the caller wants changed.
type ProductUpdate struct {
	Name            *string          `json:"name,omitempty"`
	CategoryID      *string          `json:"category_id,omitempty"`
	SupplierID      *string          `json:"supplier_id,omitempty"`
	Unit            *string          `json:"unit,omitempty"`
	BulkContent     *decimal.Decimal `json:"bulk_content,omitempty"`
	CostPrice       *decimal.Decimal `json:"cost_price,omitempty"`
	WholesalePrice  *decimal.Decimal `json:"wholesale_price,omitempty"`
	RetailMarkupPct *decimal.Decimal `json:"retail_markup_pct,omitempty"`
	MinStock        *decimal.Decimal `json:"min_stock,omitempty"`
	ExpiryDate      *string          `json:"expiry_date,omitempty"`
	Active          *bool            `json:"active,omitempty"`
}

// Fraction is a sellable sub-unit of a bulk product, e.g. 100 g out of a
// 25 kg sack.
type Fraction struct {
	ID            string           `json:"id"`
	ProductID     string           `json:"product_id"`
	Label         string           `json:"label"`
	Qty           decimal.Decimal  `json:"qty"`
	PriceOverride *decimal.Decimal `json:"price_override,omitempty"`
	Active        bool             `json:"active"`
}

type FractionCreateRequest struct {
	ProductID     string           `json:"product_id"`
	Label         string           `json:"label"`
	Qty           decimal.Decimal  `json:"qty"`
	PriceOverride *decimal.Decimal `json:"price_override,omitempty"`
}

type FractionUpdate struct {
	Label         *string          `json:"label,omitempty"`
	Qty           *decimal.Decimal `json:"qty,omitempty"`
	PriceOverride *decimal.Decimal `json:"price_override,omitempty"`
	ClearOverride bool             `json:"clear_override,omitempty"`
	Active        *bool            `json:"active,omitempty"`
}

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TaxID     string    `json:"tax_id,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name    string `json:"name"`
	TaxID   string `json:"tax_id,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

type Customer struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	TaxID       string          `json:"tax_id,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Email       string          `json:"email,omitempty"`
	Address     string          `json:"address,omitempty"`
	DiscountPct decimal.Decimal `json:"discount_pct"`
	Balance     decimal.Decimal `json:"balance"`
	CreatedAt   time.Time       `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name        string          `json:"name"`
	TaxID       string          `json:"tax_id,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Email       string          `json:"email,omitempty"`
	Address     string          `json:"address,omitempty"`
	DiscountPct decimal.Decimal `json:"discount_pct"`
}

type CustomerUpdate struct {
	Name        *string          `json:"name,omitempty"`
	TaxID       *string          `json:"tax_id,omitempty"`
	Phone       *string          `json:"phone,omitempty"`
	Email       *string          `json:"email,omitempty"`
	Address     *string          `json:"address,omitempty"`
	DiscountPct *decimal.Decimal `json:"discount_pct,omitempty"`
}

// SpecialPrice pins a fixed unit price for one customer on one product.
type SpecialPrice struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	ProductID  string          `json:"product_id"`
	Price      decimal.Decimal `json:"price"`
}

type SpecialPriceRequest struct {
	CustomerID string          `json:"customer_id"`
	ProductID  string          `json:"product_id"`
	Price      decimal.Decimal `json:"price"`
}

type Sale struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	SaleType      string          `json:"sale_type"`
	PaymentMethod string          `json:"payment_method"`
	Total         decimal.Decimal `json:"total"`
	Status        string          `json:"status"`
	VoidReason    string          `json:"void_reason,omitempty"`
	VoidedAt      *time.Time      `json:"voided_at,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	Lines         []SaleLine      `json:"lines"`
}

// SaleLine freezes the unit price and unit cost at the moment of sale.
// ReturnedQty accumulates across partial returns and never exceeds Qty.
type SaleLine struct {
	ID          string          `json:"id"`
	SaleID      string          `json:"sale_id"`
	ProductID   string          `json:"product_id"`
	FractionID  string          `json:"fraction_id,omitempty"`
	Qty         decimal.Decimal `json:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	LineTotal   decimal.Decimal `json:"line_total"`
	ReturnedQty decimal.Decimal `json:"returned_qty"`
}

type SaleLineRequest struct {
	ProductID  string          `json:"product_id"`
	FractionID string          `json:"fraction_id,omitempty"`
	Qty        decimal.Decimal `json:"qty"`
}

type SaleRequest struct {
	CustomerID    string            `json:"customer_id,omitempty"`
	SaleType      string            `json:"sale_type"`
	PaymentMethod string            `json:"payment_method"`
	Lines         []SaleLineRequest `json:"lines"`
}

type VoidSaleRequest struct {
	SaleID string `json:"sale_id"`
	Reason string `json:"reason"`
}

type ReturnLineRequest struct {
	SaleLineID string          `json:"sale_line_id"`
	Qty        decimal.Decimal `json:"qty"`
}

type PartialReturnRequest struct {
	SaleID string              `json:"sale_id"`
	Reason string              `json:"reason"`
	Lines  []ReturnLineRequest `json:"lines"`
}

type Return struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	Lines     []ReturnLine    `json:"lines,omitempty"`
}

type ReturnLine struct {
	ID         string          `json:"id"`
	ReturnID   string          `json:"return_id"`
	SaleLineID string          `json:"sale_line_id"`
	ProductID  string          `json:"product_id"`
	FractionID string          `json:"fraction_id,omitempty"`
	Qty        decimal.Decimal `json:"qty"`
	Refund     decimal.Decimal `json:"refund"`
}

type StockMovement struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	Kind        string          `json:"kind"`
	Qty         decimal.Decimal `json:"qty"`
	StockBefore decimal.Decimal `json:"stock_before"`
	StockAfter  decimal.Decimal `json:"stock_after"`
	Reason      string          `json:"reason"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// StockMovementRequest covers manual in/out movements and absolute
// adjustments. For kind "adjust" Qty is the new absolute stock value.
type StockMovementRequest struct {
	ProductID string          `json:"product_id"`
	Kind      string          `json:"kind"`
	Qty       decimal.Decimal `json:"qty"`
	Reason    string          `json:"reason"`
}

type CustomerAccountEntry struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	Kind       string          `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	SaleID     string          `json:"sale_id,omitempty"`
	Note       string          `json:"note,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type CustomerPaymentRequest struct {
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
	Note       string          `json:"note,omitempty"`
}

type Purchase struct {
	ID            string          `json:"id"`
	SupplierID    string          `json:"supplier_id"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	Total         decimal.Decimal `json:"total"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	Lines         []PurchaseLine  `json:"lines"`
}

type PurchaseLine struct {
	ID         string          `json:"id"`
	PurchaseID string          `json:"purchase_id"`
	ProductID  string          `json:"product_id"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

type PurchaseLineRequest struct {
	ProductID  string          `json:"product_id"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	UpdateCost bool            `json:"update_cost"`
}

type PurchaseCreateRequest struct {
	SupplierID    string                `json:"supplier_id"`
	InvoiceNumber string                `json:"invoice_number,omitempty"`
	Lines         []PurchaseLineRequest `json:"lines"`
}

// BulkPriceUpdateRequest raises the listed price fields by Percent across
// every active product matching the optional category/supplier filters.
type BulkPriceUpdateRequest struct {
	Percent    decimal.Decimal `json:"percent"`
	CategoryID string          `json:"category_id,omitempty"`
	SupplierID string          `json:"supplier_id,omitempty"`
	Fields     []string        `json:"fields"`
}

type BulkPriceUpdateResult struct {
	Updated int `json:"updated"`
}

type PriceHistory struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Field     string          `json:"field"`
	OldValue  decimal.Decimal `json:"old_value"`
	NewValue  decimal.Decimal `json:"new_value"`
	ChangedBy string          `json:"changed_by"`
	ChangedAt time.Time       `json:"changed_at"`
}

type Expense struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category,omitempty"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ExpenseCreateRequest struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category,omitempty"`
}

type RegisterSession struct {
	ID           string           `json:"id"`
	Date         string           `json:"date"`
	OpeningFloat decimal.Decimal  `json:"opening_float"`
	CountedCash  *decimal.Decimal `json:"counted_cash,omitempty"`
	ExpectedCash *decimal.Decimal `json:"expected_cash,omitempty"`
	Difference   *decimal.Decimal `json:"difference,omitempty"`
	Status       string           `json:"status"`
	OpenNotes    string           `json:"open_notes,omitempty"`
	CloseNotes   string           `json:"close_notes,omitempty"`
	OpenedBy     string           `json:"opened_by"`
	ClosedBy     string           `json:"closed_by,omitempty"`
	OpenedAt     time.Time        `json:"opened_at"`
	ClosedAt     *time.Time       `json:"closed_at,omitempty"`
}

type RegisterOpenRequest struct {
	OpeningFloat decimal.Decimal `json:"opening_float"`
	Notes        string          `json:"notes,omitempty"`
}

type RegisterCloseRequest struct {
	CountedCash decimal.Decimal `json:"counted_cash"`
	Notes       string          `json:"notes,omitempty"`
}

type RegisterWithdrawal struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Amount    decimal.Decimal `json:"amount"`
	Motive    string          `json:"motive"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

type RegisterWithdrawRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Motive string          `json:"motive"`
}

type PaymentBreakdown struct {
	PaymentMethod string          `json:"payment_method"`
	Sales         int             `json:"sales"`
	Total         decimal.Decimal `json:"total"`
}

// DaySummary is the register-facing view of a calendar day.
type DaySummary struct {
	Date         string             `json:"date"`
	SalesCount   int                `json:"sales_count"`
	SalesTotal   decimal.Decimal    `json:"sales_total"`
	ByPayment    []PaymentBreakdown `json:"by_payment"`
	ExpenseTotal decimal.Decimal    `json:"expense_total"`
	Withdrawals  decimal.Decimal    `json:"withdrawals"`
	ExpectedCash decimal.Decimal    `json:"expected_cash"`
}

type AuditEntry struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor"`
	Role      string          `json:"role"`
	Action    string          `json:"action"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PriceQuote previews what the sale engine would charge for a product
// without touching stock.
type PriceQuote struct {
	ProductID  string          `json:"product_id"`
	SaleType   string          `json:"sale_type"`
	CustomerID string          `json:"customer_id,omitempty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Fractions  []FractionPrice `json:"fractions,omitempty"`
}

type FractionPrice struct {
	FractionID string          `json:"fraction_id"`
	Label      string          `json:"label"`
	Price      decimal.Decimal `json:"price"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type User struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is the internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	SaleTypeWholesale = "wholesale"
	SaleTypeRetail    = "retail"
)

const (
	PaymentCash      = "cash"
	PaymentTransfer  = "transfer"
	PaymentOnAccount = "on_account"
)

const (
	SaleStatusActive = "active"
	SaleStatusVoided = "voided"
)

const (
	MovementIn     = "in"
	MovementOut    = "out"
	MovementAdjust = "adjust"
)

const (
	ReturnFullVoid      = "full_void"
	ReturnPartialReturn = "partial_return"
)

const (
	EntryCharge  = "charge"
	EntryPayment = "payment"
)

const (
	RegisterStatusOpen   = "open"
	RegisterStatusClosed = "closed"
)

const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
)

const (
	PriceFieldCost      = "cost_price"
	PriceFieldWholesale = "wholesale_price"
)
