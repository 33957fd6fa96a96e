package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lautaro2705-commits/dietetica-erp/internal/cache"
	"github.com/lautaro2705-commits/dietetica-erp/internal/domain"
	"github.com/lautaro2705-commits/dietetica-erp/internal/pricing"
	"github.com/lautaro2705-commits/dietetica-erp/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const defaultSummaryTTL = 30 * time.Second

type Service struct {
	repo       store.Repository
	summaries  cache.SummaryCache
	summaryTTL time.Duration
}

func New(repo store.Repository, summaries cache.SummaryCache, summaryTTL time.Duration) *Service {
	if summaries == nil {
		summaries = cache.NoopSummaryCache{}
	}
	if summaryTTL <= 0 {
		summaryTTL = defaultSummaryTTL
	}
	return &Service{
		repo:       repo,
		summaries:  summaries,
		summaryTTL: summaryTTL,
	}
}

func (s *Service) requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("authenticated actor required")
	}
	return actor, nil
}

func (s *Service) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, fmt.Errorf("admin role required")
	}
	return actor, nil
}

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) ListLowStockProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListLowStockProducts(ctx)
}

// GetProduct accepts either a product id or a product code.
func (s *Service) GetProduct(ctx context.Context, idOrCode string) (domain.Product, error) {
	idOrCode = strings.TrimSpace(idOrCode)
	if idOrCode == "" {
		return domain.Product{}, store.ErrValidation
	}
	product, err := s.repo.GetProductByID(ctx, idOrCode)
	if errors.Is(err, store.ErrNotFound) {
		product, err = s.repo.GetProductByCode(ctx, strings.ToUpper(idOrCode))
	}
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Product{}, err
	}

	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.Code == "" || req.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: code and name are required", store.ErrValidation)
	}
	if req.Unit == "" {
		req.Unit = "kg"
	}

	var expiry *time.Time
	if strings.TrimSpace(req.ExpiryDate) != "" {
		parsed, err := time.Parse("2006-01-02", req.ExpiryDate)
		if err != nil {
			return domain.Product{}, fmt.Errorf("%w: invalid expiry date %s", store.ErrValidation, req.ExpiryDate)
		}
		d := parsed.UTC()
		expiry = &d
	}

	created, err := s.repo.CreateProduct(ctx, actor, domain.Product{
		Code:            req.Code,
		Name:            req.Name,
		CategoryID:      strings.TrimSpace(req.CategoryID),
		SupplierID:      strings.TrimSpace(req.SupplierID),
		Unit:            req.Unit,
		BulkContent:     req.BulkContent,
		CostPrice:       req.CostPrice,
		WholesalePrice:  req.WholesalePrice,
		RetailMarkupPct: req.RetailMarkupPct,
		Stock:           req.InitialStock,
		MinStock:        req.MinStock,
		ExpiryDate:      expiry,
	})
	if err != nil {
		return domain.Product{}, err
	}
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, upd domain.ProductUpdate) (domain.Product, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrValidation
	}

	updated, err := s.repo.UpdateProduct(ctx, actor, id, upd)
	if err != nil {
		return domain.Product{}, err
	}
	return *updated, nil
}

func (s *Service) CreateFraction(ctx context.Context, req domain.FractionCreateRequest) (domain.Fraction, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Fraction{}, err
	}

	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Label = strings.TrimSpace(req.Label)
	if req.ProductID == "" || req.Label == "" || !req.Qty.IsPositive() {
		return domain.Fraction{}, fmt.Errorf("%w: fraction needs product, label and positive qty", store.ErrValidation)
	}
	if req.PriceOverride != nil && !req.PriceOverride.IsPositive() {
		return domain.Fraction{}, fmt.Errorf("%w: price override must be positive", store.ErrValidation)
	}

	created, err := s.repo.CreateFraction(ctx, actor, domain.Fraction{
		ProductID:     req.ProductID,
		Label:         req.Label,
		Qty:           req.Qty,
		PriceOverride: req.PriceOverride,
	})
	if err != nil {
		return domain.Fraction{}, err
	}
	return *created, nil
}

func (s *Service) UpdateFraction(ctx context.Context, id string, upd domain.FractionUpdate) (domain.Fraction, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Fraction{}, err
	}
	if upd.Qty != nil && !upd.Qty.IsPositive() {
		return domain.Fraction{}, fmt.Errorf("%w: fraction qty must be positive", store.ErrValidation)
	}
	if upd.PriceOverride != nil && !upd.PriceOverride.IsPositive() {
		return domain.Fraction{}, fmt.Errorf("%w: price override must be positive", store.ErrValidation)
	}

	updated, err := s.repo.UpdateFraction(ctx, actor, strings.TrimSpace(id), upd)
	if err != nil {
		return domain.Fraction{}, err
	}
	return *updated, nil
}

func (s *Service) ListFractions(ctx context.Context, productID string) ([]domain.Fraction, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, store.ErrValidation
	}
	return s.repo.ListFractions(ctx, productID)
}

// QuoteProductPrice previews the unit price the sale engine would charge a
// given customer, plus the shelf price of every active fraction. Fraction
// prices never apply customer discounts or special prices.
func (s *Service) QuoteProductPrice(ctx context.Context, productID string, saleType string, customerID string) (domain.PriceQuote, error) {
	saleType = normalizeSaleType(saleType)
	if saleType == "" {
		return domain.PriceQuote{}, fmt.Errorf("%w: sale type must be wholesale or retail", store.ErrValidation)
	}
	product, err := s.repo.GetProductByID(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.PriceQuote{}, err
	}

	var customer *domain.Customer
	var special *domain.SpecialPrice
	if customerID = strings.TrimSpace(customerID); customerID != "" {
		customer, err = s.repo.GetCustomerByID(ctx, customerID)
		if err != nil {
			return domain.PriceQuote{}, err
		}
		specials, err := s.repo.ListSpecialPrices(ctx, customerID)
		if err != nil {
			return domain.PriceQuote{}, err
		}
		for i := range specials {
			if specials[i].ProductID == product.ID {
				special = &specials[i]
				break
			}
		}
	}

	quote := domain.PriceQuote{
		ProductID:  product.ID,
		SaleType:   saleType,
		CustomerID: customerID,
		UnitPrice:  pricing.ResolveUnitPrice(*product, saleType, customer, special),
	}

	fractions, err := s.repo.ListFractions(ctx, product.ID)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	for _, f := range fractions {
		if !f.Active {
			continue
		}
		price, err := pricing.FractionPrice(*product, f)
		if err != nil {
			log.Printf("[service] WARN: fraction %s of product %s is unpriceable: %v", f.ID, product.ID, err)
			continue
		}
		quote.Fractions = append(quote.Fractions, domain.FractionPrice{
			FractionID: f.ID,
			Label:      f.Label,
			Price:      price,
		})
	}
	return quote, nil
}

func (s *Service) CreateCategory(ctx context.Context, name string) (domain.Category, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Category{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Category{}, fmt.Errorf("%w: category name is required", store.ErrValidation)
	}
	created, err := s.repo.CreateCategory(ctx, actor, domain.Category{Name: name})
	if err != nil {
		return domain.Category{}, err
	}
	return *created, nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Supplier{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Supplier{}, fmt.Errorf("%w: supplier name is required", store.ErrValidation)
	}
	created, err := s.repo.CreateSupplier(ctx, actor, domain.Supplier{
		Name:    req.Name,
		TaxID:   strings.TrimSpace(req.TaxID),
		Phone:   strings.TrimSpace(req.Phone),
		Email:   strings.TrimSpace(req.Email),
		Address: strings.TrimSpace(req.Address),
	})
	if err != nil {
		return domain.Supplier{}, err
	}
	return *created, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Customer{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Customer{}, fmt.Errorf("%w: customer name is required", store.ErrValidation)
	}
	created, err := s.repo.CreateCustomer(ctx, actor, domain.Customer{
		Name:        req.Name,
		TaxID:       strings.TrimSpace(req.TaxID),
		Phone:       strings.TrimSpace(req.Phone),
		Email:       strings.TrimSpace(req.Email),
		Address:     strings.TrimSpace(req.Address),
		DiscountPct: req.DiscountPct,
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return *created, nil
}

func (s *Service) UpdateCustomer(ctx context.Context, id string, upd domain.CustomerUpdate) (domain.Customer, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Customer{}, err
	}
	updated, err := s.repo.UpdateCustomer(ctx, actor, strings.TrimSpace(id), upd)
	if err != nil {
		return domain.Customer{}, err
	}
	return *updated, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomerByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) SetSpecialPrice(ctx context.Context, req domain.SpecialPriceRequest) (domain.SpecialPrice, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.SpecialPrice{}, err
	}
	if !req.Price.IsPositive() {
		return domain.SpecialPrice{}, fmt.Errorf("%w: special price must be positive", store.ErrValidation)
	}
	saved, err := s.repo.SetSpecialPrice(ctx, actor, domain.SpecialPrice{
		CustomerID: strings.TrimSpace(req.CustomerID),
		ProductID:  strings.TrimSpace(req.ProductID),
		Price:      req.Price,
	})
	if err != nil {
		return domain.SpecialPrice{}, err
	}
	return *saved, nil
}

func (s *Service) DeleteSpecialPrice(ctx context.Context, customerID string, productID string) error {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return err
	}
	return s.repo.DeleteSpecialPrice(ctx, actor, strings.TrimSpace(customerID), strings.TrimSpace(productID))
}

func (s *Service) ListSpecialPrices(ctx context.Context, customerID string) ([]domain.SpecialPrice, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, store.ErrValidation
	}
	return s.repo.ListSpecialPrices(ctx, customerID)
}

func (s *Service) RegisterCustomerPayment(ctx context.Context, req domain.CustomerPaymentRequest) (domain.CustomerAccountEntry, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CustomerAccountEntry{}, err
	}
	if !req.Amount.IsPositive() {
		return domain.CustomerAccountEntry{}, fmt.Errorf("%w: payment amount must be positive", store.ErrValidation)
	}
	saved, err := s.repo.RegisterCustomerPayment(ctx, actor, domain.CustomerAccountEntry{
		CustomerID: strings.TrimSpace(req.CustomerID),
		Amount:     req.Amount,
		Note:       strings.TrimSpace(req.Note),
	})
	if err != nil {
		return domain.CustomerAccountEntry{}, err
	}
	return *saved, nil
}

func (s *Service) ListAccountEntries(ctx context.Context, customerID string, limit int) ([]domain.CustomerAccountEntry, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, store.ErrValidation
	}
	return s.repo.ListAccountEntries(ctx, customerID, limit)
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}

	saleType := normalizeSaleType(req.SaleType)
	if saleType == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale type must be wholesale or retail", store.ErrValidation)
	}
	payment := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if payment == "" {
		payment = domain.PaymentCash
	}
	if !isSupportedPaymentMethod(payment) {
		return domain.Sale{}, fmt.Errorf("%w: unsupported payment method %s", store.ErrValidation, payment)
	}
	if len(req.Lines) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: sale has no lines", store.ErrValidation)
	}
	for _, line := range req.Lines {
		if !line.Qty.IsPositive() {
			return domain.Sale{}, fmt.Errorf("%w: line qty must be positive", store.ErrValidation)
		}
	}

	created, err := s.repo.CreateSale(ctx, actor, domain.Sale{
		CustomerID:    strings.TrimSpace(req.CustomerID),
		SaleType:      saleType,
		PaymentMethod: payment,
		CreatedAt:     time.Now().UTC(),
	}, req.Lines)
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateSummary(ctx, created.CreatedAt)
	return *created, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSaleByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) VoidSale(ctx context.Context, req domain.VoidSaleRequest) (domain.Sale, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	req.SaleID = strings.TrimSpace(req.SaleID)
	if req.SaleID == "" {
		return domain.Sale{}, store.ErrValidation
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	voidedAt := time.Now().UTC()
	voided, err := s.repo.VoidSale(ctx, actor, req.SaleID, req.Reason, voidedAt)
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateSummary(ctx, voided.CreatedAt)
	s.invalidateSummary(ctx, voidedAt)
	return *voided, nil
}

func (s *Service) CreatePartialReturn(ctx context.Context, req domain.PartialReturnRequest) (domain.Return, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Return{}, err
	}
	req.SaleID = strings.TrimSpace(req.SaleID)
	if req.SaleID == "" || len(req.Lines) == 0 {
		return domain.Return{}, fmt.Errorf("%w: return needs a sale and at least one line", store.ErrValidation)
	}
	for _, line := range req.Lines {
		if !line.Qty.IsPositive() {
			return domain.Return{}, fmt.Errorf("%w: return qty must be positive", store.ErrValidation)
		}
	}

	created, err := s.repo.CreatePartialReturn(ctx, actor, domain.Return{
		SaleID:    req.SaleID,
		Reason:    strings.TrimSpace(req.Reason),
		CreatedAt: time.Now().UTC(),
	}, req.Lines)
	if err != nil {
		return domain.Return{}, err
	}

	s.invalidateSummary(ctx, created.CreatedAt)
	return *created, nil
}

func (s *Service) ListReturns(ctx context.Context, saleID string) ([]domain.Return, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return nil, store.ErrValidation
	}
	return s.repo.ListReturns(ctx, saleID)
}

func (s *Service) CreateStockMovement(ctx context.Context, req domain.StockMovementRequest) (domain.StockMovement, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.StockMovement{}, err
	}

	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	switch kind {
	case domain.MovementIn, domain.MovementOut:
		if !req.Qty.IsPositive() {
			return domain.StockMovement{}, fmt.Errorf("%w: movement qty must be positive", store.ErrValidation)
		}
	case domain.MovementAdjust:
		if actor.Role != domain.RoleAdmin {
			return domain.StockMovement{}, fmt.Errorf("admin role required")
		}
		if req.Qty.IsNegative() {
			return domain.StockMovement{}, fmt.Errorf("%w: adjusted stock cannot be negative", store.ErrValidation)
		}
	default:
		return domain.StockMovement{}, fmt.Errorf("%w: unknown movement kind %s", store.ErrValidation, req.Kind)
	}

	saved, err := s.repo.CreateStockMovement(ctx, actor, domain.StockMovement{
		ProductID: strings.TrimSpace(req.ProductID),
		Kind:      kind,
		Qty:       req.Qty,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		return domain.StockMovement{}, err
	}
	return *saved, nil
}

func (s *Service) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	return s.repo.ListStockMovements(ctx, strings.TrimSpace(productID), limit)
}

func (s *Service) CreatePurchase(ctx context.Context, req domain.PurchaseCreateRequest) (domain.Purchase, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Purchase{}, err
	}
	req.SupplierID = strings.TrimSpace(req.SupplierID)
	if req.SupplierID == "" || len(req.Lines) == 0 {
		return domain.Purchase{}, fmt.Errorf("%w: purchase needs a supplier and at least one line", store.ErrValidation)
	}
	for _, line := range req.Lines {
		if !line.Qty.IsPositive() || line.UnitCost.IsNegative() {
			return domain.Purchase{}, fmt.Errorf("%w: purchase line needs positive qty and non-negative cost", store.ErrValidation)
		}
	}

	created, err := s.repo.CreatePurchase(ctx, actor, domain.Purchase{
		SupplierID:    req.SupplierID,
		InvoiceNumber: strings.TrimSpace(req.InvoiceNumber),
		CreatedAt:     time.Now().UTC(),
	}, req.Lines)
	if err != nil {
		return domain.Purchase{}, err
	}
	return *created, nil
}

func (s *Service) ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error) {
	return s.repo.ListPurchases(ctx, limit)
}

func (s *Service) BulkUpdatePrices(ctx context.Context, req domain.BulkPriceUpdateRequest) (domain.BulkPriceUpdateResult, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.BulkPriceUpdateResult{}, err
	}
	if !req.Percent.IsPositive() {
		return domain.BulkPriceUpdateResult{}, fmt.Errorf("%w: percent must be positive", store.ErrValidation)
	}
	if len(req.Fields) == 0 {
		req.Fields = []string{domain.PriceFieldCost, domain.PriceFieldWholesale}
	}
	for _, field := range req.Fields {
		if field != domain.PriceFieldCost && field != domain.PriceFieldWholesale {
			return domain.BulkPriceUpdateResult{}, fmt.Errorf("%w: unknown price field %s", store.ErrValidation, field)
		}
	}

	result, err := s.repo.BulkUpdatePrices(ctx, actor, req)
	if err != nil {
		return domain.BulkPriceUpdateResult{}, err
	}
	return *result, nil
}

func (s *Service) ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.PriceHistory, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, store.ErrValidation
	}
	return s.repo.ListPriceHistory(ctx, productID, limit)
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Expense{}, err
	}
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" || !req.Amount.IsPositive() {
		return domain.Expense{}, fmt.Errorf("%w: expense needs description and positive amount", store.ErrValidation)
	}

	created, err := s.repo.CreateExpense(ctx, actor, domain.Expense{
		Description: req.Description,
		Amount:      req.Amount,
		Category:    strings.TrimSpace(req.Category),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return domain.Expense{}, err
	}

	s.invalidateSummary(ctx, created.CreatedAt)
	return *created, nil
}

func (s *Service) ListExpensesByDate(ctx context.Context, date string) ([]domain.Expense, error) {
	return s.repo.ListExpensesByDate(ctx, normalizeDate(date))
}

func (s *Service) OpenRegister(ctx context.Context, req domain.RegisterOpenRequest) (domain.RegisterSession, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.RegisterSession{}, err
	}
	if req.OpeningFloat.IsNegative() {
		return domain.RegisterSession{}, fmt.Errorf("%w: opening float cannot be negative", store.ErrValidation)
	}

	now := time.Now().UTC()
	opened, err := s.repo.OpenRegister(ctx, actor, domain.RegisterSession{
		Date:         now.Format("2006-01-02"),
		OpeningFloat: req.OpeningFloat,
		OpenNotes:    strings.TrimSpace(req.Notes),
		OpenedAt:     now,
	})
	if err != nil {
		return domain.RegisterSession{}, err
	}
	return *opened, nil
}

func (s *Service) AddRegisterWithdrawal(ctx context.Context, req domain.RegisterWithdrawRequest) (domain.RegisterWithdrawal, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.RegisterWithdrawal{}, err
	}
	req.Motive = strings.TrimSpace(req.Motive)
	if req.Motive == "" || !req.Amount.IsPositive() {
		return domain.RegisterWithdrawal{}, fmt.Errorf("%w: withdrawal needs motive and positive amount", store.ErrValidation)
	}

	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	session, err := s.repo.GetRegisterSession(ctx, today)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.RegisterWithdrawal{}, fmt.Errorf("%w: no register session for %s", store.ErrValidation, today)
		}
		return domain.RegisterWithdrawal{}, err
	}

	saved, err := s.repo.AddRegisterWithdrawal(ctx, actor, domain.RegisterWithdrawal{
		SessionID: session.ID,
		Amount:    req.Amount,
		Motive:    req.Motive,
		CreatedAt: now,
	})
	if err != nil {
		return domain.RegisterWithdrawal{}, err
	}

	s.invalidateSummary(ctx, now)
	return *saved, nil
}

func (s *Service) CloseRegister(ctx context.Context, req domain.RegisterCloseRequest) (domain.RegisterSession, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.RegisterSession{}, err
	}
	if req.CountedCash.IsNegative() {
		return domain.RegisterSession{}, fmt.Errorf("%w: counted cash cannot be negative", store.ErrValidation)
	}

	now := time.Now().UTC()
	closed, err := s.repo.CloseRegister(ctx, actor, now.Format("2006-01-02"), req.CountedCash, strings.TrimSpace(req.Notes), now)
	if err != nil {
		return domain.RegisterSession{}, err
	}

	s.invalidateSummary(ctx, now)
	return *closed, nil
}

func (s *Service) GetRegisterSession(ctx context.Context, date string) (domain.RegisterSession, []domain.RegisterWithdrawal, error) {
	session, err := s.repo.GetRegisterSession(ctx, normalizeDate(date))
	if err != nil {
		return domain.RegisterSession{}, nil, err
	}
	withdrawals, err := s.repo.ListRegisterWithdrawals(ctx, session.ID)
	if err != nil {
		return domain.RegisterSession{}, nil, err
	}
	return *session, withdrawals, nil
}

func (s *Service) GetDaySummary(ctx context.Context, date string) (domain.DaySummary, error) {
	date = normalizeDate(date)

	cacheKey := "summary:" + date
	cached, found, err := s.summaries.Get(ctx, cacheKey)
	if err != nil {
		log.Printf("[service] WARN: summary cache read failed date=%s: %v", date, err)
	} else if found {
		return *cached, nil
	}

	summary, err := s.repo.GetDaySummary(ctx, date)
	if err != nil {
		return domain.DaySummary{}, err
	}

	if err := s.summaries.Set(ctx, cacheKey, summary, s.summaryTTL); err != nil {
		log.Printf("[service] WARN: summary cache write failed date=%s: %v", date, err)
	}
	return *summary, nil
}

func (s *Service) ListAuditEntries(ctx context.Context, filter store.AuditFilter) ([]domain.AuditEntry, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListAuditEntries(ctx, filter)
}

func (s *Service) Authenticate(ctx context.Context, username string, password string) (domain.Actor, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return domain.Actor{}, fmt.Errorf("username and password are required")
	}

	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Actor{}, fmt.Errorf("invalid credentials")
		}
		return domain.Actor{}, err
	}
	if !user.Active {
		return domain.Actor{}, fmt.Errorf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return domain.Actor{}, fmt.Errorf("invalid credentials")
	}
	return domain.Actor{Username: user.Username, Role: user.Role}, nil
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.User, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.User{}, err
	}

	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	req.Role = strings.ToLower(strings.TrimSpace(req.Role))
	if req.Username == "" || strings.TrimSpace(req.Password) == "" {
		return domain.User{}, fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if req.Role == "" {
		req.Role = domain.RoleSeller
	}
	if req.Role != domain.RoleAdmin && req.Role != domain.RoleSeller {
		return domain.User{}, fmt.Errorf("%w: unknown role %s", store.ErrValidation, req.Role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}

	now := time.Now().UTC()
	if err := s.repo.CreateUser(ctx, actor, domain.UserAccount{
		Username:  req.Username,
		Password:  string(hash),
		Role:      req.Role,
		Active:    true,
		CreatedAt: now,
	}); err != nil {
		return domain.User{}, err
	}
	return domain.User{Username: req.Username, Role: req.Role, Active: true, CreatedAt: now}, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	accounts, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]domain.User, 0, len(accounts))
	for _, account := range accounts {
		users = append(users, domain.User{
			Username:  account.Username,
			Role:      account.Role,
			Active:    account.Active,
			CreatedAt: account.CreatedAt,
		})
	}
	return users, nil
}

func (s *Service) ChangePassword(ctx context.Context, username string, password string) error {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return err
	}
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		username = actor.Username
	}
	if username != actor.Username && actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}
	if strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: password is required", store.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.repo.UpdateUserPassword(ctx, actor, username, string(hash))
}

func (s *Service) invalidateSummary(ctx context.Context, at time.Time) {
	key := "summary:" + at.UTC().Format("2006-01-02")
	if err := s.summaries.Invalidate(ctx, key); err != nil {
		log.Printf("[service] WARN: summary cache invalidation failed key=%s: %v", key, err)
	}
}

func normalizeSaleType(saleType string) string {
	switch strings.ToLower(strings.TrimSpace(saleType)) {
	case domain.SaleTypeWholesale, "":
		return domain.SaleTypeWholesale
	case domain.SaleTypeRetail:
		return domain.SaleTypeRetail
	default:
		return ""
	}
}

func normalizeDate(date string) string {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Now().UTC().Format("2006-01-02")
	}
	return date
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentTransfer, domain.PaymentOnAccount:
		return true
	default:
		return false
	}
}
