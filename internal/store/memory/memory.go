package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/lautaro2705-commits/dietetica-erp/internal/domain"
	"github.com/lautaro2705-commits/dietetica-erp/internal/pricing"
	"github.com/lautaro2705-commits/dietetica-erp/internal/store"
	"github.com/lautaro2705-commits/dietetica-erp/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	fractionsByID    map[string]domain.Fraction
	categoriesByID   map[string]domain.Category
	suppliersByID    map[string]domain.Supplier
	customersByID    map[string]domain.Customer
	specialPrices    map[string]domain.SpecialPrice
	accountEntries   []domain.CustomerAccountEntry
	salesByID        map[string]*domain.Sale
	returnsByID      map[string]domain.Return
	stockMovements   []domain.StockMovement
	purchasesByID    map[string]domain.Purchase
	priceHistoryByID map[string][]domain.PriceHistory
	expensesByID     map[string]domain.Expense
	sessionsByDate   map[string]domain.RegisterSession
	withdrawals      []domain.RegisterWithdrawal
	auditEntries     []domain.AuditEntry
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"seller", sellerPwd, domain.RoleSeller},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	categories := []domain.Category{
		{ID: "cat-harinas", Name: "Harinas"},
		{ID: "cat-frutos-secos", Name: "Frutos Secos"},
		{ID: "cat-semillas", Name: "Semillas"},
		{ID: "cat-especias", Name: "Especias"},
		{ID: "cat-cereales", Name: "Cereales"},
		{ID: "cat-legumbres", Name: "Legumbres"},
		{ID: "cat-aceites", Name: "Aceites"},
		{ID: "cat-endulzantes", Name: "Endulzantes"},
		{ID: "cat-suplementos", Name: "Suplementos"},
		{ID: "cat-otros", Name: "Otros"},
	}

	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prod-almendras", Code: "FS-ALM-01", Name: "Almendras Non Pareil", CategoryID: "cat-frutos-secos", Unit: "kg",
			BulkContent: dec("10"), CostPrice: dec("8500"), WholesalePrice: dec("9800"), RetailMarkupPct: dec("35"),
			Stock: dec("40"), MinStock: dec("5"), Active: true, CreatedAt: now},
		{ID: "prod-harina-int", Code: "HA-INT-01", Name: "Harina Integral Fina", CategoryID: "cat-harinas", Unit: "kg",
			BulkContent: dec("25"), CostPrice: dec("900"), WholesalePrice: dec("1100"), RetailMarkupPct: dec("30"),
			Stock: dec("120"), MinStock: dec("20"), Active: true, CreatedAt: now},
		{ID: "prod-chia", Code: "SE-CHIA-01", Name: "Semillas de Chia", CategoryID: "cat-semillas", Unit: "kg",
			BulkContent: dec("5"), CostPrice: dec("3200"), WholesalePrice: dec("3900"), RetailMarkupPct: dec("40"),
			Stock: dec("25"), MinStock: dec("4"), Active: true, CreatedAt: now},
		{ID: "prod-avena", Code: "CE-AVE-01", Name: "Avena Arrollada", CategoryID: "cat-cereales", Unit: "kg",
			BulkContent: dec("20"), CostPrice: dec("1100"), WholesalePrice: dec("1350"), RetailMarkupPct: dec("32"),
			Stock: dec("80"), MinStock: dec("15"), Active: true, CreatedAt: now},
		{ID: "prod-lentejas", Code: "LE-LEN-01", Name: "Lentejas", CategoryID: "cat-legumbres", Unit: "kg",
			BulkContent: dec("25"), CostPrice: dec("1500"), WholesalePrice: dec("1850"), RetailMarkupPct: dec("28"),
			Stock: dec("60"), MinStock: dec("10"), Active: true, CreatedAt: now},
		{ID: "prod-miel", Code: "EN-MIEL-01", Name: "Miel Pura de Monte", CategoryID: "cat-endulzantes", Unit: "kg",
			BulkContent: dec("10"), CostPrice: dec("4200"), WholesalePrice: dec("5000"), RetailMarkupPct: dec("38"),
			Stock: dec("30"), MinStock: dec("5"), Active: true, CreatedAt: now},
		{ID: "prod-cocoa", Code: "OT-COCO-01", Name: "Cacao Amargo en Polvo", CategoryID: "cat-otros", Unit: "kg",
			BulkContent: dec("5"), CostPrice: dec("5600"), WholesalePrice: dec("6700"), RetailMarkupPct: dec("42"),
			Stock: dec("15"), MinStock: dec("3"), Active: true, CreatedAt: now},
	}

	fractions := []domain.Fraction{
		{ID: "frac-alm-250", ProductID: "prod-almendras", Label: "250 g", Qty: dec("0.25"), Active: true},
		{ID: "frac-alm-500", ProductID: "prod-almendras", Label: "500 g", Qty: dec("0.5"), Active: true},
		{ID: "frac-har-1", ProductID: "prod-harina-int", Label: "1 kg", Qty: dec("1"), Active: true},
		{ID: "frac-chia-100", ProductID: "prod-chia", Label: "100 g", Qty: dec("0.1"), Active: true},
		{ID: "frac-ave-500", ProductID: "prod-avena", Label: "500 g", Qty: dec("0.5"), Active: true},
	}

	categoryMap := make(map[string]domain.Category, len(categories))
	for _, c := range categories {
		categoryMap[c.ID] = c
	}
	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	fractionMap := make(map[string]domain.Fraction, len(fractions))
	for _, f := range fractions {
		fractionMap[f.ID] = f
	}

	return &Store{
		products:         productMap,
		fractionsByID:    fractionMap,
		categoriesByID:   categoryMap,
		suppliersByID:    make(map[string]domain.Supplier),
		customersByID:    make(map[string]domain.Customer),
		specialPrices:    make(map[string]domain.SpecialPrice),
		accountEntries:   make([]domain.CustomerAccountEntry, 0, 64),
		salesByID:        make(map[string]*domain.Sale),
		returnsByID:      make(map[string]domain.Return),
		stockMovements:   make([]domain.StockMovement, 0, 128),
		purchasesByID:    make(map[string]domain.Purchase),
		priceHistoryByID: make(map[string][]domain.PriceHistory),
		expensesByID:     make(map[string]domain.Expense),
		sessionsByDate:   make(map[string]domain.RegisterSession),
		withdrawals:      make([]domain.RegisterWithdrawal, 0, 16),
		auditEntries:     make([]domain.AuditEntry, 0, 128),
		usersByUsername:  seedUsers(),
	}
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !includeInactive && !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) ListLowStockProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, 16)
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		if p.Stock.LessThanOrEqual(p.MinStock) {
			products = append(products, p)
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := p
	return &copyProduct, nil
}

func (s *Store) GetProductByCode(_ context.Context, code string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.products {
		if p.Code == code {
			copyProduct := p
			return &copyProduct, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateProduct(_ context.Context, actor domain.Actor, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Code == "" || product.Name == "" {
		return nil, fmt.Errorf("%w: code and name are required", store.ErrValidation)
	}
	if product.CostPrice.IsNegative() || product.WholesalePrice.IsNegative() || product.RetailMarkupPct.IsNegative() {
		return nil, fmt.Errorf("%w: prices must not be negative", store.ErrValidation)
	}
	if product.Stock.IsNegative() {
		return nil, fmt.Errorf("%w: stock must not be negative", store.ErrValidation)
	}
	for _, existing := range s.products {
		if existing.Code == product.Code {
			return nil, fmt.Errorf("%w: product code %s already exists", store.ErrIntegrity, product.Code)
		}
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true

	s.products[product.ID] = product
	if product.Stock.IsPositive() {
		s.appendMovement(domain.StockMovement{
			ProductID:   product.ID,
			Kind:        domain.MovementIn,
			Qty:         product.Stock,
			StockBefore: decimal.Zero,
			StockAfter:  product.Stock,
			Reason:      "Initial stock",
			CreatedBy:   actor.Username,
			CreatedAt:   product.CreatedAt,
		})
	}
	s.appendAudit(actor, "create", "products", product.ID, nil, product)
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, actor domain.Actor, id string, upd domain.ProductUpdate) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	before := current

	if upd.Name != nil {
		current.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.CategoryID != nil {
		current.CategoryID = *upd.CategoryID
	}
	if upd.SupplierID != nil {
		current.SupplierID = *upd.SupplierID
	}
	if upd.Unit != nil {
		current.Unit = strings.TrimSpace(*upd.Unit)
	}
	if upd.BulkContent != nil {
		current.BulkContent = *upd.BulkContent
	}
	if upd.CostPrice != nil {
		current.CostPrice = *upd.CostPrice
	}
	if upd.WholesalePrice != nil {
		current.WholesalePrice = *upd.WholesalePrice
	}
	if upd.RetailMarkupPct != nil {
		current.RetailMarkupPct = *upd.RetailMarkupPct
	}
	if upd.MinStock != nil {
		current.MinStock = *upd.MinStock
	}
	if upd.ExpiryDate != nil {
		if *upd.ExpiryDate == "" {
			current.ExpiryDate = nil
		} else {
			d, err := time.Parse("2006-01-02", *upd.ExpiryDate)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid expiry date", store.ErrValidation)
			}
			current.ExpiryDate = &d
		}
	}
	if upd.Active != nil {
		current.Active = *upd.Active
	}
	if current.Name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", store.ErrValidation)
	}
	if current.CostPrice.IsNegative() || current.WholesalePrice.IsNegative() || current.RetailMarkupPct.IsNegative() {
		return nil, fmt.Errorf("%w: prices must not be negative", store.ErrValidation)
	}

	s.products[id] = current
	if upd.CostPrice != nil && !before.CostPrice.Equal(current.CostPrice) {
		s.appendPriceHistory(id, domain.PriceFieldCost, before.CostPrice, current.CostPrice, actor.Username)
	}
	if upd.WholesalePrice != nil && !before.WholesalePrice.Equal(current.WholesalePrice) {
		s.appendPriceHistory(id, domain.PriceFieldWholesale, before.WholesalePrice, current.WholesalePrice, actor.Username)
	}
	s.appendAudit(actor, "update", "products", id, before, current)
	updated := current
	return &updated, nil
}

func (s *Store) CreateFraction(_ context.Context, actor domain.Actor, fraction domain.Fraction) (*domain.Fraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fraction.ProductID == "" || fraction.Label == "" || !fraction.Qty.IsPositive() {
		return nil, fmt.Errorf("%w: fraction needs product, label and positive qty", store.ErrValidation)
	}
	if _, exists := s.products[fraction.ProductID]; !exists {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, fraction.ProductID)
	}
	if fraction.ID == "" {
		fraction.ID = xid.New("frac")
	}
	fraction.Active = true

	s.fractionsByID[fraction.ID] = fraction
	s.appendAudit(actor, "create", "fractions", fraction.ID, nil, fraction)
	created := fraction
	return &created, nil
}

func (s *Store) UpdateFraction(_ context.Context, actor domain.Actor, id string, upd domain.FractionUpdate) (*domain.Fraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.fractionsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	before := current

	if upd.Label != nil {
		current.Label = strings.TrimSpace(*upd.Label)
	}
	if upd.Qty != nil {
		current.Qty = *upd.Qty
	}
	if upd.PriceOverride != nil {
		current.PriceOverride = upd.PriceOverride
	}
	if upd.ClearOverride {
		current.PriceOverride = nil
	}
	if upd.Active != nil {
		current.Active = *upd.Active
	}
	if current.Label == "" || !current.Qty.IsPositive() {
		return nil, fmt.Errorf("%w: fraction needs label and positive qty", store.ErrValidation)
	}

	s.fractionsByID[id] = current
	s.appendAudit(actor, "update", "fractions", id, before, current)
	updated := current
	return &updated, nil
}

func (s *Store) ListFractions(_ context.Context, productID string) ([]domain.Fraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fractions := make([]domain.Fraction, 0, 8)
	for _, f := range s.fractionsByID {
		if f.ProductID == productID {
			fractions = append(fractions, f)
		}
	}
	slices.SortFunc(fractions, func(a, b domain.Fraction) int {
		return a.Qty.Cmp(b.Qty)
	})
	return fractions, nil
}

func (s *Store) CreateCategory(_ context.Context, actor domain.Actor, category domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" {
		return nil, fmt.Errorf("%w: category name is required", store.ErrValidation)
	}
	for _, existing := range s.categoriesByID {
		if strings.EqualFold(existing.Name, category.Name) {
			return nil, fmt.Errorf("%w: category %s already exists", store.ErrIntegrity, category.Name)
		}
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}

	s.categoriesByID[category.ID] = category
	s.appendAudit(actor, "create", "categories", category.ID, nil, category)
	created := category
	return &created, nil
}

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.Category, 0, len(s.categoriesByID))
	for _, c := range s.categoriesByID {
		categories = append(categories, c)
	}
	slices.SortFunc(categories, func(a, b domain.Category) int {
		return cmpString(a.Name, b.Name)
	})
	return categories, nil
}

func (s *Store) CreateSupplier(_ context.Context, actor domain.Actor, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	supplier.Name = strings.TrimSpace(supplier.Name)
	if supplier.Name == "" {
		return nil, fmt.Errorf("%w: supplier name is required", store.ErrValidation)
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}

	s.suppliersByID[supplier.ID] = supplier
	s.appendAudit(actor, "create", "suppliers", supplier.ID, nil, supplier)
	created := supplier
	return &created, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliersByID))
	for _, item := range s.suppliersByID {
		suppliers = append(suppliers, item)
	}
	slices.SortFunc(suppliers, func(a, b domain.Supplier) int {
		return cmpString(a.Name, b.Name)
	})
	return suppliers, nil
}

func (s *Store) CreateCustomer(_ context.Context, actor domain.Actor, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return nil, fmt.Errorf("%w: customer name is required", store.ErrValidation)
	}
	if customer.DiscountPct.IsNegative() || customer.DiscountPct.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w: discount must be between 0 and 100", store.ErrValidation)
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	customer.Balance = decimal.Zero

	s.customersByID[customer.ID] = customer
	s.appendAudit(actor, "create", "customers", customer.ID, nil, customer)
	created := customer
	return &created, nil
}

func (s *Store) UpdateCustomer(_ context.Context, actor domain.Actor, id string, upd domain.CustomerUpdate) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.customersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	before := current

	if upd.Name != nil {
		current.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.TaxID != nil {
		current.TaxID = *upd.TaxID
	}
	if upd.Phone != nil {
		current.Phone = *upd.Phone
	}
	if upd.Email != nil {
		current.Email = *upd.Email
	}
	if upd.Address != nil {
		current.Address = *upd.Address
	}
	if upd.DiscountPct != nil {
		current.DiscountPct = *upd.DiscountPct
	}
	if current.Name == "" {
		return nil, fmt.Errorf("%w: customer name must not be empty", store.ErrValidation)
	}
	if current.DiscountPct.IsNegative() || current.DiscountPct.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w: discount must be between 0 and 100", store.ErrValidation)
	}

	s.customersByID[id] = current
	s.appendAudit(actor, "update", "customers", id, before, current)
	updated := current
	return &updated, nil
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.customersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCustomer := c
	return &copyCustomer, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customersByID))
	for _, c := range s.customersByID {
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return cmpString(a.Name, b.Name)
	})
	return customers, nil
}

func specialPriceKey(customerID string, productID string) string {
	return customerID + "::" + productID
}

func (s *Store) SetSpecialPrice(_ context.Context, actor domain.Actor, sp domain.SpecialPrice) (*domain.SpecialPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sp.CustomerID == "" || sp.ProductID == "" || !sp.Price.IsPositive() {
		return nil, fmt.Errorf("%w: special price needs customer, product and positive price", store.ErrValidation)
	}
	if _, exists := s.customersByID[sp.CustomerID]; !exists {
		return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, sp.CustomerID)
	}
	if _, exists := s.products[sp.ProductID]; !exists {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, sp.ProductID)
	}
	if sp.ID == "" {
		sp.ID = xid.New("sp")
	}

	s.specialPrices[specialPriceKey(sp.CustomerID, sp.ProductID)] = sp
	s.appendAudit(actor, "set", "special_prices", sp.CustomerID+":"+sp.ProductID, nil, sp)
	saved := sp
	return &saved, nil
}

func (s *Store) DeleteSpecialPrice(_ context.Context, actor domain.Actor, customerID string, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := specialPriceKey(customerID, productID)
	if _, exists := s.specialPrices[key]; !exists {
		return store.ErrNotFound
	}
	delete(s.specialPrices, key)
	s.appendAudit(actor, "delete", "special_prices", customerID+":"+productID, nil, nil)
	return nil
}

func (s *Store) ListSpecialPrices(_ context.Context, customerID string) ([]domain.SpecialPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prices := make([]domain.SpecialPrice, 0, 8)
	for _, sp := range s.specialPrices {
		if sp.CustomerID == customerID {
			prices = append(prices, sp)
		}
	}
	slices.SortFunc(prices, func(a, b domain.SpecialPrice) int {
		return cmpString(a.ProductID, b.ProductID)
	})
	return prices, nil
}

func (s *Store) RegisterCustomerPayment(_ context.Context, actor domain.Actor, entry domain.CustomerAccountEntry) (*domain.CustomerAccountEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CustomerID == "" || !entry.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment needs customer and positive amount", store.ErrValidation)
	}
	customer, exists := s.customersByID[entry.CustomerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if entry.ID == "" {
		entry.ID = xid.New("acct")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Kind = domain.EntryPayment

	before := customer
	customer.Balance = customer.Balance.Sub(entry.Amount)
	s.customersByID[entry.CustomerID] = customer
	s.accountEntries = append(s.accountEntries, entry)
	s.appendAudit(actor, "payment", "customers", entry.CustomerID, before, customer)
	saved := entry
	return &saved, nil
}

func (s *Store) ListAccountEntries(_ context.Context, customerID string, limit int) ([]domain.CustomerAccountEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	entries := make([]domain.CustomerAccountEntry, 0, 32)
	for _, e := range s.accountEntries {
		if e.CustomerID == customerID {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b domain.CustomerAccountEntry) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) CreateSale(_ context.Context, actor domain.Actor, sale domain.Sale, lines []domain.SaleLineRequest) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Status = domain.SaleStatusActive
	sale.CreatedBy = actor.Username

	var customer *domain.Customer
	if sale.CustomerID != "" {
		c, exists := s.customersByID[sale.CustomerID]
		if !exists {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, sale.CustomerID)
		}
		customer = &c
	}
	if sale.PaymentMethod == domain.PaymentOnAccount && customer == nil {
		return nil, fmt.Errorf("%w: on-account sale requires a customer", store.ErrValidation)
	}

	// First pass validates and resolves prices without touching stock, so a
	// failing line leaves nothing half-applied.
	type resolvedLine struct {
		line  domain.SaleLine
		debit decimal.Decimal
	}
	total := decimal.Zero
	resolved := make([]resolvedLine, 0, len(lines))
	pendingDebit := map[string]decimal.Decimal{}
	for _, req := range lines {
		if !req.Qty.IsPositive() {
			return nil, fmt.Errorf("%w: line qty must be positive", store.ErrValidation)
		}
		product, exists := s.products[req.ProductID]
		if !exists {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, req.ProductID)
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product %s is inactive", store.ErrValidation, product.Code)
		}

		var fraction *domain.Fraction
		var unitPrice decimal.Decimal
		unitCost := product.CostPrice
		if req.FractionID != "" {
			f, exists := s.fractionsByID[req.FractionID]
			if !exists {
				return nil, fmt.Errorf("%w: fraction %s", store.ErrNotFound, req.FractionID)
			}
			if f.ProductID != product.ID {
				return nil, fmt.Errorf("%w: fraction %s does not belong to product %s", store.ErrValidation, req.FractionID, product.ID)
			}
			if !f.Active {
				return nil, fmt.Errorf("%w: fraction %s is inactive", store.ErrValidation, f.Label)
			}
			fraction = &f
			price, err := pricing.FractionPrice(product, f)
			if err != nil {
				return nil, fmt.Errorf("%w: product %s has no bulk content", store.ErrValidation, product.Code)
			}
			unitPrice = price
			unitCost, err = pricing.FractionCost(product, f)
			if err != nil {
				return nil, fmt.Errorf("%w: product %s has no bulk content", store.ErrValidation, product.Code)
			}
		} else {
			var sp *domain.SpecialPrice
			if customer != nil {
				if spRow, ok := s.specialPrices[specialPriceKey(customer.ID, product.ID)]; ok {
					sp = &spRow
				}
			}
			unitPrice = pricing.ResolveUnitPrice(product, sale.SaleType, customer, sp)
		}

		debit, err := pricing.StockDebit(product, fraction, req.Qty)
		if err != nil {
			return nil, fmt.Errorf("%w: product %s has no bulk content", store.ErrValidation, product.Code)
		}
		needed := pendingDebit[product.ID].Add(debit)
		if product.Stock.LessThan(needed) {
			return nil, &store.StockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Available:   product.Stock.Sub(pendingDebit[product.ID]),
				Required:    debit,
			}
		}
		pendingDebit[product.ID] = needed

		lineTotal := pricing.LineTotal(unitPrice, req.Qty)
		resolved = append(resolved, resolvedLine{
			line: domain.SaleLine{
				ID:          xid.New("line"),
				SaleID:      sale.ID,
				ProductID:   product.ID,
				FractionID:  req.FractionID,
				Qty:         req.Qty,
				UnitPrice:   unitPrice,
				UnitCost:    unitCost,
				LineTotal:   lineTotal,
				ReturnedQty: decimal.Zero,
			},
			debit: debit,
		})
		total = total.Add(lineTotal)
	}

	for _, r := range resolved {
		product := s.products[r.line.ProductID]
		after := product.Stock.Sub(r.debit)
		s.appendMovement(domain.StockMovement{
			ProductID:   product.ID,
			Kind:        domain.MovementOut,
			Qty:         r.debit,
			StockBefore: product.Stock,
			StockAfter:  after,
			Reason:      "Sale #" + sale.ID,
			CreatedBy:   actor.Username,
			CreatedAt:   sale.CreatedAt,
		})
		product.Stock = after
		s.products[product.ID] = product
		sale.Lines = append(sale.Lines, r.line)
	}

	sale.Total = total.Round(2)
	if sale.PaymentMethod == domain.PaymentOnAccount {
		c := s.customersByID[customer.ID]
		c.Balance = c.Balance.Add(sale.Total)
		s.customersByID[customer.ID] = c
		s.accountEntries = append(s.accountEntries, domain.CustomerAccountEntry{
			ID:         xid.New("acct"),
			CustomerID: customer.ID,
			Kind:       domain.EntryCharge,
			Amount:     sale.Total,
			SaleID:     sale.ID,
			Note:       "Sale #" + sale.ID,
			CreatedAt:  sale.CreatedAt,
		})
	}

	saleCopy := cloneSale(&sale)
	s.salesByID[sale.ID] = saleCopy
	s.appendAudit(actor, "create", "sales", sale.ID, nil, sale)
	return cloneSale(saleCopy), nil
}

func (s *Store) GetSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 200
	}
	from := filter.From
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	to := filter.To
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}

	sales := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		if filter.CustomerID != "" && sale.CustomerID != filter.CustomerID {
			continue
		}
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		sales = append(sales, *cloneSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) VoidSale(_ context.Context, actor domain.Actor, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.salesByID[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusActive {
		return nil, fmt.Errorf("%w: sale %s is already voided", store.ErrInvalidSale, saleID)
	}
	before := *cloneSale(sale)

	refunded := decimal.Zero
	retID := xid.New("ret")
	retLines := make([]domain.ReturnLine, 0, len(sale.Lines))
	for i := range sale.Lines {
		line := &sale.Lines[i]
		remaining := line.Qty.Sub(line.ReturnedQty)
		if !remaining.IsPositive() {
			continue
		}
		credit, err := s.stockCreditLocked(line.ProductID, line.FractionID, remaining)
		if err != nil {
			return nil, err
		}
		s.restockLocked(line.ProductID, credit, "Void sale #"+saleID, actor.Username, at)

		refund := pricing.LineTotal(line.UnitPrice, remaining)
		refunded = refunded.Add(refund)
		retLines = append(retLines, domain.ReturnLine{
			ID:         xid.New("rline"),
			ReturnID:   retID,
			SaleLineID: line.ID,
			ProductID:  line.ProductID,
			FractionID: line.FractionID,
			Qty:        remaining,
			Refund:     refund,
		})
		line.ReturnedQty = line.Qty
	}

	if sale.PaymentMethod == domain.PaymentOnAccount && refunded.IsPositive() {
		s.reverseChargeLocked(sale.CustomerID, refunded, saleID, "Void sale #"+saleID, at)
	}

	sale.Status = domain.SaleStatusVoided
	sale.VoidReason = reason
	voidedAt := at
	sale.VoidedAt = &voidedAt

	s.returnsByID[retID] = domain.Return{
		ID:        retID,
		SaleID:    saleID,
		Kind:      domain.ReturnFullVoid,
		Amount:    refunded.Round(2),
		Reason:    reason,
		CreatedBy: actor.Username,
		CreatedAt: at,
		Lines:     retLines,
	}
	s.appendAudit(actor, "void", "sales", saleID, before, *cloneSale(sale))
	return cloneSale(sale), nil
}

func (s *Store) CreatePartialReturn(_ context.Context, actor domain.Actor, ret domain.Return, lines []domain.ReturnLineRequest) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: return has no lines", store.ErrValidation)
	}
	sale, exists := s.salesByID[ret.SaleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusActive {
		return nil, fmt.Errorf("%w: sale %s is voided", store.ErrInvalidSale, ret.SaleID)
	}
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = time.Now().UTC()
	}
	ret.Kind = domain.ReturnPartialReturn
	ret.CreatedBy = actor.Username

	lineIndex := make(map[string]int, len(sale.Lines))
	for i, l := range sale.Lines {
		lineIndex[l.ID] = i
	}

	// Validate every requested line before applying anything.
	planned := make(map[string]decimal.Decimal, len(lines))
	for _, req := range lines {
		if !req.Qty.IsPositive() {
			return nil, fmt.Errorf("%w: return qty must be positive", store.ErrValidation)
		}
		idx, exists := lineIndex[req.SaleLineID]
		if !exists {
			return nil, fmt.Errorf("%w: sale line %s", store.ErrNotFound, req.SaleLineID)
		}
		line := sale.Lines[idx]
		remaining := line.Qty.Sub(line.ReturnedQty).Sub(planned[req.SaleLineID])
		if req.Qty.GreaterThan(remaining) {
			return nil, fmt.Errorf("%w: line %s has only %s left to return", store.ErrValidation, line.ID, remaining.String())
		}
		planned[req.SaleLineID] = planned[req.SaleLineID].Add(req.Qty)
	}

	refunded := decimal.Zero
	retLines := make([]domain.ReturnLine, 0, len(lines))
	for _, req := range lines {
		idx := lineIndex[req.SaleLineID]
		line := &sale.Lines[idx]

		credit, err := s.stockCreditLocked(line.ProductID, line.FractionID, req.Qty)
		if err != nil {
			return nil, err
		}
		s.restockLocked(line.ProductID, credit, "Return sale #"+ret.SaleID, actor.Username, ret.CreatedAt)

		refund := pricing.LineTotal(line.UnitPrice, req.Qty)
		refunded = refunded.Add(refund)
		line.ReturnedQty = line.ReturnedQty.Add(req.Qty)

		retLines = append(retLines, domain.ReturnLine{
			ID:         xid.New("rline"),
			ReturnID:   ret.ID,
			SaleLineID: line.ID,
			ProductID:  line.ProductID,
			FractionID: line.FractionID,
			Qty:        req.Qty,
			Refund:     refund,
		})
	}

	ret.Amount = refunded.Round(2)
	ret.Lines = retLines
	if sale.PaymentMethod == domain.PaymentOnAccount {
		s.reverseChargeLocked(sale.CustomerID, ret.Amount, sale.ID, "Return sale #"+sale.ID, ret.CreatedAt)
	}

	s.returnsByID[ret.ID] = cloneReturn(ret)
	s.appendAudit(actor, "partial_return", "sales", sale.ID, nil, ret)
	created := cloneReturn(ret)
	return &created, nil
}

func (s *Store) ListReturns(_ context.Context, saleID string) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	returns := make([]domain.Return, 0, 4)
	for _, r := range s.returnsByID {
		if r.SaleID == saleID {
			returns = append(returns, cloneReturn(r))
		}
	}
	slices.SortFunc(returns, func(a, b domain.Return) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return returns, nil
}

func (s *Store) CreateStockMovement(_ context.Context, actor domain.Actor, mv domain.StockMovement) (*domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mv.ProductID == "" {
		return nil, fmt.Errorf("%w: movement needs a product", store.ErrValidation)
	}
	if mv.Kind != domain.MovementAdjust && !mv.Qty.IsPositive() {
		return nil, fmt.Errorf("%w: movement qty must be positive", store.ErrValidation)
	}
	if mv.Kind == domain.MovementAdjust && mv.Qty.IsNegative() {
		return nil, fmt.Errorf("%w: adjusted stock must not be negative", store.ErrValidation)
	}
	product, exists := s.products[mv.ProductID]
	if !exists {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, mv.ProductID)
	}
	if mv.ID == "" {
		mv.ID = xid.New("mov")
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now().UTC()
	}
	mv.CreatedBy = actor.Username

	mv.StockBefore = product.Stock
	switch mv.Kind {
	case domain.MovementIn:
		mv.StockAfter = product.Stock.Add(mv.Qty)
	case domain.MovementOut:
		if product.Stock.LessThan(mv.Qty) {
			return nil, &store.StockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Available:   product.Stock,
				Required:    mv.Qty,
			}
		}
		mv.StockAfter = product.Stock.Sub(mv.Qty)
	case domain.MovementAdjust:
		// For adjustments Qty carries the absolute target stock.
		mv.StockAfter = mv.Qty
		mv.Qty = mv.StockAfter.Sub(mv.StockBefore)
	default:
		return nil, fmt.Errorf("%w: unknown movement kind %s", store.ErrValidation, mv.Kind)
	}

	product.Stock = mv.StockAfter
	s.products[product.ID] = product
	s.appendMovement(mv)
	s.appendAudit(actor, "stock_"+mv.Kind, "products", product.ID, mv.StockBefore, mv.StockAfter)
	saved := mv
	return &saved, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	movements := make([]domain.StockMovement, 0, 64)
	for _, m := range s.stockMovements {
		if productID != "" && m.ProductID != productID {
			continue
		}
		movements = append(movements, m)
	}
	slices.SortFunc(movements, func(a, b domain.StockMovement) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(movements) > limit {
		movements = movements[:limit]
	}
	return movements, nil
}

func (s *Store) CreatePurchase(_ context.Context, actor domain.Actor, purchase domain.Purchase, lines []domain.PurchaseLineRequest) (*domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if purchase.SupplierID == "" || len(lines) == 0 {
		return nil, fmt.Errorf("%w: purchase needs supplier and lines", store.ErrValidation)
	}
	if _, exists := s.suppliersByID[purchase.SupplierID]; !exists {
		return nil, fmt.Errorf("%w: supplier %s", store.ErrNotFound, purchase.SupplierID)
	}
	if purchase.ID == "" {
		purchase.ID = xid.New("purch")
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}
	purchase.CreatedBy = actor.Username

	for _, req := range lines {
		if !req.Qty.IsPositive() || req.UnitCost.IsNegative() {
			return nil, fmt.Errorf("%w: purchase line needs positive qty and non-negative cost", store.ErrValidation)
		}
		if _, exists := s.products[req.ProductID]; !exists {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, req.ProductID)
		}
	}

	total := decimal.Zero
	for _, req := range lines {
		product := s.products[req.ProductID]
		newStock := product.Stock.Add(req.Qty)
		s.appendMovement(domain.StockMovement{
			ProductID:   product.ID,
			Kind:        domain.MovementIn,
			Qty:         req.Qty,
			StockBefore: product.Stock,
			StockAfter:  newStock,
			Reason:      "Purchase #" + purchase.ID,
			CreatedBy:   actor.Username,
			CreatedAt:   purchase.CreatedAt,
		})
		product.Stock = newStock
		if req.UpdateCost && !product.CostPrice.Equal(req.UnitCost) {
			s.appendPriceHistory(product.ID, domain.PriceFieldCost, product.CostPrice, req.UnitCost, actor.Username)
			product.CostPrice = req.UnitCost
		}
		s.products[product.ID] = product

		purchase.Lines = append(purchase.Lines, domain.PurchaseLine{
			ID:         xid.New("pline"),
			PurchaseID: purchase.ID,
			ProductID:  product.ID,
			Qty:        req.Qty,
			UnitCost:   req.UnitCost,
		})
		total = total.Add(req.UnitCost.Mul(req.Qty))
	}

	purchase.Total = total.Round(2)
	s.purchasesByID[purchase.ID] = clonePurchase(purchase)
	s.appendAudit(actor, "create", "purchases", purchase.ID, nil, purchase)
	created := clonePurchase(purchase)
	return &created, nil
}

func (s *Store) ListPurchases(_ context.Context, limit int) ([]domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	purchases := make([]domain.Purchase, 0, len(s.purchasesByID))
	for _, p := range s.purchasesByID {
		purchases = append(purchases, clonePurchase(p))
	}
	slices.SortFunc(purchases, func(a, b domain.Purchase) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(purchases) > limit {
		purchases = purchases[:limit]
	}
	return purchases, nil
}

func (s *Store) BulkUpdatePrices(_ context.Context, actor domain.Actor, req domain.BulkPriceUpdateRequest) (*domain.BulkPriceUpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !req.Percent.IsPositive() {
		return nil, fmt.Errorf("%w: percent must be positive", store.ErrValidation)
	}
	fields := map[string]bool{}
	for _, f := range req.Fields {
		if f != domain.PriceFieldCost && f != domain.PriceFieldWholesale {
			return nil, fmt.Errorf("%w: unknown price field %s", store.ErrValidation, f)
		}
		fields[f] = true
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no price fields selected", store.ErrValidation)
	}

	factor := decimal.NewFromInt(1).Add(req.Percent.Div(decimal.NewFromInt(100)))
	updated := 0
	for id, p := range s.products {
		if !p.Active {
			continue
		}
		if req.CategoryID != "" && p.CategoryID != req.CategoryID {
			continue
		}
		if req.SupplierID != "" && p.SupplierID != req.SupplierID {
			continue
		}

		before := p
		changed := false
		if fields[domain.PriceFieldCost] {
			p.CostPrice = p.CostPrice.Mul(factor).Round(2)
			changed = changed || !p.CostPrice.Equal(before.CostPrice)
		}
		if fields[domain.PriceFieldWholesale] {
			p.WholesalePrice = p.WholesalePrice.Mul(factor).Round(2)
			changed = changed || !p.WholesalePrice.Equal(before.WholesalePrice)
		}
		if !changed {
			continue
		}

		s.products[id] = p
		if !p.CostPrice.Equal(before.CostPrice) {
			s.appendPriceHistory(id, domain.PriceFieldCost, before.CostPrice, p.CostPrice, actor.Username)
		}
		if !p.WholesalePrice.Equal(before.WholesalePrice) {
			s.appendPriceHistory(id, domain.PriceFieldWholesale, before.WholesalePrice, p.WholesalePrice, actor.Username)
		}
		s.appendAudit(actor, "bulk_price_update", "products", id, before, p)
		updated++
	}
	return &domain.BulkPriceUpdateResult{Updated: updated}, nil
}

func (s *Store) ListPriceHistory(_ context.Context, productID string, limit int) ([]domain.PriceHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	history := s.priceHistoryByID[productID]
	result := make([]domain.PriceHistory, len(history))
	copy(result, history)
	slices.SortFunc(result, func(a, b domain.PriceHistory) int {
		if a.ChangedAt.Equal(b.ChangedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.ChangedAt.After(b.ChangedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateExpense(_ context.Context, actor domain.Actor, expense domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expense.Description = strings.TrimSpace(expense.Description)
	if expense.Description == "" || !expense.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: expense needs description and positive amount", store.ErrValidation)
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	expense.CreatedBy = actor.Username

	s.expensesByID[expense.ID] = expense
	s.appendAudit(actor, "create", "expenses", expense.ID, nil, expense)
	created := expense
	return &created, nil
}

func (s *Store) ListExpensesByDate(_ context.Context, date string) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to, err := dayBounds(date)
	if err != nil {
		return nil, err
	}
	expenses := make([]domain.Expense, 0, 16)
	for _, e := range s.expensesByID {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		expenses = append(expenses, e)
	}
	slices.SortFunc(expenses, func(a, b domain.Expense) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return expenses, nil
}

func (s *Store) OpenRegister(_ context.Context, actor domain.Actor, session domain.RegisterSession) (*domain.RegisterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.Date == "" {
		return nil, fmt.Errorf("%w: session date is required", store.ErrValidation)
	}
	if session.OpeningFloat.IsNegative() {
		return nil, fmt.Errorf("%w: opening float must not be negative", store.ErrValidation)
	}
	if _, exists := s.sessionsByDate[session.Date]; exists {
		return nil, fmt.Errorf("%w: register already opened for %s", store.ErrIntegrity, session.Date)
	}
	if session.ID == "" {
		session.ID = xid.New("reg")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.RegisterStatusOpen
	session.OpenedBy = actor.Username

	s.sessionsByDate[session.Date] = session
	s.appendAudit(actor, "open", "register_sessions", session.ID, nil, session)
	created := session
	return &created, nil
}

func (s *Store) AddRegisterWithdrawal(_ context.Context, actor domain.Actor, w domain.RegisterWithdrawal) (*domain.RegisterWithdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.SessionID == "" || !w.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal needs session and positive amount", store.ErrValidation)
	}
	var session *domain.RegisterSession
	for date := range s.sessionsByDate {
		if s.sessionsByDate[date].ID == w.SessionID {
			found := s.sessionsByDate[date]
			session = &found
			break
		}
	}
	if session == nil {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.RegisterStatusOpen {
		return nil, fmt.Errorf("%w: register session is closed", store.ErrValidation)
	}
	if w.ID == "" {
		w.ID = xid.New("wd")
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	w.CreatedBy = actor.Username

	s.withdrawals = append(s.withdrawals, w)
	s.appendAudit(actor, "withdrawal", "register_sessions", w.SessionID, nil, w)
	created := w
	return &created, nil
}

func (s *Store) CloseRegister(_ context.Context, actor domain.Actor, date string, counted decimal.Decimal, notes string, at time.Time) (*domain.RegisterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if counted.IsNegative() {
		return nil, fmt.Errorf("%w: counted cash must not be negative", store.ErrValidation)
	}
	from, to, err := dayBounds(date)
	if err != nil {
		return nil, err
	}
	session, exists := s.sessionsByDate[date]
	if !exists {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.RegisterStatusOpen {
		return nil, fmt.Errorf("%w: register session is already closed", store.ErrValidation)
	}
	before := session

	// Cash entered the drawer when the sale was made, so voided sales still
	// count as inflow; the refund side is covered by the returns sum below.
	cashSales := decimal.Zero
	for _, sale := range s.salesByID {
		if sale.PaymentMethod != domain.PaymentCash {
			continue
		}
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		cashSales = cashSales.Add(sale.Total)
	}
	cashRefunds := decimal.Zero
	for _, r := range s.returnsByID {
		if r.CreatedAt.Before(from) || !r.CreatedAt.Before(to) {
			continue
		}
		sale, exists := s.salesByID[r.SaleID]
		if !exists || sale.PaymentMethod != domain.PaymentCash {
			continue
		}
		cashRefunds = cashRefunds.Add(r.Amount)
	}
	withdrawn := decimal.Zero
	for _, w := range s.withdrawals {
		if w.SessionID == session.ID {
			withdrawn = withdrawn.Add(w.Amount)
		}
	}
	expenseTotal := decimal.Zero
	for _, e := range s.expensesByID {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		expenseTotal = expenseTotal.Add(e.Amount)
	}

	expected := session.OpeningFloat.Add(cashSales).Sub(cashRefunds).Sub(withdrawn).Sub(expenseTotal).Round(2)
	diff := counted.Sub(expected).Round(2)

	session.Status = domain.RegisterStatusClosed
	session.CountedCash = &counted
	session.ExpectedCash = &expected
	session.Difference = &diff
	session.CloseNotes = notes
	session.ClosedBy = actor.Username
	closedAt := at
	session.ClosedAt = &closedAt

	s.sessionsByDate[date] = session
	s.appendAudit(actor, "close", "register_sessions", session.ID, before, session)
	closed := session
	return &closed, nil
}

func (s *Store) GetRegisterSession(_ context.Context, date string) (*domain.RegisterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessionsByDate[date]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySession := session
	return &copySession, nil
}

func (s *Store) ListRegisterWithdrawals(_ context.Context, sessionID string) ([]domain.RegisterWithdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	withdrawals := make([]domain.RegisterWithdrawal, 0, 8)
	for _, w := range s.withdrawals {
		if w.SessionID == sessionID {
			withdrawals = append(withdrawals, w)
		}
	}
	slices.SortFunc(withdrawals, func(a, b domain.RegisterWithdrawal) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return withdrawals, nil
}

func (s *Store) GetDaySummary(_ context.Context, date string) (*domain.DaySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to, err := dayBounds(date)
	if err != nil {
		return nil, err
	}
	summary := domain.DaySummary{
		Date:         date,
		SalesTotal:   decimal.Zero,
		ExpenseTotal: decimal.Zero,
		Withdrawals:  decimal.Zero,
		ExpectedCash: decimal.Zero,
		ByPayment:    make([]domain.PaymentBreakdown, 0, 3),
	}

	byPayment := map[string]*domain.PaymentBreakdown{}
	for _, sale := range s.salesByID {
		if sale.Status != domain.SaleStatusActive {
			continue
		}
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		row := byPayment[sale.PaymentMethod]
		if row == nil {
			row = &domain.PaymentBreakdown{PaymentMethod: sale.PaymentMethod, Total: decimal.Zero}
			byPayment[sale.PaymentMethod] = row
		}
		row.Sales++
		row.Total = row.Total.Add(sale.Total)
		summary.SalesCount++
		summary.SalesTotal = summary.SalesTotal.Add(sale.Total)
	}
	for _, row := range byPayment {
		summary.ByPayment = append(summary.ByPayment, *row)
	}
	slices.SortFunc(summary.ByPayment, func(a, b domain.PaymentBreakdown) int {
		return cmpString(a.PaymentMethod, b.PaymentMethod)
	})

	for _, e := range s.expensesByID {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		summary.ExpenseTotal = summary.ExpenseTotal.Add(e.Amount)
	}

	if session, exists := s.sessionsByDate[date]; exists {
		for _, w := range s.withdrawals {
			if w.SessionID == session.ID {
				summary.Withdrawals = summary.Withdrawals.Add(w.Amount)
			}
		}
		// Same arithmetic as CloseRegister: all cash sales count as inflow
		// regardless of status, with cash refunds subtracted.
		cashIn := decimal.Zero
		for _, sale := range s.salesByID {
			if sale.PaymentMethod != domain.PaymentCash {
				continue
			}
			if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
				continue
			}
			cashIn = cashIn.Add(sale.Total)
		}
		cashRefunds := decimal.Zero
		for _, r := range s.returnsByID {
			if r.CreatedAt.Before(from) || !r.CreatedAt.Before(to) {
				continue
			}
			sale, ok := s.salesByID[r.SaleID]
			if !ok || sale.PaymentMethod != domain.PaymentCash {
				continue
			}
			cashRefunds = cashRefunds.Add(r.Amount)
		}
		summary.ExpectedCash = session.OpeningFloat.Add(cashIn).Sub(cashRefunds).Sub(summary.Withdrawals).Sub(summary.ExpenseTotal).Round(2)
	}
	return &summary, nil
}

func (s *Store) ListAuditEntries(_ context.Context, filter store.AuditFilter) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	from := filter.From
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	to := filter.To
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}

	result := make([]domain.AuditEntry, 0, 64)
	for _, entry := range s.auditEntries {
		if filter.Entity != "" && entry.Entity != filter.Entity {
			continue
		}
		if filter.Actor != "" && entry.Actor != filter.Actor {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditEntry) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, actor domain.Actor, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username %s already exists", store.ErrIntegrity, username)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true

	s.usersByUsername[user.Username] = user
	s.appendAudit(actor, "create", "app_users", user.Username, nil, domain.User{
		Username: user.Username, Role: user.Role, Active: user.Active, CreatedAt: user.CreatedAt,
	})
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyUser := user
	return &copyUser, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, actor domain.Actor, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	s.appendAudit(actor, "password_change", "app_users", username, nil, nil)
	return nil
}

// stockCreditLocked converts a line quantity back into bulk units using the
// fraction's current definition. Caller holds the write lock.
func (s *Store) stockCreditLocked(productID string, fractionID string, qty decimal.Decimal) (decimal.Decimal, error) {
	product, exists := s.products[productID]
	if !exists {
		return decimal.Zero, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	var fraction *domain.Fraction
	if fractionID != "" {
		f, exists := s.fractionsByID[fractionID]
		if !exists {
			return decimal.Zero, fmt.Errorf("%w: fraction %s", store.ErrNotFound, fractionID)
		}
		fraction = &f
	}
	credit, err := pricing.StockDebit(product, fraction, qty)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: product %s has no bulk content", store.ErrValidation, product.Code)
	}
	return credit, nil
}

func (s *Store) restockLocked(productID string, credit decimal.Decimal, reason string, actor string, at time.Time) {
	if !credit.IsPositive() {
		return
	}
	product := s.products[productID]
	after := product.Stock.Add(credit)
	s.appendMovement(domain.StockMovement{
		ProductID:   productID,
		Kind:        domain.MovementIn,
		Qty:         credit,
		StockBefore: product.Stock,
		StockAfter:  after,
		Reason:      reason,
		CreatedBy:   actor,
		CreatedAt:   at,
	})
	product.Stock = after
	s.products[productID] = product
}

func (s *Store) reverseChargeLocked(customerID string, amount decimal.Decimal, saleID string, note string, at time.Time) {
	if customerID == "" || !amount.IsPositive() {
		return
	}
	customer, exists := s.customersByID[customerID]
	if !exists {
		return
	}
	customer.Balance = customer.Balance.Sub(amount)
	s.customersByID[customerID] = customer
	s.accountEntries = append(s.accountEntries, domain.CustomerAccountEntry{
		ID:         xid.New("acct"),
		CustomerID: customerID,
		Kind:       domain.EntryPayment,
		Amount:     amount,
		SaleID:     saleID,
		Note:       note,
		CreatedAt:  at,
	})
}

func (s *Store) appendMovement(mv domain.StockMovement) {
	if mv.ID == "" {
		mv.ID = xid.New("mov")
	}
	s.stockMovements = append(s.stockMovements, mv)
}

func (s *Store) appendPriceHistory(productID string, field string, oldVal, newVal decimal.Decimal, changedBy string) {
	s.priceHistoryByID[productID] = append(s.priceHistoryByID[productID], domain.PriceHistory{
		ID:        xid.New("ph"),
		ProductID: productID,
		Field:     field,
		OldValue:  oldVal,
		NewValue:  newVal,
		ChangedBy: changedBy,
		ChangedAt: time.Now().UTC(),
	})
}

func (s *Store) appendAudit(actor domain.Actor, action string, entity string, entityID string, before any, after any) {
	entry := domain.AuditEntry{
		ID:        xid.New("audit"),
		Actor:     actor.Username,
		Role:      actor.Role,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		CreatedAt: time.Now().UTC(),
	}
	if before != nil {
		if raw, err := json.Marshal(before); err == nil {
			entry.Before = raw
		}
	}
	if after != nil {
		if raw, err := json.Marshal(after); err == nil {
			entry.After = raw
		}
	}
	s.auditEntries = append(s.auditEntries, entry)
}

func dayBounds(date string) (time.Time, time.Time, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid date %s", store.ErrValidation, date)
	}
	from := day.UTC()
	return from, from.Add(24 * time.Hour), nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	lines := make([]domain.SaleLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	if src.VoidedAt != nil {
		at := *src.VoidedAt
		dup.VoidedAt = &at
	}
	return &dup
}

func cloneReturn(src domain.Return) domain.Return {
	dup := src
	lines := make([]domain.ReturnLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	return dup
}

func clonePurchase(src domain.Purchase) domain.Purchase {
	dup := src
	lines := make([]domain.PurchaseLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	return dup
}
