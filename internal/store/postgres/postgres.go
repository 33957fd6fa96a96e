package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/lautaro2705-commits/dietetica-erp/internal/domain"
	"github.com/lautaro2705-commits/dietetica-erp/internal/pricing"
	"github.com/lautaro2705-commits/dietetica-erp/internal/store"
	"github.com/lautaro2705-commits/dietetica-erp/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, code, name, COALESCE(category_id,''), COALESCE(supplier_id,''), unit,
	bulk_content, cost_price, wholesale_price, retail_markup_pct, stock, min_stock,
	expiry_date, active, created_at`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	var expiry sql.NullTime
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.CategoryID, &p.SupplierID, &p.Unit,
		&p.BulkContent, &p.CostPrice, &p.WholesalePrice, &p.RetailMarkupPct, &p.Stock,
		&p.MinStock, &expiry, &p.Active, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		d := dateOnly(expiry.Time)
		p.ExpiryDate = &d
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE ($1 OR active = true)
		ORDER BY name
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ListLowStockProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND stock <= min_stock
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) GetProductByCode(ctx context.Context, code string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE code = $1`, code)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) CreateProduct(ctx context.Context, actor domain.Actor, product domain.Product) (*domain.Product, error) {
	if product.Code == "" || product.Name == "" {
		return nil, fmt.Errorf("%w: code and name are required", store.ErrValidation)
	}
	if product.CostPrice.IsNegative() || product.WholesalePrice.IsNegative() || product.RetailMarkupPct.IsNegative() {
		return nil, fmt.Errorf("%w: prices must not be negative", store.ErrValidation)
	}
	if product.Stock.IsNegative() {
		return nil, fmt.Errorf("%w: stock must not be negative", store.ErrValidation)
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (
			id, code, name, category_id, supplier_id, unit, bulk_content, cost_price,
			wholesale_price, retail_markup_pct, stock, min_stock, expiry_date, active,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
	`, product.ID, product.Code, product.Name, nullIfEmpty(product.CategoryID), nullIfEmpty(product.SupplierID),
		product.Unit, product.BulkContent, product.CostPrice, product.WholesalePrice,
		product.RetailMarkupPct, product.Stock, product.MinStock, nullDate(product.ExpiryDate),
		product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: product code %s already exists", store.ErrIntegrity, product.Code)
		}
		if isFKViolation(err) {
			return nil, fmt.Errorf("%w: unknown category or supplier", store.ErrIntegrity)
		}
		return nil, err
	}

	if product.Stock.IsPositive() {
		if err := insertMovement(ctx, tx, domain.StockMovement{
			ProductID:   product.ID,
			Kind:        domain.MovementIn,
			Qty:         product.Stock,
			StockBefore: decimal.Zero,
			StockAfter:  product.Stock,
			Reason:      "Initial stock",
			CreatedBy:   actor.Username,
			CreatedAt:   product.CreatedAt,
		}); err != nil {
			return nil, err
		}
	}

	if err := insertAudit(ctx, tx, actor, "create", "products", product.ID, nil, product); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, actor domain.Actor, id string, upd domain.ProductUpdate) (*domain.Product, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id)
	current, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	before := *current

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

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category_id = $3, supplier_id = $4, unit = $5, bulk_content = $6,
			cost_price = $7, wholesale_price = $8, retail_markup_pct = $9, min_stock = $10,
			expiry_date = $11, active = $12, updated_at = now()
		WHERE id = $1
	`, id, current.Name, nullIfEmpty(current.CategoryID), nullIfEmpty(current.SupplierID), current.Unit,
		current.BulkContent, current.CostPrice, current.WholesalePrice, current.RetailMarkupPct,
		current.MinStock, nullDate(current.ExpiryDate), current.Active)
	if err != nil {
		if isFKViolation(err) {
			return nil, fmt.Errorf("%w: unknown category or supplier", store.ErrIntegrity)
		}
		return nil, err
	}

	if upd.CostPrice != nil && !before.CostPrice.Equal(current.CostPrice) {
		if err := insertPriceHistory(ctx, tx, id, domain.PriceFieldCost, before.CostPrice, current.CostPrice, actor.Username); err != nil {
			return nil, err
		}
	}
	if upd.WholesalePrice != nil && !before.WholesalePrice.Equal(current.WholesalePrice) {
		if err := insertPriceHistory(ctx, tx, id, domain.PriceFieldWholesale, before.WholesalePrice, current.WholesalePrice, actor.Username); err != nil {
			return nil, err
		}
	}

	if err := insertAudit(ctx, tx, actor, "update", "products", id, before, *current); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return current, nil
}

func (s *Store) CreateFraction(ctx context.Context, actor domain.Actor, fraction domain.Fraction) (*domain.Fraction, error) {
	if fraction.ProductID == "" || fraction.Label == "" || !fraction.Qty.IsPositive() {
		return nil, fmt.Errorf("%w: fraction needs product, label and positive qty", store.ErrValidation)
	}
	if fraction.ID == "" {
		fraction.ID = xid.New("frac")
	}
	fraction.Active = true

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fractions (id, product_id, label, qty, price_override, active)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, fraction.ID, fraction.ProductID, fraction.Label, fraction.Qty,
		nullDecimal(fraction.PriceOverride), fraction.Active)
	if err != nil {
		if isFKViolation(err) {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, fraction.ProductID)
		}
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "create", "fractions", fraction.ID, nil, fraction); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := fraction
	return &created, nil
}

func (s *Store) UpdateFraction(ctx context.Context, actor domain.Actor, id string, upd domain.FractionUpdate) (*domain.Fraction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current domain.Fraction
	var override decimal.NullDecimal
	err = tx.QueryRowContext(ctx, `
		SELECT id, product_id, label, qty, price_override, active
		FROM fractions
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current.ID, &current.ProductID, &current.Label, &current.Qty, &override, &current.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if override.Valid {
		current.PriceOverride = &override.Decimal
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

	_, err = tx.ExecContext(ctx, `
		UPDATE fractions
		SET label = $2, qty = $3, price_override = $4, active = $5
		WHERE id = $1
	`, id, current.Label, current.Qty, nullDecimal(current.PriceOverride), current.Active)
	if err != nil {
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "update", "fractions", id, before, current); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &current, nil
}

func (s *Store) ListFractions(ctx context.Context, productID string) ([]domain.Fraction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, label, qty, price_override, active
		FROM fractions
		WHERE product_id = $1
		ORDER BY qty ASC
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fractions := make([]domain.Fraction, 0, 8)
	for rows.Next() {
		var f domain.Fraction
		var override decimal.NullDecimal
		if err := rows.Scan(&f.ID, &f.ProductID, &f.Label, &f.Qty, &override, &f.Active); err != nil {
			return nil, err
		}
		if override.Valid {
			f.PriceOverride = &override.Decimal
		}
		fractions = append(fractions, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return fractions, nil
}

func (s *Store) CreateCategory(ctx context.Context, actor domain.Actor, category domain.Category) (*domain.Category, error) {
	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" {
		return nil, fmt.Errorf("%w: category name is required", store.ErrValidation)
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO categories (id, name) VALUES ($1,$2)`, category.ID, category.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: category %s already exists", store.ErrIntegrity, category.Name)
		}
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "create", "categories", category.ID, nil, category); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := category
	return &created, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) CreateSupplier(ctx context.Context, actor domain.Actor, supplier domain.Supplier) (*domain.Supplier, error) {
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, tax_id, phone, email, address, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, supplier.ID, supplier.Name, nullIfEmpty(supplier.TaxID), nullIfEmpty(supplier.Phone),
		nullIfEmpty(supplier.Email), nullIfEmpty(supplier.Address), supplier.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: supplier %s already exists", store.ErrIntegrity, supplier.Name)
		}
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "create", "suppliers", supplier.ID, nil, supplier); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := supplier
	return &created, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(tax_id,''), COALESCE(phone,''), COALESCE(email,''), COALESCE(address,''), created_at
		FROM suppliers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 32)
	for rows.Next() {
		var item domain.Supplier
		if err := rows.Scan(&item.ID, &item.Name, &item.TaxID, &item.Phone, &item.Email, &item.Address, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.CreatedAt = item.CreatedAt.UTC()
		suppliers = append(suppliers, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return suppliers, nil
}

func (s *Store) CreateCustomer(ctx context.Context, actor domain.Actor, customer domain.Customer) (*domain.Customer, error) {
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO customers (id, name, tax_id, phone, email, address, discount_pct, balance, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, customer.ID, customer.Name, nullIfEmpty(customer.TaxID), nullIfEmpty(customer.Phone),
		nullIfEmpty(customer.Email), nullIfEmpty(customer.Address), customer.DiscountPct,
		customer.Balance, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: customer already exists", store.ErrIntegrity)
		}
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "create", "customers", customer.ID, nil, customer); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, actor domain.Actor, id string, upd domain.CustomerUpdate) (*domain.Customer, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getCustomerForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	before := *current

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

	_, err = tx.ExecContext(ctx, `
		UPDATE customers
		SET name = $2, tax_id = $3, phone = $4, email = $5, address = $6, discount_pct = $7
		WHERE id = $1
	`, id, current.Name, nullIfEmpty(current.TaxID), nullIfEmpty(current.Phone),
		nullIfEmpty(current.Email), nullIfEmpty(current.Address), current.DiscountPct)
	if err != nil {
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "update", "customers", id, before, *current); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return current, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(tax_id,''), COALESCE(phone,''), COALESCE(email,''),
			COALESCE(address,''), discount_pct, balance, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.TaxID, &c.Phone, &c.Email, &c.Address, &c.DiscountPct, &c.Balance, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(tax_id,''), COALESCE(phone,''), COALESCE(email,''),
			COALESCE(address,''), discount_pct, balance, created_at
		FROM customers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.TaxID, &c.Phone, &c.Email, &c.Address, &c.DiscountPct, &c.Balance, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) SetSpecialPrice(ctx context.Context, actor domain.Actor, sp domain.SpecialPrice) (*domain.SpecialPrice, error) {
	if sp.CustomerID == "" || sp.ProductID == "" || !sp.Price.IsPositive() {
		return nil, fmt.Errorf("%w: special price needs customer, product and positive price", store.ErrValidation)
	}
	if sp.ID == "" {
		sp.ID = xid.New("sp")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO special_prices (id, customer_id, product_id, price)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (customer_id, product_id)
		DO UPDATE SET price = EXCLUDED.price
	`, sp.ID, sp.CustomerID, sp.ProductID, sp.Price)
	if err != nil {
		if isFKViolation(err) {
			return nil, fmt.Errorf("%w: unknown customer or product", store.ErrNotFound)
		}
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "set", "special_prices", sp.CustomerID+":"+sp.ProductID, nil, sp); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := sp
	return &saved, nil
}

func (s *Store) DeleteSpecialPrice(ctx context.Context, actor domain.Actor, customerID string, productID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM special_prices WHERE customer_id = $1 AND product_id = $2
	`, customerID, productID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	if err := insertAudit(ctx, tx, actor, "delete", "special_prices", customerID+":"+productID, nil, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListSpecialPrices(ctx context.Context, customerID string) ([]domain.SpecialPrice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, product_id, price
		FROM special_prices
		WHERE customer_id = $1
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prices := make([]domain.SpecialPrice, 0, 8)
	for rows.Next() {
		var sp domain.SpecialPrice
		if err := rows.Scan(&sp.ID, &sp.CustomerID, &sp.ProductID, &sp.Price); err != nil {
			return nil, err
		}
		prices = append(prices, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return prices, nil
}

func (s *Store) RegisterCustomerPayment(ctx context.Context, actor domain.Actor, entry domain.CustomerAccountEntry) (*domain.CustomerAccountEntry, error) {
	if entry.CustomerID == "" || !entry.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment needs customer and positive amount", store.ErrValidation)
	}
	if entry.ID == "" {
		entry.ID = xid.New("acct")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Kind = domain.EntryPayment

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	customer, err := getCustomerForUpdate(ctx, tx, entry.CustomerID)
	if err != nil {
		return nil, err
	}

	if err := insertAccountEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE customers SET balance = balance - $2 WHERE id = $1
	`, entry.CustomerID, entry.Amount)
	if err != nil {
		return nil, err
	}

	after := *customer
	after.Balance = customer.Balance.Sub(entry.Amount)
	if err := insertAudit(ctx, tx, actor, "payment", "customers", entry.CustomerID, customer, after); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := entry
	return &saved, nil
}

func (s *Store) ListAccountEntries(ctx context.Context, customerID string, limit int) ([]domain.CustomerAccountEntry, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, kind, amount, COALESCE(sale_id,''), COALESCE(note,''), created_at
		FROM customer_account_entries
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CustomerAccountEntry, 0, limit)
	for rows.Next() {
		var e domain.CustomerAccountEntry
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Kind, &e.Amount, &e.SaleID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// CreateSale runs the whole sale inside one serializable transaction:
// price resolution against locked product rows, guarded stock decrements,
// movement rows, account posting and the audit entry all commit together.
func (s *Store) CreateSale(ctx context.Context, actor domain.Actor, sale domain.Sale, lines []domain.SaleLineRequest) (*domain.Sale, error) {
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Status = domain.SaleStatusActive
	sale.CreatedBy = actor.Username

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var customer *domain.Customer
	if sale.CustomerID != "" {
		customer, err = getCustomerForUpdate(ctx, tx, sale.CustomerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, sale.CustomerID)
			}
			return nil, err
		}
	}
	if sale.PaymentMethod == domain.PaymentOnAccount && customer == nil {
		return nil, fmt.Errorf("%w: on-account sale requires a customer", store.ErrValidation)
	}

	productIDs := uniqueProductIDs(lines)
	products, err := lockProducts(ctx, tx, productIDs)
	if err != nil {
		return nil, err
	}

	specials := map[string]domain.SpecialPrice{}
	if customer != nil {
		spRows, err := tx.QueryContext(ctx, `
			SELECT id, customer_id, product_id, price
			FROM special_prices
			WHERE customer_id = $1 AND product_id = ANY($2)
		`, customer.ID, productIDs)
		if err != nil {
			return nil, err
		}
		for spRows.Next() {
			var sp domain.SpecialPrice
			if err := spRows.Scan(&sp.ID, &sp.CustomerID, &sp.ProductID, &sp.Price); err != nil {
				_ = spRows.Close()
				return nil, err
			}
			specials[sp.ProductID] = sp
		}
		if err := spRows.Err(); err != nil {
			_ = spRows.Close()
			return nil, err
		}
		_ = spRows.Close()
	}

	total := decimal.Zero
	saleLines := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		if !line.Qty.IsPositive() {
			return nil, fmt.Errorf("%w: line qty must be positive", store.ErrValidation)
		}
		product, exists := products[line.ProductID]
		if !exists {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product %s is inactive", store.ErrValidation, product.Code)
		}

		var fraction *domain.Fraction
		var unitPrice decimal.Decimal
		unitCost := product.CostPrice
		if line.FractionID != "" {
			fraction, err = getFraction(ctx, tx, line.FractionID)
			if err != nil {
				return nil, err
			}
			if fraction.ProductID != product.ID {
				return nil, fmt.Errorf("%w: fraction %s does not belong to product %s", store.ErrValidation, line.FractionID, product.ID)
			}
			if !fraction.Active {
				return nil, fmt.Errorf("%w: fraction %s is inactive", store.ErrValidation, fraction.Label)
			}
			unitPrice, err = pricing.FractionPrice(product, *fraction)
			if err != nil {
				return nil, fmt.Errorf("%w: product %s has no bulk content", store.ErrValidation, product.Code)
			}
			unitCost, err = pricing.FractionCost(product, *fraction)
			if err != nil {
				return nil, fmt.Errorf("%w: product %s has no bulk content", store.ErrValidation, product.Code)
			}
		} else {
			var sp *domain.SpecialPrice
			if spRow, ok := specials[product.ID]; ok {
				sp = &spRow
			}
			unitPrice = pricing.ResolveUnitPrice(product, sale.SaleType, customer, sp)
		}

		debit, err := pricing.StockDebit(product, fraction, line.Qty)
		if err != nil {
			return nil, fmt.Errorf("%w: product %s has no bulk content", store.ErrValidation, product.Code)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, updated_at = now()
			WHERE id = $2 AND stock >= $1
		`, debit, product.ID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, &store.StockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Available:   product.Stock,
				Required:    debit,
			}
		}
		stockAfter := product.Stock.Sub(debit)

		if err := insertMovement(ctx, tx, domain.StockMovement{
			ProductID:   product.ID,
			Kind:        domain.MovementOut,
			Qty:         debit,
			StockBefore: product.Stock,
			StockAfter:  stockAfter,
			Reason:      "Sale #" + sale.ID,
			CreatedBy:   actor.Username,
			CreatedAt:   sale.CreatedAt,
		}); err != nil {
			return nil, err
		}
		product.Stock = stockAfter
		products[product.ID] = product

		lineTotal := pricing.LineTotal(unitPrice, line.Qty)
		saleLine := domain.SaleLine{
			ID:          xid.New("line"),
			SaleID:      sale.ID,
			ProductID:   product.ID,
			FractionID:  line.FractionID,
			Qty:         line.Qty,
			UnitPrice:   unitPrice,
			UnitCost:    unitCost,
			LineTotal:   lineTotal,
			ReturnedQty: decimal.Zero,
		}
		saleLines = append(saleLines, saleLine)
		total = total.Add(lineTotal)
	}

	sale.Total = total.Round(2)
	sale.Lines = saleLines

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, customer_id, sale_type, payment_method, total, status, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sale.ID, nullIfEmpty(sale.CustomerID), sale.SaleType, sale.PaymentMethod, sale.Total,
		sale.Status, sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, line := range saleLines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, product_id, fraction_id, qty, unit_price, unit_cost, line_total, returned_qty)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, line.ID, line.SaleID, line.ProductID, nullIfEmpty(line.FractionID),
			line.Qty, line.UnitPrice, line.UnitCost, line.LineTotal, line.ReturnedQty)
		if err != nil {
			return nil, err
		}
	}

	if sale.PaymentMethod == domain.PaymentOnAccount {
		if err := insertAccountEntry(ctx, tx, domain.CustomerAccountEntry{
			ID:         xid.New("acct"),
			CustomerID: customer.ID,
			Kind:       domain.EntryCharge,
			Amount:     sale.Total,
			SaleID:     sale.ID,
			Note:       "Sale #" + sale.ID,
			CreatedAt:  sale.CreatedAt,
		}); err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE customers SET balance = balance + $2 WHERE id = $1
		`, customer.ID, sale.Total)
		if err != nil {
			return nil, err
		}
	}

	if err := insertAudit(ctx, tx, actor, "create", "sales", sale.ID, nil, sale); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSaleRow(s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(customer_id,''), sale_type, payment_method, total, status,
			COALESCE(void_reason,''), voided_at, created_by, created_at
		FROM sales
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}

	lines, err := s.listSaleLines(ctx, id)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return sale, nil
}

func (s *Store) listSaleLines(ctx context.Context, saleID string) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, COALESCE(fraction_id,''), qty, unit_price, unit_cost, line_total, returned_qty
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var l domain.SaleLine
		if err := rows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.FractionID, &l.Qty, &l.UnitPrice, &l.UnitCost, &l.LineTotal, &l.ReturnedQty); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
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

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(customer_id,''), sale_type, payment_method, total, status,
			COALESCE(void_reason,''), voided_at, created_by, created_at
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
			AND ($3 = '' OR customer_id = $3)
			AND ($4 = '' OR status = $4)
		ORDER BY created_at DESC
		LIMIT $5
	`, from, to, filter.CustomerID, filter.Status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSaleRow(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		lines, err := s.listSaleLines(ctx, sales[i].ID)
		if err != nil {
			return nil, err
		}
		sales[i].Lines = lines
	}
	return sales, nil
}

// VoidSale flips an active sale to voided, re-credits the stock each line
// still holds (sold minus already returned) and reverses what remains of
// the on-account charge. Voiding a voided sale fails, never double-credits.
func (s *Store) VoidSale(ctx context.Context, actor domain.Actor, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := scanSaleRow(tx.QueryRowContext(ctx, `
		SELECT id, COALESCE(customer_id,''), sale_type, payment_method, total, status,
			COALESCE(void_reason,''), voided_at, created_by, created_at
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID))
	if err != nil {
		return nil, err
	}
	if sale.Status != domain.SaleStatusActive {
		return nil, fmt.Errorf("%w: sale %s is already voided", store.ErrInvalidSale, saleID)
	}
	before := *sale

	lines, err := lockSaleLines(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}

	refunded := decimal.Zero
	retLines := make([]domain.ReturnLine, 0, len(lines))
	retID := xid.New("ret")
	for _, line := range lines {
		remaining := line.Qty.Sub(line.ReturnedQty)
		if !remaining.IsPositive() {
			continue
		}

		product, fraction, err := lockProductAndFraction(ctx, tx, line.ProductID, line.FractionID)
		if err != nil {
			return nil, err
		}
		credit, err := pricing.StockDebit(*product, fraction, remaining)
		if err != nil {
			return nil, fmt.Errorf("%w: product %s has no bulk content", store.ErrValidation, product.Code)
		}

		if err := creditStock(ctx, tx, product, credit, "Void sale #"+saleID, actor.Username, at); err != nil {
			return nil, err
		}

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

		_, err = tx.ExecContext(ctx, `
			UPDATE sale_lines SET returned_qty = qty WHERE id = $1
		`, line.ID)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, void_reason = $3, voided_at = $4
		WHERE id = $1 AND status = $5
	`, saleID, domain.SaleStatusVoided, reason, at, domain.SaleStatusActive)
	if err != nil {
		return nil, err
	}

	if sale.PaymentMethod == domain.PaymentOnAccount && refunded.IsPositive() {
		if err := reverseAccountCharge(ctx, tx, sale.CustomerID, refunded, saleID, "Void sale #"+saleID, at); err != nil {
			return nil, err
		}
	}

	ret := domain.Return{
		ID:        retID,
		SaleID:    saleID,
		Kind:      domain.ReturnFullVoid,
		Amount:    refunded.Round(2),
		Reason:    reason,
		CreatedBy: actor.Username,
		CreatedAt: at,
		Lines:     retLines,
	}
	if err := insertReturn(ctx, tx, ret); err != nil {
		return nil, err
	}

	sale.Status = domain.SaleStatusVoided
	sale.VoidReason = reason
	sale.VoidedAt = &at
	if err := insertAudit(ctx, tx, actor, "void", "sales", saleID, before, *sale); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	lines, err = s.listSaleLines(ctx, saleID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return sale, nil
}

// CreatePartialReturn takes back part of an active sale. Each requested line
// is capped so cumulative returns never exceed the sold quantity; the refund
// is computed from the frozen unit price and the stock re-credit from the
// fraction's current definition.
func (s *Store) CreatePartialReturn(ctx context.Context, actor domain.Actor, ret domain.Return, lines []domain.ReturnLineRequest) (*domain.Return, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: return has no lines", store.ErrValidation)
	}
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = time.Now().UTC()
	}
	ret.Kind = domain.ReturnPartialReturn
	ret.CreatedBy = actor.Username

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := scanSaleRow(tx.QueryRowContext(ctx, `
		SELECT id, COALESCE(customer_id,''), sale_type, payment_method, total, status,
			COALESCE(void_reason,''), voided_at, created_by, created_at
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, ret.SaleID))
	if err != nil {
		return nil, err
	}
	if sale.Status != domain.SaleStatusActive {
		return nil, fmt.Errorf("%w: sale %s is voided", store.ErrInvalidSale, ret.SaleID)
	}

	saleLines, err := lockSaleLines(ctx, tx, ret.SaleID)
	if err != nil {
		return nil, err
	}
	lineByID := make(map[string]domain.SaleLine, len(saleLines))
	for _, l := range saleLines {
		lineByID[l.ID] = l
	}

	refunded := decimal.Zero
	retLines := make([]domain.ReturnLine, 0, len(lines))
	for _, req := range lines {
		if !req.Qty.IsPositive() {
			return nil, fmt.Errorf("%w: return qty must be positive", store.ErrValidation)
		}
		line, exists := lineByID[req.SaleLineID]
		if !exists {
			return nil, fmt.Errorf("%w: sale line %s", store.ErrNotFound, req.SaleLineID)
		}
		remaining := line.Qty.Sub(line.ReturnedQty)
		if req.Qty.GreaterThan(remaining) {
			return nil, fmt.Errorf("%w: line %s has only %s left to return", store.ErrValidation, line.ID, remaining.String())
		}

		product, fraction, err := lockProductAndFraction(ctx, tx, line.ProductID, line.FractionID)
		if err != nil {
			return nil, err
		}
		credit, err := pricing.StockDebit(*product, fraction, req.Qty)
		if err != nil {
			return nil, fmt.Errorf("%w: product %s has no bulk content", store.ErrValidation, product.Code)
		}
		if err := creditStock(ctx, tx, product, credit, "Return sale #"+ret.SaleID, actor.Username, ret.CreatedAt); err != nil {
			return nil, err
		}

		refund := pricing.LineTotal(line.UnitPrice, req.Qty)
		refunded = refunded.Add(refund)

		newReturned := line.ReturnedQty.Add(req.Qty)
		_, err = tx.ExecContext(ctx, `
			UPDATE sale_lines SET returned_qty = $2 WHERE id = $1
		`, line.ID, newReturned)
		if err != nil {
			return nil, err
		}
		line.ReturnedQty = newReturned
		lineByID[line.ID] = line

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
	if err := insertReturn(ctx, tx, ret); err != nil {
		return nil, err
	}

	if sale.PaymentMethod == domain.PaymentOnAccount {
		if err := reverseAccountCharge(ctx, tx, sale.CustomerID, ret.Amount, sale.ID, "Return sale #"+sale.ID, ret.CreatedAt); err != nil {
			return nil, err
		}
	}

	if err := insertAudit(ctx, tx, actor, "partial_return", "sales", sale.ID, nil, ret); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := ret
	return &created, nil
}

func (s *Store) ListReturns(ctx context.Context, saleID string) ([]domain.Return, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, kind, amount, COALESCE(reason,''), created_by, created_at
		FROM returns
		WHERE sale_id = $1
		ORDER BY created_at ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.Return, 0, 4)
	for rows.Next() {
		var r domain.Return
		if err := rows.Scan(&r.ID, &r.SaleID, &r.Kind, &r.Amount, &r.Reason, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		returns = append(returns, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range returns {
		lineRows, err := s.db.QueryContext(ctx, `
			SELECT id, return_id, sale_line_id, product_id, COALESCE(fraction_id,''), qty, refund
			FROM return_lines
			WHERE return_id = $1
			ORDER BY id ASC
		`, returns[i].ID)
		if err != nil {
			return nil, err
		}
		lines := make([]domain.ReturnLine, 0, 4)
		for lineRows.Next() {
			var l domain.ReturnLine
			if err := lineRows.Scan(&l.ID, &l.ReturnID, &l.SaleLineID, &l.ProductID, &l.FractionID, &l.Qty, &l.Refund); err != nil {
				_ = lineRows.Close()
				return nil, err
			}
			lines = append(lines, l)
		}
		if err := lineRows.Err(); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		_ = lineRows.Close()
		returns[i].Lines = lines
	}
	return returns, nil
}

func (s *Store) CreateStockMovement(ctx context.Context, actor domain.Actor, mv domain.StockMovement) (*domain.StockMovement, error) {
	if mv.ProductID == "" {
		return nil, fmt.Errorf("%w: movement needs a product", store.ErrValidation)
	}
	if mv.Kind != domain.MovementAdjust && !mv.Qty.IsPositive() {
		return nil, fmt.Errorf("%w: movement qty must be positive", store.ErrValidation)
	}
	if mv.Kind == domain.MovementAdjust && mv.Qty.IsNegative() {
		return nil, fmt.Errorf("%w: adjusted stock must not be negative", store.ErrValidation)
	}
	if mv.ID == "" {
		mv.ID = xid.New("mov")
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now().UTC()
	}
	mv.CreatedBy = actor.Username

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, mv.ProductID)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, mv.ProductID)
		}
		return nil, err
	}

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

	_, err = tx.ExecContext(ctx, `
		UPDATE products SET stock = $2, updated_at = now() WHERE id = $1
	`, product.ID, mv.StockAfter)
	if err != nil {
		return nil, err
	}
	if err := insertMovement(ctx, tx, mv); err != nil {
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "stock_"+mv.Kind, "products", product.ID, product.Stock, mv.StockAfter); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := mv
	return &saved, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, kind, qty, stock_before, stock_after, COALESCE(reason,''), created_by, created_at
		FROM stock_movements
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Kind, &m.Qty, &m.StockBefore, &m.StockAfter, &m.Reason, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreatePurchase(ctx context.Context, actor domain.Actor, purchase domain.Purchase, lines []domain.PurchaseLineRequest) (*domain.Purchase, error) {
	if purchase.SupplierID == "" || len(lines) == 0 {
		return nil, fmt.Errorf("%w: purchase needs supplier and lines", store.ErrValidation)
	}
	if purchase.ID == "" {
		purchase.ID = xid.New("purch")
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}
	purchase.CreatedBy = actor.Username

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	total := decimal.Zero
	purchaseLines := make([]domain.PurchaseLine, 0, len(lines))
	for _, req := range lines {
		if !req.Qty.IsPositive() || req.UnitCost.IsNegative() {
			return nil, fmt.Errorf("%w: purchase line needs positive qty and non-negative cost", store.ErrValidation)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, req.ProductID)
		product, err := scanProduct(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, req.ProductID)
			}
			return nil, err
		}

		newStock := product.Stock.Add(req.Qty)
		_, err = tx.ExecContext(ctx, `
			UPDATE products SET stock = $2, updated_at = now() WHERE id = $1
		`, product.ID, newStock)
		if err != nil {
			return nil, err
		}
		if err := insertMovement(ctx, tx, domain.StockMovement{
			ProductID:   product.ID,
			Kind:        domain.MovementIn,
			Qty:         req.Qty,
			StockBefore: product.Stock,
			StockAfter:  newStock,
			Reason:      "Purchase #" + purchase.ID,
			CreatedBy:   actor.Username,
			CreatedAt:   purchase.CreatedAt,
		}); err != nil {
			return nil, err
		}

		if req.UpdateCost && !product.CostPrice.Equal(req.UnitCost) {
			_, err = tx.ExecContext(ctx, `
				UPDATE products SET cost_price = $2, updated_at = now() WHERE id = $1
			`, product.ID, req.UnitCost)
			if err != nil {
				return nil, err
			}
			if err := insertPriceHistory(ctx, tx, product.ID, domain.PriceFieldCost, product.CostPrice, req.UnitCost, actor.Username); err != nil {
				return nil, err
			}
		}

		line := domain.PurchaseLine{
			ID:         xid.New("pline"),
			PurchaseID: purchase.ID,
			ProductID:  product.ID,
			Qty:        req.Qty,
			UnitCost:   req.UnitCost,
		}
		purchaseLines = append(purchaseLines, line)
		total = total.Add(req.UnitCost.Mul(req.Qty))
	}

	purchase.Total = total.Round(2)
	purchase.Lines = purchaseLines

	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchases (id, supplier_id, invoice_number, total, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, purchase.ID, purchase.SupplierID, nullIfEmpty(purchase.InvoiceNumber), purchase.Total,
		purchase.CreatedBy, purchase.CreatedAt)
	if err != nil {
		if isFKViolation(err) {
			return nil, fmt.Errorf("%w: supplier %s", store.ErrNotFound, purchase.SupplierID)
		}
		return nil, err
	}
	for _, line := range purchaseLines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchase_lines (id, purchase_id, product_id, qty, unit_cost)
			VALUES ($1,$2,$3,$4,$5)
		`, line.ID, line.PurchaseID, line.ProductID, line.Qty, line.UnitCost)
		if err != nil {
			return nil, err
		}
	}

	if err := insertAudit(ctx, tx, actor, "create", "purchases", purchase.ID, nil, purchase); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := purchase
	return &created, nil
}

func (s *Store) ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, supplier_id, COALESCE(invoice_number,''), total, created_by, created_at
		FROM purchases
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := make([]domain.Purchase, 0, limit)
	for rows.Next() {
		var p domain.Purchase
		if err := rows.Scan(&p.ID, &p.SupplierID, &p.InvoiceNumber, &p.Total, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range purchases {
		lineRows, err := s.db.QueryContext(ctx, `
			SELECT id, purchase_id, product_id, qty, unit_cost
			FROM purchase_lines
			WHERE purchase_id = $1
			ORDER BY id ASC
		`, purchases[i].ID)
		if err != nil {
			return nil, err
		}
		lines := make([]domain.PurchaseLine, 0, 8)
		for lineRows.Next() {
			var l domain.PurchaseLine
			if err := lineRows.Scan(&l.ID, &l.PurchaseID, &l.ProductID, &l.Qty, &l.UnitCost); err != nil {
				_ = lineRows.Close()
				return nil, err
			}
			lines = append(lines, l)
		}
		if err := lineRows.Err(); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		_ = lineRows.Close()
		purchases[i].Lines = lines
	}
	return purchases, nil
}

func (s *Store) BulkUpdatePrices(ctx context.Context, actor domain.Actor, req domain.BulkPriceUpdateRequest) (*domain.BulkPriceUpdateResult, error) {
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
			AND ($1 = '' OR category_id = $1)
			AND ($2 = '' OR supplier_id = $2)
		ORDER BY id
		FOR UPDATE
	`, req.CategoryID, req.SupplierID)
	if err != nil {
		return nil, err
	}
	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	factor := decimal.NewFromInt(1).Add(req.Percent.Div(decimal.NewFromInt(100)))
	updated := 0
	for _, p := range products {
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

		_, err = tx.ExecContext(ctx, `
			UPDATE products SET cost_price = $2, wholesale_price = $3, updated_at = now() WHERE id = $1
		`, p.ID, p.CostPrice, p.WholesalePrice)
		if err != nil {
			return nil, err
		}
		if !p.CostPrice.Equal(before.CostPrice) {
			if err := insertPriceHistory(ctx, tx, p.ID, domain.PriceFieldCost, before.CostPrice, p.CostPrice, actor.Username); err != nil {
				return nil, err
			}
		}
		if !p.WholesalePrice.Equal(before.WholesalePrice) {
			if err := insertPriceHistory(ctx, tx, p.ID, domain.PriceFieldWholesale, before.WholesalePrice, p.WholesalePrice, actor.Username); err != nil {
				return nil, err
			}
		}
		if err := insertAudit(ctx, tx, actor, "bulk_price_update", "products", p.ID, before, p); err != nil {
			return nil, err
		}
		updated++
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.BulkPriceUpdateResult{Updated: updated}, nil
}

func (s *Store) ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.PriceHistory, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, field, old_value, new_value, changed_by, changed_at
		FROM price_history
		WHERE product_id = $1
		ORDER BY changed_at DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]domain.PriceHistory, 0, limit)
	for rows.Next() {
		var h domain.PriceHistory
		if err := rows.Scan(&h.ID, &h.ProductID, &h.Field, &h.OldValue, &h.NewValue, &h.ChangedBy, &h.ChangedAt); err != nil {
			return nil, err
		}
		h.ChangedAt = h.ChangedAt.UTC()
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return history, nil
}

func (s *Store) CreateExpense(ctx context.Context, actor domain.Actor, expense domain.Expense) (*domain.Expense, error) {
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO expenses (id, description, amount, category, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, expense.ID, expense.Description, expense.Amount, nullIfEmpty(expense.Category),
		expense.CreatedBy, expense.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "create", "expenses", expense.ID, nil, expense); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := expense
	return &created, nil
}

func (s *Store) ListExpensesByDate(ctx context.Context, date string) ([]domain.Expense, error) {
	from, to, err := dayBounds(date)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, amount, COALESCE(category,''), created_by, created_at
		FROM expenses
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, 16)
	for rows.Next() {
		var e domain.Expense
		if err := rows.Scan(&e.ID, &e.Description, &e.Amount, &e.Category, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expenses, nil
}

func (s *Store) OpenRegister(ctx context.Context, actor domain.Actor, session domain.RegisterSession) (*domain.RegisterSession, error) {
	if session.Date == "" {
		return nil, fmt.Errorf("%w: session date is required", store.ErrValidation)
	}
	if session.OpeningFloat.IsNegative() {
		return nil, fmt.Errorf("%w: opening float must not be negative", store.ErrValidation)
	}
	if session.ID == "" {
		session.ID = xid.New("reg")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.RegisterStatusOpen
	session.OpenedBy = actor.Username

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO register_sessions (id, session_date, opening_float, status, open_notes, opened_by, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, session.ID, session.Date, session.OpeningFloat, session.Status,
		nullIfEmpty(session.OpenNotes), session.OpenedBy, session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: register already opened for %s", store.ErrIntegrity, session.Date)
		}
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "open", "register_sessions", session.ID, nil, session); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := session
	return &created, nil
}

func (s *Store) AddRegisterWithdrawal(ctx context.Context, actor domain.Actor, w domain.RegisterWithdrawal) (*domain.RegisterWithdrawal, error) {
	if w.SessionID == "" || !w.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal needs session and positive amount", store.ErrValidation)
	}
	if w.ID == "" {
		w.ID = xid.New("wd")
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	w.CreatedBy = actor.Username

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM register_sessions WHERE id = $1 FOR UPDATE
	`, w.SessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.RegisterStatusOpen {
		return nil, fmt.Errorf("%w: register session is closed", store.ErrValidation)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO register_withdrawals (id, session_id, amount, motive, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, w.ID, w.SessionID, w.Amount, w.Motive, w.CreatedBy, w.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "withdrawal", "register_sessions", w.SessionID, nil, w); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := w
	return &created, nil
}

func (s *Store) CloseRegister(ctx context.Context, actor domain.Actor, date string, counted decimal.Decimal, notes string, at time.Time) (*domain.RegisterSession, error) {
	if counted.IsNegative() {
		return nil, fmt.Errorf("%w: counted cash must not be negative", store.ErrValidation)
	}
	from, to, err := dayBounds(date)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	session, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT id, session_date, opening_float, counted_cash, expected_cash, difference, status,
			COALESCE(open_notes,''), COALESCE(close_notes,''), opened_by, COALESCE(closed_by,''), opened_at, closed_at
		FROM register_sessions
		WHERE session_date = $1
		FOR UPDATE
	`, date))
	if err != nil {
		return nil, err
	}
	if session.Status != domain.RegisterStatusOpen {
		return nil, fmt.Errorf("%w: register session is already closed", store.ErrValidation)
	}
	before := *session

	// Cash entered the drawer when the sale was made, so voided sales still
	// count as inflow; the refund side is covered by the returns sum below.
	var cashSales decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total), 0)
		FROM sales
		WHERE payment_method = $1 AND created_at >= $2 AND created_at < $3
	`, domain.PaymentCash, from, to).Scan(&cashSales)
	if err != nil {
		return nil, err
	}

	var cashRefunds decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(r.amount), 0)
		FROM returns r
		JOIN sales sl ON sl.id = r.sale_id
		WHERE sl.payment_method = $1 AND r.created_at >= $2 AND r.created_at < $3
	`, domain.PaymentCash, from, to).Scan(&cashRefunds)
	if err != nil {
		return nil, err
	}

	var withdrawals decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM register_withdrawals
		WHERE session_id = $1
	`, session.ID).Scan(&withdrawals)
	if err != nil {
		return nil, err
	}

	var expenseTotal decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM expenses
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&expenseTotal)
	if err != nil {
		return nil, err
	}

	expected := session.OpeningFloat.Add(cashSales).Sub(cashRefunds).Sub(withdrawals).Sub(expenseTotal).Round(2)
	diff := counted.Sub(expected).Round(2)

	_, err = tx.ExecContext(ctx, `
		UPDATE register_sessions
		SET status = $2, counted_cash = $3, expected_cash = $4, difference = $5,
			close_notes = $6, closed_by = $7, closed_at = $8
		WHERE id = $1 AND status = $9
	`, session.ID, domain.RegisterStatusClosed, counted, expected, diff,
		nullIfEmpty(notes), actor.Username, at, domain.RegisterStatusOpen)
	if err != nil {
		return nil, err
	}

	session.Status = domain.RegisterStatusClosed
	session.CountedCash = &counted
	session.ExpectedCash = &expected
	session.Difference = &diff
	session.CloseNotes = notes
	session.ClosedBy = actor.Username
	session.ClosedAt = &at

	if err := insertAudit(ctx, tx, actor, "close", "register_sessions", session.ID, before, *session); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) GetRegisterSession(ctx context.Context, date string) (*domain.RegisterSession, error) {
	return scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, session_date, opening_float, counted_cash, expected_cash, difference, status,
			COALESCE(open_notes,''), COALESCE(close_notes,''), opened_by, COALESCE(closed_by,''), opened_at, closed_at
		FROM register_sessions
		WHERE session_date = $1
	`, date))
}

func (s *Store) ListRegisterWithdrawals(ctx context.Context, sessionID string) ([]domain.RegisterWithdrawal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, amount, motive, created_by, created_at
		FROM register_withdrawals
		WHERE session_id = $1
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	withdrawals := make([]domain.RegisterWithdrawal, 0, 8)
	for rows.Next() {
		var w domain.RegisterWithdrawal
		if err := rows.Scan(&w.ID, &w.SessionID, &w.Amount, &w.Motive, &w.CreatedBy, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.CreatedAt = w.CreatedAt.UTC()
		withdrawals = append(withdrawals, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return withdrawals, nil
}

func (s *Store) GetDaySummary(ctx context.Context, date string) (*domain.DaySummary, error) {
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

	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COUNT(*)::int, COALESCE(SUM(total), 0)
		FROM sales
		WHERE status = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY payment_method
		ORDER BY payment_method
	`, domain.SaleStatusActive, from, to)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var row domain.PaymentBreakdown
		if err := rows.Scan(&row.PaymentMethod, &row.Sales, &row.Total); err != nil {
			_ = rows.Close()
			return nil, err
		}
		summary.ByPayment = append(summary.ByPayment, row)
		summary.SalesCount += row.Sales
		summary.SalesTotal = summary.SalesTotal.Add(row.Total)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM expenses
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&summary.ExpenseTotal)
	if err != nil {
		return nil, err
	}

	session, err := s.GetRegisterSession(ctx, date)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if session != nil {
		withdrawals, err := s.ListRegisterWithdrawals(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		for _, w := range withdrawals {
			summary.Withdrawals = summary.Withdrawals.Add(w.Amount)
		}

		// Same arithmetic as CloseRegister: all cash sales count as inflow
		// regardless of status, with cash refunds subtracted.
		var cashIn decimal.Decimal
		err = s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(total), 0)
			FROM sales
			WHERE payment_method = $1 AND created_at >= $2 AND created_at < $3
		`, domain.PaymentCash, from, to).Scan(&cashIn)
		if err != nil {
			return nil, err
		}
		var cashRefunds decimal.Decimal
		err = s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(r.amount), 0)
			FROM returns r
			JOIN sales sl ON sl.id = r.sale_id
			WHERE sl.payment_method = $1 AND r.created_at >= $2 AND r.created_at < $3
		`, domain.PaymentCash, from, to).Scan(&cashRefunds)
		if err != nil {
			return nil, err
		}
		summary.ExpectedCash = session.OpeningFloat.Add(cashIn).Sub(cashRefunds).Sub(summary.Withdrawals).Sub(summary.ExpenseTotal).Round(2)
	}
	return &summary, nil
}

func (s *Store) ListAuditEntries(ctx context.Context, filter store.AuditFilter) ([]domain.AuditEntry, error) {
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

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, role, action, entity, entity_id, before_state, after_state, created_at
		FROM audit_entries
		WHERE created_at >= $1 AND created_at < $2
			AND ($3 = '' OR entity = $3)
			AND ($4 = '' OR actor = $4)
		ORDER BY created_at DESC
		LIMIT $5
	`, from, to, filter.Entity, filter.Actor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0, limit)
	for rows.Next() {
		var e domain.AuditEntry
		var before, after []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.Role, &e.Action, &e.Entity, &e.EntityID, &before, &after, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Before = before
		e.After = after
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CreateUser(ctx context.Context, actor domain.Actor, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s already exists", store.ErrIntegrity, user.Username)
		}
		return err
	}
	if err := insertAudit(ctx, tx, actor, "create", "app_users", user.Username, nil, domain.User{
		Username: user.Username, Role: user.Role, Active: user.Active, CreatedAt: user.CreatedAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(
		&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, actor domain.Actor, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE app_users SET password = $2, updated_at = now() WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	if err := insertAudit(ctx, tx, actor, "password_change", "app_users", username, nil, nil); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertAudit(ctx context.Context, tx execer, actor domain.Actor, action string, entity string, entityID string, before any, after any) error {
	beforeJSON, err := marshalState(before)
	if err != nil {
		return err
	}
	afterJSON, err := marshalState(after)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries (id, actor, role, action, entity, entity_id, before_state, after_state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, xid.New("audit"), actor.Username, actor.Role, action, entity, entityID, beforeJSON, afterJSON, time.Now().UTC())
	return err
}

func marshalState(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func insertMovement(ctx context.Context, tx execer, mv domain.StockMovement) error {
	if mv.ID == "" {
		mv.ID = xid.New("mov")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, kind, qty, stock_before, stock_after, reason, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, mv.ID, mv.ProductID, mv.Kind, mv.Qty, mv.StockBefore, mv.StockAfter,
		nullIfEmpty(mv.Reason), mv.CreatedBy, mv.CreatedAt)
	return err
}

func insertPriceHistory(ctx context.Context, tx execer, productID string, field string, oldVal, newVal decimal.Decimal, changedBy string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO price_history (id, product_id, field, old_value, new_value, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, xid.New("ph"), productID, field, oldVal, newVal, changedBy, time.Now().UTC())
	return err
}

func insertAccountEntry(ctx context.Context, tx execer, entry domain.CustomerAccountEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO customer_account_entries (id, customer_id, kind, amount, sale_id, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.CustomerID, entry.Kind, entry.Amount,
		nullIfEmpty(entry.SaleID), nullIfEmpty(entry.Note), entry.CreatedAt)
	return err
}

func insertReturn(ctx context.Context, tx execer, ret domain.Return) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO returns (id, sale_id, kind, amount, reason, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, ret.ID, ret.SaleID, ret.Kind, ret.Amount, nullIfEmpty(ret.Reason), ret.CreatedBy, ret.CreatedAt)
	if err != nil {
		return err
	}
	for _, line := range ret.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO return_lines (id, return_id, sale_line_id, product_id, fraction_id, qty, refund)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, line.ID, line.ReturnID, line.SaleLineID, line.ProductID,
			nullIfEmpty(line.FractionID), line.Qty, line.Refund)
		if err != nil {
			return err
		}
	}
	return nil
}

func getCustomerForUpdate(ctx context.Context, tx execer, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := tx.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(tax_id,''), COALESCE(phone,''), COALESCE(email,''),
			COALESCE(address,''), discount_pct, balance, created_at
		FROM customers
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&c.ID, &c.Name, &c.TaxID, &c.Phone, &c.Email, &c.Address, &c.DiscountPct, &c.Balance, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func getFraction(ctx context.Context, tx execer, id string) (*domain.Fraction, error) {
	var f domain.Fraction
	var override decimal.NullDecimal
	err := tx.QueryRowContext(ctx, `
		SELECT id, product_id, label, qty, price_override, active
		FROM fractions
		WHERE id = $1
	`, id).Scan(&f.ID, &f.ProductID, &f.Label, &f.Qty, &override, &f.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: fraction %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	if override.Valid {
		f.PriceOverride = &override.Decimal
	}
	return &f, nil
}

func lockProducts(ctx context.Context, tx *sql.Tx, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = *p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func lockProductAndFraction(ctx context.Context, tx *sql.Tx, productID string, fractionID string) (*domain.Product, *domain.Fraction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
		}
		return nil, nil, err
	}
	var fraction *domain.Fraction
	if fractionID != "" {
		fraction, err = getFraction(ctx, tx, fractionID)
		if err != nil {
			return nil, nil, err
		}
	}
	return product, fraction, nil
}

func creditStock(ctx context.Context, tx execer, product *domain.Product, credit decimal.Decimal, reason string, actor string, at time.Time) error {
	if !credit.IsPositive() {
		return nil
	}
	newStock := product.Stock.Add(credit)
	_, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = $2, updated_at = now() WHERE id = $1
	`, product.ID, newStock)
	if err != nil {
		return err
	}
	if err := insertMovement(ctx, tx, domain.StockMovement{
		ProductID:   product.ID,
		Kind:        domain.MovementIn,
		Qty:         credit,
		StockBefore: product.Stock,
		StockAfter:  newStock,
		Reason:      reason,
		CreatedBy:   actor,
		CreatedAt:   at,
	}); err != nil {
		return err
	}
	product.Stock = newStock
	return nil
}

func reverseAccountCharge(ctx context.Context, tx execer, customerID string, amount decimal.Decimal, saleID string, note string, at time.Time) error {
	if customerID == "" || !amount.IsPositive() {
		return nil
	}
	if err := insertAccountEntry(ctx, tx, domain.CustomerAccountEntry{
		ID:         xid.New("acct"),
		CustomerID: customerID,
		Kind:       domain.EntryPayment,
		Amount:     amount,
		SaleID:     saleID,
		Note:       note,
		CreatedAt:  at,
	}); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE customers SET balance = balance - $2 WHERE id = $1
	`, customerID, amount)
	return err
}

func lockSaleLines(ctx context.Context, tx *sql.Tx, saleID string) ([]domain.SaleLine, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, sale_id, product_id, COALESCE(fraction_id,''), qty, unit_price, unit_cost, line_total, returned_qty
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id ASC
		FOR UPDATE
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var l domain.SaleLine
		if err := rows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.FractionID, &l.Qty, &l.UnitPrice, &l.UnitCost, &l.LineTotal, &l.ReturnedQty); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func scanSaleRow(row interface{ Scan(...any) error }) (*domain.Sale, error) {
	var sale domain.Sale
	var voidedAt sql.NullTime
	err := row.Scan(&sale.ID, &sale.CustomerID, &sale.SaleType, &sale.PaymentMethod,
		&sale.Total, &sale.Status, &sale.VoidReason, &voidedAt, &sale.CreatedBy, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func scanSession(row *sql.Row) (*domain.RegisterSession, error) {
	var s domain.RegisterSession
	var counted, expected, diff decimal.NullDecimal
	var closedAt sql.NullTime
	err := row.Scan(&s.ID, &s.Date, &s.OpeningFloat, &counted, &expected, &diff, &s.Status,
		&s.OpenNotes, &s.CloseNotes, &s.OpenedBy, &s.ClosedBy, &s.OpenedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if counted.Valid {
		s.CountedCash = &counted.Decimal
	}
	if expected.Valid {
		s.ExpectedCash = &expected.Decimal
	}
	if diff.Valid {
		s.Difference = &diff.Decimal
	}
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		s.ClosedAt = &at
	}
	s.OpenedAt = s.OpenedAt.UTC()
	return &s, nil
}

func uniqueProductIDs(lines []domain.SaleLineRequest) []string {
	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			continue
		}
		set[line.ProductID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func dayBounds(date string) (time.Time, time.Time, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid date %s", store.ErrValidation, date)
	}
	from := day.UTC()
	return from, from.Add(24 * time.Hour), nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return dateOnly(*val)
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}
