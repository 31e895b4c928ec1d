package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
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

// NewWithDB wraps an existing handle, such as one from sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx")}
}

func (s *Store) Close() error {
	return s.db.Close()
}

type productRow struct {
	ID          string          `db:"id"`
	Name        string          `db:"name"`
	SKU         string          `db:"sku"`
	Description string          `db:"description"`
	Category    string          `db:"category"`
	Unit        string          `db:"unit"`
	Price       decimal.Decimal `db:"price"`
	Cost        decimal.Decimal `db:"cost"`
	Stock       int             `db:"stock"`
	MinStock    int             `db:"min_stock"`
	Active      bool            `db:"active"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func (r productRow) toDomain() domain.Product {
	return domain.Product{
		ID:          r.ID,
		Name:        r.Name,
		SKU:         r.SKU,
		Description: r.Description,
		Category:    r.Category,
		Unit:        r.Unit,
		Price:       r.Price,
		Cost:        r.Cost,
		Stock:       r.Stock,
		MinStock:    r.MinStock,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

const productColumns = `id, name, sku, description, category, unit, price, cost, stock, min_stock, active, created_at, updated_at`

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var row productRow
	err := s.db.GetContext(ctx, &row, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.ProductNotFoundError{ProductID: id}
	}
	if err != nil {
		return nil, storageErr("get product", err)
	}
	p := row.toDomain()
	return &p, nil
}

func (s *Store) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []productRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, uniqueStrings(ids)); err != nil {
		return nil, storageErr("get products", err)
	}
	for _, row := range rows {
		out[row.ID] = row.toDomain()
	}
	return out, nil
}

func (s *Store) ListProducts(ctx context.Context, filter domain.ProductFilter, page store.Page) ([]domain.Product, int64, error) {
	where := ""
	args := []any{}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		where = ` WHERE name ILIKE $1 OR sku ILIKE $1 OR category ILIKE $1`
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM products`+where, args...); err != nil {
		return nil, 0, storageErr("count products", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM products%s ORDER BY created_at DESC, name LIMIT $%d OFFSET $%d`,
		productColumns, where, len(args)+1, len(args)+2)
	var rows []productRow
	if err := s.db.SelectContext(ctx, &rows, query, append(args, page.Limit, page.Offset)...); err != nil {
		return nil, 0, storageErr("list products", err)
	}
	products := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, row.toDomain())
	}
	return products, total, nil
}

func (s *Store) ListLowStock(ctx context.Context, threshold int) ([]domain.Product, error) {
	var rows []productRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+productColumns+` FROM products WHERE stock < $1 ORDER BY stock, name`, threshold); err != nil {
		return nil, storageErr("list low stock", err)
	}
	products := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, row.toDomain())
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, sku, description, category, unit, price, cost, stock, min_stock, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, product.ID, product.Name, product.SKU, product.Description, product.Category, product.Unit,
		product.Price, product.Cost, product.Stock, product.MinStock, product.Active, product.CreatedAt, product.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, storageErr("create product", err)
	}
	return &product, nil
}

// UpdateProduct never writes stock; the returned product carries the stock
// currently stored.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	var row productRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE products
		SET name = $2, sku = $3, description = $4, category = $5, unit = $6,
		    price = $7, cost = $8, min_stock = $9, active = $10, updated_at = $11
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.SKU, product.Description, product.Category, product.Unit,
		product.Price, product.Cost, product.MinStock, product.Active, product.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.ProductNotFoundError{ProductID: product.ID}
	}
	if isUniqueViolation(err) {
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, storageErr("update product", err)
	}
	updated := row.toDomain()
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete product", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete product", err)
	}
	if affected == 0 {
		return &store.ProductNotFoundError{ProductID: id}
	}
	return nil
}

// AdjustStock applies delta in a single conditional statement so concurrent
// adjustments serialise on the row lock and stock can never go negative.
func (s *Store) AdjustStock(ctx context.Context, id string, delta int) (int, error) {
	var stock int
	err := s.db.QueryRowxContext(ctx, `
		UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1 AND stock + $2 >= 0
		RETURNING stock
	`, id, delta).Scan(&stock)
	if err == nil {
		return stock, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, storageErr("adjust stock", err)
	}

	var available int
	err = s.db.QueryRowxContext(ctx, `SELECT stock FROM products WHERE id = $1`, id).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &store.ProductNotFoundError{ProductID: id}
	}
	if err != nil {
		return 0, storageErr("adjust stock", err)
	}
	return available, &store.OutOfStockError{ProductID: id, Requested: -delta, Available: available}
}

func (s *Store) CountProducts(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM products`); err != nil {
		return 0, storageErr("count products", err)
	}
	return n, nil
}

func (s *Store) CountLowStock(ctx context.Context, threshold int) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM products WHERE stock < $1`, threshold); err != nil {
		return 0, storageErr("count low stock", err)
	}
	return n, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.NewValidationError("username", "and password are required")
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1, $2, $3, true, $4)
	`, username, user.Password, user.Role, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return storageErr("create user", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []struct {
		Username  string    `db:"username"`
		Password  string    `db:"password"`
		Role      string    `db:"role"`
		Active    bool      `db:"active"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT username, password, role, active, created_at FROM users ORDER BY username`); err != nil {
		return nil, storageErr("list users", err)
	}
	users := make([]domain.UserAccount, 0, len(rows))
	for _, row := range rows {
		users = append(users, domain.UserAccount{
			Username:  row.Username,
			Password:  row.Password,
			Role:      row.Role,
			Active:    row.Active,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`,
		strings.ToLower(strings.TrimSpace(username)), password)
	if err != nil {
		return storageErr("update user password", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// storageErr wraps a driver error. Serialization failures, deadlocks and
// connection-class errors are retryable.
func storageErr(op string, err error) error {
	retryable := errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", strings.HasPrefix(pgErr.Code, "08"):
			retryable = true
		}
	}
	return &store.StorageError{Op: op, Err: err, Retryable: retryable}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
