package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

type transactionRow struct {
	ID             string              `db:"id"`
	Subtotal       decimal.Decimal     `db:"subtotal"`
	DiscountType   sql.NullString      `db:"discount_type"`
	DiscountValue  decimal.NullDecimal `db:"discount_value"`
	DiscountAmount decimal.Decimal     `db:"discount_amount"`
	Total          decimal.Decimal     `db:"total"`
	Profit         decimal.Decimal     `db:"profit"`
	PaymentMethod  string              `db:"payment_method"`
	Status         string              `db:"status"`
	CreatedAt      time.Time           `db:"created_at"`
	UpdatedAt      time.Time           `db:"updated_at"`
	CancelledAt    sql.NullTime        `db:"cancelled_at"`
}

type itemRow struct {
	TransactionID string          `db:"transaction_id"`
	Position      int             `db:"position"`
	ProductID     string          `db:"product_id"`
	Quantity      int             `db:"quantity"`
	Price         decimal.Decimal `db:"price"`
	UnitCost      decimal.Decimal `db:"unit_cost"`
	Subtotal      decimal.Decimal `db:"subtotal"`
	ProductName   sql.NullString  `db:"product_name"`
	ProductSKU    sql.NullString  `db:"product_sku"`
}

const transactionColumns = `id, subtotal, discount_type, discount_value, discount_amount, total, profit, payment_method, status, created_at, updated_at, cancelled_at`

func (s *Store) CreateTransaction(ctx context.Context, t domain.Transaction) (*domain.Transaction, error) {
	dbtx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin transaction", err)
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	var discountType, discountValue any
	if t.Discount != nil {
		discountType = string(t.Discount.Type)
		discountValue = t.Discount.Value
	}
	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO transactions (id, subtotal, discount_type, discount_value, discount_amount, total, profit, payment_method, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.Subtotal, discountType, discountValue, t.DiscountAmount, t.Total, t.Profit,
		string(t.PaymentMethod), string(t.Status), t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, storageErr("insert transaction", err)
	}

	for i, item := range t.Items {
		if _, err := dbtx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, position, product_id, quantity, price, unit_cost, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, t.ID, i, item.ProductID, item.Quantity, item.Price, item.UnitCost, item.Subtotal); err != nil {
			return nil, storageErr("insert transaction item", err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return nil, storageErr("commit transaction", err)
	}
	return s.GetTransaction(ctx, t.ID)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	var row transactionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get transaction", err)
	}
	txs, err := s.hydrate(ctx, []transactionRow{row})
	if err != nil {
		return nil, err
	}
	return &txs[0], nil
}

func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter, page store.Page) ([]domain.Transaction, int64, error) {
	conds := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.PaymentMethod != "" {
		args = append(args, string(filter.PaymentMethod))
		conds = append(conds, fmt.Sprintf("payment_method = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM transactions`+where, args...); err != nil {
		return nil, 0, storageErr("count transactions", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM transactions%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, where, len(args)+1, len(args)+2)
	var rows []transactionRow
	if err := s.db.SelectContext(ctx, &rows, query, append(args, page.Limit, page.Offset)...); err != nil {
		return nil, 0, storageErr("list transactions", err)
	}
	txs, err := s.hydrate(ctx, rows)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// MarkCancelled is a conditional status flip: of two concurrent cancels only
// one sees a row come back.
func (s *Store) MarkCancelled(ctx context.Context, id string, at time.Time) (*domain.Transaction, error) {
	var cancelledID string
	err := s.db.QueryRowxContext(ctx, `
		UPDATE transactions
		SET status = 'cancelled', cancelled_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'completed'
		RETURNING id
	`, id, at.UTC()).Scan(&cancelledID)
	if err == nil {
		return s.GetTransaction(ctx, cancelledID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, storageErr("cancel transaction", err)
	}

	var status string
	err = s.db.QueryRowxContext(ctx, `SELECT status FROM transactions WHERE id = $1`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, store.ErrNotFound
	case err != nil:
		return nil, storageErr("cancel transaction", err)
	case domain.Status(status) == domain.StatusCancelled:
		return nil, store.ErrAlreadyCancelled
	default:
		return nil, store.ErrInvalidTransition
	}
}

func (s *Store) RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	var rows []transactionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+transactionColumns+` FROM transactions ORDER BY created_at DESC, id DESC LIMIT $1`, limit); err != nil {
		return nil, storageErr("recent transactions", err)
	}
	return s.hydrate(ctx, rows)
}

func (s *Store) SalesSummary(ctx context.Context, from, to time.Time, completedOnly bool) (domain.SalesSummary, error) {
	query := `SELECT COUNT(*) AS count, COALESCE(SUM(total), 0) AS total FROM transactions WHERE created_at BETWEEN $1 AND $2`
	if completedOnly {
		query += ` AND status = 'completed'`
	}
	var row struct {
		Count int64           `db:"count"`
		Total decimal.Decimal `db:"total"`
	}
	if err := s.db.GetContext(ctx, &row, query, from, to); err != nil {
		return domain.SalesSummary{}, storageErr("sales summary", err)
	}
	return domain.SalesSummary{Count: row.Count, Total: row.Total}, nil
}

func (s *Store) PaymentBreakdown(ctx context.Context, from, to time.Time) (map[domain.PaymentMethod]decimal.Decimal, error) {
	var rows []struct {
		PaymentMethod string          `db:"payment_method"`
		Total         decimal.Decimal `db:"total"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT payment_method, SUM(total) AS total
		FROM transactions
		WHERE status = 'completed' AND created_at BETWEEN $1 AND $2
		GROUP BY payment_method
	`, from, to); err != nil {
		return nil, storageErr("payment breakdown", err)
	}
	out := make(map[domain.PaymentMethod]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[domain.PaymentMethod(row.PaymentMethod)] = row.Total
	}
	return out, nil
}

// MonthlyProfit costs items at each product's current cost. Deleted products
// fall out of the LEFT JOIN and cost nothing.
func (s *Store) MonthlyProfit(ctx context.Context, from, to time.Time) ([]domain.MonthlyProfit, error) {
	var rows []struct {
		Year    int             `db:"year"`
		Month   int             `db:"month"`
		Revenue decimal.Decimal `db:"revenue"`
		Cost    decimal.Decimal `db:"cost"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		WITH sales AS (
			SELECT date_trunc('month', t.created_at AT TIME ZONE 'UTC') AS bucket,
			       t.total,
			       COALESCE((
			           SELECT SUM(i.quantity * p.cost)
			           FROM transaction_items i
			           JOIN products p ON p.id = i.product_id
			           WHERE i.transaction_id = t.id
			       ), 0) AS cost
			FROM transactions t
			WHERE t.status = 'completed' AND t.created_at BETWEEN $1 AND $2
		)
		SELECT EXTRACT(YEAR FROM bucket)::int AS year,
		       EXTRACT(MONTH FROM bucket)::int AS month,
		       SUM(total) AS revenue,
		       SUM(cost) AS cost
		FROM sales
		GROUP BY bucket
		ORDER BY bucket
	`, from, to); err != nil {
		return nil, storageErr("monthly profit", err)
	}
	out := make([]domain.MonthlyProfit, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.MonthlyProfit{
			Year:    row.Year,
			Month:   time.Month(row.Month),
			Revenue: row.Revenue,
			Cost:    row.Cost,
		})
	}
	return out, nil
}

// hydrate loads items for rows in one query and resolves product display
// references for products that still exist.
func (s *Store) hydrate(ctx context.Context, rows []transactionRow) ([]domain.Transaction, error) {
	txs := make([]domain.Transaction, 0, len(rows))
	if len(rows) == 0 {
		return txs, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	var items []itemRow
	if err := s.db.SelectContext(ctx, &items, `
		SELECT i.transaction_id, i.position, i.product_id, i.quantity, i.price, i.unit_cost, i.subtotal,
		       p.name AS product_name, p.sku AS product_sku
		FROM transaction_items i
		LEFT JOIN products p ON p.id = i.product_id
		WHERE i.transaction_id = ANY($1)
		ORDER BY i.transaction_id, i.position
	`, ids); err != nil {
		return nil, storageErr("load transaction items", err)
	}
	byTx := make(map[string][]domain.TransactionItem, len(rows))
	for _, item := range items {
		ti := domain.TransactionItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
			UnitCost:  item.UnitCost,
			Subtotal:  item.Subtotal,
		}
		if item.ProductName.Valid {
			ti.Product = &domain.ProductRef{ID: item.ProductID, Name: item.ProductName.String, SKU: item.ProductSKU.String}
		}
		byTx[item.TransactionID] = append(byTx[item.TransactionID], ti)
	}

	for _, row := range rows {
		t := domain.Transaction{
			ID:             row.ID,
			Items:          byTx[row.ID],
			Subtotal:       row.Subtotal,
			DiscountAmount: row.DiscountAmount,
			Total:          row.Total,
			Profit:         row.Profit,
			PaymentMethod:  domain.PaymentMethod(row.PaymentMethod),
			Status:         domain.Status(row.Status),
			CreatedAt:      row.CreatedAt.UTC(),
			UpdatedAt:      row.UpdatedAt.UTC(),
		}
		if t.Items == nil {
			t.Items = []domain.TransactionItem{}
		}
		if row.DiscountType.Valid {
			t.Discount = &domain.Discount{Type: domain.DiscountType(row.DiscountType.String), Value: row.DiscountValue.Decimal}
		}
		if row.CancelledAt.Valid {
			at := row.CancelledAt.Time.UTC()
			t.CancelledAt = &at
		}
		txs = append(txs, t)
	}
	return txs, nil
}
