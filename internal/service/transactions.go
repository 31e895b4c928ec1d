package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/inventory"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

const (
	defaultTransactionPageSize = 10
	maxTransactionPageSize     = 100
	commitTimeout              = 15 * time.Second
)

var maxPercentage = decimal.NewFromInt(100)

// RollbackError means a failed sale could not return all of its reserved
// stock. Cause is the failure that triggered the rollback.
type RollbackError struct {
	Cause error
	Err   error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("stock rollback incomplete after %v: %v", e.Cause, e.Err)
}

func (e *RollbackError) Unwrap() []error {
	return []error{e.Err, e.Cause}
}

func (e *RollbackError) Is(target error) bool {
	return target == store.ErrStorage
}

type TransactionService struct {
	products     store.ProductStore
	transactions store.TransactionStore
	guard        *inventory.Guard
	dashboard    cache.DashboardCache
	logger       *zap.Logger
	now          func() time.Time
}

func NewTransactionService(products store.ProductStore, transactions store.TransactionStore, guard *inventory.Guard, dashboard cache.DashboardCache, logger *zap.Logger) *TransactionService {
	if dashboard == nil {
		dashboard = cache.NoopDashboardCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionService{
		products:     products,
		transactions: transactions,
		guard:        guard,
		dashboard:    dashboard,
		logger:       logger.Named("transactions"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

type reservation struct {
	productID string
	quantity  int
}

// CreateTransaction records a completed sale. Stock for every line is
// reserved in request order; if any reservation or the final write fails,
// all earlier reservations are released before the error is returned.
func (s *TransactionService) CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest) (*domain.Transaction, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		ids = append(ids, line.ProductID)
	}
	catalog, err := s.products.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, line := range req.Items {
		if _, ok := catalog[line.ProductID]; !ok {
			return nil, &store.ProductNotFoundError{ProductID: line.ProductID}
		}
	}

	// From here on the sale either commits or rolls back, whatever the caller does.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	reserved := make([]reservation, 0, len(req.Items))
	items := make([]domain.TransactionItem, 0, len(req.Items))
	for _, line := range req.Items {
		product := catalog[line.ProductID]
		if _, err := s.guard.Reserve(opCtx, line.ProductID, line.Quantity); err != nil {
			var oos *store.OutOfStockError
			if errors.As(err, &oos) && oos.Name == "" {
				oos.Name = product.Name
			}
			return nil, s.rollback(opCtx, reserved, err)
		}
		reserved = append(reserved, reservation{productID: line.ProductID, quantity: line.Quantity})
		items = append(items, domain.TransactionItem{
			ProductID: product.ID,
			Quantity:  line.Quantity,
			Price:     product.Price,
			UnitCost:  product.Cost,
			Subtotal:  domain.LineSubtotal(product.Price, line.Quantity),
		})
	}

	var discount *domain.Discount
	if req.Discount != nil {
		discount = &domain.Discount{Type: req.Discount.Type, Value: req.Discount.Value}
	}
	totals := domain.ComputeTotals(items, discount)
	now := s.now()
	created, err := s.transactions.CreateTransaction(opCtx, domain.Transaction{
		ID:             xid.New("txn"),
		Items:          items,
		Subtotal:       totals.Subtotal,
		Discount:       discount,
		DiscountAmount: totals.DiscountAmount,
		Total:          totals.Total,
		Profit:         totals.Profit,
		PaymentMethod:  req.PaymentMethod,
		Status:         domain.StatusCompleted,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, s.rollback(opCtx, reserved, err)
	}

	s.invalidateDashboard(opCtx, created.CreatedAt)
	s.logger.Info("transaction created",
		zap.String("transaction_id", created.ID),
		zap.String("actor", actorName(ctx)),
		zap.Int("items", len(created.Items)),
		zap.String("total", created.Total.StringFixed(2)),
		zap.String("payment_method", string(created.PaymentMethod)),
	)
	return created, nil
}

// CancelTransaction flips a completed sale to cancelled and returns its stock.
// The status flip happens first and is conditional in the store, so two
// concurrent cancels restock at most once. Financial fields are kept as
// recorded.
func (s *TransactionService) CancelTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	existing, err := s.transactions.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status == domain.StatusCancelled {
		return nil, store.ErrAlreadyCancelled
	}
	if !domain.CanTransition(existing.Status, domain.StatusCancelled) {
		return nil, fmt.Errorf("%w: %s transaction cannot be cancelled", store.ErrInvalidTransition, existing.Status)
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	cancelled, err := s.transactions.MarkCancelled(opCtx, id, s.now())
	if err != nil {
		return nil, err
	}

	var failed []error
	for _, item := range cancelled.Items {
		if err := s.releaseWithRetry(opCtx, item.ProductID, item.Quantity, zap.String("transaction_id", id)); err != nil {
			failed = append(failed, err)
		}
	}
	s.invalidateDashboard(opCtx, cancelled.CreatedAt)
	if len(failed) > 0 {
		return nil, &store.StorageError{Op: "restock cancelled transaction", Err: errors.Join(failed...)}
	}

	s.logger.Info("transaction cancelled",
		zap.String("transaction_id", id),
		zap.String("actor", actorName(ctx)),
	)
	return cancelled, nil
}

func (s *TransactionService) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.transactions.GetTransaction(ctx, id)
}

type ListTransactionsQuery struct {
	Page          int
	Limit         int
	Status        domain.Status
	PaymentMethod domain.PaymentMethod
	From          *time.Time
	To            *time.Time
}

func (s *TransactionService) ListTransactions(ctx context.Context, q ListTransactionsQuery) (domain.TransactionPage, error) {
	if q.Status != "" && !q.Status.Valid() {
		return domain.TransactionPage{}, store.NewValidationError("status", "must be one of: pending, completed, cancelled")
	}
	if q.PaymentMethod != "" && !q.PaymentMethod.Valid() {
		return domain.TransactionPage{}, store.NewValidationError("paymentMethod", "must be one of: cash, gcash, credit_card, card")
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return domain.TransactionPage{}, store.NewValidationError("startDate", "must not be after endDate")
	}

	page, limit := normalizePage(q.Page, q.Limit, defaultTransactionPageSize, maxTransactionPageSize)
	txs, total, err := s.transactions.ListTransactions(ctx, domain.TransactionFilter{
		Status:        q.Status,
		PaymentMethod: q.PaymentMethod,
		From:          q.From,
		To:            q.To,
	}, store.Page{Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		return domain.TransactionPage{}, err
	}
	return domain.TransactionPage{
		Transactions:      txs,
		CurrentPage:       page,
		TotalPages:        totalPages(total, limit),
		TotalTransactions: total,
	}, nil
}

// rollback releases reservations newest first. A release that fails is
// retried once; if it still fails the stock is lost to the ledger until
// someone corrects it, so it is logged at error level and surfaced as a
// storage failure.
func (s *TransactionService) rollback(ctx context.Context, reserved []reservation, cause error) error {
	var failed []error
	for i := len(reserved) - 1; i >= 0; i-- {
		r := reserved[i]
		if err := s.releaseWithRetry(ctx, r.productID, r.quantity); err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return &RollbackError{Cause: cause, Err: errors.Join(failed...)}
	}
	return cause
}

func (s *TransactionService) releaseWithRetry(ctx context.Context, productID string, qty int, fields ...zap.Field) error {
	err := s.guard.Release(ctx, productID, qty)
	if err == nil {
		return nil
	}
	s.logger.Warn("stock release failed, retrying",
		append(fields, zap.String("product_id", productID), zap.Int("quantity", qty), zap.Error(err))...)
	if err = s.guard.Release(ctx, productID, qty); err == nil {
		return nil
	}
	s.logger.Error("stock release failed; recorded stock is lower than actual",
		append(fields, zap.String("product_id", productID), zap.Int("quantity", qty), zap.Error(err))...)
	return err
}

func (s *TransactionService) invalidateDashboard(ctx context.Context, at time.Time) {
	if err := s.dashboard.Delete(ctx, cache.DashboardKey(at), cache.DashboardKey(s.now())); err != nil {
		s.logger.Warn("dashboard cache invalidation failed", zap.Error(err))
	}
}

func validateCreateRequest(req domain.CreateTransactionRequest) error {
	if err := validateStruct(req); err != nil {
		return err
	}
	if d := req.Discount; d != nil {
		if d.Value.IsNegative() {
			return store.NewValidationError("discount.value", "must not be negative")
		}
		if d.Type == domain.DiscountPercentage && d.Value.GreaterThan(maxPercentage) {
			return store.NewValidationError("discount.value", "must not exceed 100 for a percentage discount")
		}
	}
	return nil
}
