package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
)

type Page struct {
	Offset int
	Limit  int
}

// ProductStore is the catalog accessor. AdjustStock is the only path that
// mutates stock and it must be atomic per product: a negative delta that
// would take stock below zero is rejected with *OutOfStockError and leaves
// stock unchanged.
type ProductStore interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	ListProducts(ctx context.Context, filter domain.ProductFilter, page Page) ([]domain.Product, int64, error)
	ListLowStock(ctx context.Context, threshold int) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	AdjustStock(ctx context.Context, id string, delta int) (int, error)
	CountProducts(ctx context.Context) (int64, error)
	CountLowStock(ctx context.Context, threshold int) (int64, error)
}

// TransactionStore persists sales. Time windows are inclusive on both ends.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter, page Page) ([]domain.Transaction, int64, error)
	// MarkCancelled flips a completed transaction to cancelled. It fails
	// with ErrAlreadyCancelled when another caller got there first.
	MarkCancelled(ctx context.Context, id string, at time.Time) (*domain.Transaction, error)
	RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)
	SalesSummary(ctx context.Context, from, to time.Time, completedOnly bool) (domain.SalesSummary, error)
	PaymentBreakdown(ctx context.Context, from, to time.Time) (map[domain.PaymentMethod]decimal.Decimal, error)
	MonthlyProfit(ctx context.Context, from, to time.Time) ([]domain.MonthlyProfit, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	ProductStore
	TransactionStore
	UserStore
	Close() error
}
