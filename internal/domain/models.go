package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Money travels as JSON numbers, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

type PaymentMethod string

const (
	PaymentCash       PaymentMethod = "cash"
	PaymentGCash      PaymentMethod = "gcash"
	PaymentCreditCard PaymentMethod = "credit_card"
	PaymentCard       PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentGCash, PaymentCreditCard, PaymentCard:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a transaction may move from one status to
// another. Cancelled is terminal and only completed sales can be cancelled.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted
	case StatusCompleted:
		return to == StatusCancelled
	}
	return false
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type Discount struct {
	Type  DiscountType    `json:"type"`
	Value decimal.Decimal `json:"value"`
}

type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	SKU         string          `json:"sku"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Unit        string          `json:"unit"`
	Price       decimal.Decimal `json:"price"`
	Cost        decimal.Decimal `json:"cost"`
	Stock       int             `json:"stock"`
	MinStock    int             `json:"minStock"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ProductRef is the display reference attached to transaction items on read.
type ProductRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	SKU  string `json:"sku"`
}

type TransactionItem struct {
	ProductID string          `json:"productId"`
	Product   *ProductRef     `json:"product,omitempty"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	UnitCost  decimal.Decimal `json:"unitCost"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Transaction struct {
	ID             string            `json:"id"`
	Items          []TransactionItem `json:"items"`
	Subtotal       decimal.Decimal   `json:"subtotal"`
	Discount       *Discount         `json:"discount,omitempty"`
	DiscountAmount decimal.Decimal   `json:"discountAmount"`
	Total          decimal.Decimal   `json:"total"`
	Profit         decimal.Decimal   `json:"profit"`
	PaymentMethod  PaymentMethod     `json:"paymentMethod"`
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	CancelledAt    *time.Time        `json:"cancelledAt,omitempty"`
}

// MaxQuantity bounds every quantity and stock level accepted from clients;
// it keeps stock arithmetic inside the 32-bit column.
const MaxQuantity = 1_000_000

type TransactionItemRequest struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"min=1,max=1000000"`
}

type DiscountRequest struct {
	Type  DiscountType    `json:"type" validate:"required,oneof=percentage fixed"`
	Value decimal.Decimal `json:"value"`
}

type CreateTransactionRequest struct {
	Items         []TransactionItemRequest `json:"items" validate:"required,min=1,dive"`
	PaymentMethod PaymentMethod            `json:"paymentMethod" validate:"required,oneof=cash gcash credit_card card"`
	Discount      *DiscountRequest         `json:"discount,omitempty"`
}

type TransactionFilter struct {
	Status        Status
	PaymentMethod PaymentMethod
	From          *time.Time
	To            *time.Time
}

type TransactionPage struct {
	Transactions      []Transaction `json:"transactions"`
	CurrentPage       int           `json:"currentPage"`
	TotalPages        int           `json:"totalPages"`
	TotalTransactions int64         `json:"totalTransactions"`
}

type ProductFilter struct {
	Search string
}

type ProductPage struct {
	Products      []Product `json:"products"`
	CurrentPage   int       `json:"currentPage"`
	TotalPages    int       `json:"totalPages"`
	TotalProducts int64     `json:"totalProducts"`
}

type ProductCreateRequest struct {
	Name        string          `json:"name" validate:"required,max=200"`
	SKU         string          `json:"sku" validate:"required,max=64"`
	Description string          `json:"description" validate:"max=2000"`
	Category    string          `json:"category" validate:"required,max=100"`
	Unit        string          `json:"unit" validate:"omitempty,oneof=piece kg g l ml box pack"`
	Price       decimal.Decimal `json:"price"`
	Cost        decimal.Decimal `json:"cost"`
	Stock       int             `json:"stock" validate:"min=0,max=1000000"`
	MinStock    int             `json:"minStock" validate:"min=0,max=1000000"`
}

type ProductUpdateRequest struct {
	Name        *string          `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	SKU         *string          `json:"sku,omitempty" validate:"omitempty,min=1,max=64"`
	Description *string          `json:"description,omitempty" validate:"omitempty,max=2000"`
	Category    *string          `json:"category,omitempty" validate:"omitempty,min=1,max=100"`
	Unit        *string          `json:"unit,omitempty" validate:"omitempty,oneof=piece kg g l ml box pack"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Cost        *decimal.Decimal `json:"cost,omitempty"`
	MinStock    *int             `json:"minStock,omitempty" validate:"omitempty,min=0,max=1000000"`
	Active      *bool            `json:"active,omitempty"`
}

type RestockRequest struct {
	Quantity int `json:"quantity" validate:"min=1,max=1000000"`
}

type SalesSummary struct {
	Count int64           `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// MonthlyProfit is one calendar month of completed sales: revenue is the sum
// of transaction totals, cost the sum of quantity times current product cost.
type MonthlyProfit struct {
	Year    int
	Month   time.Month
	Revenue decimal.Decimal
	Cost    decimal.Decimal
}

type ProfitPoint struct {
	Month  string          `json:"month"`
	Profit decimal.Decimal `json:"profit"`
}

type Activity struct {
	Action string `json:"action"`
	Item   string `json:"item"`
	Amount string `json:"amount"`
	Time   string `json:"time"`
}

type DashboardSnapshot struct {
	Month             string          `json:"month"`
	TotalProducts     int64           `json:"totalProducts"`
	LowStockItems     int64           `json:"lowStockItems"`
	TotalTransactions int64           `json:"totalTransactions"`
	TotalSales        decimal.Decimal `json:"totalSales"`
	ProfitSeries      []ProfitPoint   `json:"profitSeries"`
	RecentActivity    []Activity      `json:"recentActivity"`
	GeneratedAt       time.Time       `json:"generatedAt"`
}

type TransactionStats struct {
	From                    time.Time                         `json:"from"`
	To                      time.Time                         `json:"to"`
	TotalSales              decimal.Decimal                   `json:"totalSales"`
	TotalTransactions       int64                             `json:"totalTransactions"`
	AverageTransactionValue decimal.Decimal                   `json:"averageTransactionValue"`
	PaymentMethodBreakdown  map[PaymentMethod]decimal.Decimal `json:"paymentMethodBreakdown"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
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
