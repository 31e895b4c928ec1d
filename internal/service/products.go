package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/inventory"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

const (
	defaultProductPageSize = 10
	maxProductPageSize     = 100
)

type ProductService struct {
	products  store.ProductStore
	guard     *inventory.Guard
	dashboard cache.DashboardCache
	logger    *zap.Logger
	now       func() time.Time
}

func NewProductService(products store.ProductStore, guard *inventory.Guard, dashboard cache.DashboardCache, logger *zap.Logger) *ProductService {
	if dashboard == nil {
		dashboard = cache.NoopDashboardCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductService{
		products:  products,
		guard:     guard,
		dashboard: dashboard,
		logger:    logger.Named("products"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *ProductService) ListProducts(ctx context.Context, search string, page, limit int) (domain.ProductPage, error) {
	page, limit = normalizePage(page, limit, defaultProductPageSize, maxProductPageSize)
	products, total, err := s.products.ListProducts(ctx, domain.ProductFilter{Search: search}, store.Page{Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		return domain.ProductPage{}, err
	}
	return domain.ProductPage{
		Products:      products,
		CurrentPage:   page,
		TotalPages:    totalPages(total, limit),
		TotalProducts: total,
	}, nil
}

func (s *ProductService) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.products.GetProduct(ctx, id)
}

func (s *ProductService) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Category = strings.TrimSpace(req.Category)
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if req.Price.IsNegative() {
		return nil, store.NewValidationError("price", "must not be negative")
	}
	if req.Cost.IsNegative() {
		return nil, store.NewValidationError("cost", "must not be negative")
	}
	if req.Unit == "" {
		req.Unit = "piece"
	}

	now := s.now()
	created, err := s.products.CreateProduct(ctx, domain.Product{
		ID:          xid.New("prod"),
		Name:        req.Name,
		SKU:         req.SKU,
		Description: strings.TrimSpace(req.Description),
		Category:    req.Category,
		Unit:        req.Unit,
		Price:       req.Price,
		Cost:        req.Cost,
		Stock:       req.Stock,
		MinStock:    req.MinStock,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	s.invalidateDashboard(ctx)
	s.logger.Info("product created", zap.String("product_id", created.ID), zap.String("sku", created.SKU), zap.String("actor", actorName(ctx)))
	return created, nil
}

// UpdateProduct patches catalog fields. Stock only changes through the
// inventory guard.
func (s *ProductService) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	current, err := s.products.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *current
	if req.Name != nil {
		next.Name = strings.TrimSpace(*req.Name)
	}
	if req.SKU != nil {
		next.SKU = strings.ToUpper(strings.TrimSpace(*req.SKU))
	}
	if req.Description != nil {
		next.Description = strings.TrimSpace(*req.Description)
	}
	if req.Category != nil {
		next.Category = strings.TrimSpace(*req.Category)
	}
	if req.Unit != nil {
		next.Unit = *req.Unit
	}
	if req.Price != nil {
		if req.Price.IsNegative() {
			return nil, store.NewValidationError("price", "must not be negative")
		}
		next.Price = *req.Price
	}
	if req.Cost != nil {
		if req.Cost.IsNegative() {
			return nil, store.NewValidationError("cost", "must not be negative")
		}
		next.Cost = *req.Cost
	}
	if req.MinStock != nil {
		next.MinStock = *req.MinStock
	}
	if req.Active != nil {
		next.Active = *req.Active
	}
	next.UpdatedAt = s.now()

	updated, err := s.products.UpdateProduct(ctx, next)
	if err != nil {
		return nil, err
	}
	s.invalidateDashboard(ctx)
	return updated, nil
}

func (s *ProductService) DeleteProduct(ctx context.Context, id string) error {
	if err := s.products.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.invalidateDashboard(ctx)
	s.logger.Info("product deleted", zap.String("product_id", id), zap.String("actor", actorName(ctx)))
	return nil
}

// RestockProduct receives qty units of incoming stock.
func (s *ProductService) RestockProduct(ctx context.Context, id string, qty int) (*domain.Product, error) {
	if _, err := s.guard.Receive(ctx, id, qty); err != nil {
		return nil, err
	}
	s.invalidateDashboard(ctx)
	s.logger.Info("product restocked", zap.String("product_id", id), zap.Int("quantity", qty), zap.String("actor", actorName(ctx)))
	return s.products.GetProduct(ctx, id)
}

func (s *ProductService) LowStockProducts(ctx context.Context) ([]domain.Product, error) {
	return s.products.ListLowStock(ctx, domain.LowStockThreshold)
}

func (s *ProductService) invalidateDashboard(ctx context.Context) {
	if err := s.dashboard.Delete(ctx, cache.DashboardKey(s.now())); err != nil {
		s.logger.Warn("dashboard cache invalidation failed", zap.Error(err))
	}
}
