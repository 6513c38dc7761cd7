package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"apotekpos/backend/internal/cache"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/refno"
	"apotekpos/backend/internal/store"
)

// saleRetryAttempts bounds automatic retries of sale creation when the store
// reports a serializable-transaction conflict. Conflicts beyond the bound
// surface to the caller as store.ErrSerializationFailure.
const saleRetryAttempts = 3

type contextKey string

const actorContextKey contextKey = "actor"

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo            store.Repository
	alerts          cache.AlertCache
	alertTTL        time.Duration
	expiryAlertDays int
}

func New(repo store.Repository, alerts cache.AlertCache, alertTTL time.Duration, expiryAlertDays int) *Service {
	if alerts == nil {
		alerts = cache.NoopAlertCache{}
	}
	if alertTTL <= 0 {
		alertTTL = 60 * time.Second
	}
	if expiryAlertDays < 1 {
		expiryAlertDays = 30
	}
	return &Service{
		repo:            repo,
		alerts:          alerts,
		alertTTL:        alertTTL,
		expiryAlertDays: expiryAlertDays,
	}
}

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if strings.TrimSpace(id) == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.GetProductByID(ctx, id)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, errors.New("admin role required")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" || req.SellingPriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if req.ReorderThreshold != nil && *req.ReorderThreshold < 0 {
		return nil, store.ErrInvalidInput
	}

	product, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:              name,
		SellingPriceCents: req.SellingPriceCents,
		ReorderThreshold:  req.ReorderThreshold,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "product.create", "product", product.ID, product.Name)
	return product, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, errors.New("admin role required")
	}

	existing, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.SellingPriceCents != nil {
		updated.SellingPriceCents = *req.SellingPriceCents
	}
	if req.ReorderThreshold != nil {
		if *req.ReorderThreshold < 0 {
			return nil, store.ErrInvalidInput
		}
		updated.ReorderThreshold = req.ReorderThreshold
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if updated.Name == "" || updated.SellingPriceCents < 1 {
		return nil, store.ErrInvalidInput
	}

	product, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return nil, err
	}

	if existing.SellingPriceCents != product.SellingPriceCents {
		err := s.repo.CreatePriceHistory(ctx, domain.ProductPriceHistory{
			ProductID:     product.ID,
			OldPriceCents: existing.SellingPriceCents,
			NewPriceCents: product.SellingPriceCents,
			ChangedBy:     actor.Username,
		})
		if err != nil {
			log.Printf("[service] WARN: price history write failed for %s: %v", product.ID, err)
		}
	}

	s.logAudit(ctx, "product.update", "product", product.ID, product.Name)
	return product, nil
}

func (s *Service) ListProductPriceHistory(ctx context.Context, productID string, limit int) ([]domain.ProductPriceHistory, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.ListPriceHistory(ctx, productID, limit)
}

// CreateSale validates the request, then delegates to the store, which runs
// the whole sale (receipt number, price snapshot, FEFO allocation) as one
// serializable transaction. Serialization conflicts are retried a bounded
// number of times before surfacing.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (*domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return nil, errors.New("authenticated actor required")
	}

	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: sale-items-required", store.ErrInvalidInput)
	}
	items := make([]domain.SaleItem, 0, len(req.Items))
	for _, item := range req.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: product-not-found:%s", store.ErrInvalidInput, item.ProductID)
		}
		if item.Qty < 1 {
			return nil, fmt.Errorf("%w: invalid-qty", store.ErrInvalidInput)
		}
		items = append(items, domain.SaleItem{ProductID: productID, Qty: item.Qty})
	}

	sale := domain.Sale{
		SoldBy:        actor.Username,
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		Note:          strings.TrimSpace(req.Note),
		Items:         items,
	}

	var created *domain.Sale
	var err error
	for attempt := 1; attempt <= saleRetryAttempts; attempt++ {
		created, err = s.repo.CreateSale(ctx, cloneSaleRequest(sale))
		if err == nil || !errors.Is(err, store.ErrSerializationFailure) {
			break
		}
		if attempt < saleRetryAttempts {
			log.Printf("[service] WARN: sale serialization conflict, retrying, attempt %d/%d", attempt, saleRetryAttempts)
		}
	}
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "sale.create", "sale", created.ID, created.ReceiptNo)
	return created, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	if strings.TrimSpace(id) == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.GetSaleByID(ctx, id)
}

func (s *Service) ListSales(ctx context.Context, from string, to string, soldBy string, productID string, receiptNo string, limit int) ([]domain.Sale, error) {
	filter := domain.SaleListFilter{
		SoldBy:    strings.TrimSpace(soldBy),
		ProductID: strings.TrimSpace(productID),
		ReceiptNo: strings.TrimSpace(receiptNo),
	}

	if strings.TrimSpace(from) != "" {
		day, err := parseDateOnly(from)
		if err != nil {
			return nil, err
		}
		filter.From = &day
	}
	if strings.TrimSpace(to) != "" {
		day, err := parseDateOnly(to)
		if err != nil {
			return nil, err
		}
		end := endOfDay(day)
		filter.To = &end
	}

	return s.repo.ListSales(ctx, filter, limit)
}

func (s *Service) CreateStockIn(ctx context.Context, req domain.StockInCreateRequest) (*domain.StockIn, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, errors.New("admin role required")
	}

	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: stock-in-items-required", store.ErrInvalidInput)
	}
	items := make([]domain.StockInItem, 0, len(req.Items))
	for _, item := range req.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: product-not-found:%s", store.ErrInvalidInput, item.ProductID)
		}
		if item.QtyAdded < 1 || item.UnitCostCents < 1 {
			return nil, store.ErrInvalidInput
		}
		expiry, err := parseDateOnly(item.ExpiryDate)
		if err != nil {
			return nil, err
		}
		items = append(items, domain.StockInItem{
			ProductID:     productID,
			QtyAdded:      item.QtyAdded,
			UnitCostCents: item.UnitCostCents,
			ExpiryDate:    expiry,
		})
	}

	created, err := s.repo.CreateStockIn(ctx, domain.StockIn{
		CreatedBy: actor.Username,
		Note:      strings.TrimSpace(req.Note),
		Items:     items,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "stockin.create", "stock_in", created.ID, created.RefNo)
	return created, nil
}

func (s *Service) GetStockIn(ctx context.Context, id string) (*domain.StockIn, error) {
	if strings.TrimSpace(id) == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.GetStockInByID(ctx, id)
}

func (s *Service) ListStockIns(ctx context.Context, limit int) ([]domain.StockIn, error) {
	return s.repo.ListStockIns(ctx, limit)
}

func (s *Service) ListLots(ctx context.Context, productID string, includeExhausted bool, includeExpired bool, limit int) ([]domain.StockLot, error) {
	return s.repo.ListLots(ctx, strings.TrimSpace(productID), includeExhausted, includeExpired, limit)
}

// ExpiringStock reports sellable lots expiring within the given window,
// earliest first. Responses are cached per (day, window) for a short TTL.
func (s *Service) ExpiringStock(ctx context.Context, withinDays int) (*domain.ExpiryAlertResponse, error) {
	if withinDays < 1 {
		withinDays = s.expiryAlertDays
	}

	today := dateOnly(time.Now())
	cacheKey := fmt.Sprintf("apotek:alerts:expiring:%s:%d", refno.DateKey(time.Now()), withinDays)
	if cached, ok, err := s.alerts.Get(ctx, cacheKey); err == nil && ok {
		return cached, nil
	}

	until := today.AddDate(0, 0, withinDays)
	lots, err := s.repo.ListExpiringLots(ctx, today, until, 500)
	if err != nil {
		return nil, err
	}

	resp := &domain.ExpiryAlertResponse{
		WithinDays:  withinDays,
		GeneratedAt: time.Now().UTC(),
		Lots:        make([]domain.ExpiringLot, 0, len(lots)),
	}
	for _, lot := range lots {
		resp.Lots = append(resp.Lots, domain.ExpiringLot{
			LotID:        lot.ID,
			ProductID:    lot.ProductID,
			ProductName:  lot.ProductName,
			LotRefNo:     lot.LotRefNo,
			ExpiryDate:   lot.ExpiryDate,
			QtyRemaining: lot.QtyRemaining,
			DaysLeft:     int(lot.ExpiryDate.Sub(today).Hours() / 24),
		})
	}

	if err := s.alerts.Set(ctx, cacheKey, resp, s.alertTTL); err != nil {
		log.Printf("[service] WARN: alert cache write failed: %v", err)
	}
	return resp, nil
}

func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	day := dateOnly(time.Now())
	if strings.TrimSpace(date) != "" {
		parsed, err := parseDateOnly(date)
		if err != nil {
			return domain.DailyReport{}, err
		}
		day = parsed
	}
	return s.repo.GetDailyReport(ctx, day, endOfDay(day))
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	day := dateOnly(time.Now())
	if strings.TrimSpace(date) != "" {
		parsed, err := parseDateOnly(date)
		if err != nil {
			return nil, err
		}
		day = parsed
	}
	return s.repo.ListAuditLogs(ctx, day, endOfDay(day), limit)
}

// logAudit records an audit entry best-effort. Audit write failures never
// fail the business operation.
func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		Actor:      actor.Username,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
	})
	if err != nil {
		log.Printf("[audit] WARN: failed to record %s for %s %s: %v", action, entityType, entityID, err)
	}
}

func cloneSaleRequest(sale domain.Sale) domain.Sale {
	items := make([]domain.SaleItem, len(sale.Items))
	copy(items, sale.Items)
	sale.Items = items
	return sale
}

func parseDateOnly(value string) (time.Time, error) {
	parsed, err := time.Parse("2006-01-02", strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid-date", store.ErrInvalidInput)
	}
	return time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC), nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(day time.Time) time.Time {
	return day.Add(24*time.Hour - time.Nanosecond)
}
