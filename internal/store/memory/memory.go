// Package memory is an in-memory store.Repository used by tests and as the
// development fallback when DATABASE_URL is not configured. A single mutex
// serializes every operation, which gives the same observable guarantees the
// postgres store gets from serializable transactions.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/refno"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

type Store struct {
	mu           sync.Mutex
	products     map[string]domain.Product
	priceHistory map[string][]domain.ProductPriceHistory
	lots         []domain.StockLot
	sales        []domain.Sale
	stockIns     []domain.StockIn
	sequences    map[string]int
	auditLogs    []domain.AuditLog
	users        map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:     make(map[string]domain.Product),
		priceHistory: make(map[string][]domain.ProductPriceHistory),
		lots:         make([]domain.StockLot, 0, 64),
		sales:        make([]domain.Sale, 0, 64),
		stockIns:     make([]domain.StockIn, 0, 32),
		sequences:    make(map[string]int),
		auditLogs:    make([]domain.AuditLog, 0, 128),
		users:        make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with a small pharmacy catalog and a
// default admin account. Stock arrives through CreateStockIn, so the seeded
// products start with zero sellable quantity.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	threshold := func(n int) *int { return &n }
	seedProducts := []domain.Product{
		{ID: "prd-paracetamol-500", Name: "Paracetamol 500mg Strip", SellingPriceCents: 350000, ReorderThreshold: threshold(20), Active: true},
		{ID: "prd-amoxicillin-500", Name: "Amoxicillin 500mg Strip", SellingPriceCents: 780000, ReorderThreshold: threshold(10), Active: true},
		{ID: "prd-obh-combi", Name: "OBH Combi Batuk Flu 100ml", SellingPriceCents: 1550000, ReorderThreshold: threshold(12), Active: true},
		{ID: "prd-vitamin-c-500", Name: "Vitamin C 500mg Tube", SellingPriceCents: 2400000, Active: true},
		{ID: "prd-antasida-doen", Name: "Antasida DOEN Strip", SellingPriceCents: 420000, ReorderThreshold: threshold(15), Active: true},
		{ID: "prd-oralit-sachet", Name: "Oralit 200 Sachet", SellingPriceCents: 95000, Active: true},
	}
	for _, p := range seedProducts {
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}

	s.users["admin"] = domain.UserAccount{
		Username:  "admin",
		Password:  "admin123",
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: now,
	}
	s.users["kasir1"] = domain.UserAccount{
		Username:  "kasir1",
		Password:  "kasir123",
		Role:      domain.RoleCashier,
		Active:    true,
		CreatedAt: now,
	}

	return s
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !includeInactive && !p.Active {
			continue
		}
		products = append(products, cloneProduct(p))
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.SellingPriceCents < 1 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	now := time.Now().UTC()
	product.Active = true
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = cloneProduct(product)

	created := cloneProduct(product)
	return &created, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := cloneProduct(p)
	return &found, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.SellingPriceCents < 1 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = cloneProduct(product)

	updated := cloneProduct(product)
	return &updated, nil
}

func (s *Store) CreatePriceHistory(_ context.Context, entry domain.ProductPriceHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	s.priceHistory[entry.ProductID] = append(s.priceHistory[entry.ProductID], entry)
	return nil
}

func (s *Store) ListPriceHistory(_ context.Context, productID string, limit int) ([]domain.ProductPriceHistory, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.priceHistory[productID]
	result := make([]domain.ProductPriceHistory, 0, limit)
	for i := len(history) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, history[i])
	}
	return result, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, fmt.Errorf("%w: sale-items-required", store.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	today := dateOnly(time.Now())

	requested := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		if item.Qty < 1 {
			return nil, fmt.Errorf("%w: invalid-qty", store.ErrInvalidInput)
		}
		product, ok := s.products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product-not-found:%s", store.ErrInvalidInput, item.ProductID)
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product-inactive:%s", store.ErrInvalidInput, product.Name)
		}
		requested[item.ProductID] += item.Qty
	}

	for productID, qty := range requested {
		if s.sellableQty(productID, today) < qty {
			return nil, fmt.Errorf("%w: stock-too-low:%s", store.ErrInsufficientStock, productID)
		}
	}

	// Stage allocations without mutating lots so any failure leaves the store
	// untouched. staged carries decrements already claimed by earlier lines of
	// the same sale.
	type plannedTake struct {
		lotIdx int
		qty    int
	}
	staged := make(map[string]int)
	planned := make([][]plannedTake, len(sale.Items))
	for i, item := range sale.Items {
		remaining := item.Qty
		for _, lotIdx := range s.fefoOrder(item.ProductID, today) {
			if remaining == 0 {
				break
			}
			lot := s.lots[lotIdx]
			available := lot.QtyRemaining - staged[lot.ID]
			if available < 1 {
				continue
			}
			take := remaining
			if take > available {
				take = available
			}
			staged[lot.ID] += take
			planned[i] = append(planned[i], plannedTake{lotIdx: lotIdx, qty: take})
			remaining -= take
		}
		if remaining > 0 {
			return nil, fmt.Errorf("%w: stock-too-low:%s", store.ErrInsufficientStock, item.ProductID)
		}
	}

	now := time.Now().UTC()
	seq, dateKey := s.nextSequence(domain.SeqTypeReceipt, time.Now())
	sale.ID = xid.New("sale")
	sale.ReceiptNo = refno.Build(domain.SeqTypeReceipt, dateKey, seq)
	sale.SoldAt = now
	sale.TotalCents = 0

	for i := range sale.Items {
		item := &sale.Items[i]
		product := s.products[item.ProductID]
		item.ID = xid.New("sli")
		item.SaleID = sale.ID
		item.ProductName = product.Name
		item.UnitPriceCents = product.SellingPriceCents
		item.LineTotalCents = product.SellingPriceCents * int64(item.Qty)
		sale.TotalCents += item.LineTotalCents

		item.Allocations = make([]domain.SaleLotAllocation, 0, len(planned[i]))
		for _, take := range planned[i] {
			lot := &s.lots[take.lotIdx]
			lot.QtyRemaining -= take.qty
			item.Allocations = append(item.Allocations, domain.SaleLotAllocation{
				ID:         xid.New("alloc"),
				SaleID:     sale.ID,
				SaleItemID: item.ID,
				StockLotID: lot.ID,
				LotRefNo:   lot.LotRefNo,
				ExpiryDate: lot.ExpiryDate,
				QtyTaken:   take.qty,
			})
		}
	}

	s.sales = append(s.sales, cloneSale(sale))
	created := cloneSale(sale)
	return &created, nil
}

func (s *Store) GetSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sale := range s.sales {
		if sale.ID == id {
			found := cloneSale(sale)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleListFilter, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.Sale, 0, limit)
	for i := len(s.sales) - 1; i >= 0 && len(result) < limit; i-- {
		sale := s.sales[i]
		if filter.From != nil && sale.SoldAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && sale.SoldAt.After(*filter.To) {
			continue
		}
		if filter.SoldBy != "" && sale.SoldBy != filter.SoldBy {
			continue
		}
		if filter.ReceiptNo != "" && sale.ReceiptNo != filter.ReceiptNo {
			continue
		}
		if filter.ProductID != "" && !saleContainsProduct(sale, filter.ProductID) {
			continue
		}
		result = append(result, cloneSale(sale))
	}
	return result, nil
}

func (s *Store) CreateStockIn(_ context.Context, stockIn domain.StockIn) (*domain.StockIn, error) {
	if len(stockIn.Items) == 0 {
		return nil, fmt.Errorf("%w: stock-in-items-required", store.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range stockIn.Items {
		if item.QtyAdded < 1 || item.UnitCostCents < 1 || item.ExpiryDate.IsZero() {
			return nil, store.ErrInvalidInput
		}
		product, ok := s.products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product-not-found:%s", store.ErrInvalidInput, item.ProductID)
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product-inactive:%s", store.ErrInvalidInput, product.Name)
		}
	}

	now := time.Now().UTC()
	seq, dateKey := s.nextSequence(domain.SeqTypeStockIn, time.Now())
	stockIn.ID = xid.New("stk")
	stockIn.RefNo = refno.Build(domain.SeqTypeStockIn, dateKey, seq)
	stockIn.CreatedAt = now

	for i := range stockIn.Items {
		item := &stockIn.Items[i]
		item.ID = xid.New("sti")
		item.StockInID = stockIn.ID
		item.ProductName = s.products[item.ProductID].Name

		lot := domain.StockLot{
			ID:            xid.New("lot"),
			ProductID:     item.ProductID,
			ProductName:   item.ProductName,
			StockInItemID: item.ID,
			LotRefNo:      stockIn.RefNo,
			ExpiryDate:    item.ExpiryDate,
			QtyAdded:      item.QtyAdded,
			QtyRemaining:  item.QtyAdded,
			CreatedBy:     stockIn.CreatedBy,
			CreatedAt:     now,
		}
		item.LotID = lot.ID
		s.lots = append(s.lots, lot)
	}

	s.stockIns = append(s.stockIns, cloneStockIn(stockIn))
	created := cloneStockIn(stockIn)
	return &created, nil
}

func (s *Store) GetStockInByID(_ context.Context, id string) (*domain.StockIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range s.stockIns {
		if in.ID == id {
			found := cloneStockIn(in)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListStockIns(_ context.Context, limit int) ([]domain.StockIn, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.StockIn, 0, limit)
	for i := len(s.stockIns) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, cloneStockIn(s.stockIns[i]))
	}
	return result, nil
}

func (s *Store) ListLots(_ context.Context, productID string, includeExhausted bool, includeExpired bool, limit int) ([]domain.StockLot, error) {
	if limit < 1 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	today := dateOnly(time.Now())
	result := make([]domain.StockLot, 0, limit)
	for _, lot := range s.lots {
		if productID != "" && lot.ProductID != productID {
			continue
		}
		if !includeExhausted && lot.QtyRemaining < 1 {
			continue
		}
		if !includeExpired && lot.ExpiryDate.Before(today) {
			continue
		}
		result = append(result, lot)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ExpiryDate.Before(result[j].ExpiryDate)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListExpiringLots(_ context.Context, from time.Time, until time.Time, limit int) ([]domain.StockLot, error) {
	if limit < 1 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.StockLot, 0, limit)
	for _, lot := range s.lots {
		if lot.QtyRemaining < 1 {
			continue
		}
		if lot.ExpiryDate.Before(from) || lot.ExpiryDate.After(until) {
			continue
		}
		result = append(result, lot)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ExpiryDate.Before(result[j].ExpiryDate)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ProductStockMap(_ context.Context, productIDs []string, asOf time.Time) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := dateOnly(asOf)
	stockMap := make(map[string]int, len(productIDs))
	for _, id := range productIDs {
		stockMap[id] = s.sellableQty(id, day)
	}
	return stockMap, nil
}

func (s *Store) GetDailyReport(_ context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := domain.DailyReport{
		Date:        refno.DateKey(from),
		TopProducts: make([]domain.ProductSales, 0, 8),
		LowStock:    make([]domain.LowStockProduct, 0, 8),
	}

	perProduct := make(map[string]*domain.ProductSales)
	for _, sale := range s.sales {
		if sale.SoldAt.Before(from) || sale.SoldAt.After(to) {
			continue
		}
		report.Sales++
		report.GrossCents += sale.TotalCents
		for _, item := range sale.Items {
			report.UnitsSold += item.Qty
			entry, ok := perProduct[item.ProductID]
			if !ok {
				entry = &domain.ProductSales{ProductID: item.ProductID, ProductName: item.ProductName}
				perProduct[item.ProductID] = entry
			}
			entry.UnitsSold += item.Qty
			entry.RevenueCents += item.LineTotalCents
		}
	}

	for _, entry := range perProduct {
		report.TopProducts = append(report.TopProducts, *entry)
	}
	sort.Slice(report.TopProducts, func(i, j int) bool {
		if report.TopProducts[i].UnitsSold != report.TopProducts[j].UnitsSold {
			return report.TopProducts[i].UnitsSold > report.TopProducts[j].UnitsSold
		}
		return report.TopProducts[i].ProductID < report.TopProducts[j].ProductID
	})
	if len(report.TopProducts) > 5 {
		report.TopProducts = report.TopProducts[:5]
	}

	today := dateOnly(time.Now())
	for _, product := range s.products {
		if !product.Active || product.ReorderThreshold == nil {
			continue
		}
		qty := s.sellableQty(product.ID, today)
		if qty <= *product.ReorderThreshold {
			report.LowStock = append(report.LowStock, domain.LowStockProduct{
				ProductID:        product.ID,
				ProductName:      product.Name,
				QtyRemaining:     qty,
				ReorderThreshold: *product.ReorderThreshold,
			})
		}
	}
	sort.Slice(report.LowStock, func(i, j int) bool {
		return report.LowStock[i].ProductID < report.LowStock[j].ProductID
	})

	return report, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.At.Before(from) || entry.At.After(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

// nextSequence increments the (dateKey, type) counter and returns the new
// value. Callers hold s.mu, so the increment and the mutations it numbers are
// one atomic step.
func (s *Store) nextSequence(seqType string, at time.Time) (int, string) {
	dateKey := refno.DateKey(at)
	key := dateKey + "|" + seqType
	s.sequences[key]++
	return s.sequences[key], dateKey
}

// fefoOrder returns indexes of sellable lots for a product in allocation
// order: earliest expiry first, insertion order breaking ties.
func (s *Store) fefoOrder(productID string, today time.Time) []int {
	idx := make([]int, 0, 8)
	for i, lot := range s.lots {
		if lot.ProductID != productID || lot.QtyRemaining < 1 {
			continue
		}
		if lot.ExpiryDate.Before(today) {
			continue
		}
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return s.lots[idx[a]].ExpiryDate.Before(s.lots[idx[b]].ExpiryDate)
	})
	return idx
}

func (s *Store) sellableQty(productID string, today time.Time) int {
	total := 0
	for _, lot := range s.lots {
		if lot.ProductID != productID || lot.QtyRemaining < 1 {
			continue
		}
		if lot.ExpiryDate.Before(today) {
			continue
		}
		total += lot.QtyRemaining
	}
	return total
}

func saleContainsProduct(sale domain.Sale, productID string) bool {
	for _, item := range sale.Items {
		if item.ProductID == productID {
			return true
		}
	}
	return false
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func cloneProduct(p domain.Product) domain.Product {
	if p.ReorderThreshold != nil {
		threshold := *p.ReorderThreshold
		p.ReorderThreshold = &threshold
	}
	return p
}

func cloneSale(sale domain.Sale) domain.Sale {
	items := make([]domain.SaleItem, len(sale.Items))
	for i, item := range sale.Items {
		allocations := make([]domain.SaleLotAllocation, len(item.Allocations))
		copy(allocations, item.Allocations)
		item.Allocations = allocations
		items[i] = item
	}
	sale.Items = items
	return sale
}

func cloneStockIn(in domain.StockIn) domain.StockIn {
	items := make([]domain.StockInItem, len(in.Items))
	copy(items, in.Items)
	in.Items = items
	return in
}
