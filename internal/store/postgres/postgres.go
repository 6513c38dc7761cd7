// Package postgres implements store.Repository on PostgreSQL. Sale creation
// and stock receiving run as serializable transactions; lot rows are locked
// with FOR UPDATE and decremented with guarded updates so concurrent sales can
// never oversubscribe a lot.
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

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/refno"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
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

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	query := `
		SELECT id, name, selling_price_cents, reorder_threshold, active, created_at, updated_at
		FROM products
	`
	if !includeInactive {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
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
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.SellingPriceCents < 1 {
		return nil, store.ErrInvalidInput
	}

	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	product.Active = true
	product.CreatedAt = now
	product.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, selling_price_cents, reorder_threshold, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, product.ID, product.Name, product.SellingPriceCents, nullInt(product.ReorderThreshold), product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, selling_price_cents, reorder_threshold, active, created_at, updated_at
		FROM products
		WHERE id = $1
	`, id)

	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.SellingPriceCents < 1 {
		return nil, store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, selling_price_cents = $3, reorder_threshold = $4, active = $5, updated_at = now()
		WHERE id = $1
	`, product.ID, product.Name, product.SellingPriceCents, nullInt(product.ReorderThreshold), product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetProductByID(ctx, product.ID)
}

func (s *Store) CreatePriceHistory(ctx context.Context, entry domain.ProductPriceHistory) error {
	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_price_history (id, product_id, old_price_cents, new_price_cents, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.ProductID, entry.OldPriceCents, entry.NewPriceCents, entry.ChangedBy, entry.ChangedAt)
	return err
}

func (s *Store) ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.ProductPriceHistory, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, old_price_cents, new_price_cents, changed_by, changed_at
		FROM product_price_history
		WHERE product_id = $1
		ORDER BY changed_at DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]domain.ProductPriceHistory, 0, limit)
	for rows.Next() {
		var entry domain.ProductPriceHistory
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.OldPriceCents, &entry.NewPriceCents, &entry.ChangedBy, &entry.ChangedAt); err != nil {
			return nil, err
		}
		entry.ChangedAt = entry.ChangedAt.UTC()
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return history, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	created, err := s.createSaleTx(ctx, sale)
	if err != nil {
		if isSerializationFailure(err) {
			return nil, store.ErrSerializationFailure
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) createSaleTx(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, fmt.Errorf("%w: sale-items-required", store.ErrInvalidInput)
	}
	for _, item := range sale.Items {
		if item.Qty < 1 {
			return nil, fmt.Errorf("%w: invalid-qty", store.ErrInvalidInput)
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	productIDs := uniqueProductIDs(sale.Items)
	productMap, err := loadProducts(ctx, tx, productIDs)
	if err != nil {
		return nil, err
	}

	requested := make(map[string]int, len(productIDs))
	for _, item := range sale.Items {
		product, ok := productMap[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product-not-found:%s", store.ErrInvalidInput, item.ProductID)
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product-inactive:%s", store.ErrInvalidInput, product.Name)
		}
		requested[item.ProductID] += item.Qty
	}

	// Aggregate fast-fail before touching any lot. The per-line allocation
	// below re-validates under FOR UPDATE locks, so this check racing with a
	// concurrent sale is caught either there or by the serializable commit.
	today := dateOnly(time.Now())
	available, err := sellableByProduct(ctx, tx, productIDs, today)
	if err != nil {
		return nil, err
	}
	for productID, qty := range requested {
		if available[productID] < qty {
			return nil, fmt.Errorf("%w: stock-too-low:%s", store.ErrInsufficientStock, productID)
		}
	}

	seq, dateKey, err := nextDailySequence(ctx, tx, domain.SeqTypeReceipt, time.Now())
	if err != nil {
		return nil, err
	}

	sale.ID = xid.New("sale")
	sale.ReceiptNo = refno.Build(domain.SeqTypeReceipt, dateKey, seq)
	sale.SoldAt = time.Now().UTC()
	sale.TotalCents = 0

	for i := range sale.Items {
		item := &sale.Items[i]
		product := productMap[item.ProductID]
		item.ID = xid.New("sli")
		item.SaleID = sale.ID
		item.ProductName = product.Name
		item.UnitPriceCents = product.SellingPriceCents
		item.LineTotalCents = product.SellingPriceCents * int64(item.Qty)
		sale.TotalCents += item.LineTotalCents
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, receipt_no, sold_by, sold_at, total_cents, payment_method, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, sale.ID, sale.ReceiptNo, sale.SoldBy, sale.SoldAt, sale.TotalCents, nullIfEmpty(sale.PaymentMethod), nullIfEmpty(sale.Note))
	if err != nil {
		return nil, err
	}

	for i := range sale.Items {
		item := &sale.Items[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, qty, unit_price_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, item.ID, sale.ID, item.ProductID, item.Qty, item.UnitPriceCents, item.LineTotalCents)
		if err != nil {
			return nil, err
		}

		allocations, err := allocateFEFO(ctx, tx, sale.ID, item.ID, item.ProductID, item.Qty, today)
		if err != nil {
			return nil, err
		}
		item.Allocations = allocations
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &sale, nil
}

// allocateFEFO walks the product's sellable lots earliest expiry first
// (creation order breaking ties) and decrements each with a guarded update.
// A guarded update touching zero rows means another transaction got there
// first; surface it as a serialization failure so the caller can retry.
func allocateFEFO(ctx context.Context, tx *sql.Tx, saleID string, saleItemID string, productID string, qty int, today time.Time) ([]domain.SaleLotAllocation, error) {
	lotRows, err := tx.QueryContext(ctx, `
		SELECT id, lot_ref_no, expiry_date, qty_remaining
		FROM stock_lots
		WHERE product_id = $1 AND qty_remaining > 0 AND expiry_date >= $2
		ORDER BY expiry_date ASC, created_at ASC
		FOR UPDATE
	`, productID, today)
	if err != nil {
		return nil, err
	}

	type lotState struct {
		id        string
		refNo     string
		expiry    time.Time
		remaining int
	}
	lots := make([]lotState, 0, 8)
	for lotRows.Next() {
		var lot lotState
		if err := lotRows.Scan(&lot.id, &lot.refNo, &lot.expiry, &lot.remaining); err != nil {
			_ = lotRows.Close()
			return nil, err
		}
		lot.expiry = dateOnly(lot.expiry.UTC())
		lots = append(lots, lot)
	}
	if err := lotRows.Err(); err != nil {
		_ = lotRows.Close()
		return nil, err
	}
	_ = lotRows.Close()

	allocations := make([]domain.SaleLotAllocation, 0, len(lots))
	remaining := qty
	for _, lot := range lots {
		if remaining == 0 {
			break
		}
		take := remaining
		if take > lot.remaining {
			take = lot.remaining
		}
		if take < 1 {
			continue
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE stock_lots
			SET qty_remaining = qty_remaining - $1
			WHERE id = $2 AND qty_remaining >= $1
		`, take, lot.id)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, store.ErrSerializationFailure
		}

		allocation := domain.SaleLotAllocation{
			ID:         xid.New("alloc"),
			SaleID:     saleID,
			SaleItemID: saleItemID,
			StockLotID: lot.id,
			LotRefNo:   lot.refNo,
			ExpiryDate: lot.expiry,
			QtyTaken:   take,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_lot_allocations (id, sale_id, sale_item_id, stock_lot_id, qty_taken)
			VALUES ($1,$2,$3,$4,$5)
		`, allocation.ID, allocation.SaleID, allocation.SaleItemID, allocation.StockLotID, allocation.QtyTaken)
		if err != nil {
			return nil, err
		}

		allocations = append(allocations, allocation)
		remaining -= take
	}

	if remaining > 0 {
		return nil, fmt.Errorf("%w: stock-too-low:%s", store.ErrInsufficientStock, productID)
	}
	return allocations, nil
}

// nextDailySequence lazily creates and increments the per-(dateKey, type)
// counter inside the caller's transaction, so a rolled-back sale rolls back
// its sequence number too and receipt numbering stays gapless.
func nextDailySequence(ctx context.Context, tx *sql.Tx, seqType string, at time.Time) (int, string, error) {
	dateKey := refno.DateKey(at)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO daily_sequences (date_key, seq_type, last_seq)
		VALUES ($1,$2,0)
		ON CONFLICT (date_key, seq_type) DO NOTHING
	`, dateKey, seqType)
	if err != nil {
		return 0, "", err
	}

	var lastSeq int
	err = tx.QueryRowContext(ctx, `
		SELECT last_seq
		FROM daily_sequences
		WHERE date_key = $1 AND seq_type = $2
		FOR UPDATE
	`, dateKey, seqType).Scan(&lastSeq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", store.ErrSequenceCorrupted
		}
		return 0, "", err
	}

	next := lastSeq + 1
	_, err = tx.ExecContext(ctx, `
		UPDATE daily_sequences
		SET last_seq = $3
		WHERE date_key = $1 AND seq_type = $2
	`, dateKey, seqType, next)
	if err != nil {
		return 0, "", err
	}

	return next, dateKey, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	sales, err := s.loadSales(ctx, `WHERE s.id = $1`, []any{id}, 1)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, store.ErrNotFound
	}
	return &sales[0], nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleListFilter, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	conditions := make([]string, 0, 4)
	args := make([]any, 0, 4)
	arg := func(val any) string {
		args = append(args, val)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.From != nil {
		conditions = append(conditions, "s.sold_at >= "+arg(*filter.From))
	}
	if filter.To != nil {
		conditions = append(conditions, "s.sold_at <= "+arg(*filter.To))
	}
	if filter.SoldBy != "" {
		conditions = append(conditions, "s.sold_by = "+arg(filter.SoldBy))
	}
	if filter.ReceiptNo != "" {
		conditions = append(conditions, "s.receipt_no = "+arg(filter.ReceiptNo))
	}
	if filter.ProductID != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM sale_items si WHERE si.sale_id = s.id AND si.product_id = "+arg(filter.ProductID)+")")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	return s.loadSales(ctx, where, args, limit)
}

func (s *Store) loadSales(ctx context.Context, where string, args []any, limit int) ([]domain.Sale, error) {
	query := fmt.Sprintf(`
		SELECT s.id, s.receipt_no, s.sold_by, s.sold_at, s.total_cents, COALESCE(s.payment_method, ''), COALESCE(s.note, '')
		FROM sales s
		%s
		ORDER BY s.sold_at DESC
		LIMIT %d
	`, where, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.ReceiptNo, &sale.SoldBy, &sale.SoldAt, &sale.TotalCents, &sale.PaymentMethod, &sale.Note); err != nil {
			return nil, err
		}
		sale.SoldAt = sale.SoldAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		if err := s.attachSaleItems(ctx, &sales[i]); err != nil {
			return nil, err
		}
	}
	return sales, nil
}

func (s *Store) attachSaleItems(ctx context.Context, sale *domain.Sale) error {
	itemRows, err := s.db.QueryContext(ctx, `
		SELECT si.id, si.product_id, p.name, si.qty, si.unit_price_cents, si.line_total_cents
		FROM sale_items si
		JOIN products p ON p.id = si.product_id
		WHERE si.sale_id = $1
		ORDER BY si.id
	`, sale.ID)
	if err != nil {
		return err
	}
	defer itemRows.Close()

	items := make([]domain.SaleItem, 0, 4)
	for itemRows.Next() {
		item := domain.SaleItem{SaleID: sale.ID}
		if err := itemRows.Scan(&item.ID, &item.ProductID, &item.ProductName, &item.Qty, &item.UnitPriceCents, &item.LineTotalCents); err != nil {
			return err
		}
		items = append(items, item)
	}
	if err := itemRows.Err(); err != nil {
		return err
	}

	for i := range items {
		allocRows, err := s.db.QueryContext(ctx, `
			SELECT a.id, a.stock_lot_id, l.lot_ref_no, l.expiry_date, a.qty_taken
			FROM sale_lot_allocations a
			JOIN stock_lots l ON l.id = a.stock_lot_id
			WHERE a.sale_item_id = $1
			ORDER BY l.expiry_date ASC, l.created_at ASC
		`, items[i].ID)
		if err != nil {
			return err
		}
		for allocRows.Next() {
			alloc := domain.SaleLotAllocation{SaleID: sale.ID, SaleItemID: items[i].ID}
			if err := allocRows.Scan(&alloc.ID, &alloc.StockLotID, &alloc.LotRefNo, &alloc.ExpiryDate, &alloc.QtyTaken); err != nil {
				_ = allocRows.Close()
				return err
			}
			alloc.ExpiryDate = dateOnly(alloc.ExpiryDate.UTC())
			items[i].Allocations = append(items[i].Allocations, alloc)
		}
		if err := allocRows.Err(); err != nil {
			_ = allocRows.Close()
			return err
		}
		_ = allocRows.Close()
	}

	sale.Items = items
	return nil
}

func (s *Store) CreateStockIn(ctx context.Context, stockIn domain.StockIn) (*domain.StockIn, error) {
	created, err := s.createStockInTx(ctx, stockIn)
	if err != nil {
		if isSerializationFailure(err) {
			return nil, store.ErrSerializationFailure
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) createStockInTx(ctx context.Context, stockIn domain.StockIn) (*domain.StockIn, error) {
	if len(stockIn.Items) == 0 {
		return nil, fmt.Errorf("%w: stock-in-items-required", store.ErrInvalidInput)
	}
	for _, item := range stockIn.Items {
		if item.QtyAdded < 1 || item.UnitCostCents < 1 || item.ExpiryDate.IsZero() {
			return nil, store.ErrInvalidInput
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	productIDs := make([]string, 0, len(stockIn.Items))
	for _, item := range stockIn.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	productMap, err := loadProducts(ctx, tx, productIDs)
	if err != nil {
		return nil, err
	}
	for _, item := range stockIn.Items {
		product, ok := productMap[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product-not-found:%s", store.ErrInvalidInput, item.ProductID)
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product-inactive:%s", store.ErrInvalidInput, product.Name)
		}
	}

	seq, dateKey, err := nextDailySequence(ctx, tx, domain.SeqTypeStockIn, time.Now())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stockIn.ID = xid.New("stk")
	stockIn.RefNo = refno.Build(domain.SeqTypeStockIn, dateKey, seq)
	stockIn.CreatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_ins (id, ref_no, created_by, note, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, stockIn.ID, stockIn.RefNo, stockIn.CreatedBy, nullIfEmpty(stockIn.Note), stockIn.CreatedAt)
	if err != nil {
		return nil, err
	}

	for i := range stockIn.Items {
		item := &stockIn.Items[i]
		item.ID = xid.New("sti")
		item.StockInID = stockIn.ID
		item.ProductName = productMap[item.ProductID].Name

		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_in_items (id, stock_in_id, product_id, qty_added, unit_cost_cents, expiry_date)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, item.ID, stockIn.ID, item.ProductID, item.QtyAdded, item.UnitCostCents, item.ExpiryDate)
		if err != nil {
			return nil, err
		}

		lotID := xid.New("lot")
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_lots (id, product_id, stock_in_item_id, lot_ref_no, expiry_date, qty_added, qty_remaining, created_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$6,$7,$8)
		`, lotID, item.ProductID, item.ID, stockIn.RefNo, item.ExpiryDate, item.QtyAdded, stockIn.CreatedBy, now)
		if err != nil {
			return nil, err
		}
		item.LotID = lotID
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &stockIn, nil
}

func (s *Store) GetStockInByID(ctx context.Context, id string) (*domain.StockIn, error) {
	stockIns, err := s.loadStockIns(ctx, `WHERE si.id = $1`, []any{id}, 1)
	if err != nil {
		return nil, err
	}
	if len(stockIns) == 0 {
		return nil, store.ErrNotFound
	}
	return &stockIns[0], nil
}

func (s *Store) ListStockIns(ctx context.Context, limit int) ([]domain.StockIn, error) {
	if limit < 1 {
		limit = 100
	}
	return s.loadStockIns(ctx, "", nil, limit)
}

func (s *Store) loadStockIns(ctx context.Context, where string, args []any, limit int) ([]domain.StockIn, error) {
	query := fmt.Sprintf(`
		SELECT si.id, si.ref_no, si.created_by, COALESCE(si.note, ''), si.created_at
		FROM stock_ins si
		%s
		ORDER BY si.created_at DESC
		LIMIT %d
	`, where, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stockIns := make([]domain.StockIn, 0, limit)
	for rows.Next() {
		var in domain.StockIn
		if err := rows.Scan(&in.ID, &in.RefNo, &in.CreatedBy, &in.Note, &in.CreatedAt); err != nil {
			return nil, err
		}
		in.CreatedAt = in.CreatedAt.UTC()
		stockIns = append(stockIns, in)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range stockIns {
		itemRows, err := s.db.QueryContext(ctx, `
			SELECT i.id, i.product_id, p.name, i.qty_added, i.unit_cost_cents, i.expiry_date, COALESCE(l.id, '')
			FROM stock_in_items i
			JOIN products p ON p.id = i.product_id
			LEFT JOIN stock_lots l ON l.stock_in_item_id = i.id
			WHERE i.stock_in_id = $1
			ORDER BY i.id
		`, stockIns[i].ID)
		if err != nil {
			return nil, err
		}
		for itemRows.Next() {
			item := domain.StockInItem{StockInID: stockIns[i].ID}
			if err := itemRows.Scan(&item.ID, &item.ProductID, &item.ProductName, &item.QtyAdded, &item.UnitCostCents, &item.ExpiryDate, &item.LotID); err != nil {
				_ = itemRows.Close()
				return nil, err
			}
			item.ExpiryDate = dateOnly(item.ExpiryDate.UTC())
			stockIns[i].Items = append(stockIns[i].Items, item)
		}
		if err := itemRows.Err(); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		_ = itemRows.Close()
	}

	return stockIns, nil
}

func (s *Store) ListLots(ctx context.Context, productID string, includeExhausted bool, includeExpired bool, limit int) ([]domain.StockLot, error) {
	if limit < 1 {
		limit = 200
	}

	conditions := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if productID != "" {
		args = append(args, productID)
		conditions = append(conditions, fmt.Sprintf("l.product_id = $%d", len(args)))
	}
	if !includeExhausted {
		conditions = append(conditions, "l.qty_remaining > 0")
	}
	if !includeExpired {
		args = append(args, dateOnly(time.Now()))
		conditions = append(conditions, fmt.Sprintf("l.expiry_date >= $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT l.id, l.product_id, p.name, l.stock_in_item_id, l.lot_ref_no, l.expiry_date, l.qty_added, l.qty_remaining, l.created_by, l.created_at
		FROM stock_lots l
		JOIN products p ON p.id = l.product_id
		%s
		ORDER BY l.expiry_date ASC, l.created_at ASC
		LIMIT %d
	`, where, limit)

	return s.queryLots(ctx, query, args...)
}

func (s *Store) ListExpiringLots(ctx context.Context, from time.Time, until time.Time, limit int) ([]domain.StockLot, error) {
	if limit < 1 {
		limit = 200
	}

	query := fmt.Sprintf(`
		SELECT l.id, l.product_id, p.name, l.stock_in_item_id, l.lot_ref_no, l.expiry_date, l.qty_added, l.qty_remaining, l.created_by, l.created_at
		FROM stock_lots l
		JOIN products p ON p.id = l.product_id
		WHERE l.qty_remaining > 0 AND l.expiry_date >= $1 AND l.expiry_date <= $2
		ORDER BY l.expiry_date ASC, l.created_at ASC
		LIMIT %d
	`, limit)

	return s.queryLots(ctx, query, from, until)
}

func (s *Store) queryLots(ctx context.Context, query string, args ...any) ([]domain.StockLot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots := make([]domain.StockLot, 0, 32)
	for rows.Next() {
		var lot domain.StockLot
		if err := rows.Scan(&lot.ID, &lot.ProductID, &lot.ProductName, &lot.StockInItemID, &lot.LotRefNo, &lot.ExpiryDate, &lot.QtyAdded, &lot.QtyRemaining, &lot.CreatedBy, &lot.CreatedAt); err != nil {
			return nil, err
		}
		lot.ExpiryDate = dateOnly(lot.ExpiryDate.UTC())
		lot.CreatedAt = lot.CreatedAt.UTC()
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lots, nil
}

func (s *Store) ProductStockMap(ctx context.Context, productIDs []string, asOf time.Time) (map[string]int, error) {
	stockMap := make(map[string]int, len(productIDs))
	if len(productIDs) == 0 {
		return stockMap, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, COALESCE(SUM(qty_remaining), 0)
		FROM stock_lots
		WHERE product_id = ANY($1) AND qty_remaining > 0 AND expiry_date >= $2
		GROUP BY product_id
	`, productIDs, dateOnly(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		stockMap[productID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range productIDs {
		if _, ok := stockMap[id]; !ok {
			stockMap[id] = 0
		}
	}
	return stockMap, nil
}

func (s *Store) GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{
		Date:        refno.DateKey(from),
		TopProducts: make([]domain.ProductSales, 0, 5),
		LowStock:    make([]domain.LowStockProduct, 0, 8),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_cents), 0)
		FROM sales
		WHERE sold_at >= $1 AND sold_at <= $2
	`, from, to).Scan(&report.Sales, &report.GrossCents)
	if err != nil {
		return report, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT si.product_id, p.name, SUM(si.qty), SUM(si.line_total_cents)
		FROM sale_items si
		JOIN sales s ON s.id = si.sale_id
		JOIN products p ON p.id = si.product_id
		WHERE s.sold_at >= $1 AND s.sold_at <= $2
		GROUP BY si.product_id, p.name
		ORDER BY SUM(si.qty) DESC, si.product_id
		LIMIT 5
	`, from, to)
	if err != nil {
		return report, err
	}
	for rows.Next() {
		var entry domain.ProductSales
		if err := rows.Scan(&entry.ProductID, &entry.ProductName, &entry.UnitsSold, &entry.RevenueCents); err != nil {
			_ = rows.Close()
			return report, err
		}
		report.UnitsSold += entry.UnitsSold
		report.TopProducts = append(report.TopProducts, entry)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return report, err
	}
	_ = rows.Close()

	lowRows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, COALESCE(SUM(l.qty_remaining) FILTER (WHERE l.qty_remaining > 0 AND l.expiry_date >= $1), 0), p.reorder_threshold
		FROM products p
		LEFT JOIN stock_lots l ON l.product_id = p.id
		WHERE p.active = true AND p.reorder_threshold IS NOT NULL
		GROUP BY p.id, p.name, p.reorder_threshold
		HAVING COALESCE(SUM(l.qty_remaining) FILTER (WHERE l.qty_remaining > 0 AND l.expiry_date >= $1), 0) <= p.reorder_threshold
		ORDER BY p.id
	`, dateOnly(time.Now()))
	if err != nil {
		return report, err
	}
	defer lowRows.Close()
	for lowRows.Next() {
		var entry domain.LowStockProduct
		if err := lowRows.Scan(&entry.ProductID, &entry.ProductName, &entry.QtyRemaining, &entry.ReorderThreshold); err != nil {
			return report, err
		}
		report.LowStock = append(report.LowStock, entry)
	}
	if err := lowRows.Err(); err != nil {
		return report, err
	}

	return report, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, entity_type, entity_id, detail, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID, nullIfEmpty(entry.Detail), entry.At)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, entity_type, entity_id, COALESCE(detail, ''), at
		FROM audit_logs
		WHERE at >= $1 AND at <= $2
		ORDER BY at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.At); err != nil {
			return nil, err
		}
		entry.At = entry.At.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalidInput
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
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
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
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
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var threshold sql.NullInt64
	if err := row.Scan(&p.ID, &p.Name, &p.SellingPriceCents, &threshold, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	if threshold.Valid {
		val := int(threshold.Int64)
		p.ReorderThreshold = &val
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func loadProducts(ctx context.Context, tx *sql.Tx, productIDs []string) (map[string]domain.Product, error) {
	productMap := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return productMap, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, selling_price_cents, active
		FROM products
		WHERE id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.SellingPriceCents, &p.Active); err != nil {
			return nil, err
		}
		productMap[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return productMap, nil
}

func sellableByProduct(ctx context.Context, tx *sql.Tx, productIDs []string, today time.Time) (map[string]int, error) {
	available := make(map[string]int, len(productIDs))
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, COALESCE(SUM(qty_remaining), 0)
		FROM stock_lots
		WHERE product_id = ANY($1) AND qty_remaining > 0 AND expiry_date >= $2
		GROUP BY product_id
	`, productIDs, today)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		available[productID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return available, nil
}

func uniqueProductIDs(items []domain.SaleItem) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isSerializationFailure reports SQLSTATE 40001, which postgres raises when a
// serializable transaction must be retried. Guarded updates touching zero
// rows are surfaced as the same sentinel by the allocator.
func isSerializationFailure(err error) bool {
	if errors.Is(err, store.ErrSerializationFailure) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}

func nullInt(val *int) any {
	if val == nil {
		return nil
	}
	return *val
}
