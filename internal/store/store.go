package store

import (
	"context"
	"errors"
	"time"

	"apotekpos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrSerializationFailure marks a transient transaction conflict under
	// serializable isolation. Callers may retry; it is never a business error.
	ErrSerializationFailure = errors.New("serialization failure")

	// ErrSequenceCorrupted means a daily sequence row was missing right after
	// its insert-if-absent step. This is a defect, not a user-facing error.
	ErrSequenceCorrupted = errors.New("daily sequence corrupted")
)

type Repository interface {
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	CreatePriceHistory(ctx context.Context, entry domain.ProductPriceHistory) error
	ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.ProductPriceHistory, error)

	// CreateSale persists the sale header, lines and FEFO lot allocations in
	// one serializable transaction. Items carry only ProductID and Qty; unit
	// prices are snapshotted from the product rows inside the transaction and
	// the receipt number is drawn from the daily sequence in the same
	// transaction, so a failed sale burns nothing.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleListFilter, limit int) ([]domain.Sale, error)

	// CreateStockIn persists the batch header and items and creates exactly
	// one new lot per item, all in one transaction.
	CreateStockIn(ctx context.Context, stockIn domain.StockIn) (*domain.StockIn, error)
	GetStockInByID(ctx context.Context, id string) (*domain.StockIn, error)
	ListStockIns(ctx context.Context, limit int) ([]domain.StockIn, error)

	ListLots(ctx context.Context, productID string, includeExhausted bool, includeExpired bool, limit int) ([]domain.StockLot, error)
	ListExpiringLots(ctx context.Context, from time.Time, until time.Time, limit int) ([]domain.StockLot, error)
	ProductStockMap(ctx context.Context, productIDs []string, asOf time.Time) (map[string]int, error)

	GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
