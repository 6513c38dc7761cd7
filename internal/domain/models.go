package domain

import "time"

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

// Sequence types used for daily reference numbers.
const (
	SeqTypeReceipt = "RCPT"
	SeqTypeStockIn = "STK"
)

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type Product struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	SellingPriceCents int64     `json:"sellingPriceCents"`
	ReorderThreshold  *int      `json:"reorderThreshold,omitempty"`
	Active            bool      `json:"isActive"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type ProductCreateRequest struct {
	Name              string `json:"name"`
	SellingPriceCents int64  `json:"sellingPriceCents"`
	ReorderThreshold  *int   `json:"reorderThreshold,omitempty"`
}

type ProductUpdateRequest struct {
	Name              *string `json:"name,omitempty"`
	SellingPriceCents *int64  `json:"sellingPriceCents,omitempty"`
	ReorderThreshold  *int    `json:"reorderThreshold,omitempty"`
	Active            *bool   `json:"isActive,omitempty"`
}

type ProductPriceHistory struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"productId"`
	OldPriceCents int64     `json:"oldPriceCents"`
	NewPriceCents int64     `json:"newPriceCents"`
	ChangedBy     string    `json:"changedBy"`
	ChangedAt     time.Time `json:"changedAt"`
}

// StockLot is one physical batch of a product. QtyRemaining only ever
// decreases from QtyAdded through sale allocations; exhausted lots are kept
// for the audit trail.
type StockLot struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"productId"`
	ProductName   string    `json:"productName,omitempty"`
	StockInItemID string    `json:"stockInItemId"`
	LotRefNo      string    `json:"lotRefNo"`
	ExpiryDate    time.Time `json:"expiryDate"`
	QtyAdded      int       `json:"qtyAdded"`
	QtyRemaining  int       `json:"qtyRemaining"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Sale struct {
	ID            string     `json:"id"`
	ReceiptNo     string     `json:"receiptNo"`
	SoldBy        string     `json:"soldBy"`
	SoldAt        time.Time  `json:"soldAt"`
	TotalCents    int64      `json:"totalCents"`
	PaymentMethod string     `json:"paymentMethod,omitempty"`
	Note          string     `json:"note,omitempty"`
	Items         []SaleItem `json:"items"`
}

type SaleItem struct {
	ID             string              `json:"id"`
	SaleID         string              `json:"saleId"`
	ProductID      string              `json:"productId"`
	ProductName    string              `json:"productName"`
	Qty            int                 `json:"qty"`
	UnitPriceCents int64               `json:"unitPriceCents"`
	LineTotalCents int64               `json:"lineTotalCents"`
	Allocations    []SaleLotAllocation `json:"allocations"`
}

// SaleLotAllocation records how much of a sale line was drawn from one lot.
// Created only as part of a committed sale, never mutated.
type SaleLotAllocation struct {
	ID         string    `json:"id"`
	SaleID     string    `json:"saleId"`
	SaleItemID string    `json:"saleItemId"`
	StockLotID string    `json:"stockLotId"`
	LotRefNo   string    `json:"lotRefNo"`
	ExpiryDate time.Time `json:"expiryDate"`
	QtyTaken   int       `json:"qtyTaken"`
}

type SaleItemInput struct {
	ProductID string `json:"productId"`
	Qty       int    `json:"qty"`
}

type SaleCreateRequest struct {
	Items         []SaleItemInput `json:"items"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	Note          string          `json:"note,omitempty"`
}

type SaleListFilter struct {
	From      *time.Time
	To        *time.Time
	SoldBy    string
	ProductID string
	ReceiptNo string
}

type StockIn struct {
	ID        string        `json:"id"`
	RefNo     string        `json:"refNo"`
	CreatedBy string        `json:"createdBy"`
	Note      string        `json:"note,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	Items     []StockInItem `json:"items"`
}

type StockInItem struct {
	ID            string    `json:"id"`
	StockInID     string    `json:"stockInId"`
	ProductID     string    `json:"productId"`
	ProductName   string    `json:"productName"`
	QtyAdded      int       `json:"qtyAdded"`
	UnitCostCents int64     `json:"unitCostCents"`
	ExpiryDate    time.Time `json:"expiryDate"`
	LotID         string    `json:"lotId"`
}

type StockInItemInput struct {
	ProductID     string `json:"productId"`
	QtyAdded      int    `json:"qtyAdded"`
	UnitCostCents int64  `json:"unitCostCents"`
	ExpiryDate    string `json:"expiryDate"`
}

type StockInCreateRequest struct {
	Items []StockInItemInput `json:"items"`
	Note  string             `json:"note,omitempty"`
}

type ExpiringLot struct {
	LotID        string    `json:"lotId"`
	ProductID    string    `json:"productId"`
	ProductName  string    `json:"productName"`
	LotRefNo     string    `json:"lotRefNo"`
	ExpiryDate   time.Time `json:"expiryDate"`
	QtyRemaining int       `json:"qtyRemaining"`
	DaysLeft     int       `json:"daysLeft"`
}

type ExpiryAlertResponse struct {
	WithinDays  int           `json:"withinDays"`
	GeneratedAt time.Time     `json:"generatedAt"`
	Lots        []ExpiringLot `json:"lots"`
}

type ProductSales struct {
	ProductID    string `json:"productId"`
	ProductName  string `json:"productName"`
	UnitsSold    int    `json:"unitsSold"`
	RevenueCents int64  `json:"revenueCents"`
}

type LowStockProduct struct {
	ProductID        string `json:"productId"`
	ProductName      string `json:"productName"`
	QtyRemaining     int    `json:"qtyRemaining"`
	ReorderThreshold int    `json:"reorderThreshold"`
}

type DailyReport struct {
	Date        string            `json:"date"`
	Sales       int               `json:"sales"`
	UnitsSold   int               `json:"unitsSold"`
	GrossCents  int64             `json:"grossCents"`
	TopProducts []ProductSales    `json:"topProducts"`
	LowStock    []LowStockProduct `json:"lowStock"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
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

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}
