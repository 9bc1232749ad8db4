package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderStatus represents a state in the order settlement workflow.
type OrderStatus string

// All workflow states. Pending orders have no on-chain footprint yet;
// confirmed means the escrow deposit mined; paid means the escrow released.
const (
	StatusPending    OrderStatus = "pending"
	StatusConfirmed  OrderStatus = "confirmed"
	StatusProcessing OrderStatus = "processing"
	StatusShipped    OrderStatus = "shipped"
	StatusDelivered  OrderStatus = "delivered"
	StatusPaid       OrderStatus = "paid"
	StatusFailed     OrderStatus = "failed"
)

// Reward types granted at checkout and delivery.
const (
	RewardOrganic        = "organic"
	RewardZeroWaste      = "zero-waste"
	RewardTimelyDelivery = "timely-delivery"
)

// User stores a platform account and its settlement wallet.
type User struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email         string    `gorm:"uniqueIndex"`
	DisplayName   string    `gorm:"size:128"`
	Role          string    `gorm:"index;size:32"`
	WalletAddress string    `gorm:"size:64;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Product is a catalogue listing. PriceMinor is integer minor units, so a
// 25.50 listing is stored as 2550.
type Product struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	FarmerID    uuid.UUID `gorm:"type:uuid;index"`
	Name        string    `gorm:"size:128"`
	Category    string    `gorm:"size:64;index"`
	Description string    `gorm:"type:text"`
	PriceMinor  int64     `gorm:"not null"`
	Quantity    int       `gorm:"not null"`
	Organic     bool
	Registered  bool `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CartItem is a buyer's staged purchase. The cart survives a failed checkout
// untouched.
type CartItem struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	BuyerID   uuid.UUID `gorm:"type:uuid;index:idx_cart_buyer_product,unique"`
	ProductID uuid.UUID `gorm:"type:uuid;index:idx_cart_buyer_product,unique"`
	Quantity  int       `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Order is the off-chain mirror of a settlement. Status lags the chain and
// never leads it. Reference is the human-facing order id used as the on-chain
// correlation key.
type Order struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Reference   string      `gorm:"uniqueIndex;size:64"`
	BuyerID     uuid.UUID   `gorm:"type:uuid;index"`
	FarmerID    uuid.UUID   `gorm:"type:uuid;index"`
	TotalMinor  int64       `gorm:"not null"`
	Status      OrderStatus `gorm:"size:32;index"`
	DepositTx   string      `gorm:"size:80"`
	ReleaseTx   string      `gorm:"size:80"`
	FailureNote string      `gorm:"size:512"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeliveredAt *time.Time
	Items       []OrderItem
}

// OrderItem is a line captured from the cart at checkout time.
type OrderItem struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrderID    uuid.UUID `gorm:"type:uuid;index"`
	ProductID  uuid.UUID `gorm:"type:uuid;index"`
	Name       string    `gorm:"size:128"`
	PriceMinor int64     `gorm:"not null"`
	Quantity   int       `gorm:"not null"`
	CreatedAt  time.Time
}

// Shipment tracks the logistics leg of an order.
type Shipment struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrderID     uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	CarrierID   uuid.UUID `gorm:"type:uuid;index"`
	PickedUpAt  *time.Time
	DeliveredAt *time.Time
	Notes       string `gorm:"size:512"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Reward is a sustainability points grant. The unique index on
// (order_id, type) makes grants idempotent across retried settlements.
type Reward struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;index"`
	OrderID   uuid.UUID `gorm:"type:uuid;index:idx_reward_order_type,unique"`
	Type      string    `gorm:"size:32;index:idx_reward_order_type,unique"`
	Points    int       `gorm:"not null"`
	IssuedAt  time.Time
	CreatedAt time.Time
}

// FraudAlert records a flagged checkout for compliance review.
type FraudAlert struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrderID     uuid.UUID `gorm:"type:uuid;index"`
	BuyerID     uuid.UUID `gorm:"type:uuid;index"`
	Score       float64
	Explanation string `gorm:"type:text"`
	Source      string `gorm:"size:32"`
	CreatedAt   time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Product{},
		&CartItem{},
		&Order{},
		&OrderItem{},
		&Shipment{},
		&Reward{},
		&FraudAlert{},
		&IdempotencyKey{},
	)
}
