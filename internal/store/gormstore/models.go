package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance mirrors the user_credit_balances table.
type CreditBalance struct {
	UserID         string `gorm:"primaryKey"`
	CurrentCredits int64  `gorm:"not null"`
	LastRefreshAt  *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "user_credit_balances" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	TransactionID             string  `gorm:"type:uuid;primaryKey"`
	UserID                    string  `gorm:"not null;index:idx_credit_tx_user_created,priority:1"`
	Type                      string  `gorm:"type:varchar(32);not null;index:idx_credit_tx_user_type"`
	Amount                    int64   `gorm:"not null"`
	RemainingAmount           *int64  `gorm:""`
	Description               string  `gorm:"type:text"`
	PaymentID                 *string `gorm:""`
	ExpirationDate            *time.Time
	ExpirationDateProcessedAt *time.Time
	Metadata                  datatypes.JSON `gorm:"not null"`
	CreatedAt                 time.Time      `gorm:"not null;index:idx_credit_tx_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// User mirrors the subset of the users table the distributor reads.
type User struct {
	UserID    string    `gorm:"primaryKey"`
	Banned    bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Payment mirrors the subset of the payments table the distributor reads.
type Payment struct {
	PaymentID string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;index:idx_payments_user_created,priority:1"`
	PriceID   string    `gorm:"not null"`
	Status    string    `gorm:"type:varchar(32);not null"`
	CreatedAt time.Time `gorm:"not null;index:idx_payments_user_created,priority:2"`
}

func (Payment) TableName() string { return "payments" }

func (payment *Payment) BeforeCreate(tx *gorm.DB) error {
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	return nil
}
