package credits

import (
	"context"
	"fmt"
	"time"
)

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionTypeRegisterGift        TransactionType = "REGISTER_GIFT"
	TransactionTypeMonthlyRefresh      TransactionType = "MONTHLY_REFRESH"
	TransactionTypeSubscriptionRenewal TransactionType = "SUBSCRIPTION_RENEWAL"
	TransactionTypeLifetimeMonthly     TransactionType = "LIFETIME_MONTHLY"
	TransactionTypePurchase            TransactionType = "PURCHASE"
	TransactionTypeUsage               TransactionType = "USAGE"
	TransactionTypeExpire              TransactionType = "EXPIRE"
)

// String returns the stored enum value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsEarn reports whether the type credits the balance and can be drawn down.
func (transactionType TransactionType) IsEarn() bool {
	switch transactionType {
	case TransactionTypeRegisterGift,
		TransactionTypeMonthlyRefresh,
		TransactionTypeSubscriptionRenewal,
		TransactionTypeLifetimeMonthly,
		TransactionTypePurchase:
		return true
	default:
		return false
	}
}

// ParseTransactionType validates a stored enum value.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(raw)
	switch transactionType {
	case TransactionTypeRegisterGift,
		TransactionTypeMonthlyRefresh,
		TransactionTypeSubscriptionRenewal,
		TransactionTypeLifetimeMonthly,
		TransactionTypePurchase,
		TransactionTypeUsage,
		TransactionTypeExpire:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// Transaction is a single line in the credit ledger. Earn kinds carry a
// RemainingAmount that is drawn down by consumption and zeroed on expiry;
// USAGE and EXPIRE rows are audit records and keep it nil.
type Transaction struct {
	TransactionID             string
	UserID                    string
	Type                      TransactionType
	Amount                    int64
	RemainingAmount           *int64
	Description               string
	PaymentID                 string
	ExpirationDate            *time.Time
	ExpirationDateProcessedAt *time.Time
	MetadataJSON              string
	CreatedAt                 time.Time
}

// BalanceRecord is the per-user cached balance. CurrentCredits mirrors the
// sum of unexpired RemainingAmount; LastRefreshAt marks the last calendar
// month a monthly grant was applied.
type BalanceRecord struct {
	UserID         string
	CurrentCredits int64
	LastRefreshAt  *time.Time
}

// PlanCredits is the credit policy attached to a pricing plan.
type PlanCredits struct {
	Enable     bool
	Amount     int64
	ExpireDays int
}

// Plan is the opaque pricing-plan view the ledger needs.
type Plan struct {
	PlanID     string
	IsFree     bool
	IsLifetime bool
	Disabled   bool
	Credits    PlanCredits
}

// PlanResolver maps a billing price identifier to its plan.
type PlanResolver interface {
	FindPlanByPriceID(priceID string) (Plan, bool)
}

// UserPaymentRecord pairs a user with their latest active payment, if any.
type UserPaymentRecord struct {
	UserID        string
	PriceID       string
	PaymentStatus string
}

// UserSource supplies the population the batch distributor works over.
type UserSource interface {
	ListActiveUsersWithLatestPayment(ctx context.Context) ([]UserPaymentRecord, error)
}

// DistributionSummary reports the outcome of one distribution run.
type DistributionSummary struct {
	ProcessedCount int
	ErrorCount     int
}

// Store is the persistence contract used by Service. Read and write
// methods called inside a WithTx callback operate on the transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, userID string) (BalanceRecord, bool, error)
	GetBalanceForUpdate(ctx context.Context, userID string) (BalanceRecord, bool, error)
	SaveBalance(ctx context.Context, record BalanceRecord) error
	SetLastRefresh(ctx context.Context, userID string, refreshedAt time.Time) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	UpdateRemaining(ctx context.Context, transactionID string, remaining int64, processedAt *time.Time) error
	ListExpiredEarnTransactions(ctx context.Context, userID string, asOf time.Time) ([]Transaction, error)
	ListConsumableEarnTransactions(ctx context.Context, userID string, asOf time.Time) ([]Transaction, error)
	HasTransactionOfType(ctx context.Context, userID string, transactionType TransactionType) (bool, error)
	ListBalances(ctx context.Context, userIDs []string) ([]BalanceRecord, error)
	InsertTransactionBatch(ctx context.Context, transactions []Transaction) error
	InsertBalanceBatch(ctx context.Context, records []BalanceRecord) error
	UpdateBalanceBatch(ctx context.Context, records []BalanceRecord) error
}
