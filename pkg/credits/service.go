package credits

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Service contains the ledger domain logic over a Store.
type Service struct {
	store  Store
	plans  PlanResolver
	users  UserSource
	nowFn  func() time.Time
	policy Policy
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, policy Policy, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	service := &Service{store: store, nowFn: now, policy: policy}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetUserCredits returns the cached balance, zero for unknown users.
func (service *Service) GetUserCredits(ctx context.Context, userID string) (int64, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	record, found, err := service.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return record.CurrentCredits, nil
}

// HasEnoughCredits reports whether the cached balance covers amount.
func (service *Service) HasEnoughCredits(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	balance, err := service.GetUserCredits(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// AddCredits credits the user with a new earn transaction. A positive
// expireDays schedules the grant to expire that many days from now;
// zero means the grant never expires.
func (service *Service) AddCredits(ctx context.Context, userID string, amount int64, transactionType TransactionType, description string, paymentID string, expireDays int) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if expireDays < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidExpireDays, expireDays)
	}
	if !transactionType.IsEarn() {
		return fmt.Errorf("%w: %s is not an earn kind", ErrInvalidTransactionType, transactionType)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn().UTC()
		if err := service.sweepExpired(ctx, transactionStore, userID, now); err != nil {
			return err
		}
		return service.earn(ctx, transactionStore, earnInput{
			userID:          userID,
			amount:          amount,
			transactionType: transactionType,
			description:     description,
			paymentID:       paymentID,
			expireDays:      expireDays,
		}, now)
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationAdd,
		UserID:      userID,
		Type:        transactionType,
		Amount:      amount,
		Description: description,
		Error:       operationError,
	})
	return operationError
}

// ConsumeCredits debits amount from the user's balance, drawing from earn
// transactions closest to expiring first. The spend is all-or-nothing and
// logged as a single USAGE transaction.
func (service *Service) ConsumeCredits(ctx context.Context, userID string, amount int64, description string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn().UTC()
		if err := service.sweepExpired(ctx, transactionStore, userID, now); err != nil {
			return err
		}
		record, found, err := transactionStore.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if !found || record.CurrentCredits < amount {
			return ErrInsufficientCredits
		}
		sources, err := transactionStore.ListConsumableEarnTransactions(ctx, userID, now)
		if err != nil {
			return err
		}
		owed := amount
		for _, source := range sources {
			if owed == 0 {
				break
			}
			if source.RemainingAmount == nil || *source.RemainingAmount <= 0 {
				continue
			}
			draw := *source.RemainingAmount
			if draw > owed {
				draw = owed
			}
			if err := transactionStore.UpdateRemaining(ctx, source.TransactionID, *source.RemainingAmount-draw, nil); err != nil {
				return err
			}
			owed -= draw
		}
		if owed > 0 {
			// The cached balance claims more credit than the earn rows hold;
			// abort so the transaction rolls back instead of overdrawing.
			return fmt.Errorf("%w: ledger rows cover %d of %d", ErrInsufficientCredits, amount-owed, amount)
		}
		record.CurrentCredits -= amount
		if err := transactionStore.SaveBalance(ctx, record); err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, Transaction{
			UserID:       userID,
			Type:         TransactionTypeUsage,
			Amount:       -amount,
			Description:  description,
			MetadataJSON: defaultMetadataJSON,
			CreatedAt:    now,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationConsume,
		UserID:      userID,
		Type:        TransactionTypeUsage,
		Amount:      amount,
		Description: description,
		Error:       operationError,
	})
	return operationError
}

// ProcessExpiredCredits retires earn transactions whose expiration has
// passed. Every earn and spend path runs the same sweep before acting, so
// calling this directly is only needed for maintenance.
func (service *Service) ProcessExpiredCredits(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return service.sweepExpired(ctx, transactionStore, userID, service.nowFn().UTC())
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationExpire,
		UserID:    userID,
		Error:     operationError,
	})
	return operationError
}

type earnInput struct {
	userID          string
	amount          int64
	transactionType TransactionType
	description     string
	paymentID       string
	metadataJSON    string
	expireDays      int
}

// earn applies the balance increment and appends the earn transaction.
// Callers are responsible for the enclosing store transaction and for
// running the expiration sweep first.
func (service *Service) earn(ctx context.Context, transactionStore Store, input earnInput, now time.Time) error {
	record, found, err := transactionStore.GetBalanceForUpdate(ctx, input.userID)
	if err != nil {
		return err
	}
	if !found {
		record = BalanceRecord{UserID: input.userID}
	}
	record.CurrentCredits += input.amount
	if err := transactionStore.SaveBalance(ctx, record); err != nil {
		return err
	}
	var expiration *time.Time
	if input.expireDays > 0 {
		value := now.AddDate(0, 0, input.expireDays)
		expiration = &value
	}
	metadata := input.metadataJSON
	if metadata == "" {
		metadata = defaultMetadataJSON
	}
	remaining := input.amount
	return transactionStore.InsertTransaction(ctx, Transaction{
		UserID:          input.userID,
		Type:            input.transactionType,
		Amount:          input.amount,
		RemainingAmount: &remaining,
		Description:     input.description,
		PaymentID:       input.paymentID,
		ExpirationDate:  expiration,
		MetadataJSON:    metadata,
		CreatedAt:       now,
	})
}

// sweepExpired zeroes earn transactions past their expiration, deducts the
// retired total from the cached balance (floored at zero) and appends one
// EXPIRE transaction. Idempotent: retired rows are stamped and skipped on
// later sweeps.
func (service *Service) sweepExpired(ctx context.Context, transactionStore Store, userID string, now time.Time) error {
	expired, err := transactionStore.ListExpiredEarnTransactions(ctx, userID, now)
	if err != nil {
		return err
	}
	var expiredTotal int64
	for _, row := range expired {
		if row.RemainingAmount == nil || *row.RemainingAmount <= 0 {
			continue
		}
		expiredTotal += *row.RemainingAmount
		processedAt := now
		if err := transactionStore.UpdateRemaining(ctx, row.TransactionID, 0, &processedAt); err != nil {
			return err
		}
	}
	if expiredTotal == 0 {
		return nil
	}
	record, found, err := transactionStore.GetBalanceForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	if !found {
		record = BalanceRecord{UserID: userID}
	}
	record.CurrentCredits -= expiredTotal
	if record.CurrentCredits < 0 {
		record.CurrentCredits = 0
	}
	if err := transactionStore.SaveBalance(ctx, record); err != nil {
		return err
	}
	return transactionStore.InsertTransaction(ctx, Transaction{
		UserID:       userID,
		Type:         TransactionTypeExpire,
		Amount:       -expiredTotal,
		Description:  descriptionExpire,
		MetadataJSON: defaultMetadataJSON,
		CreatedAt:    now,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return nil
}
