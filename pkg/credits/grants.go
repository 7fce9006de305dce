package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AddRegisterGiftCredits grants the one-time registration gift. Calling it
// again for the same user is a no-op.
func (service *Service) AddRegisterGiftCredits(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if service.policy.RegisterGiftAmount == 0 {
		return nil
	}
	granted := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		alreadyGranted, err := transactionStore.HasTransactionOfType(ctx, userID, TransactionTypeRegisterGift)
		if err != nil {
			return err
		}
		if alreadyGranted {
			return nil
		}
		now := service.nowFn().UTC()
		if err := service.sweepExpired(ctx, transactionStore, userID, now); err != nil {
			return err
		}
		granted = true
		return service.earn(ctx, transactionStore, earnInput{
			userID:          userID,
			amount:          service.policy.RegisterGiftAmount,
			transactionType: TransactionTypeRegisterGift,
			description:     descriptionRegisterGift,
			expireDays:      service.policy.RegisterGiftExpireDays,
		}, now)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRegisterGift,
		UserID:    userID,
		Type:      TransactionTypeRegisterGift,
		Amount:    service.policy.RegisterGiftAmount,
		Status:    skippedStatus(operationError, granted),
		Error:     operationError,
	})
	return operationError
}

// AddMonthlyFreeCredits applies the free-plan monthly grant when the user
// has not been refreshed this calendar month.
func (service *Service) AddMonthlyFreeCredits(ctx context.Context, userID string) error {
	return service.addMonthlyCredits(ctx, userID, monthlyGrant{
		operation:       operationMonthlyFree,
		transactionType: TransactionTypeMonthlyRefresh,
		amount:          service.policy.MonthlyFreeAmount,
		description:     descriptionMonthlyRefresh,
	})
}

// AddLifetimeMonthlyCredits applies the lifetime-plan monthly grant when the
// user has not been refreshed this calendar month.
func (service *Service) AddLifetimeMonthlyCredits(ctx context.Context, userID string) error {
	return service.addMonthlyCredits(ctx, userID, monthlyGrant{
		operation:       operationLifetimeMonthly,
		transactionType: TransactionTypeLifetimeMonthly,
		amount:          service.policy.LifetimeMonthlyAmount,
		description:     descriptionLifetimeMonthly,
	})
}

// AddSubscriptionCredits grants the plan's configured credits after a
// subscription renewal. Free, disabled, and credit-less plans are no-ops;
// renewal cadence is owned by the billing provider, so LastRefreshAt is not
// touched.
func (service *Service) AddSubscriptionCredits(ctx context.Context, userID string, priceID string, paymentID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if service.plans == nil {
		return fmt.Errorf("%w: plan resolver is not configured", ErrInvalidServiceConfig)
	}
	plan, found := service.plans.FindPlanByPriceID(priceID)
	if !found || plan.IsFree || plan.Disabled || !plan.Credits.Enable || plan.Credits.Amount <= 0 {
		service.logOperation(ctx, OperationLog{
			Operation: operationSubscription,
			UserID:    userID,
			Type:      TransactionTypeSubscriptionRenewal,
			Status:    operationStatusSkipped,
		})
		return nil
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn().UTC()
		if err := service.sweepExpired(ctx, transactionStore, userID, now); err != nil {
			return err
		}
		return service.earn(ctx, transactionStore, earnInput{
			userID:          userID,
			amount:          plan.Credits.Amount,
			transactionType: TransactionTypeSubscriptionRenewal,
			description:     descriptionSubscription,
			paymentID:       paymentID,
			metadataJSON:    priceMetadata(priceID),
			expireDays:      plan.Credits.ExpireDays,
		}, now)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSubscription,
		UserID:    userID,
		Type:      TransactionTypeSubscriptionRenewal,
		Amount:    plan.Credits.Amount,
		Error:     operationError,
	})
	return operationError
}

type monthlyGrant struct {
	operation       string
	transactionType TransactionType
	amount          int64
	description     string
}

func (service *Service) addMonthlyCredits(ctx context.Context, userID string, grant monthlyGrant) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if grant.amount == 0 {
		return nil
	}
	granted := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn().UTC()
		record, found, err := transactionStore.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if found && record.LastRefreshAt != nil && sameCalendarMonth(*record.LastRefreshAt, now) {
			return nil
		}
		if err := service.sweepExpired(ctx, transactionStore, userID, now); err != nil {
			return err
		}
		if err := service.earn(ctx, transactionStore, earnInput{
			userID:          userID,
			amount:          grant.amount,
			transactionType: grant.transactionType,
			description:     grant.description,
			expireDays:      service.policy.MonthlyExpireDays,
		}, now); err != nil {
			return err
		}
		granted = true
		return transactionStore.SetLastRefresh(ctx, userID, now)
	})
	service.logOperation(ctx, OperationLog{
		Operation: grant.operation,
		UserID:    userID,
		Type:      grant.transactionType,
		Amount:    grant.amount,
		Status:    skippedStatus(operationError, granted),
		Error:     operationError,
	})
	return operationError
}

// sameCalendarMonth reports whether two instants fall in the same UTC
// (year, month) pair.
func sameCalendarMonth(first time.Time, second time.Time) bool {
	firstUTC := first.UTC()
	secondUTC := second.UTC()
	return firstUTC.Year() == secondUTC.Year() && firstUTC.Month() == secondUTC.Month()
}

func skippedStatus(operationError error, granted bool) string {
	if operationError == nil && !granted {
		return operationStatusSkipped
	}
	return ""
}

func priceMetadata(priceID string) string {
	payload, err := json.Marshal(map[string]string{"priceId": priceID})
	if err != nil {
		return defaultMetadataJSON
	}
	return string(payload)
}
