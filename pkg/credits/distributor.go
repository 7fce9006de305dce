package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DistributeCreditsToAllUsers applies the monthly grant, once per calendar
// month, to every non-banned user without an active non-lifetime paid
// subscription. Users are partitioned into free and lifetime cohorts and
// processed in fixed-size chunks, one store transaction per chunk. Chunk
// failures are logged and counted but do not abort the run.
func (service *Service) DistributeCreditsToAllUsers(ctx context.Context) (DistributionSummary, error) {
	summary := DistributionSummary{}
	if service.users == nil {
		return summary, fmt.Errorf("%w: user source is not configured", ErrInvalidServiceConfig)
	}
	population, err := service.users.ListActiveUsersWithLatestPayment(ctx)
	if err != nil {
		return summary, err
	}
	freeUserIDs, lifetimeUserIDs := service.partitionCohorts(population)
	now := service.nowFn().UTC()
	cohorts := []cohortGrant{
		{
			name:            cohortFree,
			transactionType: TransactionTypeMonthlyRefresh,
			amount:          service.policy.MonthlyFreeAmount,
			description:     descriptionMonthlyRefresh,
			userIDs:         freeUserIDs,
		},
		{
			name:            cohortLifetime,
			transactionType: TransactionTypeLifetimeMonthly,
			amount:          service.policy.LifetimeMonthlyAmount,
			description:     descriptionLifetimeMonthly,
			userIDs:         lifetimeUserIDs,
		},
	}
	for _, cohort := range cohorts {
		if cohort.amount <= 0 || len(cohort.userIDs) == 0 {
			continue
		}
		for chunkIndex, chunk := range chunkUserIDs(cohort.userIDs, service.policy.chunkSize()) {
			processed, failed, chunkError := service.distributeChunk(ctx, cohort, chunk, now)
			summary.ProcessedCount += processed
			summary.ErrorCount += failed
			service.logOperation(ctx, OperationLog{
				Operation: operationDistribute,
				Type:      cohort.transactionType,
				Amount:    cohort.amount,
				Cohort:    cohort.name,
				Chunk:     chunkIndex,
				UserCount: len(chunk),
				Error:     chunkError,
			})
		}
	}
	return summary, nil
}

type cohortGrant struct {
	name            string
	transactionType TransactionType
	amount          int64
	description     string
	userIDs         []string
}

// partitionCohorts splits the population into the free and lifetime cohorts.
// Users whose latest active payment resolves to a non-lifetime paid plan are
// excluded: their credits arrive through the renewal webhook path instead.
func (service *Service) partitionCohorts(population []UserPaymentRecord) ([]string, []string) {
	freeUserIDs := make([]string, 0, len(population))
	lifetimeUserIDs := make([]string, 0)
	for _, record := range population {
		if record.UserID == "" {
			continue
		}
		if record.PriceID == "" || !isActivePaymentStatus(record.PaymentStatus) {
			freeUserIDs = append(freeUserIDs, record.UserID)
			continue
		}
		if service.plans == nil {
			continue
		}
		plan, found := service.plans.FindPlanByPriceID(record.PriceID)
		switch {
		case !found:
			continue
		case plan.IsLifetime:
			lifetimeUserIDs = append(lifetimeUserIDs, record.UserID)
		case plan.IsFree:
			freeUserIDs = append(freeUserIDs, record.UserID)
		}
	}
	return freeUserIDs, lifetimeUserIDs
}

// distributeChunk grants one cohort chunk inside a single store transaction.
// Returns the number of users granted, the number counted as failed, and the
// chunk error, if any.
func (service *Service) distributeChunk(ctx context.Context, cohort cohortGrant, chunk []string, now time.Time) (int, int, error) {
	balances, err := service.store.ListBalances(ctx, chunk)
	if err != nil {
		return 0, len(chunk), err
	}
	balancesByUser := make(map[string]BalanceRecord, len(balances))
	for _, record := range balances {
		balancesByUser[record.UserID] = record
	}
	var expiration *time.Time
	if service.policy.MonthlyExpireDays > 0 {
		value := now.AddDate(0, 0, service.policy.MonthlyExpireDays)
		expiration = &value
	}
	refreshedAt := now
	metadata := cohortMetadata(cohort.name)
	transactions := make([]Transaction, 0, len(chunk))
	var newBalances []BalanceRecord
	var updatedBalances []BalanceRecord
	for _, userID := range chunk {
		record, found := balancesByUser[userID]
		if found && record.LastRefreshAt != nil && sameCalendarMonth(*record.LastRefreshAt, now) {
			continue
		}
		remaining := cohort.amount
		transactions = append(transactions, Transaction{
			UserID:          userID,
			Type:            cohort.transactionType,
			Amount:          cohort.amount,
			RemainingAmount: &remaining,
			Description:     cohort.description,
			ExpirationDate:  expiration,
			MetadataJSON:    metadata,
			CreatedAt:       now,
		})
		// Monthly grants replace whatever balance is left over; unused
		// credits from the previous month do not stack.
		next := BalanceRecord{UserID: userID, CurrentCredits: cohort.amount, LastRefreshAt: &refreshedAt}
		if found {
			updatedBalances = append(updatedBalances, next)
		} else {
			newBalances = append(newBalances, next)
		}
	}
	if len(transactions) == 0 {
		return 0, 0, nil
	}
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.InsertTransactionBatch(ctx, transactions); err != nil {
			return err
		}
		if len(newBalances) > 0 {
			if err := transactionStore.InsertBalanceBatch(ctx, newBalances); err != nil {
				return err
			}
		}
		if len(updatedBalances) > 0 {
			return transactionStore.UpdateBalanceBatch(ctx, updatedBalances)
		}
		return nil
	})
	if err != nil {
		return 0, len(transactions), err
	}
	return len(transactions), 0, nil
}

func chunkUserIDs(userIDs []string, size int) [][]string {
	chunks := make([][]string, 0, (len(userIDs)+size-1)/size)
	for start := 0; start < len(userIDs); start += size {
		end := start + size
		if end > len(userIDs) {
			end = len(userIDs)
		}
		chunks = append(chunks, userIDs[start:end])
	}
	return chunks
}

func isActivePaymentStatus(status string) bool {
	return status == paymentStatusActive || status == paymentStatusTrialing
}

func cohortMetadata(name string) string {
	payload, err := json.Marshal(map[string]string{"cohort": name})
	if err != nil {
		return defaultMetadataJSON
	}
	return string(payload)
}
