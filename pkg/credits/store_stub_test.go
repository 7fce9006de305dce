package credits

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store with injectable failures.
type stubStore struct {
	mu           sync.Mutex
	balances     map[string]BalanceRecord
	transactions []*Transaction
	nextID       int

	getBalanceError       error
	saveBalanceError      error
	setLastRefreshError   error
	insertError           error
	updateRemainingError  error
	listExpiredError      error
	listConsumableError   error
	hasTypeError          error
	listBalancesError     error
	insertBatchError      error
	insertBatchFailOnCall int
	insertBatchCalls      int
	insertBalanceError    error
	updateBalanceError    error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{balances: map[string]BalanceRecord{}}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetBalance(_ context.Context, userID string) (BalanceRecord, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getBalanceError != nil {
		return BalanceRecord{}, false, store.getBalanceError
	}
	record, found := store.balances[userID]
	return record, found, nil
}

func (store *stubStore) GetBalanceForUpdate(ctx context.Context, userID string) (BalanceRecord, bool, error) {
	return store.GetBalance(ctx, userID)
}

func (store *stubStore) SaveBalance(_ context.Context, record BalanceRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.saveBalanceError != nil {
		return store.saveBalanceError
	}
	store.balances[record.UserID] = record
	return nil
}

func (store *stubStore) SetLastRefresh(_ context.Context, userID string, refreshedAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.setLastRefreshError != nil {
		return store.setLastRefreshError
	}
	record := store.balances[userID]
	record.UserID = userID
	record.LastRefreshAt = &refreshedAt
	store.balances[userID] = record
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertError != nil {
		return store.insertError
	}
	store.insertLocked(transaction)
	return nil
}

func (store *stubStore) insertLocked(transaction Transaction) {
	store.nextID++
	transaction.TransactionID = fmt.Sprintf("tx-%d", store.nextID)
	store.transactions = append(store.transactions, &transaction)
}

func (store *stubStore) UpdateRemaining(_ context.Context, transactionID string, remaining int64, processedAt *time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.updateRemainingError != nil {
		return store.updateRemainingError
	}
	for _, transaction := range store.transactions {
		if transaction.TransactionID == transactionID {
			value := remaining
			transaction.RemainingAmount = &value
			if processedAt != nil {
				stamped := *processedAt
				transaction.ExpirationDateProcessedAt = &stamped
			}
			return nil
		}
	}
	return fmt.Errorf("unknown transaction %q", transactionID)
}

func (store *stubStore) ListExpiredEarnTransactions(_ context.Context, userID string, asOf time.Time) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listExpiredError != nil {
		return nil, store.listExpiredError
	}
	var matches []Transaction
	for _, transaction := range store.transactions {
		if transaction.UserID != userID || !transaction.Type.IsEarn() {
			continue
		}
		if transaction.ExpirationDate == nil || transaction.ExpirationDateProcessedAt != nil {
			continue
		}
		if transaction.RemainingAmount == nil || *transaction.RemainingAmount <= 0 {
			continue
		}
		if !transaction.ExpirationDate.Before(asOf) {
			continue
		}
		matches = append(matches, *transaction)
	}
	return matches, nil
}

func (store *stubStore) ListConsumableEarnTransactions(_ context.Context, userID string, asOf time.Time) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listConsumableError != nil {
		return nil, store.listConsumableError
	}
	var matches []Transaction
	for _, transaction := range store.transactions {
		if transaction.UserID != userID || !transaction.Type.IsEarn() {
			continue
		}
		if transaction.RemainingAmount == nil || *transaction.RemainingAmount <= 0 {
			continue
		}
		if transaction.ExpirationDateProcessedAt != nil {
			continue
		}
		if transaction.ExpirationDate != nil && !transaction.ExpirationDate.After(asOf) {
			continue
		}
		matches = append(matches, *transaction)
	}
	sort.SliceStable(matches, func(left, right int) bool {
		first, second := matches[left], matches[right]
		switch {
		case first.ExpirationDate == nil && second.ExpirationDate == nil:
			return first.CreatedAt.Before(second.CreatedAt)
		case first.ExpirationDate == nil:
			return false
		case second.ExpirationDate == nil:
			return true
		case first.ExpirationDate.Equal(*second.ExpirationDate):
			return first.CreatedAt.Before(second.CreatedAt)
		default:
			return first.ExpirationDate.Before(*second.ExpirationDate)
		}
	})
	return matches, nil
}

func (store *stubStore) HasTransactionOfType(_ context.Context, userID string, transactionType TransactionType) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.hasTypeError != nil {
		return false, store.hasTypeError
	}
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.Type == transactionType {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) ListBalances(_ context.Context, userIDs []string) ([]BalanceRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listBalancesError != nil {
		return nil, store.listBalancesError
	}
	records := make([]BalanceRecord, 0, len(userIDs))
	for _, userID := range userIDs {
		if record, found := store.balances[userID]; found {
			records = append(records, record)
		}
	}
	return records, nil
}

func (store *stubStore) InsertTransactionBatch(_ context.Context, transactions []Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.insertBatchCalls++
	if store.insertBatchError != nil && (store.insertBatchFailOnCall == 0 || store.insertBatchFailOnCall == store.insertBatchCalls) {
		return store.insertBatchError
	}
	for _, transaction := range transactions {
		store.insertLocked(transaction)
	}
	return nil
}

func (store *stubStore) InsertBalanceBatch(_ context.Context, records []BalanceRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertBalanceError != nil {
		return store.insertBalanceError
	}
	for _, record := range records {
		store.balances[record.UserID] = record
	}
	return nil
}

func (store *stubStore) UpdateBalanceBatch(_ context.Context, records []BalanceRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.updateBalanceError != nil {
		return store.updateBalanceError
	}
	for _, record := range records {
		if _, found := store.balances[record.UserID]; found {
			store.balances[record.UserID] = record
		}
	}
	return nil
}

func (store *stubStore) balanceOf(test *testing.T, userID string) int64 {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.balances[userID].CurrentCredits
}

func (store *stubStore) lastRefreshOf(test *testing.T, userID string) *time.Time {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.balances[userID].LastRefreshAt
}

func (store *stubStore) transactionsOfType(test *testing.T, userID string, transactionType TransactionType) []Transaction {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	var matches []Transaction
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.Type == transactionType {
			matches = append(matches, *transaction)
		}
	}
	return matches
}

func (store *stubStore) remainingOf(test *testing.T, transactionID string) int64 {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.TransactionID == transactionID {
			if transaction.RemainingAmount == nil {
				test.Fatalf("transaction %q has no remaining amount", transactionID)
			}
			return *transaction.RemainingAmount
		}
	}
	test.Fatalf("unknown transaction %q", transactionID)
	return 0
}

// stubClock is a settable clock for month-boundary tests.
type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock(start time.Time) *stubClock {
	return &stubClock{now: start}
}

func (clock *stubClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *stubClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

func (clock *stubClock) Set(now time.Time) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = now
}

func mustNewService(test *testing.T, store Store, clock *stubClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, testPolicy(), options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func testPolicy() Policy {
	return Policy{
		RegisterGiftAmount:     100,
		RegisterGiftExpireDays: 30,
		MonthlyFreeAmount:      50,
		LifetimeMonthlyAmount:  500,
		MonthlyExpireDays:      30,
		DistributionChunkSize:  100,
	}
}

func testStart(test *testing.T) time.Time {
	test.Helper()
	return time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
}
