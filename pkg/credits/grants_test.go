package credits

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const (
	testPriceIDPaid     = "price-paid"
	testPriceIDFree     = "price-free"
	testPriceIDDisabled = "price-disabled"
	testPriceIDNoCredit = "price-no-credits"
	testPriceIDLifetime = "price-lifetime"
)

func testPlans(test *testing.T) *StaticPlanResolver {
	test.Helper()
	return NewStaticPlanResolver(map[string]Plan{
		testPriceIDPaid: {
			PlanID:  "plan-paid",
			Credits: PlanCredits{Enable: true, Amount: 300, ExpireDays: 30},
		},
		testPriceIDFree: {
			PlanID:  "plan-free",
			IsFree:  true,
			Credits: PlanCredits{Enable: true, Amount: 300, ExpireDays: 30},
		},
		testPriceIDDisabled: {
			PlanID:   "plan-disabled",
			Disabled: true,
			Credits:  PlanCredits{Enable: true, Amount: 300, ExpireDays: 30},
		},
		testPriceIDNoCredit: {
			PlanID:  "plan-no-credits",
			Credits: PlanCredits{Enable: false, Amount: 300},
		},
		testPriceIDLifetime: {
			PlanID:     "plan-lifetime",
			IsLifetime: true,
			Credits:    PlanCredits{Enable: true, Amount: 500, ExpireDays: 30},
		},
	})
}

func TestAddRegisterGiftCreditsGrantsOnce(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	clock := newStubClock(testStart(test))
	service := mustNewService(test, store, clock)
	ctx := context.Background()

	if err := service.AddRegisterGiftCredits(ctx, testUserID); err != nil {
		test.Fatalf("first gift: %v", err)
	}
	if err := service.AddRegisterGiftCredits(ctx, testUserID); err != nil {
		test.Fatalf("second gift: %v", err)
	}

	gifts := store.transactionsOfType(test, testUserID, TransactionTypeRegisterGift)
	if len(gifts) != 1 {
		test.Fatalf("expected exactly one gift transaction, got %d", len(gifts))
	}
	if gifts[0].Amount != 100 {
		test.Fatalf("expected gift amount 100, got %d", gifts[0].Amount)
	}
	expected := testStart(test).AddDate(0, 0, 30)
	if gifts[0].ExpirationDate == nil || !gifts[0].ExpirationDate.Equal(expected) {
		test.Fatalf("expected gift expiration %v, got %v", expected, gifts[0].ExpirationDate)
	}
	if got := store.balanceOf(test, testUserID); got != 100 {
		test.Fatalf("expected balance 100, got %d", got)
	}
}

func TestAddMonthlyFreeCreditsRespectsCalendarMonth(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	clock := newStubClock(time.Date(2025, time.March, 5, 9, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	ctx := context.Background()

	if err := service.AddMonthlyFreeCredits(ctx, testUserID); err != nil {
		test.Fatalf("first grant: %v", err)
	}

	// Same calendar month, even at its last instant: no second grant.
	clock.Set(time.Date(2025, time.March, 31, 23, 59, 0, 0, time.UTC))
	if err := service.AddMonthlyFreeCredits(ctx, testUserID); err != nil {
		test.Fatalf("same month grant: %v", err)
	}
	if refreshes := store.transactionsOfType(test, testUserID, TransactionTypeMonthlyRefresh); len(refreshes) != 1 {
		test.Fatalf("expected one refresh in march, got %d", len(refreshes))
	}

	clock.Set(time.Date(2025, time.April, 1, 0, 1, 0, 0, time.UTC))
	if err := service.AddMonthlyFreeCredits(ctx, testUserID); err != nil {
		test.Fatalf("next month grant: %v", err)
	}
	if refreshes := store.transactionsOfType(test, testUserID, TransactionTypeMonthlyRefresh); len(refreshes) != 2 {
		test.Fatalf("expected second refresh in april, got %d", len(refreshes))
	}

	refreshedAt := store.lastRefreshOf(test, testUserID)
	if refreshedAt == nil || !refreshedAt.Equal(clock.Now()) {
		test.Fatalf("expected last refresh stamped %v, got %v", clock.Now(), refreshedAt)
	}
}

func TestAddLifetimeMonthlyCreditsGrantsPolicyAmount(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	clock := newStubClock(testStart(test))
	service := mustNewService(test, store, clock)
	ctx := context.Background()

	if err := service.AddLifetimeMonthlyCredits(ctx, testUserID); err != nil {
		test.Fatalf("lifetime grant: %v", err)
	}

	grants := store.transactionsOfType(test, testUserID, TransactionTypeLifetimeMonthly)
	if len(grants) != 1 || grants[0].Amount != 500 {
		test.Fatalf("expected one lifetime grant of 500, got %+v", grants)
	}
	if err := service.AddLifetimeMonthlyCredits(ctx, testUserID); err != nil {
		test.Fatalf("repeat lifetime grant: %v", err)
	}
	if grants := store.transactionsOfType(test, testUserID, TransactionTypeLifetimeMonthly); len(grants) != 1 {
		test.Fatalf("expected repeat grant skipped, got %d grants", len(grants))
	}
}

func TestAddSubscriptionCreditsGrantsPlanAmount(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	clock := newStubClock(testStart(test))
	service := mustNewService(test, store, clock, WithPlanResolver(testPlans(test)))
	ctx := context.Background()

	if err := service.AddSubscriptionCredits(ctx, testUserID, testPriceIDPaid, "pay-9"); err != nil {
		test.Fatalf("subscription grant: %v", err)
	}

	renewals := store.transactionsOfType(test, testUserID, TransactionTypeSubscriptionRenewal)
	if len(renewals) != 1 {
		test.Fatalf("expected one renewal transaction, got %d", len(renewals))
	}
	renewal := renewals[0]
	if renewal.Amount != 300 {
		test.Fatalf("expected renewal amount 300, got %d", renewal.Amount)
	}
	if renewal.PaymentID != "pay-9" {
		test.Fatalf("expected payment id pay-9, got %q", renewal.PaymentID)
	}
	if !strings.Contains(renewal.MetadataJSON, testPriceIDPaid) {
		test.Fatalf("expected metadata to carry the price id, got %q", renewal.MetadataJSON)
	}
	expected := testStart(test).AddDate(0, 0, 30)
	if renewal.ExpirationDate == nil || !renewal.ExpirationDate.Equal(expected) {
		test.Fatalf("expected expiration %v, got %v", expected, renewal.ExpirationDate)
	}
}

func TestAddSubscriptionCreditsSkipsIneligiblePlans(test *testing.T) {
	test.Parallel()

	testCases := []struct {
		name    string
		priceID string
	}{
		{name: "unknown price", priceID: "price-unknown"},
		{name: "free plan", priceID: testPriceIDFree},
		{name: "disabled plan", priceID: testPriceIDDisabled},
		{name: "credits disabled", priceID: testPriceIDNoCredit},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()

			store := newStubStore(test)
			service := mustNewService(test, store, newStubClock(testStart(test)), WithPlanResolver(testPlans(test)))

			if err := service.AddSubscriptionCredits(context.Background(), testUserID, testCase.priceID, "pay-1"); err != nil {
				test.Fatalf("expected skip without error, got %v", err)
			}
			if len(store.transactions) != 0 {
				test.Fatalf("expected no transactions, got %d", len(store.transactions))
			}
			if got := store.balanceOf(test, testUserID); got != 0 {
				test.Fatalf("expected balance untouched, got %d", got)
			}
		})
	}
}

func TestAddSubscriptionCreditsRequiresPlanResolver(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	service := mustNewService(test, store, newStubClock(testStart(test)))

	err := service.AddSubscriptionCredits(context.Background(), testUserID, testPriceIDPaid, "pay-1")
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestMonthlyGrantSweepsExpiredFirst(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	clock := newStubClock(time.Date(2025, time.March, 5, 9, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	ctx := context.Background()

	if err := service.AddCredits(ctx, testUserID, 100, TransactionTypePurchase, "credit pack", "", 10); err != nil {
		test.Fatalf("add credits: %v", err)
	}
	clock.Set(time.Date(2025, time.April, 20, 9, 0, 0, 0, time.UTC))

	if err := service.AddMonthlyFreeCredits(ctx, testUserID); err != nil {
		test.Fatalf("monthly grant: %v", err)
	}

	if expires := store.transactionsOfType(test, testUserID, TransactionTypeExpire); len(expires) != 1 {
		test.Fatalf("expected expired pack swept before the grant, got %d EXPIRE rows", len(expires))
	}
	if got := store.balanceOf(test, testUserID); got != 50 {
		test.Fatalf("expected balance 50 after sweep plus grant, got %d", got)
	}
}

func TestSameCalendarMonth(test *testing.T) {
	test.Parallel()

	testCases := []struct {
		name     string
		first    time.Time
		second   time.Time
		expected bool
	}{
		{
			name:     "same month",
			first:    time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
			second:   time.Date(2025, time.March, 31, 23, 59, 59, 0, time.UTC),
			expected: true,
		},
		{
			name:     "adjacent months",
			first:    time.Date(2025, time.March, 31, 23, 59, 59, 0, time.UTC),
			second:   time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC),
			expected: false,
		},
		{
			name:     "same month different year",
			first:    time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC),
			second:   time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
			expected: false,
		},
		{
			name:     "timezone normalized to utc",
			first:    time.Date(2025, time.April, 1, 3, 0, 0, 0, time.FixedZone("UTC+5", 5*3600)),
			second:   time.Date(2025, time.March, 31, 23, 0, 0, 0, time.UTC),
			expected: true,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()

			if got := sameCalendarMonth(testCase.first, testCase.second); got != testCase.expected {
				test.Fatalf("expected %v, got %v", testCase.expected, got)
			}
		})
	}
}
