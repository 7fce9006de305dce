package credits

import (
	"context"
	"errors"
	"testing"
)

func TestDefaultPolicyIsValid(test *testing.T) {
	test.Parallel()

	if err := DefaultPolicy().validate(); err != nil {
		test.Fatalf("default policy: %v", err)
	}
}

func TestPolicyValidateRejectsNegativeValues(test *testing.T) {
	test.Parallel()

	testCases := []struct {
		name   string
		policy Policy
	}{
		{name: "negative register gift amount", policy: Policy{RegisterGiftAmount: -1}},
		{name: "negative monthly free amount", policy: Policy{MonthlyFreeAmount: -1}},
		{name: "negative lifetime monthly amount", policy: Policy{LifetimeMonthlyAmount: -1}},
		{name: "negative register gift expire days", policy: Policy{RegisterGiftExpireDays: -1}},
		{name: "negative monthly expire days", policy: Policy{MonthlyExpireDays: -1}},
		{name: "negative chunk size", policy: Policy{DistributionChunkSize: -1}},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()

			if err := testCase.policy.validate(); !errors.Is(err, ErrInvalidPolicy) {
				test.Fatalf("expected ErrInvalidPolicy, got %v", err)
			}
		})
	}
}

func TestPolicyChunkSizeDefaults(test *testing.T) {
	test.Parallel()

	if got := (Policy{}).chunkSize(); got != defaultDistributionChunkSize {
		test.Fatalf("expected default chunk size %d, got %d", defaultDistributionChunkSize, got)
	}
	if got := (Policy{DistributionChunkSize: 25}).chunkSize(); got != 25 {
		test.Fatalf("expected configured chunk size 25, got %d", got)
	}
}

func TestZeroAmountsDisableGrants(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	clock := newStubClock(testStart(test))
	service, err := NewService(store, clock.Now, Policy{}, nil)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}

	ctx := context.Background()
	if err := service.AddRegisterGiftCredits(ctx, testUserID); err != nil {
		test.Fatalf("register gift: %v", err)
	}
	if err := service.AddMonthlyFreeCredits(ctx, testUserID); err != nil {
		test.Fatalf("monthly free: %v", err)
	}
	if err := service.AddLifetimeMonthlyCredits(ctx, testUserID); err != nil {
		test.Fatalf("lifetime monthly: %v", err)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected zero-amount policy to grant nothing, got %d transactions", len(store.transactions))
	}
}
