package credits

import "fmt"

// Policy holds the grant amounts and expiry windows for the built-in earn
// sources. Zero amounts disable the corresponding grant.
type Policy struct {
	RegisterGiftAmount     int64
	RegisterGiftExpireDays int
	MonthlyFreeAmount      int64
	LifetimeMonthlyAmount  int64
	MonthlyExpireDays      int
	DistributionChunkSize  int
}

// DefaultPolicy returns the stock grant policy.
func DefaultPolicy() Policy {
	return Policy{
		RegisterGiftAmount:     100,
		RegisterGiftExpireDays: 30,
		MonthlyFreeAmount:      50,
		LifetimeMonthlyAmount:  500,
		MonthlyExpireDays:      30,
		DistributionChunkSize:  defaultDistributionChunkSize,
	}
}

func (policy Policy) validate() error {
	if policy.RegisterGiftAmount < 0 {
		return fmt.Errorf("%w: negative register gift amount", ErrInvalidPolicy)
	}
	if policy.MonthlyFreeAmount < 0 {
		return fmt.Errorf("%w: negative monthly free amount", ErrInvalidPolicy)
	}
	if policy.LifetimeMonthlyAmount < 0 {
		return fmt.Errorf("%w: negative lifetime monthly amount", ErrInvalidPolicy)
	}
	if policy.RegisterGiftExpireDays < 0 || policy.MonthlyExpireDays < 0 {
		return fmt.Errorf("%w: negative expire days", ErrInvalidPolicy)
	}
	if policy.DistributionChunkSize < 0 {
		return fmt.Errorf("%w: negative distribution chunk size", ErrInvalidPolicy)
	}
	return nil
}

func (policy Policy) chunkSize() int {
	if policy.DistributionChunkSize == 0 {
		return defaultDistributionChunkSize
	}
	return policy.DistributionChunkSize
}
