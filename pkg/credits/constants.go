package credits

const (
	operationAdd             = "add"
	operationConsume         = "consume"
	operationExpire          = "expire"
	operationRegisterGift    = "register_gift"
	operationMonthlyFree     = "monthly_free"
	operationLifetimeMonthly = "lifetime_monthly"
	operationSubscription    = "subscription"
	operationDistribute      = "distribute"

	operationStatusOK      = "ok"
	operationStatusError   = "error"
	operationStatusSkipped = "skipped"

	cohortFree     = "free"
	cohortLifetime = "lifetime"

	paymentStatusActive   = "active"
	paymentStatusTrialing = "trialing"

	descriptionRegisterGift    = "Registration gift credits"
	descriptionMonthlyRefresh  = "Monthly free credits refresh"
	descriptionLifetimeMonthly = "Lifetime plan monthly credits"
	descriptionSubscription    = "Subscription renewal credits"
	descriptionExpire          = "Expired credits"

	defaultMetadataJSON          = "{}"
	defaultDistributionChunkSize = 100
)
