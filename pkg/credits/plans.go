package credits

// StaticPlanResolver resolves plans from an in-memory price catalog. Suited
// to deployments where the pricing configuration ships with the binary.
type StaticPlanResolver struct {
	plansByPriceID map[string]Plan
}

// NewStaticPlanResolver indexes the given plans by price identifier.
func NewStaticPlanResolver(plansByPriceID map[string]Plan) *StaticPlanResolver {
	indexed := make(map[string]Plan, len(plansByPriceID))
	for priceID, plan := range plansByPriceID {
		if priceID == "" {
			continue
		}
		indexed[priceID] = plan
	}
	return &StaticPlanResolver{plansByPriceID: indexed}
}

// FindPlanByPriceID looks up the plan for a billing price identifier.
func (resolver *StaticPlanResolver) FindPlanByPriceID(priceID string) (Plan, bool) {
	plan, found := resolver.plansByPriceID[priceID]
	return plan, found
}
