package analyses

// Route is the execution strategy picked for one analysis run.
type Route string

const (
	RouteSinglePass Route = "single_pass"
	RouteMapReduce  Route = "map_reduce"
)

// DefaultTokenThreshold is the routing boundary in estimated tokens.
const DefaultTokenThreshold = 500_000

// DecideRoute picks the strategy from the total token estimate. The
// decision is made exactly once per run, before any provider call.
// An estimate equal to the threshold already routes to map-reduce.
func DecideRoute(estimatedTokens, threshold int) Route {
	if threshold <= 0 {
		threshold = DefaultTokenThreshold
	}
	if estimatedTokens < threshold {
		return RouteSinglePass
	}
	return RouteMapReduce
}
