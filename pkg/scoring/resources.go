package scoring

import "math"

// Resource is one sub-resource fetch outcome from a web probe.
type Resource struct {
	Request ResourceRequest `json:"request"`
	Success bool            `json:"success"`
}

// ResourceRequest describes the fetched resource.
type ResourceRequest struct {
	ResourceType string `json:"resource_type"`
}

// Tally counts successful and failed fetches.
type Tally struct {
	OK     int `json:"ok"`
	Failed int `json:"failed"`
}

// Stats summarizes a resource list: per-type tallies plus a total.
type Stats struct {
	ByType map[string]Tally `json:"by_type"`
	Total  Tally            `json:"total"`
}

// ResourceStats reduces a resource list to success/failure counts
// grouped by resource type and totalled.
func ResourceStats(resources []Resource) Stats {
	stats := Stats{ByType: make(map[string]Tally, 8)}

	for _, res := range resources {
		tally := stats.ByType[res.Request.ResourceType]

		if res.Success {
			tally.OK++
			stats.Total.OK++
		} else {
			tally.Failed++
			stats.Total.Failed++
		}

		stats.ByType[res.Request.ResourceType] = tally
	}

	return stats
}

// ResourceScore compares a candidate's successful fetch count against
// the baseline's. The candidate is never scored above 1.0, even when
// it succeeded on more resources than the baseline. A baseline with
// zero successes uses a denominator of 1 to avoid division by zero;
// the resulting value is not a meaningful comparison.
func ResourceScore(baseline, candidate Stats) float64 {
	baseOK := baseline.Total.OK
	if baseOK < 1 {
		baseOK = 1
	}

	return math.Min(1.0, float64(candidate.Total.OK)/float64(baseOK))
}
