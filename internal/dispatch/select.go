package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"adaptivx/internal/model"
)

// evaluate marks each candidate eligible or records why it was rejected.
// The input is sorted by asset id so results do not depend on fetch order.
func evaluate(req model.Requirements, candidates []model.Candidate) []model.Candidate {
	out := make([]model.Candidate, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	for i := range out {
		ok, reasons := req.SatisfiedBy(out[i].Tuple)
		out[i].Eligible = ok
		out[i].RejectionReason = strings.Join(reasons, "; ")
	}
	return out
}

// cheapest returns the eligible candidate with the lowest energy cost,
// breaking ties by asset id.
func cheapest(evaluated []model.Candidate) (model.Candidate, int, bool) {
	var best model.Candidate
	found := false
	eligible := 0
	for _, c := range evaluated {
		if !c.Eligible {
			continue
		}
		eligible++
		if !found || c.Tuple.EnergyCostPerPart < best.Tuple.EnergyCostPerPart ||
			(c.Tuple.EnergyCostPerPart == best.Tuple.EnergyCostPerPart && c.AssetID < best.AssetID) {
			best = c
			found = true
		}
	}
	return best, eligible, found
}

// unassignedReason explains why no candidate survived the filter.
func unassignedReason(req model.Requirements, evaluated []model.Candidate) string {
	if len(evaluated) == 0 {
		return "no candidates registered"
	}
	assured, graded := 0, 0
	for _, c := range evaluated {
		if c.Tuple.Assurance == model.AssuranceAssured {
			assured++
		}
		if c.Tuple.Grade.AtLeast(req.Grade) {
			graded++
		}
	}
	switch {
	case req.AssuranceRequired && assured == 0:
		return "no assured candidates"
	case graded == 0:
		return fmt.Sprintf("no candidate meets grade %s", req.Grade)
	default:
		return fmt.Sprintf("no candidate is both assured and meets grade %s", req.Grade)
	}
}

// bestBid picks the lowest-cost bid whose offer satisfies req, ties broken
// by asset id then submission time.
func bestBid(req model.Requirements, bids []model.Bid) (model.Bid, int, bool) {
	var best model.Bid
	found := false
	qualifying := 0
	for _, b := range bids {
		if ok, _ := req.SatisfiedBy(b.Offered); !ok {
			continue
		}
		qualifying++
		if !found || less(b, best) {
			best = b
			found = true
		}
	}
	return best, qualifying, found
}

func less(a, b model.Bid) bool {
	if a.Cost != b.Cost {
		return a.Cost < b.Cost
	}
	if a.AssetID != b.AssetID {
		return a.AssetID < b.AssetID
	}
	return a.SubmittedAt.Before(b.SubmittedAt)
}
