package dispatch

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"adaptivx/internal/model"
)

// riskScore grows as assurance drops and as the health index falls below
// 100. A missing health index adds nothing.
func riskScore(assurance model.AssuranceState, health *int) float64 {
	var risk float64
	switch assurance {
	case model.AssuranceAssured:
		risk = 0.1
	case model.AssuranceOffered:
		risk = 0.4
	default:
		risk = 0.8
	}
	if health != nil {
		risk += float64(100-*health) * 0.005
	}
	return math.Round(math.Min(1, risk)*100) / 100
}

func leadTimeMinutes(assurance model.AssuranceState, health *int) int {
	lead := 30
	if assurance != model.AssuranceAssured {
		lead += 15
	}
	if health != nil && *health < 90 {
		lead += 10
	}
	return lead
}

// proxyBid is the bid an asset's proxy places from its published capability.
func proxyBid(rfbID string, c model.Candidate, now time.Time) model.Bid {
	risk := riskScore(c.Tuple.Assurance, c.HealthIndex)
	return model.Bid{
		BidID:           "bid-" + uuid.NewString(),
		RFBID:           rfbID,
		AssetID:         c.AssetID,
		Offered:         c.Tuple,
		Cost:            c.Tuple.EnergyCostPerPart * (1 + risk),
		LeadTimeMinutes: leadTimeMinutes(c.Tuple.Assurance, c.HealthIndex),
		RiskScore:       risk,
		SubmittedAt:     now,
	}
}

// proxyBids collects one bid per registered asset, qualifying or not; the
// award filters them.
func (e *Engine) proxyBids(ctx context.Context, rfbID string, req model.Requirements, now time.Time) ([]model.Bid, error) {
	candidates, err := e.Candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	bids := make([]model.Bid, 0, len(candidates))
	for _, c := range candidates {
		bids = append(bids, proxyBid(rfbID, c, now))
	}
	return bids, nil
}
