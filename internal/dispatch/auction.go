package dispatch

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"adaptivx/internal/apperr"
	"adaptivx/internal/model"
	"adaptivx/internal/observability"
)

// auction guards one request for bids. Bid acceptance, closure and the
// award decision all happen under mu, so no bid can land after closure.
type auction struct {
	mu    sync.Mutex
	rfb   model.BidRequest
	timer Timer
}

func (e *Engine) lookup(op, rfbID string) (*auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.auctions[rfbID]
	if !ok {
		return nil, apperr.NotFound(op, "request for bids %q", rfbID)
	}
	return a, nil
}

func (e *Engine) bidTimeout(op string, timeout time.Duration) (time.Duration, error) {
	cfg := e.config()
	if timeout == 0 {
		timeout = cfg.DefaultBidTimeout
	}
	if timeout < cfg.MinBidTimeout || timeout > cfg.MaxBidTimeout {
		return 0, apperr.Invalid(op, "bid timeout %s outside [%s, %s]", timeout, cfg.MinBidTimeout, cfg.MaxBidTimeout)
	}
	return timeout, nil
}

// OpenBid opens a request for bids that closes and awards itself when
// timeout elapses. A zero timeout selects the configured default.
func (e *Engine) OpenBid(ctx context.Context, jobID string, req model.Requirements, timeout time.Duration) (rfbID string, err error) {
	const op = "dispatch.open_bid"
	ctx, span := observability.StartSpan(ctx, op, attribute.String("job_id", jobID))
	defer func() { observability.EndSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return "", apperr.Invalid(op, "%v", err)
	}
	timeout, err = e.bidTimeout(op, timeout)
	if err != nil {
		return "", err
	}
	if err := e.reserve(op, jobID); err != nil {
		return "", err
	}

	rfbID = "rfb-" + uuid.NewString()
	now := e.clock.Now()
	var bids []model.Bid
	if e.config().ProxyBidding {
		bids, err = e.proxyBids(ctx, rfbID, req, now)
		if err != nil {
			e.release(jobID)
			return "", err
		}
	}
	a := &auction{rfb: model.BidRequest{
		RFBID:        rfbID,
		JobID:        jobID,
		Requirements: req,
		OpenedAt:     now,
		Deadline:     now.Add(timeout),
		Status:       model.BidOpen,
		Bids:         bids,
	}}
	e.jobs.Add(model.Assignment{
		JobID:        jobID,
		RFBID:        rfbID,
		Requirements: req,
		Status:       model.JobPending,
		Timestamp:    now,
	})

	deadline := a.rfb.Deadline
	e.mu.Lock()
	e.auctions[rfbID] = a
	e.mu.Unlock()
	a.mu.Lock()
	if a.rfb.Status == model.BidOpen {
		a.timer = e.clock.AfterFunc(timeout, func() { e.expire(rfbID) })
	}
	a.mu.Unlock()

	span.SetAttributes(attribute.String("rfb_id", rfbID))
	e.logger.Info("request for bids opened",
		"rfb_id", rfbID,
		"job_id", jobID,
		"deadline", deadline,
		"proxy_bids", len(bids),
	)
	return rfbID, nil
}

// SubmitBid records a bid while the auction is open. A bid arriving at or
// after the deadline closes the auction and is rejected as expired.
func (e *Engine) SubmitBid(ctx context.Context, rfbID, assetID string, offered model.Tuple, cost float64) (model.Bid, error) {
	const op = "dispatch.bid"
	a, err := e.lookup(op, rfbID)
	if err != nil {
		return model.Bid{}, err
	}
	if strings.TrimSpace(assetID) == "" {
		return model.Bid{}, apperr.Invalid(op, "asset id is required")
	}
	if offered.Assurance.Rank() == 0 {
		return model.Bid{}, apperr.Invalid(op, "unknown assurance state %q", offered.Assurance)
	}
	if offered.Grade.Rank() == 0 {
		return model.Bid{}, apperr.Invalid(op, "unknown surface finish grade %q", offered.Grade)
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) || cost < 0 {
		return model.Bid{}, apperr.Invalid(op, "cost must be a finite value >= 0")
	}
	if _, ok, err := e.src.ReadCapability(ctx, assetID); err != nil {
		return model.Bid{}, err
	} else if !ok {
		return model.Bid{}, apperr.Invalid(op, "unknown asset %q", assetID)
	}

	a.mu.Lock()
	now := e.clock.Now()
	if a.rfb.Status != model.BidOpen {
		status := a.rfb.Status
		a.mu.Unlock()
		return model.Bid{}, apperr.Expired(op, "request for bids %s is %s", rfbID, status)
	}
	if deadline := a.rfb.Deadline; !now.Before(deadline) {
		outcome := e.closeLocked(a)
		a.mu.Unlock()
		e.settle(ctx, outcome)
		return model.Bid{}, apperr.Expired(op, "bid from %s arrived after deadline %s", assetID, deadline.Format(time.RFC3339Nano))
	}
	for _, b := range a.rfb.Bids {
		if b.AssetID == assetID {
			a.mu.Unlock()
			return model.Bid{}, apperr.Invalid(op, "asset %s already bid on %s", assetID, rfbID)
		}
	}
	bid := model.Bid{
		BidID:       "bid-" + uuid.NewString(),
		RFBID:       rfbID,
		AssetID:     assetID,
		Offered:     offered,
		Cost:        cost,
		SubmittedAt: now,
	}
	a.rfb.Bids = append(a.rfb.Bids, bid)
	a.mu.Unlock()
	e.logger.Debug("bid accepted", "rfb_id", rfbID, "asset_id", assetID, "cost", cost)
	return bid, nil
}

// Award closes the auction and picks the cheapest qualifying bid. Repeated
// calls return the stored outcome.
func (e *Engine) Award(ctx context.Context, rfbID string) (model.Assignment, error) {
	a, err := e.lookup("dispatch.award", rfbID)
	if err != nil {
		return model.Assignment{}, err
	}
	a.mu.Lock()
	if a.rfb.Award != nil {
		outcome := *a.rfb.Award
		a.mu.Unlock()
		return outcome, nil
	}
	outcome := e.closeLocked(a)
	a.mu.Unlock()
	e.settle(ctx, outcome)
	return outcome, nil
}

func (e *Engine) expire(rfbID string) {
	if _, err := e.Award(context.Background(), rfbID); err != nil {
		e.logger.Warn("deadline award failed", "rfb_id", rfbID, "error", err)
	}
}

// closeLocked moves an open auction through closed to its terminal state.
// a.mu must be held.
func (e *Engine) closeLocked(a *auction) model.Assignment {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.rfb.Status = model.BidClosed
	outcome := model.Assignment{
		JobID:               a.rfb.JobID,
		RFBID:               a.rfb.RFBID,
		Requirements:        a.rfb.Requirements,
		CandidatesEvaluated: len(a.rfb.Bids),
		Timestamp:           e.clock.Now(),
	}
	best, qualifying, ok := bestBid(a.rfb.Requirements, a.rfb.Bids)
	switch {
	case ok:
		outcome.AssignedAsset = best.AssetID
		outcome.Cost = best.Cost
		outcome.Status = model.JobAssigned
		outcome.SelectionReason = fmt.Sprintf("Lowest bid cost (%.2f) among %d qualifying bids", best.Cost, qualifying)
		a.rfb.Status = model.BidAwarded
	case len(a.rfb.Bids) == 0:
		outcome.Status = model.JobFailed
		outcome.SelectionReason = "no bids received"
		a.rfb.Status = model.BidUnfulfilled
	default:
		outcome.Status = model.JobFailed
		outcome.SelectionReason = fmt.Sprintf("no qualifying bid among %d bids", len(a.rfb.Bids))
		a.rfb.Status = model.BidUnfulfilled
	}
	stored := outcome
	a.rfb.Award = &stored
	return outcome
}

// settle records a terminal auction outcome outside the auction lock.
func (e *Engine) settle(ctx context.Context, outcome model.Assignment) {
	e.finish(outcome)
	e.release(outcome.JobID)
	if outcome.Assigned() {
		e.announce(ctx, outcome)
	}
	e.logger.Info("request for bids settled",
		"rfb_id", outcome.RFBID,
		"job_id", outcome.JobID,
		"assigned_asset", outcome.AssignedAsset,
		"reason", outcome.SelectionReason,
	)
	if retention := e.config().AuctionRetention; retention > 0 {
		rfbID := outcome.RFBID
		e.clock.AfterFunc(retention, func() {
			e.mu.Lock()
			delete(e.auctions, rfbID)
			e.mu.Unlock()
		})
	}
}

// Get returns a snapshot of the request for bids.
func (e *Engine) Get(rfbID string) (model.BidRequest, error) {
	a, err := e.lookup("dispatch.get", rfbID)
	if err != nil {
		return model.BidRequest{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rfb := a.rfb
	rfb.Bids = append([]model.Bid(nil), a.rfb.Bids...)
	if a.rfb.Award != nil {
		award := *a.rfb.Award
		rfb.Award = &award
	}
	return rfb, nil
}

// Bids returns the bids accepted so far, in arrival order.
func (e *Engine) Bids(rfbID string) ([]model.Bid, error) {
	rfb, err := e.Get(rfbID)
	if err != nil {
		return nil, err
	}
	return rfb.Bids, nil
}

// Close stops every pending deadline timer. Open auctions stay open.
func (e *Engine) Close() {
	e.mu.Lock()
	open := make([]*auction, 0, len(e.auctions))
	for _, a := range e.auctions {
		open = append(open, a)
	}
	e.mu.Unlock()
	for _, a := range open {
		a.mu.Lock()
		if a.timer != nil {
			a.timer.Stop()
		}
		a.mu.Unlock()
	}
}
