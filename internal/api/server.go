// Package api exposes assessment, capability, policy and dispatch
// operations over HTTP/JSON.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"adaptivx/internal/apperr"
	"adaptivx/internal/capview"
	"adaptivx/internal/config"
	"adaptivx/internal/dispatch"
	"adaptivx/internal/fusion"
	"adaptivx/internal/ingest"
	"adaptivx/internal/model"
	"adaptivx/internal/policy"
	"adaptivx/internal/twin"
)

// Deps are the components the server fronts. View and Ingest are optional.
type Deps struct {
	Config   *config.Manager
	Twin     *twin.Twin
	Fusion   *fusion.Engine
	Policy   *policy.Engine
	Dispatch *dispatch.Engine
	View     *capview.View
	Ingest   *ingest.Pipeline
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	Deps
	logger  *slog.Logger
	started time.Time
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Uptime     string        `json:"uptime"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path,omitempty"`
	Storage    string        `json:"storage"`
	Events     string        `json:"events"`
	Fusion     string        `json:"fusion_method"`
	Dispatch   dispatchInfo  `json:"dispatch"`
	Ingest     *ingest.Stats `json:"ingest,omitempty"`
}

type dispatchInfo struct {
	ProxyBidding      bool   `json:"proxy_bidding"`
	DefaultBidTimeout string `json:"default_bid_timeout"`
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Deps: d, logger: logger.With("component", "api"), started: time.Now().UTC()}
}

// Handler returns the routed handler with per-client rate limiting when
// api.rate_limit is set. The limiter's cleanup stops with ctx.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /assets", s.handleListAssets)
	mux.HandleFunc("POST /assets", s.handleRegister)
	mux.HandleFunc("GET /assets/{id}/health", s.handleHealth)
	mux.HandleFunc("GET /assets/{id}/capability", s.handleCapability)
	mux.HandleFunc("PATCH /assets/{id}/capability", s.handleOverride)
	mux.HandleFunc("POST /assets/{id}/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /assess", s.handleAssess)
	mux.HandleFunc("GET /policy/bands", s.handleBands)
	mux.HandleFunc("GET /audit", s.handleAudit)
	mux.HandleFunc("POST /dispatch", s.handleDispatch)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /candidates", s.handleCandidates)
	mux.HandleFunc("POST /bids", s.handleOpenBid)
	mux.HandleFunc("GET /bids/{id}", s.handleGetBid)
	mux.HandleFunc("GET /bids/{id}/bids", s.handleListBids)
	mux.HandleFunc("POST /bids/{id}/bids", s.handleSubmitBid)
	mux.HandleFunc("POST /bids/{id}/award", s.handleAward)
	mux.HandleFunc("GET /capabilities", s.handleCapabilities)
	if s.Ingest != nil {
		mux.Handle("POST /samples", s.Ingest.Handler())
		mux.HandleFunc("DELETE /assets/{id}/window", s.handleResetWindow)
	}

	var h http.Handler = mux
	if s.Config != nil {
		if api := s.Config.Get().API; api.RateLimit > 0 {
			h = newClientLimiter(ctx, api.RateLimit, api.RateBurst).middleware(h)
		}
	}
	return h
}

// Start serves the API until ctx is done. It returns nil when the API is
// disabled.
func Start(ctx context.Context, d Deps) *http.Server {
	s := NewServer(d)
	current := d.Config.Get().API
	if !current.Enabled {
		s.logger.Info("api disabled")
		return nil
	}
	s.logger.Info("api enabled", "addr", current.Addr)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "error", err)
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.Config.Get()
	now := time.Now().UTC()
	resp := statusResponse{
		Status:     "ok",
		Time:       now.Format(time.RFC3339Nano),
		Uptime:     now.Sub(s.started).Round(time.Second).String(),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Storage:    cfg.Storage.Driver,
		Events:     cfg.Events.Driver,
		Fusion:     fusion.Method(cfg.Fusion),
		Dispatch: dispatchInfo{
			ProxyBidding:      cfg.Dispatch.ProxyBidding,
			DefaultBidTimeout: cfg.Dispatch.DefaultBidTimeout.String(),
		},
	}
	if s.Ingest != nil {
		st := s.Ingest.Stats()
		resp.Ingest = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Twin.ListAssets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": ids, "count": len(ids)})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID string `json:"asset_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := strings.TrimSpace(req.AssetID)
	if id == "" || strings.ContainsAny(id, "/ ") {
		writeError(w, apperr.Invalid("api.register", "asset id %q is empty or contains '/' or spaces", req.AssetID))
		return
	}
	created, err := s.Twin.Register(r.Context(), id, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	rec, _, err := s.Twin.ReadCapability(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.logger.Info("asset registered", "asset_id", id)
	}
	writeJSON(w, status, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.Twin.ReadHealth(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.NotFound("api.health", "no health record for %q", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.Twin.ReadCapability(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.NotFound("api.capability", "asset %q is not registered", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		model.Tuple
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.Policy.Override(r.Context(), r.PathValue("id"), req.Tuple, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	rec, transitioned, err := s.Policy.Evaluate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"capability": rec, "transitioned": transitioned})
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	var req fusion.AssessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.Fusion.Assess(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bands": s.Policy.Bands(), "hysteresis": false})
}

func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Invalid("api.query", "limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries := s.Policy.Audit(r.URL.Query().Get("asset_id"), limit)
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

type jobRequest struct {
	JobID          string             `json:"job_id"`
	Requirements   model.Requirements `json:"requirements"`
	TimeoutSeconds float64            `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.Dispatch.Dispatch(r.Context(), req.JobID, req.Requirements)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs := s.Dispatch.History(limit)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := model.Requirements{Grade: model.GradeC}
	if g := q.Get("grade"); g != "" {
		grade, err := model.ParseGrade(g)
		if err != nil {
			writeError(w, apperr.Invalid("api.candidates", "%v", err))
			return
		}
		req.Grade = grade
	}
	if v := q.Get("assurance_required"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, apperr.Invalid("api.candidates", "assurance_required must be a boolean"))
			return
		}
		req.AssuranceRequired = b
	}
	candidates, err := s.Dispatch.Candidates(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates, "count": len(candidates)})
}

func (s *Server) handleOpenBid(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TimeoutSeconds < 0 {
		writeError(w, apperr.Invalid("api.open_bid", "timeout_seconds must be >= 0"))
		return
	}
	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	rfbID, err := s.Dispatch.OpenBid(r.Context(), req.JobID, req.Requirements, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	rfb, err := s.Dispatch.Get(rfbID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"rfb_id":        rfb.RFBID,
		"job_id":        rfb.JobID,
		"status":        rfb.Status,
		"deadline":      rfb.Deadline,
		"bids_received": len(rfb.Bids),
	})
}

func (s *Server) handleGetBid(w http.ResponseWriter, r *http.Request) {
	rfb, err := s.Dispatch.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rfb)
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.Dispatch.Bids(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": bids, "count": len(bids)})
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID string      `json:"asset_id"`
		Offered model.Tuple `json:"offered"`
		Cost    float64     `json:"cost"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	bid, err := s.Dispatch.SubmitBid(r.Context(), r.PathValue("id"), req.AssetID, req.Offered, req.Cost)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handleAward(w http.ResponseWriter, r *http.Request) {
	a, err := s.Dispatch.Award(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleResetWindow drops the buffered sensor window, typically after
// maintenance on the asset.
func (s *Server) handleResetWindow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.Ingest.Windows().Reset(id)
	s.logger.Info("sensor window reset", "asset_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if s.View == nil {
		writeError(w, apperr.NotFound("api.capabilities", "capability view disabled"))
		return
	}
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	entries := s.View.Snapshot(all)
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": entries, "count": len(entries)})
}
