package model

import (
	"fmt"
	"strings"
	"time"
)

type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
)

// Rank orders grades by quality; higher is better. Unknown grades rank 0.
func (g Grade) Rank() int {
	switch g {
	case GradeA:
		return 3
	case GradeB:
		return 2
	case GradeC:
		return 1
	}
	return 0
}

// AtLeast reports whether g is the same or a better grade than required.
func (g Grade) AtLeast(required Grade) bool {
	return g.Rank() > 0 && g.Rank() >= required.Rank()
}

func ParseGrade(s string) (Grade, error) {
	g := Grade(strings.ToUpper(strings.TrimSpace(s)))
	if g.Rank() == 0 {
		return "", fmt.Errorf("unknown surface finish grade %q", s)
	}
	return g, nil
}

type AssuranceState string

const (
	AssuranceAssured      AssuranceState = "assured"
	AssuranceOffered      AssuranceState = "offered"
	AssuranceNotAvailable AssuranceState = "notAvailable"
)

// Rank orders assurance states by trust; higher is more trusted.
func (a AssuranceState) Rank() int {
	switch a {
	case AssuranceAssured:
		return 3
	case AssuranceOffered:
		return 2
	case AssuranceNotAvailable:
		return 1
	}
	return 0
}

func ParseAssurance(s string) (AssuranceState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "assured":
		return AssuranceAssured, nil
	case "offered":
		return AssuranceOffered, nil
	case "notavailable", "not_available":
		return AssuranceNotAvailable, nil
	}
	return "", fmt.Errorf("unknown assurance state %q", s)
}

type Pattern string

const (
	PatternNormal       Pattern = "normal"
	PatternMinorAnomaly Pattern = "minor_anomaly"
	PatternMajorAnomaly Pattern = "major_anomaly"
)

type Explanation struct {
	Rationale          string  `json:"rationale"`
	DetectedPattern    Pattern `json:"detected_pattern"`
	FusionMethod       string  `json:"fusion_method"`
	WeightAnomaly      float64 `json:"weight_anomaly"`
	WeightPhysics      float64 `json:"weight_physics"`
	ModelVersion       string  `json:"model_version,omitempty"`
	SimulationVersion  string  `json:"simulation_version,omitempty"`
	ConfidenceInterval string  `json:"confidence_interval"`
}

type HealthRecord struct {
	AssetID          string      `json:"asset_id"`
	HealthIndex      int         `json:"health_index"`
	HealthConfidence float64     `json:"health_confidence"`
	AnomalyScore     float64     `json:"anomaly_score"`
	PhysicsResidual  float64     `json:"physics_residual"`
	Explanation      Explanation `json:"explanation"`
	LastUpdate       time.Time   `json:"last_update"`
}

// Tuple is the routing-relevant part of a capability record.
type Tuple struct {
	Assurance         AssuranceState `json:"assurance_state"`
	Grade             Grade          `json:"surface_finish_grade"`
	EnergyCostPerPart float64        `json:"energy_cost_per_part"`
	ToleranceClass    string         `json:"tolerance_class,omitempty"`
}

func (t Tuple) String() string {
	return fmt.Sprintf("(%s,%s,%.2f)", t.Assurance, t.Grade, t.EnergyCostPerPart)
}

// TrustedAtLeast reports whether t is at least as trusted as other in both
// assurance and grade.
func (t Tuple) TrustedAtLeast(other Tuple) bool {
	return t.Assurance.Rank() >= other.Assurance.Rank() && t.Grade.Rank() >= other.Grade.Rank()
}

type CapabilityRecord struct {
	AssetID           string         `json:"asset_id"`
	Assurance         AssuranceState `json:"assurance_state"`
	Grade             Grade          `json:"surface_finish_grade"`
	ToleranceClass    string         `json:"tolerance_class"`
	EnergyCostPerPart float64        `json:"energy_cost_per_part"`
	EvidenceLinks     []string       `json:"evidence_links,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (c CapabilityRecord) Tuple() Tuple {
	return Tuple{
		Assurance:         c.Assurance,
		Grade:             c.Grade,
		EnergyCostPerPart: c.EnergyCostPerPart,
		ToleranceClass:    c.ToleranceClass,
	}
}

// DefaultCapability is the permissive state an asset is registered with.
func DefaultCapability(assetID string) CapabilityRecord {
	return CapabilityRecord{
		AssetID:           assetID,
		Assurance:         AssuranceAssured,
		Grade:             GradeA,
		ToleranceClass:    "±0.02mm",
		EnergyCostPerPart: 0.85,
	}
}

type AuditEntry struct {
	AssetID     string    `json:"asset_id"`
	Timestamp   time.Time `json:"timestamp"`
	Previous    Tuple     `json:"previous"`
	Next        Tuple     `json:"next"`
	HealthIndex int       `json:"health_index"`
	Rationale   string    `json:"rationale"`
	Manual      bool      `json:"manual,omitempty"`
}

// Requirements are what a job needs from an asset. ToleranceClass is
// evidence only: it is echoed on the assignment and never filters
// candidates.
type Requirements struct {
	Grade             Grade  `json:"surface_finish_grade"`
	AssuranceRequired bool   `json:"assurance_required"`
	ToleranceClass    string `json:"tolerance_class,omitempty"`
}

func (r Requirements) Validate() error {
	if r.Grade.Rank() == 0 {
		return fmt.Errorf("requirements: unknown surface finish grade %q", r.Grade)
	}
	return nil
}

// SatisfiedBy reports whether t meets r. When it does not, the reasons are
// listed in a fixed order: assurance first, then grade.
func (r Requirements) SatisfiedBy(t Tuple) (bool, []string) {
	var reasons []string
	if r.AssuranceRequired && t.Assurance != AssuranceAssured {
		reasons = append(reasons, fmt.Sprintf("assurance state %q is not assured", t.Assurance))
	}
	if !t.Grade.AtLeast(r.Grade) {
		reasons = append(reasons, fmt.Sprintf("surface grade %s below required %s", t.Grade, r.Grade))
	}
	return len(reasons) == 0, reasons
}

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobAssigned JobStatus = "assigned"
	JobFailed   JobStatus = "failed"
)

type Candidate struct {
	AssetID         string `json:"asset_id"`
	Tuple           Tuple  `json:"tuple"`
	HealthIndex     *int   `json:"health_index,omitempty"`
	Eligible        bool   `json:"eligible"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

type Assignment struct {
	JobID               string       `json:"job_id"`
	RFBID               string       `json:"rfb_id,omitempty"`
	Requirements        Requirements `json:"requirements"`
	AssignedAsset       string       `json:"assigned_asset,omitempty"`
	Cost                float64      `json:"cost,omitempty"`
	CandidatesEvaluated int          `json:"candidates_evaluated"`
	SelectionReason     string       `json:"selection_reason"`
	Status              JobStatus    `json:"status"`
	Candidates          []Candidate  `json:"candidates,omitempty"`
	Timestamp           time.Time    `json:"timestamp"`
}

func (a Assignment) Assigned() bool {
	return a.AssignedAsset != ""
}

type BidStatus string

const (
	BidOpen        BidStatus = "open"
	BidClosed      BidStatus = "closed"
	BidAwarded     BidStatus = "awarded"
	BidUnfulfilled BidStatus = "unfulfilled"
)

func (s BidStatus) Terminal() bool {
	return s == BidAwarded || s == BidUnfulfilled
}

type Bid struct {
	BidID           string    `json:"bid_id"`
	RFBID           string    `json:"rfb_id"`
	AssetID         string    `json:"asset_id"`
	Offered         Tuple     `json:"offered"`
	Cost            float64   `json:"cost"`
	LeadTimeMinutes int       `json:"lead_time_minutes,omitempty"`
	RiskScore       float64   `json:"risk_score,omitempty"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

type BidRequest struct {
	RFBID        string       `json:"rfb_id"`
	JobID        string       `json:"job_id"`
	Requirements Requirements `json:"requirements"`
	OpenedAt     time.Time    `json:"opened_at"`
	Deadline     time.Time    `json:"deadline"`
	Status       BidStatus    `json:"status"`
	Bids         []Bid        `json:"bids"`
	Award        *Assignment  `json:"award,omitempty"`
}

type OperatingConditions struct {
	Omega float64 `json:"omega"`
	Load  float64 `json:"load"`
}

// SensorWindow is a window of vibration RMS samples, oldest first.
type SensorWindow struct {
	VibRMS []float64 `json:"vib_rms"`
}

func (w SensorWindow) Latest() float64 {
	if len(w.VibRMS) == 0 {
		return 0
	}
	return w.VibRMS[len(w.VibRMS)-1]
}

type SensorSample struct {
	AssetID   string    `json:"asset_id"`
	Timestamp time.Time `json:"timestamp"`
	VibRMS    float64   `json:"vib_rms"`
	Omega     float64   `json:"omega"`
	Load      float64   `json:"load"`
	Wear      float64   `json:"wear"`
}
