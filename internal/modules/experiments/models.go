// Package experiments implements A/B experimentation: experiment and
// variant CRUD, a sticky hash-based assigner, event ingestion and
// frequentist plus Bayesian analysis with guardrail checks.
package experiments

import "time"

// Experiment lifecycle states.
const (
	StatusDraft     = "draft"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusArchived  = "archived"
)

// Allocation units.
const (
	AllocationUser    = "user"
	AllocationSession = "session"
)

// Event types.
const (
	EventImpression = "impression"
	EventClick      = "click"
	EventConversion = "conversion"
	EventRating     = "rating"
)

// Experiment is one A/B test.
type Experiment struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	TargetMetric     string    `json:"target_metric"`
	GuardrailMetrics []string  `json:"guardrail_metrics"`
	AllocationUnit   string    `json:"allocation_unit"`
	StartDate        string    `json:"start_date,omitempty"`
	EndDate          string    `json:"end_date,omitempty"`
	WinnerVariantID  string    `json:"winner_variant_id,omitempty"`
	Conclusion       string    `json:"conclusion,omitempty"`
	Variants         []Variant `json:"variants,omitempty"`
	CreatedAt        string    `json:"created_at"`
	UpdatedAt        string    `json:"updated_at"`
}

// Variant is one arm of an experiment.
type Variant struct {
	ID            string  `json:"id"`
	ExperimentID  string  `json:"experiment_id"`
	Name          string  `json:"name"`
	IsControl     bool    `json:"is_control"`
	AllocationPct float64 `json:"allocation_pct"`
	ConfigJSON    string  `json:"config_json"`
}

// Assignment is the sticky unit-to-variant mapping.
type Assignment struct {
	ExperimentID string `json:"experiment_id"`
	UnitID       string `json:"unit_id"`
	VariantID    string `json:"variant_id"`
	AssignedAt   string `json:"assigned_at"`
}

// Event is one observation attributed to a variant.
type Event struct {
	ExperimentID string     `json:"experiment_id"`
	VariantID    string     `json:"variant_id"`
	UserID       string     `json:"user_id,omitempty"`
	EventType    string     `json:"event_type"`
	Value        float64    `json:"value"`
	ContextJSON  string     `json:"context_json,omitempty"`
	OccurredAt   *time.Time `json:"occurred_at,omitempty"`
}

// Analysis types.
const (
	AnalysisFrequentist = "frequentist"
	AnalysisBayesian    = "bayesian"
	AnalysisBoth        = "both"
)

// Recommendations an analysis can reach.
const (
	RecommendShip         = "ship"
	RecommendRollback     = "rollback"
	RecommendContinue     = "continue"
	RecommendInconclusive = "inconclusive"
)

// AnalysisRequest configures one analysis run.
type AnalysisRequest struct {
	MetricName        string  `json:"metric_name"`
	AnalysisType      string  `json:"analysis_type"`
	ConfidenceLevel   float64 `json:"confidence_level"`
	MinimumSampleSize int     `json:"minimum_sample_size"`
}

// VariantStats summarizes one variant's observations for a metric.
type VariantStats struct {
	VariantID   string  `json:"variant_id"`
	VariantName string  `json:"variant_name"`
	IsControl   bool    `json:"is_control"`
	SampleSize  int     `json:"sample_size"`
	Successes   int     `json:"successes,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	Mean        float64 `json:"mean,omitempty"`
	Variance    float64 `json:"variance,omitempty"`
}

// FrequentistResult is the classical comparison of test against control.
type FrequentistResult struct {
	TestStatistic float64 `json:"test_statistic"`
	PValue        float64 `json:"p_value"`
	EffectSize    float64 `json:"effect_size"`
	RelativeLift  float64 `json:"relative_lift"`
	Significant   bool    `json:"significant"`
}

// BayesianResult reports the posterior comparison.
type BayesianResult struct {
	ProbTestBeatsControl float64 `json:"prob_test_beats_control"`
	ExpectedLift         float64 `json:"expected_lift"`
}

// GuardrailResult is one guardrail evaluation.
type GuardrailResult struct {
	MetricName   string  `json:"metric_name"`
	ControlValue float64 `json:"control_value"`
	TestValue    float64 `json:"test_value"`
	RelativeDrop float64 `json:"relative_drop"`
	IsViolated   bool    `json:"is_violated"`
}

// AnalysisResult is the full output of one analysis run.
type AnalysisResult struct {
	ExperimentID   string             `json:"experiment_id"`
	MetricName     string             `json:"metric_name"`
	AnalysisType   string             `json:"analysis_type"`
	Control        VariantStats       `json:"control"`
	Test           VariantStats       `json:"test"`
	Frequentist    *FrequentistResult `json:"frequentist,omitempty"`
	Bayesian       *BayesianResult    `json:"bayesian,omitempty"`
	Guardrails     []GuardrailResult  `json:"guardrails,omitempty"`
	Recommendation string             `json:"recommendation"`
	Reason         string             `json:"reason"`
	AnalyzedAt     time.Time          `json:"analyzed_at"`
}
