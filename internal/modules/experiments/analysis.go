package experiments

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/aristath/cellar/internal/apperrors"
)

// Metric kinds. Rate metrics compare successes over impressions; continuous
// metrics compare the mean event value.
const (
	metricKindRate       = "rate"
	metricKindContinuous = "continuous"
)

// guardrailMargin is the relative drop a test variant may show on a
// guardrail metric before it counts as a violation.
const guardrailMargin = 0.02

func metricKind(metricName string) (kind, eventType string, err error) {
	switch metricName {
	case "conversion", "conversion_rate":
		return metricKindRate, EventConversion, nil
	case "click", "click_through_rate":
		return metricKindRate, EventClick, nil
	case "rating", "avg_rating":
		return metricKindContinuous, EventRating, nil
	default:
		return "", "", apperrors.Validation("unknown metric: %s", metricName)
	}
}

// Analyze compares the first test arm against the control on the requested
// metric and stores the result.
func (s *Service) Analyze(ctx context.Context, experimentID string, req *AnalysisRequest) (*AnalysisResult, error) {
	if req.AnalysisType == "" {
		req.AnalysisType = AnalysisBoth
	}
	if req.AnalysisType != AnalysisFrequentist && req.AnalysisType != AnalysisBayesian && req.AnalysisType != AnalysisBoth {
		return nil, apperrors.Validation("unknown analysis type: %s", req.AnalysisType)
	}
	if req.ConfidenceLevel <= 0 || req.ConfidenceLevel >= 1 {
		req.ConfidenceLevel = 0.95
	}

	kind, _, err := metricKind(req.MetricName)
	if err != nil {
		return nil, err
	}

	exp, err := s.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	var control, test *Variant
	for i := range exp.Variants {
		v := &exp.Variants[i]
		if v.IsControl {
			control = v
		} else if test == nil {
			test = v
		}
	}
	if control == nil || test == nil {
		return nil, apperrors.Validation("experiment needs a control and a test variant")
	}

	controlStats, err := s.variantStats(ctx, experimentID, control, req.MetricName)
	if err != nil {
		return nil, err
	}
	testStats, err := s.variantStats(ctx, experimentID, test, req.MetricName)
	if err != nil {
		return nil, err
	}

	result := &AnalysisResult{
		ExperimentID: experimentID,
		MetricName:   req.MetricName,
		AnalysisType: req.AnalysisType,
		Control:      *controlStats,
		Test:         *testStats,
		AnalyzedAt:   time.Now().UTC(),
	}

	if req.AnalysisType == AnalysisFrequentist || req.AnalysisType == AnalysisBoth {
		result.Frequentist = compareFrequentist(kind, controlStats, testStats, req.ConfidenceLevel)
	}
	if req.AnalysisType == AnalysisBayesian || req.AnalysisType == AnalysisBoth {
		result.Bayesian = compareBayesian(kind, controlStats, testStats)
	}

	for _, metric := range exp.GuardrailMetrics {
		guardrail, err := s.evaluateGuardrail(ctx, experimentID, control, test, metric)
		if err != nil {
			return nil, err
		}
		result.Guardrails = append(result.Guardrails, *guardrail)
	}

	result.Recommendation, result.Reason = recommend(result, req.MinimumSampleSize)

	if err := s.storeAnalysis(ctx, result); err != nil {
		s.log.Warn().Err(err).Str("experiment_id", experimentID).Msg("Failed to store analysis result")
	}
	return result, nil
}

// variantStats aggregates observations for one arm.
func (s *Service) variantStats(ctx context.Context, experimentID string, v *Variant, metricName string) (*VariantStats, error) {
	kind, eventType, err := metricKind(metricName)
	if err != nil {
		return nil, err
	}

	stats := &VariantStats{VariantID: v.ID, VariantName: v.Name, IsControl: v.IsControl}

	if kind == metricKindRate {
		err := s.db.QueryRowContext(ctx, `
			SELECT
				COUNT(CASE WHEN event_type = ? THEN 1 END),
				COUNT(CASE WHEN event_type = ? THEN 1 END)
			FROM experiment_events WHERE experiment_id = ? AND variant_id = ?`,
			EventImpression, eventType, experimentID, v.ID).Scan(&stats.SampleSize, &stats.Successes)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate rate metric: %w", err)
		}
		if stats.SampleSize > 0 {
			stats.Rate = float64(stats.Successes) / float64(stats.SampleSize)
		}
		return stats, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM experiment_events
		WHERE experiment_id = ? AND variant_id = ? AND event_type = ?`,
		experimentID, v.ID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric values: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var value float64
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan metric value: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.SampleSize = len(values)
	if len(values) > 0 {
		stats.Mean = stat.Mean(values, nil)
	}
	if len(values) > 1 {
		stats.Variance = stat.Variance(values, nil)
	}
	return stats, nil
}

func compareFrequentist(kind string, control, test *VariantStats, confidenceLevel float64) *FrequentistResult {
	alpha := 1 - confidenceLevel

	if kind == metricKindRate {
		z, p := twoProportionZ(control.Successes, control.SampleSize, test.Successes, test.SampleSize)
		lift := 0.0
		if control.Rate > 0 {
			lift = (test.Rate - control.Rate) / control.Rate
		}
		return &FrequentistResult{
			TestStatistic: z,
			PValue:        p,
			EffectSize:    test.Rate - control.Rate,
			RelativeLift:  lift,
			Significant:   p < alpha,
		}
	}

	t, p := welchT(control.Mean, control.Variance, control.SampleSize, test.Mean, test.Variance, test.SampleSize)
	lift := 0.0
	if control.Mean != 0 {
		lift = (test.Mean - control.Mean) / math.Abs(control.Mean)
	}
	return &FrequentistResult{
		TestStatistic: t,
		PValue:        p,
		EffectSize:    cohensD(control, test),
		RelativeLift:  lift,
		Significant:   p < alpha,
	}
}

// compareBayesian uses conjugate posteriors with a normal approximation for
// P(test > control).
func compareBayesian(kind string, control, test *VariantStats) *BayesianResult {
	var muC, varC, muT, varT float64

	if kind == metricKindRate {
		muC, varC = betaPosteriorMoments(control.Successes, control.SampleSize)
		muT, varT = betaPosteriorMoments(test.Successes, test.SampleSize)
	} else {
		muC, varC = normalPosteriorMoments(control.Mean, control.Variance, control.SampleSize)
		muT, varT = normalPosteriorMoments(test.Mean, test.Variance, test.SampleSize)
	}

	diffSD := math.Sqrt(varC + varT)
	prob := 0.5
	if diffSD > 0 {
		prob = distuv.UnitNormal.CDF((muT - muC) / diffSD)
	} else if muT != muC {
		if muT > muC {
			prob = 1
		} else {
			prob = 0
		}
	}

	lift := 0.0
	if muC != 0 {
		lift = (muT - muC) / math.Abs(muC)
	}
	return &BayesianResult{ProbTestBeatsControl: prob, ExpectedLift: lift}
}

// betaPosteriorMoments returns the mean and variance of Beta(1+s, 1+f).
func betaPosteriorMoments(successes, trials int) (float64, float64) {
	a := 1 + float64(successes)
	b := 1 + float64(trials-successes)
	mean := a / (a + b)
	variance := a * b / ((a + b) * (a + b) * (a + b + 1))
	return mean, variance
}

// normalPosteriorMoments treats the sample mean as the posterior mean with
// standard error variance.
func normalPosteriorMoments(mean, variance float64, n int) (float64, float64) {
	if n < 1 {
		return mean, 1
	}
	return mean, variance / float64(n)
}

func (s *Service) evaluateGuardrail(ctx context.Context, experimentID string, control, test *Variant, metricName string) (*GuardrailResult, error) {
	kind, _, err := metricKind(metricName)
	if err != nil {
		return nil, err
	}

	controlStats, err := s.variantStats(ctx, experimentID, control, metricName)
	if err != nil {
		return nil, err
	}
	testStats, err := s.variantStats(ctx, experimentID, test, metricName)
	if err != nil {
		return nil, err
	}

	controlValue := controlStats.Rate
	testValue := testStats.Rate
	if kind == metricKindContinuous {
		controlValue = controlStats.Mean
		testValue = testStats.Mean
	}

	drop := 0.0
	if controlValue > 0 {
		drop = (controlValue - testValue) / controlValue
	}
	return &GuardrailResult{
		MetricName:   metricName,
		ControlValue: controlValue,
		TestValue:    testValue,
		RelativeDrop: drop,
		IsViolated:   drop > guardrailMargin,
	}, nil
}

func recommend(result *AnalysisResult, minimumSampleSize int) (string, string) {
	violated := false
	for _, g := range result.Guardrails {
		if g.IsViolated {
			violated = true
			break
		}
	}

	if result.Control.SampleSize < minimumSampleSize || result.Test.SampleSize < minimumSampleSize {
		return RecommendContinue, fmt.Sprintf(
			"underpowered: control n=%d, test n=%d, minimum n=%d",
			result.Control.SampleSize, result.Test.SampleSize, minimumSampleSize)
	}

	positive := result.Test.Rate > result.Control.Rate || result.Test.Mean > result.Control.Mean
	significant := result.Frequentist != nil && result.Frequentist.Significant
	if !significant && result.Bayesian != nil {
		significant = result.Bayesian.ProbTestBeatsControl >= 0.95 || result.Bayesian.ProbTestBeatsControl <= 0.05
		positive = result.Bayesian.ProbTestBeatsControl >= 0.95
	}

	switch {
	case violated:
		return RecommendRollback, "guardrail metric violated"
	case significant && positive:
		return RecommendShip, "significant positive effect with healthy guardrails"
	case significant && !positive:
		return RecommendRollback, "significant negative effect"
	default:
		return RecommendInconclusive, "no significant difference detected"
	}
}

func (s *Service) storeAnalysis(ctx context.Context, result *AnalysisResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiment_analysis (experiment_id, metric_name, analysis_type, result_json)
		VALUES (?, ?, ?, ?)`,
		result.ExperimentID, result.MetricName, result.AnalysisType, string(payload))
	if err != nil {
		return fmt.Errorf("failed to store analysis: %w", err)
	}
	return nil
}

// AnalysisHistory returns stored analyses for an experiment, newest first.
func (s *Service) AnalysisHistory(ctx context.Context, experimentID string) ([]AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT result_json FROM experiment_analysis
		WHERE experiment_id = ? ORDER BY id DESC`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	var out []AnalysisResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		var result AnalysisResult
		if err := json.Unmarshal([]byte(payload), &result); err != nil {
			return nil, fmt.Errorf("failed to decode analysis: %w", err)
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

// welchT runs Welch's unequal-variance t-test and returns the statistic and
// the two-sided p-value.
func welchT(m1, v1 float64, n1 int, m2, v2 float64, n2 int) (float64, float64) {
	if n1 < 2 || n2 < 2 {
		return 0, 1
	}
	se1 := v1 / float64(n1)
	se2 := v2 / float64(n2)
	se := math.Sqrt(se1 + se2)
	if se == 0 {
		return 0, 1
	}

	t := (m2 - m1) / se
	df := (se1 + se2) * (se1 + se2) /
		(se1*se1/float64(n1-1) + se2*se2/float64(n2-1))
	if df < 1 {
		df = 1
	}

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * dist.CDF(-math.Abs(t))
	return t, p
}

// twoProportionZ runs the pooled two-proportion z-test.
func twoProportionZ(s1, n1, s2, n2 int) (float64, float64) {
	if n1 == 0 || n2 == 0 {
		return 0, 1
	}
	p1 := float64(s1) / float64(n1)
	p2 := float64(s2) / float64(n2)
	pooled := float64(s1+s2) / float64(n1+n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 0, 1
	}

	z := (p2 - p1) / se
	p := 2 * distuv.UnitNormal.CDF(-math.Abs(z))
	return z, p
}

// cohensD is the standardized mean difference with a pooled deviation.
func cohensD(control, test *VariantStats) float64 {
	n1, n2 := float64(control.SampleSize), float64(test.SampleSize)
	if n1 < 2 || n2 < 2 {
		return 0
	}
	pooled := math.Sqrt(((n1-1)*control.Variance + (n2-1)*test.Variance) / (n1 + n2 - 2))
	if pooled == 0 {
		return 0
	}
	return (test.Mean - control.Mean) / pooled
}

