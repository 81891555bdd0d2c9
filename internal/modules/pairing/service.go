package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/apperrors"
	"github.com/aristath/cellar/internal/cache"
	"github.com/aristath/cellar/internal/clients/anthropic"
	"github.com/aristath/cellar/internal/events"
)

// CandidateWine is an available wine joined with its vintage and stock.
type CandidateWine struct {
	WineID       string   `json:"wine_id"`
	VintageID    string   `json:"vintage_id"`
	Name         string   `json:"name"`
	Producer     string   `json:"producer"`
	Region       string   `json:"region"`
	WineType     string   `json:"wine_type"`
	Year         int      `json:"year"`
	Quantity     int      `json:"quantity"`
	QualityScore *float64 `json:"quality_score,omitempty"`
	TastingNotes string   `json:"tasting_notes,omitempty"`
}

// CandidateSource lists wines with stock on hand.
type CandidateSource interface {
	AvailableWines(ctx context.Context) ([]CandidateWine, error)
}

// WeightSource supplies learned scoring weights. Implementations return
// nil when not enough feedback exists yet.
type WeightSource interface {
	EnhancedPairingWeights(ctx context.Context) (Weights, error)
}

// AIScorer augments deterministic scores with model judgement.
type AIScorer interface {
	Enabled() bool
	ScorePairings(ctx context.Context, dish string, candidates []anthropic.Candidate) ([]anthropic.Score, error)
}

// SessionSink persists a pairing session, its recommendations and their
// explanations atomically, returning one recommendation id per entry.
type SessionSink interface {
	RecordPairingSession(ctx context.Context, record *SessionRecord) ([]string, error)
}

// SessionRecord is the atomic write handed to the learning store.
type SessionRecord struct {
	DishJSON        string
	ContextJSON     string
	PreferencesJSON string
	UserID          string
	Quick           bool
	Recommendations []Recommendation
	Explanations    []string
}

// Context carries occasion metadata for a pairing request.
type Context struct {
	Occasion        string `json:"occasion,omitempty"`
	SpecialOccasion bool   `json:"special_occasion,omitempty"`
	Season          string `json:"season,omitempty"`
	GuestCount      int    `json:"guest_count,omitempty"`
}

// Preferences are guest-level constraints.
type Preferences struct {
	PreferredTypes      []string `json:"preferred_types,omitempty"`
	AvoidedTypes        []string `json:"avoided_types,omitempty"`
	PreferredRegions    []string `json:"preferred_regions,omitempty"`
	DietaryRestrictions []string `json:"dietary_restrictions,omitempty"`
}

// Options tune a single request.
type Options struct {
	MaxRecommendations  int     `json:"max_recommendations,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	ForceAI             bool    `json:"force_ai,omitempty"`
	IncludeReasoning    bool    `json:"include_reasoning,omitempty"`
}

// Recommendation is one scored wine.
type Recommendation struct {
	ID         string    `json:"id,omitempty"`
	WineID     string    `json:"wine_id"`
	VintageID  string    `json:"vintage_id"`
	Name       string    `json:"name"`
	Producer   string    `json:"producer,omitempty"`
	Region     string    `json:"region,omitempty"`
	WineType   string    `json:"wine_type"`
	Year       int       `json:"year,omitempty"`
	SubScores  SubScores `json:"sub_scores"`
	TotalScore float64   `json:"total_score"`
	Confidence float64   `json:"confidence"`
	AIEnhanced bool      `json:"ai_enhanced"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Ordinal    int       `json:"ordinal"`
}

// Result is the full pairing response.
type Result struct {
	Recommendations []Recommendation `json:"recommendations"`
	Explanation     string           `json:"explanation"`
	Cached          bool             `json:"cached"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// TTL policy for cached pairings. Reductions compound by taking the
// minimum across applicable rules.
const (
	ttlDefault         = 24 * time.Hour
	ttlAIGenerated     = 12 * time.Hour
	ttlSpecialOccasion = 6 * time.Hour
	ttlManyDietary     = 4 * time.Hour
	ttlSeasonal        = 8 * time.Hour
)

// CacheTTL computes the lifetime of a cached pairing result.
func CacheTTL(aiEnhanced bool, reqCtx *Context, prefs *Preferences) time.Duration {
	ttl := ttlDefault
	if aiEnhanced && ttlAIGenerated < ttl {
		ttl = ttlAIGenerated
	}
	if reqCtx != nil && reqCtx.SpecialOccasion && ttlSpecialOccasion < ttl {
		ttl = ttlSpecialOccasion
	}
	if prefs != nil && len(prefs.DietaryRestrictions) >= 3 && ttlManyDietary < ttl {
		ttl = ttlManyDietary
	}
	if reqCtx != nil && reqCtx.Season != "" && ttlSeasonal < ttl {
		ttl = ttlSeasonal
	}
	return ttl
}

const (
	defaultMaxRecommendations = 5
	aiCandidateLimit          = 8
	quickCandidateLimit       = 12
)

// Service is the pairing engine.
type Service struct {
	candidates CandidateSource
	weights    WeightSource
	ai         AIScorer
	sink       SessionSink
	cache      *cache.Cache
	bus        *events.Bus
	disableAI  bool
	log        zerolog.Logger
	now        func() time.Time
}

// NewService creates the pairing engine. weights, ai, sink, cache and bus
// are all optional; the engine degrades to pure deterministic scoring.
func NewService(candidates CandidateSource, weights WeightSource, ai AIScorer, sink SessionSink, c *cache.Cache, bus *events.Bus, disableExternalCalls bool, log zerolog.Logger) *Service {
	return &Service{
		candidates: candidates,
		weights:    weights,
		ai:         ai,
		sink:       sink,
		cache:      c,
		bus:        bus,
		disableAI:  disableExternalCalls,
		log:        log.With().Str("service", "pairing").Logger(),
		now:        time.Now,
	}
}

// GeneratePairings runs the full pairing algorithm.
func (s *Service) GeneratePairings(ctx context.Context, dishInput *DishInput, reqCtx *Context, prefs *Preferences, opts *Options, userID string) (*Result, error) {
	return s.generate(ctx, dishInput, reqCtx, prefs, opts, userID, false)
}

// QuickPairing skips AI augmentation and uses a smaller candidate pool.
// Its cache entries are keyed separately from full pairings.
func (s *Service) QuickPairing(ctx context.Context, dishInput *DishInput, reqCtx *Context, prefs *Preferences, userID string) (*Result, error) {
	return s.generate(ctx, dishInput, reqCtx, prefs, &Options{}, userID, true)
}

func (s *Service) generate(ctx context.Context, dishInput *DishInput, reqCtx *Context, prefs *Preferences, opts *Options, userID string, quick bool) (*Result, error) {
	dish, err := dishInput.Resolve()
	if err != nil {
		return nil, err
	}
	if reqCtx == nil {
		reqCtx = &Context{}
	}
	if prefs == nil {
		prefs = &Preferences{}
	}
	if opts == nil {
		opts = &Options{}
	}

	key := s.cacheKey(dish, reqCtx, prefs, quick)
	if cached := s.cachedResult(key); cached != nil {
		return cached, nil
	}

	all, err := s.candidates.AvailableWines(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	pool := filterByPreferences(all, prefs)
	if quick && len(pool) > quickCandidateLimit {
		pool = pool[:quickCandidateLimit]
	}

	weights := s.resolveWeights(ctx)

	var recommendations []Recommendation
	for _, wine := range pool {
		wine := wine
		sub := scoreCandidate(dish, &wine)
		recommendations = append(recommendations, Recommendation{
			WineID:     wine.WineID,
			VintageID:  wine.VintageID,
			Name:       wine.Name,
			Producer:   wine.Producer,
			Region:     wine.Region,
			WineType:   wine.WineType,
			Year:       wine.Year,
			SubScores:  sub,
			TotalScore: sub.Composite(weights),
			Confidence: sub.Confidence(),
		})
	}

	aiEnhanced := false
	if !quick {
		enhanced, err := s.augmentWithAI(ctx, dish, recommendations, opts.ForceAI)
		if err != nil {
			return nil, err
		}
		aiEnhanced = enhanced
	} else if opts.ForceAI {
		return nil, apperrors.ErrAINotConfigured
	}

	sort.SliceStable(recommendations, func(i, j int) bool {
		return recommendations[i].TotalScore > recommendations[j].TotalScore
	})

	maxRecs := opts.MaxRecommendations
	if maxRecs <= 0 {
		maxRecs = defaultMaxRecommendations
	}
	var kept []Recommendation
	for _, rec := range recommendations {
		if rec.Confidence < opts.ConfidenceThreshold {
			continue
		}
		rec.Ordinal = len(kept) + 1
		kept = append(kept, rec)
		if len(kept) == maxRecs {
			break
		}
	}

	explanation := buildExplanation(dish, kept, aiEnhanced)
	if opts.IncludeReasoning || quick {
		for i := range kept {
			kept[i].Reasoning = reasoningFor(dish, &kept[i])
		}
	}

	s.recordSession(ctx, dish, reqCtx, prefs, userID, quick, kept)

	result := &Result{
		Recommendations: kept,
		Explanation:     explanation,
		Cached:          false,
		GeneratedAt:     s.now().UTC(),
	}

	// Empty results are cached too, so a dish with no matches does not
	// recompute on every request.
	if s.cache != nil {
		s.cache.Set(key, result, CacheTTL(aiEnhanced, reqCtx, prefs))
	}

	if s.bus != nil {
		s.bus.Publish(events.PairingSessionCreated, map[string]interface{}{
			"dish":            dish.Name,
			"recommendations": len(kept),
			"quick":           quick,
		})
	}

	return result, nil
}

// cacheKey canonicalizes the request into a stable fingerprint.
func (s *Service) cacheKey(dish *Dish, reqCtx *Context, prefs *Preferences, quick bool) string {
	dishToken := strings.Join([]string{
		strings.ToLower(dish.Name), dish.Cuisine, dish.Preparation, dish.Intensity,
		cache.CanonicalList(dish.DominantFlavors), dish.Texture, dish.Season,
	}, "|")
	ctxToken := fmt.Sprintf("%s|%t|%s|%d", strings.ToLower(reqCtx.Occasion), reqCtx.SpecialOccasion, strings.ToLower(reqCtx.Season), reqCtx.GuestCount)
	prefToken := strings.Join([]string{
		cache.CanonicalList(prefs.PreferredTypes),
		cache.CanonicalList(prefs.AvoidedTypes),
		cache.CanonicalList(prefs.PreferredRegions),
		cache.CanonicalList(prefs.DietaryRestrictions),
	}, "|")

	parts := []string{dishToken, ctxToken, prefToken}
	if quick {
		parts = append(parts, "quick:true")
	}
	return cache.Fingerprint("pairing", parts...)
}

// cachedResult returns a copy of the cached result flagged as cached. Cache
// errors are treated as misses.
func (s *Service) cachedResult(key string) *Result {
	if s.cache == nil {
		return nil
	}
	v, ok := s.cache.Get(key)
	if !ok {
		return nil
	}
	stored, ok := v.(*Result)
	if !ok {
		return nil
	}

	hit := *stored
	hit.Cached = true
	return &hit
}

func (s *Service) resolveWeights(ctx context.Context) Weights {
	if s.weights == nil {
		return DefaultWeights()
	}
	learned, err := s.weights.EnhancedPairingWeights(ctx)
	if err != nil || learned == nil {
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to load learned weights, using defaults")
		}
		return DefaultWeights()
	}
	return learned
}

// augmentWithAI merges model scores into the top candidates with equal
// weight. Provider failures degrade silently unless forceAI is set.
func (s *Service) augmentWithAI(ctx context.Context, dish *Dish, recs []Recommendation, forceAI bool) (bool, error) {
	configured := s.ai != nil && s.ai.Enabled()
	if !configured || s.disableAI {
		if forceAI {
			if s.disableAI && configured {
				return false, apperrors.ErrAIUnavailable
			}
			return false, apperrors.ErrAINotConfigured
		}
		return false, nil
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].TotalScore > recs[j].TotalScore })
	top := recs
	if len(top) > aiCandidateLimit {
		top = top[:aiCandidateLimit]
	}

	candidates := make([]anthropic.Candidate, 0, len(top))
	for _, rec := range top {
		candidates = append(candidates, anthropic.Candidate{
			WineID:   rec.WineID,
			Name:     rec.Name,
			Producer: rec.Producer,
			WineType: rec.WineType,
			Region:   rec.Region,
			Year:     rec.Year,
		})
	}

	scores, err := s.ai.ScorePairings(ctx, dish.Name, candidates)
	if err != nil {
		if forceAI {
			if errors.Is(err, apperrors.ErrAINotConfigured) {
				return false, apperrors.ErrAINotConfigured
			}
			return false, apperrors.ErrAIUnavailable
		}
		s.log.Warn().Err(err).Msg("AI augmentation failed, serving deterministic scores")
		return false, nil
	}

	byWine := make(map[string]float64, len(scores))
	for _, score := range scores {
		byWine[score.WineID] = score.Score / 100
	}
	for i := range recs {
		if aiScore, ok := byWine[recs[i].WineID]; ok {
			recs[i].TotalScore = (recs[i].TotalScore + aiScore) / 2
			recs[i].AIEnhanced = true
		}
	}
	return true, nil
}

func (s *Service) recordSession(ctx context.Context, dish *Dish, reqCtx *Context, prefs *Preferences, userID string, quick bool, recs []Recommendation) {
	if s.sink == nil || len(recs) == 0 {
		return
	}

	dishJSON, _ := json.Marshal(dish)
	ctxJSON, _ := json.Marshal(reqCtx)
	prefsJSON, _ := json.Marshal(prefs)

	explanations := make([]string, len(recs))
	for i, rec := range recs {
		explanations[i] = reasoningFor(dish, &rec)
	}

	ids, err := s.sink.RecordPairingSession(ctx, &SessionRecord{
		DishJSON:        string(dishJSON),
		ContextJSON:     string(ctxJSON),
		PreferencesJSON: string(prefsJSON),
		UserID:          userID,
		Quick:           quick,
		Recommendations: recs,
		Explanations:    explanations,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to record pairing session")
		return
	}
	for i := range recs {
		if i < len(ids) {
			recs[i].ID = ids[i]
		}
	}
}

// filterByPreferences removes avoided types and, when preferred regions are
// given, keeps only those regions.
func filterByPreferences(wines []CandidateWine, prefs *Preferences) []CandidateWine {
	avoided := make(map[string]bool, len(prefs.AvoidedTypes))
	for _, t := range prefs.AvoidedTypes {
		avoided[strings.ToLower(strings.TrimSpace(t))] = true
	}

	var preferredRegions []string
	for _, r := range prefs.PreferredRegions {
		preferredRegions = append(preferredRegions, strings.ToLower(strings.TrimSpace(r)))
	}

	var out []CandidateWine
	for _, w := range wines {
		if avoided[strings.ToLower(w.WineType)] {
			continue
		}
		if len(preferredRegions) > 0 {
			region := strings.ToLower(w.Region)
			match := false
			for _, r := range preferredRegions {
				if strings.Contains(region, r) {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, w)
	}
	return out
}

// buildExplanation summarizes the top factors in prose.
func buildExplanation(dish *Dish, recs []Recommendation, aiEnhanced bool) string {
	if len(recs) == 0 {
		return fmt.Sprintf("No suitable wines in the cellar for %s right now.", dish.Name)
	}

	top := recs[0]
	var b strings.Builder
	fmt.Fprintf(&b, "For %s, the strongest match is %s", dish.Name, top.Name)
	if top.Year > 0 {
		fmt.Fprintf(&b, " %d", top.Year)
	}
	fmt.Fprintf(&b, " (%s", strings.ToLower(top.WineType))
	if top.Region != "" {
		fmt.Fprintf(&b, " from %s", top.Region)
	}
	b.WriteString(")")

	best := bestFactor(top.SubScores)
	fmt.Fprintf(&b, ", led by %s.", strings.ReplaceAll(best, "_", " "))

	if len(recs) > 1 {
		fmt.Fprintf(&b, " %d alternatives follow in score order.", len(recs)-1)
	}
	if aiEnhanced {
		b.WriteString(" Scores include sommelier-model augmentation.")
	}
	return b.String()
}

func reasoningFor(dish *Dish, rec *Recommendation) string {
	best := bestFactor(rec.SubScores)
	return fmt.Sprintf("%s scores %.2f for %s, strongest on %s (confidence %.2f).",
		rec.Name, rec.TotalScore, dish.Name, strings.ReplaceAll(best, "_", " "), rec.Confidence)
}

func bestFactor(s SubScores) string {
	values := s.slice()
	bestIdx := 0
	for i, v := range values {
		if v > values[bestIdx] {
			bestIdx = i
		}
	}
	return FactorOrder[bestIdx]
}
