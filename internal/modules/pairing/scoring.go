package pairing

import (
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Scoring factor names, in canonical order.
const (
	FactorStyle    = "style_match"
	FactorFlavor   = "flavor_harmony"
	FactorTexture  = "texture_balance"
	FactorRegion   = "regional_tradition"
	FactorSeasonal = "seasonal_appropriateness"
)

// FactorOrder is the canonical factor ordering used for weight vectors.
var FactorOrder = []string{FactorStyle, FactorFlavor, FactorTexture, FactorRegion, FactorSeasonal}

// Weights is a normalized weight vector over the scoring factors.
type Weights map[string]float64

// DefaultWeights sum to 1 and favor style and flavor.
func DefaultWeights() Weights {
	return Weights{
		FactorStyle:    0.30,
		FactorFlavor:   0.25,
		FactorTexture:  0.15,
		FactorRegion:   0.15,
		FactorSeasonal: 0.15,
	}
}

// SubScores holds the per-factor scores in [0, 1].
type SubScores struct {
	StyleMatch        float64 `json:"style_match"`
	FlavorHarmony     float64 `json:"flavor_harmony"`
	TextureBalance    float64 `json:"texture_balance"`
	RegionalTradition float64 `json:"regional_tradition"`
	Seasonal          float64 `json:"seasonal_appropriateness"`
}

func (s SubScores) slice() []float64 {
	return []float64{s.StyleMatch, s.FlavorHarmony, s.TextureBalance, s.RegionalTradition, s.Seasonal}
}

// Composite returns the weighted total in [0, 1].
func (s SubScores) Composite(w Weights) float64 {
	return s.StyleMatch*w[FactorStyle] +
		s.FlavorHarmony*w[FactorFlavor] +
		s.TextureBalance*w[FactorTexture] +
		s.RegionalTradition*w[FactorRegion] +
		s.Seasonal*w[FactorSeasonal]
}

// Confidence is 1 - variance of the sub-scores, clipped to [0, 1]. Agreeing
// factors mean a confident recommendation.
func (s SubScores) Confidence() float64 {
	v := stat.Variance(s.slice(), nil)
	c := 1 - v
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// scoreCandidate computes all five sub-scores for one wine against a dish.
// Pure and deterministic.
func scoreCandidate(dish *Dish, wine *CandidateWine) SubScores {
	return SubScores{
		StyleMatch:        scoreStyle(dish, wine),
		FlavorHarmony:     scoreFlavor(dish, wine),
		TextureBalance:    scoreTexture(dish, wine),
		RegionalTradition: scoreRegion(dish, wine),
		Seasonal:          scoreSeasonal(dish, wine),
	}
}

// intensityAffinity maps dish intensity to wine type suitability.
var intensityAffinity = map[string]map[string]float64{
	"light": {
		"White": 0.9, "Sparkling": 0.9, "Rosé": 0.8, "Red": 0.35, "Dessert": 0.4, "Fortified": 0.3, "Other": 0.5,
	},
	"medium": {
		"White": 0.7, "Sparkling": 0.6, "Rosé": 0.75, "Red": 0.7, "Dessert": 0.35, "Fortified": 0.4, "Other": 0.5,
	},
	"bold": {
		"Red": 0.95, "Fortified": 0.6, "Rosé": 0.45, "White": 0.35, "Sparkling": 0.3, "Dessert": 0.3, "Other": 0.5,
	},
	"heavy": {
		"Red": 0.9, "Fortified": 0.7, "Rosé": 0.4, "White": 0.3, "Sparkling": 0.25, "Dessert": 0.35, "Other": 0.5,
	},
}

func scoreStyle(dish *Dish, wine *CandidateWine) float64 {
	intensity := dish.Intensity
	if intensity == "" {
		intensity = "medium"
	}
	affinities, ok := intensityAffinity[intensity]
	if !ok {
		affinities = intensityAffinity["medium"]
	}
	score, ok := affinities[wine.WineType]
	if !ok {
		score = 0.5
	}

	// Preparation nudges: char and smoke favor structured reds, raw and
	// steamed favor crisp whites and bubbles.
	switch dish.Preparation {
	case "grilled", "smoked", "barbecued":
		if wine.WineType == "Red" {
			score += 0.05
		}
	case "raw", "steamed", "poached":
		if wine.WineType == "White" || wine.WineType == "Sparkling" {
			score += 0.05
		}
	}
	return clamp01(score)
}

var flavorAffinity = map[string]map[string]float64{
	"mushroom":  {"Red": 0.9, "White": 0.55},
	"truffle":   {"Red": 0.9, "White": 0.6},
	"tomato":    {"Red": 0.8, "Rosé": 0.7},
	"cream":     {"White": 0.85, "Sparkling": 0.7},
	"butter":    {"White": 0.85},
	"lemon":     {"White": 0.9, "Sparkling": 0.8},
	"citrus":    {"White": 0.9, "Sparkling": 0.8},
	"spicy":     {"White": 0.75, "Rosé": 0.75, "Red": 0.4},
	"chili":     {"White": 0.75, "Rosé": 0.75, "Red": 0.4},
	"smoke":     {"Red": 0.85, "Fortified": 0.6},
	"smoked":    {"Red": 0.85, "Fortified": 0.6},
	"chocolate": {"Fortified": 0.9, "Dessert": 0.85, "Red": 0.6},
	"caramel":   {"Dessert": 0.9, "Fortified": 0.8},
	"honey":     {"Dessert": 0.9, "White": 0.6},
	"berry":     {"Red": 0.75, "Rosé": 0.7},
	"soy":       {"Red": 0.6, "White": 0.6},
	"ginger":    {"White": 0.8, "Sparkling": 0.7},
}

func scoreFlavor(dish *Dish, wine *CandidateWine) float64 {
	if len(dish.DominantFlavors) == 0 {
		return 0.5
	}

	total := 0.0
	for _, f := range dish.DominantFlavors {
		if affinities, ok := flavorAffinity[f]; ok {
			if score, ok := affinities[wine.WineType]; ok {
				total += score
				continue
			}
		}
		total += 0.45
	}
	return clamp01(total / float64(len(dish.DominantFlavors)))
}

func scoreTexture(dish *Dish, wine *CandidateWine) float64 {
	switch dish.Texture {
	case "creamy", "rich":
		// Acidity and bubbles cut richness; big reds also hold up.
		switch wine.WineType {
		case "Sparkling":
			return 0.85
		case "White":
			return 0.8
		case "Red":
			return 0.65
		default:
			return 0.5
		}
	case "fatty":
		switch wine.WineType {
		case "Red":
			return 0.9
		case "Sparkling":
			return 0.8
		default:
			return 0.5
		}
	case "crisp", "delicate":
		switch wine.WineType {
		case "White", "Sparkling":
			return 0.85
		case "Rosé":
			return 0.75
		case "Red":
			return 0.35
		default:
			return 0.5
		}
	default:
		return 0.5
	}
}

// regionalTraditions pairs cuisines with their classic wine regions.
var regionalTraditions = map[string][]string{
	"italian":  {"tuscany", "piedmont", "veneto", "sicily"},
	"french":   {"burgundy", "bordeaux", "rhone", "loire", "alsace", "champagne"},
	"spanish":  {"rioja", "ribera", "priorat", "rias baixas"},
	"german":   {"mosel", "rheingau", "pfalz"},
	"greek":    {"santorini", "naoussa"},
	"japanese": {"champagne", "burgundy", "mosel"},
	"indian":   {"alsace", "mosel"},
	"mexican":  {"rioja", "mendoza"},
}

func scoreRegion(dish *Dish, wine *CandidateWine) float64 {
	if dish.Cuisine == "" {
		return 0.5
	}
	regions, ok := regionalTraditions[dish.Cuisine]
	if !ok {
		return 0.5
	}

	wineRegion := strings.ToLower(wine.Region)
	for _, r := range regions {
		if strings.Contains(wineRegion, r) {
			return 0.95
		}
	}
	return 0.4
}

func scoreSeasonal(dish *Dish, wine *CandidateWine) float64 {
	switch dish.Season {
	case "summer", "spring":
		switch wine.WineType {
		case "White", "Rosé", "Sparkling":
			return 0.85
		case "Red":
			return 0.45
		default:
			return 0.5
		}
	case "autumn", "winter":
		switch wine.WineType {
		case "Red", "Fortified":
			return 0.85
		case "White":
			return 0.55
		default:
			return 0.5
		}
	default:
		return 0.5
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
