// Package pairing implements the wine pairing engine: deterministic
// five-factor scoring over available inventory, optional AI augmentation,
// learned weight blending and fingerprint caching.
package pairing

import (
	"encoding/json"
	"strings"

	"github.com/aristath/cellar/internal/apperrors"
)

// Dish is the structured form every pairing works from. Free-text dishes
// are parsed into it heuristically.
type Dish struct {
	Name            string   `json:"name"`
	Cuisine         string   `json:"cuisine,omitempty"`
	Preparation     string   `json:"preparation,omitempty"`
	Intensity       string   `json:"intensity,omitempty"` // light, medium, bold, heavy
	DominantFlavors []string `json:"dominant_flavors,omitempty"`
	Texture         string   `json:"texture,omitempty"` // delicate, crisp, rich, creamy, fatty
	Season          string   `json:"season,omitempty"`
}

// DishInput accepts either a free-text string or a structured object.
type DishInput struct {
	Text   string `json:"-"`
	Object *Dish  `json:"-"`
}

// UnmarshalJSON lets callers send "dish" as a string or an object.
func (d *DishInput) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		d.Text = text
		return nil
	}
	var obj Dish
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	d.Object = &obj
	return nil
}

// Resolve validates the input and returns the normalized structured dish.
func (d *DishInput) Resolve() (*Dish, error) {
	if d.Object != nil {
		dish := *d.Object
		dish.Name = strings.TrimSpace(dish.Name)
		if dish.Name == "" {
			return nil, apperrors.ErrDishRequired
		}
		normalizeDish(&dish)
		return &dish, nil
	}

	text := strings.TrimSpace(d.Text)
	if text == "" {
		return nil, apperrors.ErrDishRequired
	}
	return ParseDish(text), nil
}

var cuisineHints = map[string]string{
	"pasta": "italian", "risotto": "italian", "pizza": "italian", "osso": "italian",
	"coq": "french", "confit": "french", "bourguignon": "french", "ratatouille": "french",
	"paella": "spanish", "tapas": "spanish",
	"curry": "indian", "tandoori": "indian", "masala": "indian",
	"sushi": "japanese", "ramen": "japanese", "teriyaki": "japanese",
	"taco": "mexican", "mole": "mexican",
	"stir-fry": "chinese", "dumpling": "chinese",
	"schnitzel": "german", "sauerbraten": "german",
	"moussaka": "greek", "souvlaki": "greek",
}

var flavorKeywords = []string{
	"garlic", "lemon", "citrus", "butter", "cream", "tomato", "mushroom",
	"truffle", "smoke", "smoked", "spicy", "chili", "herb", "rosemary",
	"thyme", "ginger", "soy", "honey", "caramel", "chocolate", "berry",
	"apple", "vanilla", "pepper", "olive", "caper", "anchovy", "miso",
}

// ParseDish converts free text into the structured form. The parse is
// heuristic but deterministic: the same text always yields the same dish.
func ParseDish(text string) *Dish {
	dish := &Dish{Name: strings.TrimSpace(text)}
	lower := strings.ToLower(dish.Name)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == ',' || r == '-'
	})

	for _, w := range words {
		if c, ok := cuisineHints[w]; ok && dish.Cuisine == "" {
			dish.Cuisine = c
		}
	}

	for _, prep := range []string{"grilled", "roasted", "braised", "fried", "steamed", "poached", "seared", "smoked", "raw", "baked", "stewed"} {
		if strings.Contains(lower, prep) {
			dish.Preparation = prep
			break
		}
	}

	for _, f := range flavorKeywords {
		if strings.Contains(lower, f) {
			dish.DominantFlavors = append(dish.DominantFlavors, f)
		}
	}

	dish.Intensity = inferIntensity(lower, dish.Preparation)
	dish.Texture = inferTexture(lower)
	dish.Season = inferSeason(lower)

	normalizeDish(dish)
	return dish
}

func inferIntensity(lower, preparation string) string {
	switch {
	case containsAny(lower, "beef", "lamb", "venison", "game", "short rib", "oxtail", "sausage"):
		return "bold"
	case containsAny(lower, "braised", "stew", "barbecue", "bbq", "cassoulet"):
		return "heavy"
	case containsAny(lower, "oyster", "ceviche", "salad", "crudo", "sashimi", "sorbet"):
		return "light"
	case preparation == "grilled" || preparation == "roasted" || preparation == "seared":
		return "medium"
	default:
		return "medium"
	}
}

func inferTexture(lower string) string {
	switch {
	case containsAny(lower, "cream", "butter", "cheese", "alfredo", "carbonara", "brie"):
		return "creamy"
	case containsAny(lower, "pork belly", "duck", "foie", "bacon", "ribeye", "confit"):
		return "fatty"
	case containsAny(lower, "braised", "stew", "risotto", "gratin"):
		return "rich"
	case containsAny(lower, "salad", "ceviche", "crudo", "slaw", "pickle"):
		return "crisp"
	case containsAny(lower, "sole", "flounder", "scallop", "oyster", "tofu"):
		return "delicate"
	default:
		return ""
	}
}

func inferSeason(lower string) string {
	switch {
	case containsAny(lower, "asparagus", "pea", "spring"):
		return "spring"
	case containsAny(lower, "gazpacho", "bbq", "barbecue", "grilled peach", "summer"):
		return "summer"
	case containsAny(lower, "pumpkin", "squash", "mushroom", "truffle", "autumn", "fall"):
		return "autumn"
	case containsAny(lower, "stew", "braised", "roast", "cassoulet", "winter"):
		return "winter"
	default:
		return ""
	}
}

func normalizeDish(d *Dish) {
	d.Cuisine = strings.ToLower(strings.TrimSpace(d.Cuisine))
	d.Preparation = strings.ToLower(strings.TrimSpace(d.Preparation))
	d.Intensity = strings.ToLower(strings.TrimSpace(d.Intensity))
	d.Texture = strings.ToLower(strings.TrimSpace(d.Texture))
	d.Season = strings.ToLower(strings.TrimSpace(d.Season))
	for i, f := range d.DominantFlavors {
		d.DominantFlavors[i] = strings.ToLower(strings.TrimSpace(f))
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
