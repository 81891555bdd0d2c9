package vintage

import "strings"

// regionAliases maps known alternate spellings to a canonical token.
var regionAliases = map[string]string{
	"burgundy":         "burgundy",
	"bourgogne":        "burgundy",
	"bordeaux":         "bordeaux",
	"napa":             "napa",
	"napa valley":      "napa",
	"rhone":            "rhone",
	"rhône":            "rhone",
	"cotes du rhone":   "rhone",
	"côtes du rhône":   "rhone",
	"tuscany":          "tuscany",
	"toscana":          "tuscany",
	"piedmont":         "piedmont",
	"piemonte":         "piedmont",
	"champagne":        "champagne",
	"mosel":            "mosel",
	"rioja":            "rioja",
	"barossa":          "barossa",
	"barossa valley":   "barossa",
	"willamette":       "willamette",
	"marlborough":      "marlborough",
	"stellenbosch":     "stellenbosch",
	"mendoza":          "mendoza",
	"douro":            "douro",
	"loire":            "loire",
	"loire valley":     "loire",
	"alsace":           "alsace",
	"chianti":          "tuscany",
	"chianti classico": "tuscany",
}

// NormalizeRegion canonicalizes a region name. Unknown regions pass through
// lowercased and trimmed.
func NormalizeRegion(region string) string {
	token := strings.ToLower(strings.TrimSpace(region))
	if canonical, ok := regionAliases[token]; ok {
		return canonical
	}
	return token
}
