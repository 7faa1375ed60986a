package usecase

import "github.com/smarties/backend/internal/domain"

// allergenAliases maps a canonical allergen to the ingredient terms that reveal it
var allergenAliases = map[string][]string{
	"milk": {
		"milk", "dairy", "casein", "caseinate", "whey", "lactose", "butter", "cream",
		"cheese", "yogurt", "ghee", "lactalbumin", "curd",
	},
	"eggs": {
		"egg", "albumin", "ovalbumin", "lysozyme", "mayonnaise", "meringue", "ovomucoid",
	},
	"peanuts": {
		"peanut", "groundnut", "arachis", "monkey nut",
	},
	"tree nuts": {
		"almond", "cashew", "walnut", "pecan", "pistachio", "hazelnut", "macadamia",
		"brazil nut", "pine nut", "praline",
	},
	"soy": {
		"soy", "soya", "soybean", "edamame", "tofu", "tempeh", "lecithin", "miso",
	},
	"wheat": {
		"wheat", "gluten", "semolina", "spelt", "durum", "farina", "bulgur", "seitan",
	},
	"fish": {
		"fish", "anchovy", "cod", "salmon", "tuna", "tilapia", "pollock", "fish sauce",
	},
	"shellfish": {
		"shellfish", "shrimp", "prawn", "crab", "lobster", "crayfish", "scallop", "clam",
		"mussel", "oyster",
	},
	"sesame": {
		"sesame", "tahini", "benne", "gingelly",
	},
	"gluten": {
		"gluten", "wheat", "barley", "rye", "malt", "spelt", "triticale",
	},
}

// canonicalAllergen maps common user spellings to alias table keys
var canonicalAllergen = map[string]string{
	"dairy":     "milk",
	"egg":       "eggs",
	"peanut":    "peanuts",
	"nuts":      "tree nuts",
	"tree nut":  "tree nuts",
	"soya":      "soy",
	"soybeans":  "soy",
	"crustacea": "shellfish",
}

// crossContaminationPhrases are label boilerplate indicating shared facilities
var crossContaminationPhrases = []string{
	"may contain",
	"processed in a facility",
	"processed in facility",
	"shared equipment",
	"manufactured in a facility",
	"produced in a facility",
	"traces of",
}

// prohibitedIngredients lists ingredients that violate each restriction
var prohibitedIngredients = map[domain.RestrictionType][]string{
	domain.RestrictionVegan: {
		"milk", "egg", "honey", "gelatin", "meat", "beef", "pork", "chicken", "fish",
		"butter", "cheese", "whey", "casein", "lard", "cream", "yogurt", "carmine",
		"shellac", "anchovy", "lactose",
	},
	domain.RestrictionVegetarian: {
		"meat", "beef", "pork", "chicken", "turkey", "fish", "gelatin", "lard", "anchovy",
		"rennet", "bacon", "ham", "shrimp", "crab",
	},
	domain.RestrictionKosher: {
		"pork", "bacon", "ham", "lard", "shellfish", "shrimp", "crab", "lobster",
	},
	domain.RestrictionHalal: {
		"pork", "bacon", "ham", "lard", "alcohol", "wine", "beer", "rum", "gelatin",
	},
	domain.RestrictionGlutenFree: {
		"wheat", "barley", "rye", "malt", "gluten", "spelt", "semolina", "triticale",
		"brewer's yeast",
	},
	domain.RestrictionOrganic: {
		"artificial", "synthetic", "high fructose corn syrup", "aspartame", "sucralose",
	},
	domain.RestrictionKeto: {
		"sugar", "corn syrup", "wheat", "rice", "potato", "maltodextrin", "dextrose",
		"flour", "oats",
	},
	domain.RestrictionPaleo: {
		"wheat", "rice", "oats", "corn", "soy", "peanut", "sugar", "milk", "beans",
		"lentils", "canola",
	},
	domain.RestrictionDairyFree: {
		"milk", "butter", "cheese", "cream", "whey", "casein", "lactose", "yogurt", "ghee",
	},
	domain.RestrictionNutFree: {
		"almond", "cashew", "walnut", "pecan", "pistachio", "hazelnut", "macadamia",
		"peanut",
	},
	domain.RestrictionLowSodium: {
		"salt", "sodium", "monosodium glutamate", "soy sauce", "brine",
	},
	domain.RestrictionDiabetic: {
		"sugar", "corn syrup", "high fructose corn syrup", "dextrose", "glucose syrup",
		"maltodextrin",
	},
}

// certificationKeywords identify certification claims in product text
var certificationKeywords = map[domain.RestrictionType][]string{
	domain.RestrictionKosher:     {"kosher", "ou certified", "pareve", "parve"},
	domain.RestrictionHalal:      {"halal", "zabiha"},
	domain.RestrictionOrganic:    {"organic", "usda organic", "certified organic"},
	domain.RestrictionVegan:      {"certified vegan", "plant-based", "vegan"},
	domain.RestrictionGlutenFree: {"gluten-free", "gluten free", "certified gluten-free"},
	domain.RestrictionVegetarian: {"vegetarian"},
	domain.RestrictionDairyFree:  {"dairy-free", "dairy free"},
	domain.RestrictionNutFree:    {"nut-free", "nut free", "peanut-free"},
}

// ingredientSubstitutions suggests alternatives for prohibited ingredients
var ingredientSubstitutions = map[string]string{
	"milk":    "almond milk",
	"butter":  "plant-based butter",
	"cheese":  "cashew cheese",
	"cream":   "coconut cream",
	"egg":     "flax egg",
	"honey":   "maple syrup",
	"gelatin": "agar",
	"wheat":   "rice flour",
	"sugar":   "stevia",
	"flour":   "almond flour",
	"yogurt":  "coconut yogurt",
	"salt":    "herb seasoning",
}

// aliasesFor returns the alias set for a user allergen. Unknown allergens match on
// their own name only.
func aliasesFor(allergen string) []string {
	key := allergen
	if canonical, ok := canonicalAllergen[allergen]; ok {
		key = canonical
	}
	if aliases, ok := allergenAliases[key]; ok {
		return aliases
	}
	return []string{allergen}
}

// allergenKey returns the canonical alias-table key for a user allergen
func allergenKey(allergen string) string {
	if canonical, ok := canonicalAllergen[allergen]; ok {
		return canonical
	}
	return allergen
}
