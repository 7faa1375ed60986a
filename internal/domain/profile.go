package domain

import (
	"fmt"
	"strings"
)

// RestrictionType names a dietary rule
type RestrictionType string

const (
	RestrictionVegan      RestrictionType = "vegan"
	RestrictionVegetarian RestrictionType = "vegetarian"
	RestrictionKosher     RestrictionType = "kosher"
	RestrictionHalal      RestrictionType = "halal"
	RestrictionGlutenFree RestrictionType = "gluten_free"
	RestrictionOrganic    RestrictionType = "organic"
	RestrictionKeto       RestrictionType = "keto"
	RestrictionPaleo      RestrictionType = "paleo"
	RestrictionDairyFree  RestrictionType = "dairy_free"
	RestrictionNutFree    RestrictionType = "nut_free"
	RestrictionLowSodium  RestrictionType = "low_sodium"
	RestrictionDiabetic   RestrictionType = "diabetic"
)

// KnownRestrictionTypes lists every supported restriction in evaluation order
var KnownRestrictionTypes = []RestrictionType{
	RestrictionVegan,
	RestrictionVegetarian,
	RestrictionKosher,
	RestrictionHalal,
	RestrictionGlutenFree,
	RestrictionOrganic,
	RestrictionKeto,
	RestrictionPaleo,
	RestrictionDairyFree,
	RestrictionNutFree,
	RestrictionLowSodium,
	RestrictionDiabetic,
}

// IsKnown reports whether t is one of the supported restriction types
func (t RestrictionType) IsKnown() bool {
	for _, known := range KnownRestrictionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsCultural reports whether compliance depends on a religious certification
func (t RestrictionType) IsCultural() bool {
	return t == RestrictionKosher || t == RestrictionHalal
}

// Label returns a human readable name ("gluten free")
func (t RestrictionType) Label() string {
	return strings.ReplaceAll(string(t), "_", " ")
}

// ParseRestrictionType normalizes and validates a restriction name.
// Accepts "Gluten-Free", "gluten free" and "gluten_free".
func ParseRestrictionType(s string) (RestrictionType, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	t := RestrictionType(normalized)
	if !t.IsKnown() {
		return "", fmt.Errorf("%w: unknown restriction type %q", ErrValidation, s)
	}
	return t, nil
}

// Restriction is a dietary rule a user follows
type Restriction struct {
	Type     RestrictionType `json:"type"`
	Required bool            `json:"required"`
}

// DietaryProfile describes a consumer's allergens, restrictions and preferences
type DietaryProfile struct {
	Allergens    []string      `json:"allergens"`
	Restrictions []Restriction `json:"restrictions"`
	Preferences  []string      `json:"preferences,omitempty"`
	ScanHistory  []string      `json:"scanHistory,omitempty"`
}

// Validate normalizes allergen names and rejects unknown restriction types.
// Normalized slices are freshly allocated so copies of the profile can be validated concurrently.
func (p *DietaryProfile) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: profile is required", ErrValidation)
	}
	p.Allergens = NormalizeAllergens(p.Allergens)
	restrictions := make([]Restriction, 0, len(p.Restrictions))
	for _, r := range p.Restrictions {
		t, err := ParseRestrictionType(string(r.Type))
		if err != nil {
			return err
		}
		restrictions = append(restrictions, Restriction{Type: t, Required: r.Required})
	}
	p.Restrictions = restrictions
	return nil
}

// RestrictionTypes returns the types of the profile's restrictions
func (p *DietaryProfile) RestrictionTypes() []RestrictionType {
	types := make([]RestrictionType, 0, len(p.Restrictions))
	for _, r := range p.Restrictions {
		types = append(types, r.Type)
	}
	return types
}

// NormalizeAllergens lowercases, trims and de-duplicates allergen names, keeping order
func NormalizeAllergens(allergens []string) []string {
	seen := make(map[string]bool, len(allergens))
	out := make([]string, 0, len(allergens))
	for _, a := range allergens {
		name := strings.ToLower(strings.TrimSpace(a))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
