package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// EmbeddingDimension is the vector length produced by all-MiniLM-L6-v2
const EmbeddingDimension = 384

var productCodePattern = regexp.MustCompile(`^[0-9]{6,14}$`)

// Product is a food product as stored in the product database.
// It is read-only to the analysis core.
type Product struct {
	ID               string       `json:"id,omitempty"`
	Code             string       `json:"code"`
	Name             string       `json:"name"`
	Brand            string       `json:"brand,omitempty"`
	Ingredients      []string     `json:"ingredients"`
	AllergenTags     []string     `json:"allergenTags"`
	DietaryFlags     DietaryFlags `json:"dietaryFlags,omitempty"`
	DataQualityScore float64      `json:"dataQualityScore"`

	IngredientsEmbedding []float32 `json:"-"`
	ProductNameEmbedding []float32 `json:"-"`
	AllergensEmbedding   []float32 `json:"-"`
}

// DietaryFlags holds explicit per-restriction flags. A missing key means unknown.
type DietaryFlags map[RestrictionType]bool

// Lookup returns the flag value and whether it is known
func (f DietaryFlags) Lookup(t RestrictionType) (value bool, known bool) {
	if f == nil {
		return false, false
	}
	value, known = f[t]
	return value, known
}

// Identity returns the key used to deduplicate products: internal id preferred, code fallback
func (p *Product) Identity() string {
	if p.ID != "" {
		return "id:" + p.ID
	}
	return "code:" + p.Code
}

// SameAs reports whether both records describe the same product
func (p *Product) SameAs(other *Product) bool {
	if p == nil || other == nil {
		return false
	}
	if p.ID != "" && other.ID != "" {
		return p.ID == other.ID
	}
	return p.Code != "" && p.Code == other.Code
}

// IngredientText joins the ingredient list into a single lowercase string.
// Positions within this string are used by the cross-contamination scan.
func (p *Product) IngredientText() string {
	return strings.ToLower(strings.Join(p.Ingredients, ", "))
}

// SearchText returns name and ingredients as one lowercase string
func (p *Product) SearchText() string {
	parts := make([]string, 0, 2)
	if p.Name != "" {
		parts = append(parts, strings.ToLower(p.Name))
	}
	if text := p.IngredientText(); text != "" {
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

// ValidateProductCode checks that a UPC/EAN code is 6-14 digits
func ValidateProductCode(code string) error {
	if !productCodePattern.MatchString(code) {
		return fmt.Errorf("%w: product code %q must be 6-14 digits", ErrValidation, code)
	}
	return nil
}

// ValidateVector checks that a query vector has the expected dimensionality
func ValidateVector(vector []float32, dimension int) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: query vector is empty", ErrValidation)
	}
	if len(vector) != dimension {
		return fmt.Errorf("%w: query vector has %d dimensions, expected %d", ErrValidation, len(vector), dimension)
	}
	return nil
}
