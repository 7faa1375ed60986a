package embedding

import (
	"fmt"
	"strings"

	"github.com/smarties/backend/internal/domain"
)

// label prefixes that carry no meaning for similarity
var ingredientPrefixes = []string{"ingredients:", "contains:"}

// Preprocess normalizes text the same way the stored product embeddings were produced
func Preprocess(kind domain.EmbeddingKind, text string) (string, error) {
	var processed string
	switch kind {
	case domain.EmbedIngredients:
		processed = strings.ToLower(strings.TrimSpace(text))
		for _, prefix := range ingredientPrefixes {
			processed = strings.TrimSpace(strings.ReplaceAll(processed, prefix, ""))
		}
	case domain.EmbedProductName:
		processed = strings.ToLower(strings.TrimSpace(text))
	case domain.EmbedAllergens:
		processed = JoinAllergens(strings.Split(text, ","))
	default:
		return "", fmt.Errorf("%w: unknown embedding kind %q", domain.ErrValidation, kind)
	}

	if processed == "" {
		return "", fmt.Errorf("%w: %s text is empty", domain.ErrValidation, kind)
	}
	return processed, nil
}

// JoinAllergens renders an allergen list as embedding input ("milk, eggs")
func JoinAllergens(allergens []string) string {
	parts := make([]string, 0, len(allergens))
	for _, a := range allergens {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			parts = append(parts, a)
		}
	}
	return strings.Join(parts, ", ")
}
