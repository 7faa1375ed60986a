package mongostore

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/smarties/backend/internal/domain"
)

// productDocument is the stored shape of a product in the products collection
type productDocument struct {
	ID               primitive.ObjectID `bson:"_id,omitempty"`
	Code             string             `bson:"code"`
	ProductName      string             `bson:"product_name"`
	Brand            string             `bson:"brands,omitempty"`
	Ingredients      []string           `bson:"ingredients,omitempty"`
	IngredientsText  string             `bson:"ingredients_text,omitempty"`
	AllergensTags    []string           `bson:"allergens_tags,omitempty"`
	DietaryFlags     map[string]bool    `bson:"dietary_flags,omitempty"`
	DataQualityScore float64            `bson:"data_quality_score"`

	IngredientsEmbedding []float64 `bson:"ingredients_embedding,omitempty"`
	ProductNameEmbedding []float64 `bson:"product_name_embedding,omitempty"`
	AllergensEmbedding   []float64 `bson:"allergens_embedding,omitempty"`
}

// scoredDocument is a vector search hit with its similarity score
type scoredDocument struct {
	productDocument `bson:",inline"`
	Score           float64 `bson:"score"`
}

// toDomain maps a stored document to a product. Unknown dietary flags are dropped
// and a flag map without known keys stays nil.
func (d *productDocument) toDomain() *domain.Product {
	p := &domain.Product{
		Code:                 d.Code,
		Name:                 d.ProductName,
		Brand:                d.Brand,
		Ingredients:          d.Ingredients,
		AllergenTags:         normalizeTags(d.AllergensTags),
		DataQualityScore:     d.DataQualityScore,
		IngredientsEmbedding: toFloat32(d.IngredientsEmbedding),
		ProductNameEmbedding: toFloat32(d.ProductNameEmbedding),
		AllergensEmbedding:   toFloat32(d.AllergensEmbedding),
	}
	if !d.ID.IsZero() {
		p.ID = d.ID.Hex()
	}
	if len(p.Ingredients) == 0 && d.IngredientsText != "" {
		p.Ingredients = splitIngredients(d.IngredientsText)
	}

	for name, value := range d.DietaryFlags {
		t, err := domain.ParseRestrictionType(name)
		if err != nil {
			continue
		}
		if p.DietaryFlags == nil {
			p.DietaryFlags = make(domain.DietaryFlags)
		}
		p.DietaryFlags[t] = value
	}
	return p
}

// normalizeTags strips Open Food Facts language prefixes ("en:milk" -> "milk")
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if i := strings.IndexByte(tag, ':'); i >= 0 && i <= 3 {
			tag = tag[i+1:]
		}
		out = append(out, tag)
	}
	return domain.NormalizeAllergens(out)
}

func splitIngredients(text string) []string {
	var out []string
	start := 0
	depth := 0
	for i, r := range text {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			if depth > 0 {
				depth--
			}
		case ',', ';':
			if depth == 0 {
				out = appendTrimmed(out, text[start:i])
				start = i + 1
			}
		}
	}
	return appendTrimmed(out, text[start:])
}

func appendTrimmed(dst []string, s string) []string {
	if s = strings.Trim(s, " ."); s == "" {
		return dst
	}
	return append(dst, s)
}

func toFloat32(v []float64) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
