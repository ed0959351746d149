package query

import (
	"regexp"
	"strings"

	"emr-query-engine/pkg/types"
)

// Weight assigned to the original query; synonym variants get 1.0
const originalQueryWeight = 2.0

// Per-term boosts for keyword search. Terms from the original query carry
// full weight; terms introduced only by synonym expansion count less.
const (
	originalTermBoost = 1.0
	synonymTermBoost  = 0.8
)

// QueryVariant is one weighted expansion of the original query
type QueryVariant struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

// WeightedTerm is one keyword search term with its boost
type WeightedTerm struct {
	Term  string  `json:"term"`
	Boost float64 `json:"boost"`
}

// Expander generates weighted query variants by substituting clinical
// synonyms and normalized entity forms into the original text.
type Expander struct {
	synonyms  map[string][]string
	tokenizer *regexp.Regexp
	stopWords map[string]bool
}

// NewExpander builds the expander with its synonym table
func NewExpander() *Expander {
	synonyms := map[string][]string{
		"medication":          {"medicine", "drug", "prescription"},
		"medications":         {"medicines", "drugs", "prescriptions"},
		"doctor":              {"physician", "provider"},
		"visit":               {"encounter", "appointment"},
		"visits":              {"encounters", "appointments"},
		"lab":                 {"laboratory", "test"},
		"labs":                {"lab results", "tests"},
		"blood pressure":      {"bp"},
		"heart attack":        {"myocardial infarction"},
		"high blood pressure": {"hypertension"},
		"sugar":               {"glucose"},
		"note":                {"documentation"},
		"notes":               {"documentation"},
		"surgery":             {"procedure", "operation"},
		"shot":                {"injection", "vaccination"},
	}
	stopWords := map[string]bool{
		"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
		"were": true, "what": true, "when": true, "where": true, "which": true,
		"who": true, "how": true, "do": true, "does": true, "did": true,
		"me": true, "my": true, "i": true, "of": true, "for": true, "in": true,
		"on": true, "to": true, "with": true, "about": true, "any": true,
		"all": true, "show": true, "tell": true, "list": true, "please": true,
	}
	return &Expander{
		synonyms:  synonyms,
		tokenizer: regexp.MustCompile(`[a-z0-9][a-z0-9-]*`),
		stopWords: stopWords,
	}
}

// Expand returns the original query followed by synonym and entity-form
// variants. The original always comes first and carries the highest weight.
func (e *Expander) Expand(queryText string, entities []types.Entity) []QueryVariant {
	variants := []QueryVariant{{Text: queryText, Weight: originalQueryWeight}}
	seen := map[string]bool{strings.ToLower(queryText): true}

	lower := strings.ToLower(queryText)
	for phrase, subs := range e.synonyms {
		if !containsPhrase(lower, phrase) {
			continue
		}
		for _, sub := range subs {
			variant := replacePhrase(lower, phrase, sub)
			if !seen[variant] {
				seen[variant] = true
				variants = append(variants, QueryVariant{Text: variant, Weight: 1.0})
			}
		}
	}

	// Substitute each entity's normalized form when it differs from the
	// surface form found in the query
	for _, ent := range entities {
		if ent.Type == types.EntityTypeDate || ent.Normalized == "" {
			continue
		}
		surface := strings.ToLower(ent.Text)
		if surface == ent.Normalized || !containsPhrase(lower, surface) {
			continue
		}
		variant := replacePhrase(lower, surface, ent.Normalized)
		if !seen[variant] {
			seen[variant] = true
			variants = append(variants, QueryVariant{Text: variant, Weight: 1.0})
		}
	}

	return variants
}

// SearchTerms returns the deduplicated content words across all variants,
// with stop words removed and each term paired with its boost. Terms from
// the original query come first at full boost; terms introduced only by
// expansion carry the synonym boost.
func (e *Expander) SearchTerms(variants []QueryVariant) []WeightedTerm {
	seen := make(map[string]bool)
	var terms []WeightedTerm
	for i, v := range variants {
		boost := originalTermBoost
		if i > 0 {
			boost = synonymTermBoost
		}
		for _, tok := range e.tokenizer.FindAllString(strings.ToLower(v.Text), -1) {
			if e.stopWords[tok] || len(tok) < 2 || seen[tok] {
				continue
			}
			seen[tok] = true
			terms = append(terms, WeightedTerm{Term: tok, Boost: boost})
		}
	}
	return terms
}

func containsPhrase(lower, phrase string) bool {
	return indexWord(lower, phrase) >= 0
}

func replacePhrase(lower, phrase, sub string) string {
	idx := indexWord(lower, phrase)
	if idx < 0 {
		return lower
	}
	return lower[:idx] + sub + lower[idx+len(phrase):]
}
