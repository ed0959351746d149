package query

import (
	"regexp"
	"sort"
	"strings"

	"emr-query-engine/internal/temporal"
	"emr-query-engine/pkg/types"
)

// Match-specificity confidence bases. Longer surface forms score higher
// within each band; confidence is monotone in match length.
const (
	exactMatchBase        = 0.90
	stemMatchBase         = 0.75
	abbreviationMatchBase = 0.65
	lengthBonusPerChar    = 0.005
	maxConfidence         = 0.99
)

// lexiconEntry maps a surface form to its canonical form and category
type lexiconEntry struct {
	normalized string
	entityType types.EntityType
	abbrev     bool
}

// EntityExtractor identifies medications, conditions, symptoms, dates, and
// persons in query text using a curated clinical lexicon.
type EntityExtractor struct {
	lexicon        map[string]lexiconEntry
	temporalParser *temporal.Parser
	personPattern  *regexp.Regexp
}

// NewEntityExtractor builds the extractor with its lexicon
func NewEntityExtractor(tp *temporal.Parser) *EntityExtractor {
	ee := &EntityExtractor{
		lexicon:        make(map[string]lexiconEntry),
		temporalParser: tp,
		personPattern:  regexp.MustCompile(`\b(?:Dr|Doctor|Nurse|Mr|Mrs|Ms)\.?\s+([A-Z][a-z]+)`),
	}
	ee.loadLexicon()
	return ee
}

func (ee *EntityExtractor) loadLexicon() {
	medications := map[string][]string{
		"metformin":           {"glucophage"},
		"lisinopril":          {"zestril", "prinivil"},
		"atorvastatin":        {"lipitor"},
		"ibuprofen":           {"advil", "motrin"},
		"acetaminophen":       {"tylenol", "paracetamol"},
		"amlodipine":          {"norvasc"},
		"omeprazole":          {"prilosec"},
		"levothyroxine":       {"synthroid"},
		"amoxicillin":         {"amoxil"},
		"albuterol":           {"ventolin", "proventil"},
		"insulin":             {"lantus", "humalog"},
		"warfarin":            {"coumadin"},
		"aspirin":             {"asa"},
		"gabapentin":          {"neurontin"},
		"sertraline":          {"zoloft"},
		"losartan":            {"cozaar"},
		"furosemide":          {"lasix"},
		"prednisone":          nil,
		"hydrochlorothiazide": {"hctz", "microzide"},
	}
	for canonical, brands := range medications {
		ee.add(canonical, canonical, types.EntityTypeMedication, false)
		for _, brand := range brands {
			abbrev := len(brand) <= 4
			ee.add(brand, canonical, types.EntityTypeMedication, abbrev)
		}
	}

	conditions := map[string][]string{
		"hypertension":             {"htn", "high blood pressure"},
		"diabetes":                 {"dm", "type 2 diabetes", "type 1 diabetes"},
		"myocardial infarction":    {"mi", "heart attack"},
		"congestive heart failure": {"chf", "heart failure"},
		"chronic kidney disease":   {"ckd"},
		"atrial fibrillation":      {"afib", "a-fib"},
		"asthma":                   nil,
		"copd":                     {"chronic obstructive pulmonary disease"},
		"hyperlipidemia":           {"high cholesterol"},
		"hypothyroidism":           nil,
		"depression":               nil,
		"anxiety":                  nil,
		"osteoarthritis":           {"oa"},
		"gastroesophageal reflux":  {"gerd", "acid reflux"},
		"pneumonia":                nil,
		"anemia":                   nil,
	}
	for canonical, aliases := range conditions {
		ee.add(canonical, canonical, types.EntityTypeCondition, false)
		for _, alias := range aliases {
			abbrev := len(alias) <= 4 && !strings.Contains(alias, " ")
			ee.add(alias, canonical, types.EntityTypeCondition, abbrev)
		}
	}

	symptoms := []string{
		"headache", "nausea", "fatigue", "dizziness", "chest pain", "cough",
		"fever", "shortness of breath", "back pain", "abdominal pain",
		"vomiting", "rash", "swelling", "palpitations", "insomnia", "weakness",
	}
	for _, s := range symptoms {
		ee.add(s, s, types.EntityTypeSymptom, false)
	}
	ee.add("sob", "shortness of breath", types.EntityTypeSymptom, true)
}

func (ee *EntityExtractor) add(surface, normalized string, t types.EntityType, abbrev bool) {
	ee.lexicon[strings.ToLower(surface)] = lexiconEntry{normalized: normalized, entityType: t, abbrev: abbrev}
}

// Extract returns the entities found in the query, ordered by position.
// Multi-word lexicon entries are preferred over their single-word parts.
func (ee *EntityExtractor) Extract(queryText string) []types.Entity {
	lower := strings.ToLower(queryText)
	seen := make(map[string]bool)
	var entities []types.Entity

	type hit struct {
		pos     int
		surface string
		entry   lexiconEntry
	}
	var hits []hit

	for surface, entry := range ee.lexicon {
		pos := indexWord(lower, surface)
		if pos < 0 {
			continue
		}
		hits = append(hits, hit{pos: pos, surface: surface, entry: entry})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].pos != hits[j].pos {
			return hits[i].pos < hits[j].pos
		}
		// Prefer the longer surface form at the same position
		return len(hits[i].surface) > len(hits[j].surface)
	})

	for _, h := range hits {
		key := string(h.entry.entityType) + ":" + h.entry.normalized
		if seen[key] {
			continue
		}
		seen[key] = true
		entities = append(entities, types.Entity{
			Text:       h.surface,
			Type:       h.entry.entityType,
			Normalized: h.entry.normalized,
			Confidence: matchConfidence(h.surface, h.entry),
		})
	}

	// Dates delegate to the temporal parser
	for _, tf := range ee.temporalParser.ParseAll(queryText) {
		entities = append(entities, types.Entity{
			Text:       tf.TimeReference,
			Type:       types.EntityTypeDate,
			Normalized: tf.DateFrom.Format("2006-01-02") + "/" + tf.DateTo.Format("2006-01-02"),
			Confidence: exactMatchBase,
		})
	}

	for _, m := range ee.personPattern.FindAllStringSubmatch(queryText, -1) {
		entities = append(entities, types.Entity{
			Text:       m[0],
			Type:       types.EntityTypePerson,
			Normalized: m[1],
			Confidence: stemMatchBase,
		})
	}

	return entities
}

// indexWord finds surface as a whole-word substring of text, or -1
func indexWord(text, surface string) int {
	start := 0
	for {
		idx := strings.Index(text[start:], surface)
		if idx < 0 {
			return -1
		}
		abs := start + idx
		end := abs + len(surface)
		beforeOK := abs == 0 || !isWordChar(text[abs-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return abs
		}
		start = abs + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// matchConfidence derives confidence from match specificity, monotone in
// match length within each band.
func matchConfidence(surface string, entry lexiconEntry) float64 {
	base := exactMatchBase
	switch {
	case entry.abbrev:
		base = abbreviationMatchBase
	case surface != entry.normalized:
		base = stemMatchBase
	}
	conf := base + float64(len(surface))*lengthBonusPerChar
	if conf > maxConfidence {
		conf = maxConfidence
	}
	return conf
}
