package store

import "strings"

// Tokenize lowercases text and splits it on non-alphanumeric runes.
// This is the single tokenizer used for trigger matching, keyword
// scanning and token-budget accounting, so scores stay comparable
// across components.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// TokenSet builds a membership set from Tokenize.
func TokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range Tokenize(text) {
		set[tok] = true
	}
	return set
}

// Overlap computes |query ∩ trigger| / |trigger|. An empty trigger never
// matches.
func Overlap(querySet map[string]bool, trigger string) float64 {
	triggerTokens := Tokenize(trigger)
	if len(triggerTokens) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(triggerTokens))
	hits := 0
	for _, tok := range triggerTokens {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if querySet[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(seen))
}

// Jaccard computes set similarity between two phrase sets (exact phrase
// membership, not token-level).
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := make(map[string]bool, len(a))
	for _, s := range a {
		setA[normalizePhrase(s)] = true
	}
	union := make(map[string]bool, len(a)+len(b))
	for k := range setA {
		union[k] = true
	}
	inter := 0
	seenB := make(map[string]bool, len(b))
	for _, s := range b {
		k := normalizePhrase(s)
		if seenB[k] {
			continue
		}
		seenB[k] = true
		union[k] = true
		if setA[k] {
			inter++
		}
	}
	if len(union) == 0 {
		return 1
	}
	return float64(inter) / float64(len(union))
}

func normalizePhrase(s string) string {
	return strings.Join(Tokenize(s), " ")
}

// CountTokens is the budget meter: whitespace-delimited atoms.
func CountTokens(text string) int { return len(strings.Fields(text)) }
