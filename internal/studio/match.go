package studio

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.88
)

// nameMatcher resolves a spoken project name against the catalog. Speech
// transcription mangles proper nouns ("Acme Spring Launch" arrives as "acne
// spring lunch"), so an exact case-insensitive match is tried first and then
// a two-stage fuzzy match:
//
//  1. Candidates whose Double Metaphone codes overlap the spoken words are
//     accepted at phoneticThreshold Jaro-Winkler similarity.
//  2. Without any phonetic candidate, pure Jaro-Winkler similarity must reach
//     fuzzyThreshold.
//
// It is read-only after construction.
type nameMatcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

func newNameMatcher() nameMatcher {
	return nameMatcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
}

// resolve returns the index into names of the best match for spoken, or -1.
func (m nameMatcher) resolve(spoken string, names []string) int {
	spokenLower := normalize(spoken)
	if spokenLower == "" {
		return -1
	}
	for i, n := range names {
		if normalize(n) == spokenLower {
			return i
		}
	}

	spokenTokens := strings.Fields(spokenLower)
	spokenCodes := metaphoneCodes(spokenTokens)

	best, bestScore, bestPhonetic := -1, 0.0, false
	for i, n := range names {
		nameLower := normalize(n)
		if nameLower == "" {
			continue
		}
		nameTokens := strings.Fields(nameLower)
		score := similarity(spokenTokens, nameTokens, spokenLower, nameLower)

		if overlaps(spokenCodes, metaphoneCodes(nameTokens)) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = i, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the better of the whole-phrase and the space-stripped
// Jaro-Winkler scores. Per-token scores are deliberately not considered:
// project names share generic words ("video", "launch") and one matching
// word must not select a project.
func similarity(spokenTokens, nameTokens []string, spokenFull, nameFull string) float64 {
	score := matchr.JaroWinkler(spokenFull, nameFull, false)
	if len(spokenTokens) > 1 || len(nameTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(spokenTokens, ""), strings.Join(nameTokens, ""), false); s > score {
			score = s
		}
	}
	return score
}
