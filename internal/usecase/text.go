package usecase

import (
	"regexp"
	"strings"
	"sync"
)

var punctuationRegex = regexp.MustCompile(`[^\w\s]`)

// stopWords are dropped from free-text preference queries. Negations stay.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "with": true, "by": true, "from": true, "is": true,
	"it": true, "as": true, "be": true,
	"oz": true, "fl": true, "lb": true, "ml": true, "pack": true,
	"size": true, "value": true, "family": true, "new": true, "product": true,
}

// termMatchers caches compiled word-boundary matchers keyed by term
var termMatchers sync.Map

// tokenize splits a string into normalized lowercase tokens, skipping stop words,
// single characters and pure numbers.
func tokenize(s string) []string {
	cleaned := punctuationRegex.ReplaceAllString(strings.ToLower(s), " ")

	var tokens []string
	for _, word := range strings.Fields(cleaned) {
		if len(word) <= 1 || stopWords[word] || isNumeric(word) {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// containsTerm reports whether text contains term as a whole word, allowing a plural
// suffix ("egg" matches "eggs" but not "eggplant"). text must already be lowercase.
func containsTerm(text, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" || text == "" {
		return false
	}
	if !strings.Contains(text, term) {
		return false
	}
	return termMatcher(term).MatchString(text)
}

func termMatcher(term string) *regexp.Regexp {
	if re, ok := termMatchers.Load(term); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(term) + `(?:s|es)?\b`)
	actual, _ := termMatchers.LoadOrStore(term, re)
	return actual.(*regexp.Regexp)
}

// appendUnique appends values not already present in dst
func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
