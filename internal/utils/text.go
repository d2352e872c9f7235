package utils

import (
	"strings"
	"unicode"
)

// Tokenize lowercases text and splits it on anything that is not a letter or digit.
// Tokens are singularised so "invoices" and "invoice" compare equal.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		tokens = append(tokens, Singular(f))
	}
	return tokens
}

// Singular strips the common English plural suffixes. It is deliberately naive:
// it only needs to be consistent between catalog keywords and user text.
func Singular(word string) string {
	switch {
	case len(word) > 4 && strings.HasSuffix(word, "ies"):
		return word[:len(word)-3] + "y"
	case len(word) > 4 && (strings.HasSuffix(word, "ches") || strings.HasSuffix(word, "shes") || strings.HasSuffix(word, "sses")):
		return word[:len(word)-2]
	case len(word) > 3 && strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss") && !strings.HasSuffix(word, "us"):
		return word[:len(word)-1]
	}
	return word
}

// Normalize returns the tokens of text joined by single spaces, padded with a
// leading and trailing space so phrase lookups can match on word boundaries.
func Normalize(text string) string {
	return " " + strings.Join(Tokenize(text), " ") + " "
}

// ContainsPhrase reports whether the normalized text contains phrase as whole words.
func ContainsPhrase(normalized, phrase string) bool {
	p := strings.TrimSpace(Normalize(phrase))
	if p == "" {
		return false
	}
	return strings.Contains(normalized, " "+p+" ")
}

// TermVector counts token occurrences.
func TermVector(text string) map[string]float32 {
	vec := make(map[string]float32)
	for _, t := range Tokenize(text) {
		vec[t]++
	}
	return vec
}
