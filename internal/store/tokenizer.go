package store

import (
	"strings"
	"unicode"
)

// TokenizerID identifies the tokenization scheme persisted with the BM25
// index. Loaders reject indexes built with a different scheme.
const TokenizerID = "code/v1"

// Tokenize splits text with code-aware rules, identically at ingest and
// query time. It splits on non-letter/digit boundaries, then splits
// camelCase, PascalCase, snake_case, and kebab-case identifiers, and
// lowercases every emitted token.
// Compound identifiers also emit their joined lowercased form, so
// "parseConfigFile" yields "parse", "config", "file", "parseconfigfile".
// Tokens shorter than MinTokenLength and stop words are dropped.
func Tokenize(text string, cfg BM25Config) []string {
	stop := BuildStopWordMap(cfg.StopWords)
	minLen := cfg.MinTokenLength
	if minLen <= 0 {
		minLen = 2
	}

	var tokens []string
	emit := func(t string) {
		t = strings.ToLower(t)
		if len(t) < minLen {
			return
		}
		if _, isStop := stop[t]; isStop {
			return
		}
		tokens = append(tokens, t)
	}

	for _, word := range splitWords(text) {
		parts := SplitIdentifier(word)
		for _, p := range parts {
			emit(p)
		}
		if len(parts) > 1 {
			emit(joinIdentifier(parts))
		}
	}

	return tokens
}

// splitWords extracts identifier-shaped runs: letters, digits, and the
// intra-identifier connectors '_' and '-'. Everything else is a boundary.
func splitWords(text string) []string {
	var words []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			words = append(words, strings.Trim(current.String(), "_-"))
			current.Reset()
		}
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// SplitIdentifier splits snake_case, kebab-case, camelCase, and PascalCase.
func SplitIdentifier(token string) []string {
	var result []string
	for _, part := range strings.FieldsFunc(token, func(r rune) bool {
		return r == '_' || r == '-'
	}) {
		result = append(result, splitCamelCase(part)...)
	}
	return result
}

// splitCamelCase splits camelCase and PascalCase identifiers.
// Acronym runs stay together: "parseHTTPRequest" -> ["parse", "HTTP", "Request"].
func splitCamelCase(s string) []string {
	if s == "" {
		return nil
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])

			if prevIsLower || nextIsLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}

// joinIdentifier rebuilds the joined lowercase form of a compound
// identifier with connectors removed.
func joinIdentifier(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strings.ToLower(p))
	}
	return b.String()
}

// BuildStopWordMap converts a slice of stop words to a lookup map.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}
