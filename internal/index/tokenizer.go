// Package index maintains the in-memory search indexes over stored values:
// an inverted token index for full-text lookup and a character n-gram index
// for Jaccard similarity search. Both are mutated only under the storage
// engine's write gate and stay consistent with the store at every observable
// point.
package index

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// NGramSize is the fixed character n-gram width used for similarity search.
const NGramSize = 3

// Tokenize lowercases text and splits it on non-alphanumeric runes, dropping
// empty tokens. The same function is applied to indexed values and queries.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ngramSet returns the set of character n-grams of the lowercased text,
// whitespace preserved. Text shorter than n contributes a single gram,
// right-padded with spaces to length n.
func ngramSet(text string, n int) map[string]struct{} {
	if text == "" {
		return nil
	}
	runes := []rune(strings.ToLower(text))
	set := make(map[string]struct{})
	if len(runes) < n {
		padded := string(runes) + strings.Repeat(" ", n-len(runes))
		set[padded] = struct{}{}
		return set
	}
	for i := 0; i+n <= len(runes); i++ {
		set[string(runes[i:i+n])] = struct{}{}
	}
	return set
}

// ExtractText derives the indexable text of an opaque value. JSON values
// contribute the concatenation of their string leaves (object keys visited
// in sorted order, arrays in order) joined with single spaces; non-JSON
// values that are valid UTF-8 are indexed verbatim; anything else yields no
// text and the key is indexed as present with no matches.
func ExtractText(value []byte) string {
	var parsed any
	if err := json.Unmarshal(value, &parsed); err == nil {
		var leaves []string
		collectStringLeaves(parsed, &leaves)
		return strings.Join(leaves, " ")
	}
	if utf8.Valid(value) {
		return string(value)
	}
	return ""
}

func collectStringLeaves(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case []any:
		for _, item := range t {
			collectStringLeaves(item, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStringLeaves(t[k], out)
		}
	}
}
