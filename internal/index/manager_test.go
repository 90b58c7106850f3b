package index

import (
	"log/slog"
	"testing"
)

func newTestManager() *Manager {
	return NewManager(slog.Default(), nil)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"lowercases and splits", "The Quick  Brown-Fox", []string{"the", "quick", "brown", "fox"}},
		{"drops punctuation", "hello, world!", []string{"hello", "world"}},
		{"underscore is a separator", "snake_case_name", []string{"snake", "case", "name"}},
		{"digits are tokens", "abc 123 d4", []string{"abc", "123", "d4"}},
		{"empty input", "", nil},
		{"only separators", "-- !! --", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.in)
			if !equalStrings(got, tt.want) {
				t.Fatalf("Tokenize(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"json object string leaves", []byte(`{"text":"hello","title":"doc"}`), "doc hello"},
		{"nested json in key order", []byte(`{"b":{"y":"two"},"a":"one"}`), "one two"},
		{"json array", []byte(`["x","y"]`), "x y"},
		{"json without string leaves", []byte(`{"n":42,"ok":true}`), ""},
		{"plain text passes through", []byte("just some text"), "just some text"},
		{"binary yields nothing", []byte{0xFF, 0xFE, 0x00, 0x80}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractText(tt.in); got != tt.want {
				t.Fatalf("ExtractText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNGramSet(t *testing.T) {
	set := ngramSet("hello", 3)
	if len(set) != 3 {
		t.Fatalf("expected 3 grams, got %d", len(set))
	}
	for _, g := range []string{"hel", "ell", "llo"} {
		if _, ok := set[g]; !ok {
			t.Fatalf("missing gram %q", g)
		}
	}

	// Shorter than n: one gram, right-padded with spaces.
	short := ngramSet("hi", 3)
	if len(short) != 1 {
		t.Fatalf("expected 1 gram, got %d", len(short))
	}
	if _, ok := short["hi "]; !ok {
		t.Fatalf("expected padded gram %q, got %v", "hi ", short)
	}

	if got := ngramSet("", 3); len(got) != 0 {
		t.Fatalf("empty text must yield no grams, got %v", got)
	}
}

func TestManager_SearchTextScenarios(t *testing.T) {
	m := newTestManager()
	m.Set("doc1", []byte(`{"text":"the quick brown fox"}`))
	m.Set("doc2", []byte(`{"text":"quick brown dog"}`))

	if got := m.SearchText("quick brown", ModeAnd); !equalStrings(got, []string{"doc1", "doc2"}) {
		t.Fatalf("AND(quick brown) = %v, want [doc1 doc2]", got)
	}
	if got := m.SearchText("fox dog", ModeAnd); len(got) != 0 {
		t.Fatalf("AND(fox dog) = %v, want []", got)
	}
	if got := m.SearchText("fox dog", ModeOr); !equalStrings(got, []string{"doc1", "doc2"}) {
		t.Fatalf("OR(fox dog) = %v, want [doc1 doc2]", got)
	}
	if got := m.SearchText("fox", ModeAnd); !equalStrings(got, []string{"doc1"}) {
		t.Fatalf("AND(fox) = %v, want [doc1]", got)
	}
	if got := m.SearchText("", ModeOr); len(got) != 0 {
		t.Fatalf("empty query must match nothing, got %v", got)
	}
	if got := m.SearchText("absent", ModeOr); len(got) != 0 {
		t.Fatalf("unknown token must match nothing, got %v", got)
	}
}

func TestManager_SearchSemanticScenario(t *testing.T) {
	m := newTestManager()
	m.Set("k1", []byte(`{"text":"hello world"}`))
	m.Set("k2", []byte(`{"text":"help word"}`))

	hits := m.SearchSemantic("hello word", 2, 0.1)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Key != "k1" || hits[1].Key != "k2" {
		t.Fatalf("hits = %v, want k1 then k2", hits)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("k1 must score higher under 3-gram Jaccard: %v", hits)
	}

	// Threshold filters, k truncates.
	if got := m.SearchSemantic("hello word", 1, 0.1); len(got) != 1 {
		t.Fatalf("k=1 must truncate, got %v", got)
	}
	if got := m.SearchSemantic("hello word", 2, 0.99); len(got) != 0 {
		t.Fatalf("high threshold must filter all, got %v", got)
	}
	if got := m.SearchSemantic("", 2, 0); len(got) != 0 {
		t.Fatalf("empty query must match nothing, got %v", got)
	}
}

func TestManager_SemanticTieBreaksByKey(t *testing.T) {
	m := newTestManager()
	m.Set("b", []byte("identical"))
	m.Set("a", []byte("identical"))

	hits := m.SearchSemantic("identical", 10, 0.1)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Key != "a" || hits[1].Key != "b" {
		t.Fatalf("ties must break by key ascending, got %v", hits)
	}
	if hits[0].Score != hits[1].Score {
		t.Fatalf("identical values must score identically, got %v", hits)
	}
}

func TestManager_OverwriteRemovesStalePostings(t *testing.T) {
	m := newTestManager()
	m.Set("k", []byte(`{"text":"alpha beta"}`))
	m.Set("k", []byte(`{"text":"beta gamma"}`))

	if got := m.SearchText("alpha", ModeOr); len(got) != 0 {
		t.Fatalf("stale tokens must not leak, got %v", got)
	}
	if got := m.SearchText("beta gamma", ModeAnd); !equalStrings(got, []string{"k"}) {
		t.Fatalf("AND(beta gamma) = %v, want [k]", got)
	}

	stats := m.Stats()
	if stats.IndexedKeys != 1 {
		t.Fatalf("indexed keys=%d, want 1", stats.IndexedKeys)
	}
	if stats.UniqueTokens != 2 {
		t.Fatalf("unique tokens=%d, want 2", stats.UniqueTokens)
	}
}

func TestManager_DeleteRemovesAllPostings(t *testing.T) {
	m := newTestManager()
	m.Set("k1", []byte("shared token"))
	m.Set("k2", []byte("shared other"))
	m.Delete("k1")

	if got := m.SearchText("shared", ModeOr); !equalStrings(got, []string{"k2"}) {
		t.Fatalf("OR(shared) = %v, want [k2]", got)
	}
	if got := m.SearchSemantic("token", 10, 0.1); len(got) != 0 {
		t.Fatalf("deleted key must not match, got %v", got)
	}
	if stats := m.Stats(); stats.IndexedKeys != 1 {
		t.Fatalf("indexed keys=%d, want 1", stats.IndexedKeys)
	}
}

func TestManager_NonTextualValuesNeverMatch(t *testing.T) {
	m := newTestManager()
	m.Set("bin", []byte{0xFF, 0xFE, 0x00})
	m.Set("num", []byte(`{"n":7}`))

	if got := m.SearchText("ff", ModeOr); len(got) != 0 {
		t.Fatalf("binary value must not tokenize, got %v", got)
	}
	// Present but unmatched even with a zero threshold.
	if got := m.SearchSemantic("anything", 10, 0); len(got) != 0 {
		t.Fatalf("non-textual values must never match, got %v", got)
	}
	if stats := m.Stats(); stats.IndexedKeys != 2 {
		t.Fatalf("indexed keys=%d, want 2", stats.IndexedKeys)
	}
}

func TestManager_SetBatchAndRebuild(t *testing.T) {
	m := newTestManager()
	m.SetBatch(map[string][]byte{
		"d1": []byte("red green"),
		"d2": []byte("green blue"),
	})
	if got := m.SearchText("green", ModeOr); !equalStrings(got, []string{"d1", "d2"}) {
		t.Fatalf("OR(green) = %v, want [d1 d2]", got)
	}

	m.Rebuild(map[string][]byte{
		"d3": []byte("yellow"),
	})
	if got := m.SearchText("green", ModeOr); len(got) != 0 {
		t.Fatalf("rebuild must drop old postings, got %v", got)
	}
	if got := m.SearchText("yellow", ModeOr); !equalStrings(got, []string{"d3"}) {
		t.Fatalf("OR(yellow) = %v, want [d3]", got)
	}
	stats := m.Stats()
	if stats.IndexedKeys != 1 {
		t.Fatalf("indexed keys=%d, want 1", stats.IndexedKeys)
	}
	if stats.NGramSize != NGramSize {
		t.Fatalf("ngram size=%d, want %d", stats.NGramSize, NGramSize)
	}
}
