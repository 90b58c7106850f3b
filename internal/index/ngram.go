package index

import "sort"

// ScoredKey is one similarity search hit.
type ScoredKey struct {
	Key   string
	Score float32
}

// ngramIndex maps each key to the set of character n-grams of its current
// value, used for Jaccard similarity scoring.
type ngramIndex struct {
	n     int
	grams map[string]map[string]struct{}
}

func newNGramIndex(n int) *ngramIndex {
	return &ngramIndex{n: n, grams: make(map[string]map[string]struct{})}
}

func (ix *ngramIndex) add(key, text string) {
	ix.grams[key] = ngramSet(text, ix.n)
}

func (ix *ngramIndex) remove(key string) {
	delete(ix.grams, key)
}

// search scores every indexed key against the query's n-gram set, keeps
// scores >= threshold, and returns the top k ordered by score descending,
// ties broken by key ascending. Keys with no indexable text never match.
func (ix *ngramIndex) search(query string, k int, threshold float32) []ScoredKey {
	qset := ngramSet(query, ix.n)
	if len(qset) == 0 || k <= 0 {
		return nil
	}

	var hits []ScoredKey
	for key, set := range ix.grams {
		if len(set) == 0 {
			continue
		}
		score := jaccard(qset, set)
		if score >= float64(threshold) {
			hits = append(hits, ScoredKey{Key: key, Score: float32(score)})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// jaccard is |A∩B| / |A∪B| over two non-empty sets.
func jaccard(a, b map[string]struct{}) float64 {
	inter := 0
	for g := range a {
		if _, ok := b[g]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
