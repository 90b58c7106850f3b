package index

// invertedIndex maps normalized tokens to the set of keys whose current
// value contains them. docTokens remembers each key's tokens so an overwrite
// or delete removes exactly the postings it created, leaving nothing stale.
type invertedIndex struct {
	postings  map[string]map[string]struct{}
	docTokens map[string][]string
}

func newInvertedIndex() *invertedIndex {
	return &invertedIndex{
		postings:  make(map[string]map[string]struct{}),
		docTokens: make(map[string][]string),
	}
}

func (ix *invertedIndex) add(key string, tokens []string) {
	ix.remove(key)
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		set, ok := ix.postings[tok]
		if !ok {
			set = make(map[string]struct{})
			ix.postings[tok] = set
		}
		set[key] = struct{}{}
	}
	uniq := make([]string, 0, len(seen))
	for tok := range seen {
		uniq = append(uniq, tok)
	}
	ix.docTokens[key] = uniq
}

func (ix *invertedIndex) remove(key string) {
	for _, tok := range ix.docTokens[key] {
		set := ix.postings[tok]
		delete(set, key)
		if len(set) == 0 {
			delete(ix.postings, tok)
		}
	}
	delete(ix.docTokens, key)
}

// searchAnd returns the keys present in every token's posting set.
func (ix *invertedIndex) searchAnd(tokens []string) map[string]struct{} {
	if len(tokens) == 0 {
		return nil
	}
	result := make(map[string]struct{})
	for k := range ix.postings[tokens[0]] {
		result[k] = struct{}{}
	}
	for _, tok := range tokens[1:] {
		set := ix.postings[tok]
		for k := range result {
			if _, ok := set[k]; !ok {
				delete(result, k)
			}
		}
		if len(result) == 0 {
			return result
		}
	}
	return result
}

// searchOr returns the keys present in any token's posting set.
func (ix *invertedIndex) searchOr(tokens []string) map[string]struct{} {
	result := make(map[string]struct{})
	for _, tok := range tokens {
		for k := range ix.postings[tok] {
			result[k] = struct{}{}
		}
	}
	return result
}

func (ix *invertedIndex) postingCount() int {
	n := 0
	for _, set := range ix.postings {
		n += len(set)
	}
	return n
}
