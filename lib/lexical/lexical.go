// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

// Package lexical provides relevance-ranked text search over capsule
// artifacts using Okapi BM25 term weighting. Documents carry named,
// weighted text fields; field weighting repeats a field's tokens in
// proportion to its weight, a simple alternative to per-field scoring
// that works well for the corpus sizes a capsule holds.
//
// Unlike a build-once index, this one grows incrementally: capsules
// are append-only, so documents are only ever added. Scores returned
// by Search are normalized to [0, 1] within the result set so they
// can be fused with other ranking signals.
package lexical

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// BM25 parameters (Okapi variant, standard values).
const (
	paramK1      = 1.2
	paramB       = 0.75
	paramEpsilon = 0.25
)

// tokenPattern splits text into alphanumeric runs.
var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Field is a weighted text field. Weight controls how many times the
// field's tokens are repeated in the composite document; 0 or negative
// skips the field.
type Field struct {
	Text   string
	Weight int
}

// Hit is a single search result. Score is normalized to [0, 1]: the
// best hit in a result set scores 1.
type Hit struct {
	Name  string
	Score float64
}

// Index is an incrementally built BM25 index. Safe for concurrent use.
type Index struct {
	mu sync.RWMutex

	names     []string
	termFreqs []map[string]int
	lengths   []int

	totalLength int

	// docFreq[term] counts documents containing the term.
	docFreq map[string]int

	byName map[string]int
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		docFreq: map[string]int{},
		byName:  map[string]int{},
	}
}

// Add indexes a document. Adding a name that is already indexed is a
// no-op: capsule URIs are immutable, so a document's text never
// changes.
func (x *Index) Add(name string, fields []Field) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.byName[name]; exists {
		return
	}

	tokens := compositeTokens(fields)
	termFreq := make(map[string]int)
	seen := make(map[string]bool)
	for _, token := range tokens {
		termFreq[token]++
		if !seen[token] {
			seen[token] = true
			x.docFreq[token]++
		}
	}

	x.byName[name] = len(x.names)
	x.names = append(x.names, name)
	x.termFreqs = append(x.termFreqs, termFreq)
	x.lengths = append(x.lengths, len(tokens))
	x.totalLength += len(tokens)
}

// Len returns the number of indexed documents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.names)
}

// Search returns up to limit documents ranked by relevance, with
// scores normalized so the top hit is 1. A query with no usable
// tokens, or one matching nothing, returns nil.
func (x *Index) Search(query string, limit int) []Hit {
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.names) == 0 {
		return nil
	}
	avgLength := float64(x.totalLength) / float64(len(x.names))

	type scored struct {
		doc   int
		score float64
	}
	var hits []scored
	var best float64
	for doc := range x.names {
		score := x.score(doc, queryTokens, avgLength)
		if score > 0 {
			hits = append(hits, scored{doc: doc, score: score})
			if score > best {
				best = score
			}
		}
	}
	if len(hits) == 0 {
		return nil
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		return x.names[hits[a].doc] < x.names[hits[b].doc]
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	results := make([]Hit, len(hits))
	for i, hit := range hits {
		results[i] = Hit{Name: x.names[hit.doc], Score: hit.score / best}
	}
	return results
}

// score computes the raw BM25 score of one document against the query
// tokens. Caller holds at least a read lock.
func (x *Index) score(doc int, queryTokens []string, avgLength float64) float64 {
	termFreq := x.termFreqs[doc]
	docLength := float64(x.lengths[doc])
	docCount := float64(len(x.names))

	var score float64
	for _, token := range queryTokens {
		frequency := float64(termFreq[token])
		if frequency == 0 {
			continue
		}
		containing := float64(x.docFreq[token])
		idf := math.Log(1 + (docCount-containing+0.5)/(containing+0.5))
		if idf < 0 {
			idf = paramEpsilon
		}
		numerator := frequency * (paramK1 + 1)
		denominator := frequency + paramK1*(1-paramB+paramB*docLength/avgLength)
		score += idf * numerator / denominator
	}
	return score
}

// compositeTokens builds the weighted token sequence of a document.
func compositeTokens(fields []Field) []string {
	var tokens []string
	for _, field := range fields {
		if field.Weight <= 0 {
			continue
		}
		fieldTokens := Tokenize(field.Text)
		for i := 0; i < field.Weight; i++ {
			tokens = append(tokens, fieldTokens...)
		}
	}
	return tokens
}

// Tokenize splits text into lowercase alphanumeric tokens, discarding
// tokens shorter than 2 characters ("a", "I", and similar noise).
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	matches := tokenPattern.FindAllString(lower, -1)
	tokens := matches[:0]
	for _, match := range matches {
		if len(match) >= 2 {
			tokens = append(tokens, match)
		}
	}
	return tokens
}
