// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

// Package retrieval ranks capsule artifacts with a hybrid score: a
// lexical BM25 signal fused with tag overlap, domain match, declared
// importance, and recency decay. Every signal is normalized to [0, 1]
// before weighting, so the fused score is comparable across queries.
package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/memvid-foundation/memvid/lib/clock"
	"github.com/memvid-foundation/memvid/lib/lexical"
)

// MaxImportance is the top of the declared importance scale.
const MaxImportance = 10.0

// Weights controls how the signals are fused. Weights need not sum to
// one; they are applied as given.
type Weights struct {
	Lexical    float64 `yaml:"lexical" json:"lexical"`
	Tag        float64 `yaml:"tag" json:"tag"`
	Domain     float64 `yaml:"domain" json:"domain"`
	Importance float64 `yaml:"importance" json:"importance"`
	Recency    float64 `yaml:"recency" json:"recency"`

	// RecencyHalfLifeDays is the e-folding time of the recency signal:
	// an artifact this many days old scores 1/e.
	RecencyHalfLifeDays float64 `yaml:"recency_half_life_days" json:"recency_half_life_days"`
}

// DefaultWeights returns the standard fusion weights.
func DefaultWeights() Weights {
	return Weights{
		Lexical:             0.5,
		Tag:                 0.15,
		Domain:              0.1,
		Importance:          0.1,
		Recency:             0.15,
		RecencyHalfLifeDays: 30,
	}
}

// Document is one retrievable artifact.
type Document struct {
	// URI identifies the artifact and is returned in results.
	URI string

	// Title and Body feed the lexical index. Title is weighted
	// heavier.
	Title string
	Body  string

	Tags   []string
	Domain string

	// Importance is the declared importance on a 0..MaxImportance
	// scale. Values outside the scale are clamped.
	Importance float64

	CreatedAt time.Time
}

// Query describes one retrieval request.
type Query struct {
	// Text is the lexical query. Empty text skips the lexical signal.
	Text string

	// Domain boosts documents from a matching domain.
	Domain string

	// PreferredTags feed the tag-overlap signal.
	PreferredTags []string

	// RequiredTags filter: a document missing any of them is excluded
	// regardless of score.
	RequiredTags []string

	// MinImportance excludes documents declared less important.
	MinImportance float64

	// K bounds the result count. Zero means no bound.
	K int
}

// Signals are the per-signal scores behind a result, each in [0, 1].
// Returned so callers can explain a ranking.
type Signals struct {
	Lexical    float64 `json:"lexical"`
	Tag        float64 `json:"tag"`
	Domain     float64 `json:"domain"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
}

// Result is one ranked hit.
type Result struct {
	URI     string  `json:"uri"`
	Score   float64 `json:"score"`
	Signals Signals `json:"signals"`
}

// Engine holds the searchable corpus. Documents are only added —
// capsule artifacts never change — and the engine is safe for
// concurrent use once populated.
type Engine struct {
	weights Weights
	clk     clock.Clock

	index *lexical.Index
	docs  map[string]Document
	order []string
}

// NewEngine creates an empty engine. Zero-valued weights fall back to
// DefaultWeights.
func NewEngine(weights Weights, clk clock.Clock) *Engine {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	if weights.RecencyHalfLifeDays <= 0 {
		weights.RecencyHalfLifeDays = DefaultWeights().RecencyHalfLifeDays
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		weights: weights,
		clk:     clk,
		index:   lexical.NewIndex(),
		docs:    map[string]Document{},
	}
}

// Add indexes a document. Re-adding a URI is a no-op.
func (e *Engine) Add(doc Document) {
	if _, exists := e.docs[doc.URI]; exists {
		return
	}
	e.docs[doc.URI] = doc
	e.order = append(e.order, doc.URI)
	e.index.Add(doc.URI, []lexical.Field{
		{Text: doc.Title, Weight: 3},
		{Text: doc.Body, Weight: 1},
	})
}

// Len returns the corpus size.
func (e *Engine) Len() int { return len(e.docs) }

// Search ranks the corpus against the query. Results are sorted by
// descending score; ties break on ascending URI so rankings are
// stable.
func (e *Engine) Search(query Query) []Result {
	lexicalScores := map[string]float64{}
	if query.Text != "" {
		for _, hit := range e.index.Search(query.Text, 0) {
			lexicalScores[hit.Name] = hit.Score
		}
	}

	now := e.clk.Now()
	var results []Result
	for _, uri := range e.order {
		doc := e.docs[uri]
		if !hasAllTags(doc.Tags, query.RequiredTags) {
			continue
		}
		if clampImportance(doc.Importance) < query.MinImportance {
			continue
		}

		signals := Signals{
			Lexical:    lexicalScores[uri],
			Tag:        tagOverlap(doc.Tags, query.PreferredTags),
			Importance: clampImportance(doc.Importance) / MaxImportance,
			Recency:    e.recency(doc.CreatedAt, now),
		}
		if query.Domain != "" && doc.Domain == query.Domain {
			signals.Domain = 1
		}
		// A pure lexical query with no match contributes nothing;
		// drop documents with zero evidence for text queries so the
		// result set stays relevant.
		if query.Text != "" && signals.Lexical == 0 && signals.Tag == 0 && signals.Domain == 0 {
			continue
		}

		score := e.weights.Lexical*signals.Lexical +
			e.weights.Tag*signals.Tag +
			e.weights.Domain*signals.Domain +
			e.weights.Importance*signals.Importance +
			e.weights.Recency*signals.Recency
		results = append(results, Result{URI: uri, Score: score, Signals: signals})
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		return results[a].URI < results[b].URI
	})
	if query.K > 0 && len(results) > query.K {
		results = results[:query.K]
	}
	return results
}

// recency maps document age to (0, 1] with exponential decay.
func (e *Engine) recency(createdAt, now time.Time) float64 {
	if createdAt.IsZero() || !createdAt.Before(now) {
		return 1
	}
	ageDays := now.Sub(createdAt).Hours() / 24
	return math.Exp(-ageDays / e.weights.RecencyHalfLifeDays)
}

func clampImportance(importance float64) float64 {
	if importance < 0 {
		return 0
	}
	if importance > MaxImportance {
		return MaxImportance
	}
	return importance
}

// tagOverlap is the fraction of preferred tags the document carries.
func tagOverlap(docTags, preferred []string) float64 {
	if len(preferred) == 0 {
		return 0
	}
	have := make(map[string]bool, len(docTags))
	for _, tag := range docTags {
		have[tag] = true
	}
	matched := 0
	for _, tag := range preferred {
		if have[tag] {
			matched++
		}
	}
	return float64(matched) / float64(len(preferred))
}

func hasAllTags(docTags, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(docTags))
	for _, tag := range docTags {
		have[tag] = true
	}
	for _, tag := range required {
		if !have[tag] {
			return false
		}
	}
	return true
}
