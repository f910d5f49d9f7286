// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"testing"
	"time"

	"github.com/memvid-foundation/memvid/lib/clock"
)

func buildEngine(clk clock.Clock) *Engine {
	engine := NewEngine(DefaultWeights(), clk)
	now := clk.Now()
	engine.Add(Document{
		URI:        "mv2://ws/design/artifact/gateway",
		Title:      "payment gateway design",
		Body:       "the gateway retries failed payment captures",
		Tags:       []string{"design", "approved"},
		Domain:     "design",
		Importance: 8,
		CreatedAt:  now.Add(-24 * time.Hour),
	})
	engine.Add(Document{
		URI:        "mv2://ws/design/artifact/ledger",
		Title:      "ledger schema",
		Body:       "double entry rows for every settled payment",
		Tags:       []string{"design"},
		Domain:     "design",
		Importance: 5,
		CreatedAt:  now.Add(-10 * 24 * time.Hour),
	})
	engine.Add(Document{
		URI:        "mv2://ws/notes/artifact/offsite",
		Title:      "team offsite notes",
		Body:       "travel booking and agenda",
		Tags:       []string{"notes"},
		Domain:     "notes",
		Importance: 1,
		CreatedAt:  now.Add(-100 * 24 * time.Hour),
	})
	return engine
}

func TestSearchRanksLexicalMatchesFirst(t *testing.T) {
	engine := buildEngine(clock.NewFake())

	results := engine.Search(Query{Text: "payment gateway"})
	if len(results) != 2 {
		t.Fatalf("results = %+v, want 2", results)
	}
	if results[0].URI != "mv2://ws/design/artifact/gateway" {
		t.Errorf("top result = %s", results[0].URI)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v then %v", results[0].Score, results[1].Score)
	}
	if results[0].Signals.Lexical != 1 {
		t.Errorf("top lexical signal = %v, want 1", results[0].Signals.Lexical)
	}
}

func TestSearchDropsZeroEvidenceOnTextQueries(t *testing.T) {
	engine := buildEngine(clock.NewFake())

	for _, result := range engine.Search(Query{Text: "payment"}) {
		if result.URI == "mv2://ws/notes/artifact/offsite" {
			t.Error("document with no matching signal kept for a text query")
		}
	}

	// Without text, the whole corpus ranks.
	if results := engine.Search(Query{}); len(results) != 3 {
		t.Errorf("no-text query returned %d results, want 3", len(results))
	}
}

func TestSearchRequiredTagsFilter(t *testing.T) {
	engine := buildEngine(clock.NewFake())

	results := engine.Search(Query{RequiredTags: []string{"design", "approved"}})
	if len(results) != 1 || results[0].URI != "mv2://ws/design/artifact/gateway" {
		t.Errorf("results = %+v", results)
	}
	if results := engine.Search(Query{RequiredTags: []string{"nonexistent"}}); len(results) != 0 {
		t.Errorf("unmatched required tag returned %+v", results)
	}
}

func TestSearchMinImportanceFilter(t *testing.T) {
	engine := buildEngine(clock.NewFake())

	results := engine.Search(Query{MinImportance: 5})
	if len(results) != 2 {
		t.Fatalf("results = %+v, want the two important documents", results)
	}
	for _, result := range results {
		if result.URI == "mv2://ws/notes/artifact/offsite" {
			t.Error("low-importance document passed the filter")
		}
	}
}

func TestSearchDomainBoost(t *testing.T) {
	engine := buildEngine(clock.NewFake())

	results := engine.Search(Query{Domain: "notes"})
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	for _, result := range results {
		want := 0.0
		if result.URI == "mv2://ws/notes/artifact/offsite" {
			want = 1.0
		}
		if result.Signals.Domain != want {
			t.Errorf("%s domain signal = %v, want %v", result.URI, result.Signals.Domain, want)
		}
	}
}

func TestSearchPreferredTagOverlap(t *testing.T) {
	engine := buildEngine(clock.NewFake())

	results := engine.Search(Query{PreferredTags: []string{"design", "approved"}})
	signals := map[string]float64{}
	for _, result := range results {
		signals[result.URI] = result.Signals.Tag
	}
	if signals["mv2://ws/design/artifact/gateway"] != 1.0 {
		t.Errorf("full overlap = %v", signals["mv2://ws/design/artifact/gateway"])
	}
	if signals["mv2://ws/design/artifact/ledger"] != 0.5 {
		t.Errorf("half overlap = %v", signals["mv2://ws/design/artifact/ledger"])
	}
	if signals["mv2://ws/notes/artifact/offsite"] != 0 {
		t.Errorf("no overlap = %v", signals["mv2://ws/notes/artifact/offsite"])
	}
}

func TestRecencyDecay(t *testing.T) {
	clk := clock.NewFake()
	engine := NewEngine(DefaultWeights(), clk)
	now := clk.Now()

	fresh := engine.recency(now, now)
	if fresh != 1 {
		t.Errorf("recency(now) = %v, want 1", fresh)
	}
	if engine.recency(time.Time{}, now) != 1 {
		t.Error("zero CreatedAt should not be penalized")
	}

	halfLife := engine.recency(now.Add(-30*24*time.Hour), now)
	if halfLife < 0.36 || halfLife > 0.38 {
		t.Errorf("recency at the half-life = %v, want ~1/e", halfLife)
	}
	older := engine.recency(now.Add(-90*24*time.Hour), now)
	if older >= halfLife {
		t.Errorf("recency not monotonic: %v then %v", halfLife, older)
	}
}

func TestSearchTieBreaksOnURI(t *testing.T) {
	clk := clock.NewFake()
	engine := NewEngine(DefaultWeights(), clk)
	now := clk.Now()
	// Identical documents except for the URI.
	for _, uri := range []string{"mv2://ws/artifact/b", "mv2://ws/artifact/a", "mv2://ws/artifact/c"} {
		engine.Add(Document{URI: uri, Title: "twin", Body: "twin", CreatedAt: now})
	}

	results := engine.Search(Query{Text: "twin"})
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	want := []string{"mv2://ws/artifact/a", "mv2://ws/artifact/b", "mv2://ws/artifact/c"}
	for i, result := range results {
		if result.URI != want[i] {
			t.Errorf("result %d = %s, want %s", i, result.URI, want[i])
		}
	}
}

func TestSearchBoundsResults(t *testing.T) {
	engine := buildEngine(clock.NewFake())
	if results := engine.Search(Query{K: 1}); len(results) != 1 {
		t.Errorf("K ignored: %+v", results)
	}
}

func TestImportanceClamped(t *testing.T) {
	clk := clock.NewFake()
	engine := NewEngine(DefaultWeights(), clk)
	engine.Add(Document{URI: "mv2://ws/artifact/over", Importance: 99, CreatedAt: clk.Now()})
	engine.Add(Document{URI: "mv2://ws/artifact/under", Importance: -3, CreatedAt: clk.Now()})

	results := engine.Search(Query{})
	for _, result := range results {
		if result.Signals.Importance < 0 || result.Signals.Importance > 1 {
			t.Errorf("%s importance signal = %v", result.URI, result.Signals.Importance)
		}
	}
	if results[0].URI != "mv2://ws/artifact/over" {
		t.Errorf("clamped-high document did not outrank clamped-low: %+v", results)
	}
}
