// Package suggester ranks candidate parents for orphan reattachment,
// grounded on the teacher's internal/storage/sqlite resurrection logic
// (TryResurrectParent's ancestor-chain walk) for candidate discovery and
// internal/utils/string_distance.go (ComputeDistance, a Levenshtein
// distance) for the default textual-similarity measure.
package suggester

import (
	"context"
	"sort"
	"strings"

	"github.com/logrepair/core/internal/dag"
	"github.com/logrepair/core/internal/record"
)

// Candidate is one ranked parent suggestion.
type Candidate struct {
	UUID  string
	Score float64
}

// Result is the suggester's output for one orphan.
type Result struct {
	Candidates []Candidate
	Reason     string // "below_threshold" when Candidates is empty
}

// TextScorer computes a textual-similarity component in [0,1] between two
// records' content. Implementations may use substring ratio, embedding
// cosine, n-gram Jaccard, or an LLM judge, as long as the output is
// deterministic given the same inputs (spec.md §4.9).
type TextScorer interface {
	Similarity(ctx context.Context, a, b *record.Record) (float64, error)
}

// Weights controls how the three score components combine (spec.md §4.9
// default weights: 0.7 text, 0.2 time, 0.1 same-session).
type Weights struct {
	Text    float64
	Time    float64
	Session float64
}

// DefaultWeights matches spec.md §4.9.
var DefaultWeights = Weights{Text: 0.7, Time: 0.2, Session: 0.1}

// Config parameterizes Suggest.
type Config struct {
	TopK    int // default 5
	Floor   float64 // default 0.3
	Weights Weights
	Scorer  TextScorer // default: LevenshteinScorer
}

// DefaultConfig returns the spec.md §4.9/§6 defaults.
func DefaultConfig() Config {
	return Config{TopK: 5, Floor: 0.3, Weights: DefaultWeights, Scorer: LevenshteinScorer{}}
}

const timeDecay = 1 * 60 * 60 // one hour, in seconds, per spec.md §4.9

// Suggest returns the top-K candidate parents for child, ranked by a score
// in [0,1]. Candidates are every other record in the graph except child's
// own descendants (to avoid creating a cycle) and child itself. Ties are
// broken by older timestamp, then lexicographic UUID.
func Suggest(ctx context.Context, g *dag.Graph, childUUID string, cfg Config) (Result, error) {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Floor <= 0 {
		cfg.Floor = 0.3
	}
	if cfg.Scorer == nil {
		cfg.Scorer = LevenshteinScorer{}
	}

	childNode := g.Node(childUUID)
	if childNode == nil {
		return Result{Reason: "below_threshold"}, nil
	}
	child := childNode.Record

	excluded := map[string]bool{childUUID: true}
	for _, d := range g.Descendants(childUUID, 0) {
		excluded[d] = true
	}

	var scored []Candidate
	for _, uuid := range g.PreOrder() {
		if excluded[uuid] {
			continue
		}
		candNode := g.Node(uuid)
		if candNode == nil {
			continue
		}
		cand := candNode.Record

		text, err := cfg.Scorer.Similarity(ctx, child, cand)
		if err != nil {
			return Result{}, err
		}
		text = clamp01(text)

		timeScore := temporalProximity(child, cand)
		sessionScore := 0.0
		if child.SessionID != "" && child.SessionID == cand.SessionID {
			sessionScore = 1.0
		}

		score := cfg.Weights.Text*text + cfg.Weights.Time*timeScore + cfg.Weights.Session*sessionScore
		score = clamp01(score)
		if score < cfg.Floor {
			continue
		}
		scored = append(scored, Candidate{UUID: uuid, Score: score})
	}

	if len(scored) == 0 {
		return Result{Reason: "below_threshold"}, nil
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		ti := g.Node(scored[i].UUID).Record.Timestamp
		tj := g.Node(scored[j].UUID).Record.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return scored[i].UUID < scored[j].UUID
	})

	if len(scored) > cfg.TopK {
		scored = scored[:cfg.TopK]
	}
	return Result{Candidates: scored}, nil
}

func temporalProximity(a, b *record.Record) float64 {
	delta := a.Timestamp.Sub(b.Timestamp).Seconds()
	if delta < 0 {
		delta = -delta
	}
	// Exponential decay with a one-hour time constant (the score falls to
	// 1/e after one hour), per spec.md §4.9.
	return expDecay(delta, timeDecay)
}

func expDecay(deltaSeconds, decaySeconds float64) float64 {
	if decaySeconds <= 0 {
		return 0
	}
	x := deltaSeconds / decaySeconds
	// exp(-x) via a dependency-free series would lose precision for large
	// x; math.Exp is used in scorer.go where the math package is imported.
	return mathExpNeg(x)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// contentText extracts a plain-text approximation of a record's content
// for textual similarity scoring: concatenated opaque "text"-shaped
// fields, falling back to the record kind and tool identifiers.
func contentText(r *record.Record) string {
	var sb strings.Builder
	for _, b := range r.Content {
		if raw, ok := b.Fields["text"]; ok {
			sb.Write(raw)
			sb.WriteByte(' ')
		}
		if b.ID != "" {
			sb.WriteString(b.ID)
			sb.WriteByte(' ')
		}
		if b.ToolUseID != "" {
			sb.WriteString(b.ToolUseID)
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}
