package types

import (
	"math"
	"strings"
	"time"
	"unicode"
)

// SourceCategory identifies where a candidate came from.
type SourceCategory string

const (
	CategoryCode  SourceCategory = "code"
	CategoryDoc   SourceCategory = "doc"
	CategoryNote  SourceCategory = "note"
	CategoryWeb   SourceCategory = "web"
	CategoryOther SourceCategory = "other"
)

// categoryAliases maps accepted spellings onto canonical categories.
var categoryAliases = map[string]SourceCategory{
	"code":          CategoryCode,
	"doc":           CategoryDoc,
	"docs":          CategoryDoc,
	"documentation": CategoryDoc,
	"note":          CategoryNote,
	"notes":         CategoryNote,
	"web":           CategoryWeb,
	"other":         CategoryOther,
}

// ParseSourceCategory normalizes a category label.
// Well-formed labels outside the known set are kept verbatim; they are
// scored against the default threshold downstream.
func ParseSourceCategory(label string) (SourceCategory, error) {
	s := strings.ToLower(strings.TrimSpace(label))
	if s == "" {
		return "", NewError(ErrInvalidCategory, "empty source category")
	}
	if c, ok := categoryAliases[s]; ok {
		return c, nil
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", Errorf(ErrInvalidCategory, "malformed source category %q", label)
		}
	}
	return SourceCategory(s), nil
}

// Known reports whether c is one of the canonical categories.
func (c SourceCategory) Known() bool {
	switch c {
	case CategoryCode, CategoryDoc, CategoryNote, CategoryWeb, CategoryOther:
		return true
	}
	return false
}

// Candidate is one retrieved unit of content competing for the evidence set.
type Candidate struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	SourceCategory SourceCategory `json:"source_category"`
	VectorScore    float64        `json:"vector_score"`

	// Written once by the fusion engine.
	RerankerRawScore float64 `json:"reranker_raw_score"`
	RerankerScore    float64 `json:"reranker_score"`
	HybridScore      float64 `json:"hybrid_score"`
	Scored           bool    `json:"scored"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// FallbackReason records why fusion bypassed the weighted blend.
type FallbackReason string

const (
	FallbackNone             FallbackReason = "none"
	FallbackBackendError     FallbackReason = "backend_error"
	FallbackUnreliableScores FallbackReason = "unreliable_scores"
	FallbackCircuitOpen      FallbackReason = "circuit_open"
)

// ExecutionMetadata describes how a task's candidates were scored.
type ExecutionMetadata struct {
	Backend           string         `json:"backend,omitempty"`
	Mode              string         `json:"mode,omitempty"`
	Elapsed           time.Duration  `json:"elapsed"`
	ScoreThreshold    float64        `json:"score_threshold"`
	TotalBeforeFilter int            `json:"total_before_filter"`
	Fallback          FallbackReason `json:"fallback,omitempty"`
}

// RetrievalTask is one (category, query) unit of retrieval work.
type RetrievalTask struct {
	Category   SourceCategory `json:"category"`
	Query      string         `json:"query"`
	LineageID  string         `json:"lineage_id,omitempty"`
	SourceType string         `json:"source_type,omitempty"`
	Candidates []Candidate    `json:"candidates"`

	Execution     ExecutionMetadata `json:"execution"`
	Widening      WideningState     `json:"widening"`
	RequiredTools []string          `json:"required_tools,omitempty"`
}

// TaskKey builds the composite merge key for a category and query.
func TaskKey(category SourceCategory, query string) string {
	return string(category) + "\x1f" + query
}

// Key returns the composite (category, query) merge key.
func (t *RetrievalTask) Key() string {
	return TaskKey(t.Category, t.Query)
}

// Lineage returns the widening lineage identifier, defaulting to the merge key.
func (t *RetrievalTask) Lineage() string {
	if t.LineageID != "" {
		return t.LineageID
	}
	return t.Key()
}

// Validate checks the invariants a collaborator must uphold.
func (t *RetrievalTask) Validate() error {
	if _, err := ParseSourceCategory(string(t.Category)); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(t.Candidates))
	for i := range t.Candidates {
		c := &t.Candidates[i]
		if c.ID == "" {
			return Errorf(ErrInvalidCandidate, "candidate %d in task %q has empty id", i, t.Query)
		}
		if _, dup := seen[c.ID]; dup {
			return Errorf(ErrDuplicateCandidate, "duplicate candidate id %q in task %q", c.ID, t.Query)
		}
		seen[c.ID] = struct{}{}
		if !inUnitInterval(c.VectorScore) {
			return Errorf(ErrInvalidCandidate, "candidate %q vector score %v outside [0,1]", c.ID, c.VectorScore)
		}
		if c.Scored {
			if math.IsNaN(c.RerankerRawScore) || math.IsInf(c.RerankerRawScore, 0) {
				return Errorf(ErrInvalidCandidate, "candidate %q reranker raw score %v is not finite", c.ID, c.RerankerRawScore)
			}
			if !inUnitInterval(c.RerankerScore) || !inUnitInterval(c.HybridScore) {
				return Errorf(ErrInvalidCandidate, "candidate %q fused scores (%v, %v) outside [0,1]", c.ID, c.RerankerScore, c.HybridScore)
			}
		}
		if c.SourceCategory != "" {
			if _, err := ParseSourceCategory(string(c.SourceCategory)); err != nil {
				return err
			}
		}
	}
	return nil
}

func inUnitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// ClearScores resets the fields written by fusion so the candidate is scored again.
func (c *Candidate) ClearScores() {
	c.RerankerRawScore = 0
	c.RerankerScore = 0
	c.HybridScore = 0
	c.Scored = false
}

// EffectiveCategory returns the candidate's category, or the task's when unset.
func (t *RetrievalTask) EffectiveCategory(c *Candidate) SourceCategory {
	if c.SourceCategory != "" {
		return c.SourceCategory
	}
	return t.Category
}

// MeanVectorScore returns the mean vector score of a candidate set, 0 when empty.
func MeanVectorScore(candidates []Candidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	var sum float64
	for i := range candidates {
		sum += candidates[i].VectorScore
	}
	return sum / float64(len(candidates))
}

// CloneCandidates returns a deep copy of a candidate slice.
func CloneCandidates(in []Candidate) []Candidate {
	if in == nil {
		return nil
	}
	out := make([]Candidate, len(in))
	for i, c := range in {
		out[i] = c
		if c.Metadata != nil {
			md := make(map[string]any, len(c.Metadata))
			for k, v := range c.Metadata {
				md[k] = v
			}
			out[i].Metadata = md
		}
	}
	return out
}
