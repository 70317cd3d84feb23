package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Strategy names a search-widening strategy.
type Strategy string

const (
	StrategySemantic  Strategy = "semantic"
	StrategyTemporal  Strategy = "temporal"
	StrategyRelevance Strategy = "relevance"
	StrategyCategory  Strategy = "category"
	StrategySynonym   Strategy = "synonym"
	StrategyHybrid    Strategy = "hybrid"
)

// WideningParams is the tagged union of per-strategy search parameters.
// Each implementation carries only the fields its strategy uses.
type WideningParams interface {
	Strategy() Strategy
	RelevanceFloor() float64
}

// SemanticParams lowers the relevance floor and expands terms.
type SemanticParams struct {
	MinRelevance   float64 `json:"min_relevance"`
	ExpandSynonyms bool    `json:"expand_synonyms"`
	IncludeRelated bool    `json:"include_related"`
}

func (SemanticParams) Strategy() Strategy        { return StrategySemantic }
func (p SemanticParams) RelevanceFloor() float64 { return p.MinRelevance }

// TemporalParams widens the time window of the search.
type TemporalParams struct {
	MinRelevance   float64   `json:"min_relevance"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	IncludeRelated bool      `json:"include_related"`
}

func (TemporalParams) Strategy() Strategy        { return StrategyTemporal }
func (p TemporalParams) RelevanceFloor() float64 { return p.MinRelevance }

// RelevanceParams only moves the relevance floor.
type RelevanceParams struct {
	MinRelevance   float64 `json:"min_relevance"`
	ExpandSynonyms bool    `json:"expand_synonyms"`
	IncludeRelated bool    `json:"include_related"`
}

func (RelevanceParams) Strategy() Strategy        { return StrategyRelevance }
func (p RelevanceParams) RelevanceFloor() float64 { return p.MinRelevance }

// CategoryParams broadens the search to related source categories.
type CategoryParams struct {
	MinRelevance   float64          `json:"min_relevance"`
	Categories     []SourceCategory `json:"categories"`
	ExpandSynonyms bool             `json:"expand_synonyms"`
}

func (CategoryParams) Strategy() Strategy        { return StrategyCategory }
func (p CategoryParams) RelevanceFloor() float64 { return p.MinRelevance }

// SynonymParams expands the query with explicit alternative terms.
type SynonymParams struct {
	MinRelevance float64  `json:"min_relevance"`
	Terms        []string `json:"terms,omitempty"`
}

func (SynonymParams) Strategy() Strategy        { return StrategySynonym }
func (p SynonymParams) RelevanceFloor() float64 { return p.MinRelevance }

// HybridParams is the terminal catch-all assigned when a lineage is exhausted.
type HybridParams struct {
	MinRelevance float64 `json:"min_relevance"`
}

func (HybridParams) Strategy() Strategy        { return StrategyHybrid }
func (p HybridParams) RelevanceFloor() float64 { return p.MinRelevance }

// DecodeWideningParams decodes raw params for the given strategy.
func DecodeWideningParams(strategy Strategy, raw json.RawMessage) (WideningParams, error) {
	var p WideningParams
	switch strategy {
	case StrategySemantic:
		p = &SemanticParams{}
	case StrategyTemporal:
		p = &TemporalParams{}
	case StrategyRelevance:
		p = &RelevanceParams{}
	case StrategyCategory:
		p = &CategoryParams{}
	case StrategySynonym:
		p = &SynonymParams{}
	case StrategyHybrid:
		p = &HybridParams{}
	default:
		return nil, fmt.Errorf("unknown widening strategy %q", strategy)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", strategy, err)
		}
	}
	switch v := p.(type) {
	case *SemanticParams:
		return *v, nil
	case *TemporalParams:
		return *v, nil
	case *RelevanceParams:
		return *v, nil
	case *CategoryParams:
		return *v, nil
	case *SynonymParams:
		return *v, nil
	case *HybridParams:
		return *v, nil
	}
	return p, nil
}

// WideningState tracks search widening for one task lineage.
type WideningState struct {
	Attempt          int                    `json:"attempt"`
	Strategy         Strategy               `json:"strategy,omitempty"`
	Params           WideningParams         `json:"-"`
	NeedsWidening    bool                   `json:"needs_widening"`
	Exhausted        bool                   `json:"exhausted"`
	IssuedQueries    []string               `json:"issued_queries,omitempty"`
	RefinedQueries   []string               `json:"refined_queries,omitempty"`
	CategoryFailures map[SourceCategory]int `json:"category_failures,omitempty"`
}

type wideningStateJSON struct {
	Attempt          int                    `json:"attempt"`
	Strategy         Strategy               `json:"strategy,omitempty"`
	Params           json.RawMessage        `json:"params,omitempty"`
	NeedsWidening    bool                   `json:"needs_widening"`
	Exhausted        bool                   `json:"exhausted"`
	IssuedQueries    []string               `json:"issued_queries,omitempty"`
	RefinedQueries   []string               `json:"refined_queries,omitempty"`
	CategoryFailures map[SourceCategory]int `json:"category_failures,omitempty"`
}

// MarshalJSON encodes Params next to its strategy tag.
func (s WideningState) MarshalJSON() ([]byte, error) {
	out := wideningStateJSON{
		Attempt:          s.Attempt,
		Strategy:         s.Strategy,
		NeedsWidening:    s.NeedsWidening,
		Exhausted:        s.Exhausted,
		IssuedQueries:    s.IssuedQueries,
		RefinedQueries:   s.RefinedQueries,
		CategoryFailures: s.CategoryFailures,
	}
	if s.Params != nil {
		raw, err := json.Marshal(s.Params)
		if err != nil {
			return nil, err
		}
		out.Params = raw
		out.Strategy = s.Params.Strategy()
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes Params into the concrete type named by the strategy.
func (s *WideningState) UnmarshalJSON(data []byte) error {
	var in wideningStateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = WideningState{
		Attempt:          in.Attempt,
		Strategy:         in.Strategy,
		NeedsWidening:    in.NeedsWidening,
		Exhausted:        in.Exhausted,
		IssuedQueries:    in.IssuedQueries,
		RefinedQueries:   in.RefinedQueries,
		CategoryFailures: in.CategoryFailures,
	}
	if in.Strategy != "" && len(in.Params) > 0 {
		p, err := DecodeWideningParams(in.Strategy, in.Params)
		if err != nil {
			return err
		}
		s.Params = p
	}
	return nil
}

// Clone returns a copy that shares no slices or maps with s.
func (s WideningState) Clone() WideningState {
	out := s
	out.IssuedQueries = append([]string(nil), s.IssuedQueries...)
	out.RefinedQueries = append([]string(nil), s.RefinedQueries...)
	if s.CategoryFailures != nil {
		out.CategoryFailures = make(map[SourceCategory]int, len(s.CategoryFailures))
		for k, v := range s.CategoryFailures {
			out.CategoryFailures[k] = v
		}
	}
	if cp, ok := s.Params.(CategoryParams); ok {
		cp.Categories = append([]SourceCategory(nil), cp.Categories...)
		out.Params = cp
	}
	return out
}

// WideningRequest asks the retrieval collaborator to reissue a broadened search.
type WideningRequest struct {
	TaskIndex int            `json:"task_index"`
	LineageID string         `json:"lineage_id"`
	Category  SourceCategory `json:"category"`
	Query     string         `json:"query"`
	Attempt   int            `json:"attempt"`
	Params    WideningParams `json:"-"`
}

// MarshalJSON encodes Params with its strategy tag.
func (r WideningRequest) MarshalJSON() ([]byte, error) {
	type alias WideningRequest
	out := struct {
		alias
		Strategy Strategy        `json:"strategy,omitempty"`
		Params   json.RawMessage `json:"params,omitempty"`
	}{alias: alias(r)}
	if r.Params != nil {
		raw, err := json.Marshal(r.Params)
		if err != nil {
			return nil, err
		}
		out.Strategy = r.Params.Strategy()
		out.Params = raw
	}
	return json.Marshal(out)
}
