package rerank

import (
	"encoding/json"
	"fmt"
)

// Dialect 托管重排服务的协议格式
type Dialect string

const (
	DialectCohere Dialect = "cohere"
	DialectJina   Dialect = "jina"
	DialectVoyage Dialect = "voyage"
)

type dialect struct {
	baseURL string
	model   string
	path    string
	body    func(query string, docs []string, model string) any
	parse   func(raw []byte) ([]indexedScore, error)
}

var dialects = map[Dialect]dialect{
	DialectCohere: {
		baseURL: "https://api.cohere.ai",
		model:   "rerank-v3.5",
		path:    "/v2/rerank",
		body: func(query string, docs []string, model string) any {
			return cohereRerankRequest{Query: query, Documents: docs, Model: model, TopN: len(docs)}
		},
		parse: parseResults[cohereRerankResponse],
	},
	DialectJina: {
		baseURL: "https://api.jina.ai",
		model:   "jina-reranker-v2-base-multilingual",
		path:    "/v1/rerank",
		body: func(query string, docs []string, model string) any {
			return jinaRerankRequest{Query: query, Documents: docs, Model: model, TopN: len(docs)}
		},
		parse: parseResults[jinaRerankResponse],
	},
	DialectVoyage: {
		baseURL: "https://api.voyageai.com",
		model:   "rerank-2",
		path:    "/v1/rerank",
		body: func(query string, docs []string, model string) any {
			return voyageRerankRequest{Query: query, Documents: docs, Model: model, TopK: len(docs), Truncation: true}
		},
		parse: parseResults[voyageRerankResponse],
	},
}

// relevanceResult is the per-document entry shared by all three services.
type relevanceResult struct {
	Index          *int     `json:"index"`
	RelevanceScore *float64 `json:"relevance_score"`
}

type resultLister interface {
	entries() []relevanceResult
}

type cohereRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	TopN      int      `json:"top_n,omitempty"`
}

type cohereRerankResponse struct {
	ID      string            `json:"id"`
	Results []relevanceResult `json:"results"`
}

func (r cohereRerankResponse) entries() []relevanceResult { return r.Results }

type jinaRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	TopN      int      `json:"top_n,omitempty"`
}

type jinaRerankResponse struct {
	Model   string            `json:"model"`
	Results []relevanceResult `json:"results"`
}

func (r jinaRerankResponse) entries() []relevanceResult { return r.Results }

type voyageRerankRequest struct {
	Query      string   `json:"query"`
	Documents  []string `json:"documents"`
	Model      string   `json:"model"`
	TopK       int      `json:"top_k,omitempty"`
	Truncation bool     `json:"truncation"`
}

type voyageRerankResponse struct {
	Object string            `json:"object"`
	Data   []relevanceResult `json:"data"`
}

func (r voyageRerankResponse) entries() []relevanceResult { return r.Data }

// parseResults decodes a hosted response and converts its probabilities to logits.
func parseResults[R resultLister](raw []byte) ([]indexedScore, error) {
	var resp R
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	entries := resp.entries()
	out := make([]indexedScore, 0, len(entries))
	for i, e := range entries {
		if e.Index == nil || e.RelevanceScore == nil {
			return nil, fmt.Errorf("result %d lacks index or relevance_score", i)
		}
		out = append(out, indexedScore{Index: *e.Index, Score: logit(*e.RelevanceScore)})
	}
	return out, nil
}
