package rerank

import (
	"unicode"

	"github.com/BaSui01/evidenceloop/types"
)

// Selector 为一批候选选择重排后端：
//
//   - 配置了凭证（存在托管后端）时使用托管后端
//   - 否则使用本地后端；部署了大模型时，代码类候选或非 ASCII 查询使用大模型
type Selector struct {
	hosted     Backend
	local      Backend
	localLarge Backend
}

// NewSelector 创建选择器。参数可以为 nil，但不能全部为 nil。
func NewSelector(hosted, local, localLarge Backend) (*Selector, error) {
	if hosted == nil && local == nil && localLarge == nil {
		return nil, types.NewError(types.ErrInvalidConfig, "no reranking backend configured")
	}
	return &Selector{hosted: hosted, local: local, localLarge: localLarge}, nil
}

// Select 返回用于 query 与 candidates 的后端，从不返回 nil
func (s *Selector) Select(query string, candidates []types.Candidate) Backend {
	if s.hosted != nil {
		return s.hosted
	}
	if s.localLarge != nil && (s.local == nil || wantsLargeModel(query, candidates)) {
		return s.localLarge
	}
	return s.local
}

// Backends 列出已配置的后端
func (s *Selector) Backends() []Backend {
	var out []Backend
	for _, b := range []Backend{s.hosted, s.local, s.localLarge} {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

func wantsLargeModel(query string, candidates []types.Candidate) bool {
	for i := range candidates {
		if candidates[i].SourceCategory == types.CategoryCode {
			return true
		}
	}
	return !isASCII(query)
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
