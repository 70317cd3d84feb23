package routing

import "github.com/BaSui01/evidenceloop/types"

// Classify 评估一组候选作为证据的质量等级
func Classify(candidates []types.Candidate) types.QualityLevel {
	if len(candidates) == 0 {
		return types.QualityNone
	}
	mean := types.MeanVectorScore(candidates)
	switch {
	case mean > 0.7 && len(candidates) >= 3:
		return types.QualityHigh
	case mean > 0.4 || len(candidates) >= 2:
		return types.QualityLow
	default:
		return types.QualityNone
	}
}
