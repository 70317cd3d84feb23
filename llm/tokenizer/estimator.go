package tokenizer

// EstimatorTokenizer 基于字符数的 token 估算器。
// CJK 字符按 1/1.5 个 token 计，其余字符按 1/4 个 token 计。
type EstimatorTokenizer struct{}

// NewEstimatorTokenizer 创建估算器
func NewEstimatorTokenizer() *EstimatorTokenizer {
	return &EstimatorTokenizer{}
}

func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	estimated := int(weight(text))
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

// Truncate 在估算值将超过 maxTokens 的第一个字符处截断
func (e *EstimatorTokenizer) Truncate(text string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return text, nil
	}
	budget := float64(maxTokens)
	var used float64
	for i, r := range text {
		used += runeWeight(r)
		if used > budget {
			return text[:i], nil
		}
	}
	return text, nil
}

func (e *EstimatorTokenizer) Name() string {
	return "estimator"
}

func weight(text string) float64 {
	var total float64
	for _, r := range text {
		total += runeWeight(r)
	}
	return total
}

func runeWeight(r rune) float64 {
	if isCJK(r) {
		return 1 / 1.5
	}
	return 1 / 4.0
}

// isCJK returns true if the rune is a CJK character.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
