package fusion

import (
	"math"

	"github.com/BaSui01/evidenceloop/types"
)

// Mode 融合模式
type Mode string

const (
	// ModePerCategory 每个任务独立打分，分数只在同一查询/类别内可比
	ModePerCategory Mode = "per_category"
	// ModeGlobalPool 所有任务的候选汇入同一池统一打分
	ModeGlobalPool Mode = "global_pool"
)

// Config 融合引擎配置
type Config struct {
	Mode               Mode                             `json:"mode"`
	Thresholds         map[types.SourceCategory]float64 `json:"thresholds"`
	DefaultThreshold   float64                          `json:"default_threshold"`
	MaxResults         int                              `json:"max_results"`
	KeepBelowThreshold bool                             `json:"keep_below_threshold"`
	MaxConcurrency     int                              `json:"max_concurrency"`
}

// DefaultThresholds 返回各类别的默认最低混合分数
func DefaultThresholds() map[types.SourceCategory]float64 {
	return map[types.SourceCategory]float64{
		types.CategoryCode: 0.30,
		types.CategoryDoc:  0.55,
		types.CategoryNote: 0.40,
		types.CategoryWeb:  0.50,
	}
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Mode:             ModePerCategory,
		Thresholds:       DefaultThresholds(),
		DefaultThreshold: 0.35,
		MaxResults:       8,
		MaxConcurrency:   4,
	}
}

// Threshold 返回类别的最低混合分数，未知类别使用默认阈值
func (c Config) Threshold(category types.SourceCategory) float64 {
	if t, ok := c.Thresholds[category]; ok {
		return t
	}
	return c.DefaultThreshold
}

// Validate 校验配置
func (c Config) Validate() error {
	switch c.Mode {
	case "", ModePerCategory, ModeGlobalPool:
	default:
		return types.Errorf(types.ErrInvalidConfig, "unknown fusion mode %q", c.Mode)
	}
	for cat, t := range c.Thresholds {
		if !unit(t) {
			return types.Errorf(types.ErrInvalidConfig, "threshold for %q must be in [0,1], got %v", cat, t)
		}
	}
	if !unit(c.DefaultThreshold) {
		return types.Errorf(types.ErrInvalidConfig, "default threshold must be in [0,1], got %v", c.DefaultThreshold)
	}
	if c.MaxResults < 0 || c.MaxConcurrency < 0 {
		return types.NewError(types.ErrInvalidConfig, "max_results and max_concurrency must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.Thresholds == nil {
		c.Thresholds = d.Thresholds
	}
	if c.MaxResults == 0 {
		c.MaxResults = d.MaxResults
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	return c
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
