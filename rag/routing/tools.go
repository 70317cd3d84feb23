package routing

import (
	"regexp"
	"strings"

	"github.com/BaSui01/evidenceloop/types"
)

// ToolRule 工具意图表中的一行
type ToolRule struct {
	Name   string
	Detect func(task *types.RetrievalTask, quality types.QualityLevel) []string
}

// toolPattern pairs a tool with the pattern that signals it.
type toolPattern struct {
	tool    string
	pattern *regexp.Regexp
}

// Evaluated in this order; the order of tools in a verdict follows it.
var queryPatterns = []toolPattern{
	{
		tool: types.ToolCalculator,
		pattern: regexp.MustCompile(
			`(?i)\b(calculate|compute|how much is|sum of|product of|square root|percent(age)? of|convert \d)|\d+(\.\d+)?\s*[+*/^×÷]\s*\d+|\d+\s+[-x%]\s+\d+`),
	},
	{
		tool: types.ToolCalendar,
		pattern: regexp.MustCompile(
			`(?i)\b(schedule|reschedule|calendar|appointment|meeting|remind me|what (day|date) is|days until|book a)\b`),
	},
	{
		tool: types.ToolWeather,
		pattern: regexp.MustCompile(
			`(?i)\b(weather|forecast|temperature|humidity|raining|snowing|sunny|wind speed)\b`),
	},
	{
		tool: types.ToolWebSearch,
		pattern: regexp.MustCompile(
			`(?i)\b(search the web|look (it )?up online|google|breaking news|latest news|stock price|exchange rate|live score)\b`),
	},
}

// contentKeywords are counted across candidate contents.
var contentKeywords = map[string][]string{
	types.ToolCalculator: {"calculate", "calculation", "formula", "equation", "arithmetic"},
	types.ToolCalendar:   {"calendar", "schedule", "appointment", "meeting invite", "deadline"},
	types.ToolWeather:    {"weather", "forecast", "temperature", "precipitation"},
	types.ToolWebSearch:  {"search engine", "web search", "see online", "check online"},
}

// lastResortPatterns are narrow signals used only when there is no evidence.
var lastResortPatterns = []toolPattern{
	{tool: types.ToolCalculator, pattern: regexp.MustCompile(`^[\s\d.+\-*/()%^=?]+$`)},
	{tool: types.ToolCalendar, pattern: regexp.MustCompile(`(?i)\b(today|tomorrow|yesterday|next (monday|tuesday|wednesday|thursday|friday|saturday|sunday))\b`)},
	{tool: types.ToolWebSearch, pattern: regexp.MustCompile(`(?i)\b(news|price|who won)\b`)},
}

// MinContentMentions 内容层面命中所需的最少关键词出现次数
const MinContentMentions = 2

// DefaultToolRules 按优先级返回默认工具意图表
func DefaultToolRules() []ToolRule {
	return []ToolRule{
		{
			Name: "query_pattern",
			Detect: func(task *types.RetrievalTask, _ types.QualityLevel) []string {
				return matchPatterns(queryPatterns, task.Query)
			},
		},
		{
			Name: "content_mentions",
			Detect: func(task *types.RetrievalTask, _ types.QualityLevel) []string {
				return countMentions(task.Candidates)
			},
		},
		{
			Name: "last_resort",
			Detect: func(task *types.RetrievalTask, quality types.QualityLevel) []string {
				if quality != types.QualityNone {
					return nil
				}
				return matchPatterns(lastResortPatterns, strings.TrimSpace(task.Query))
			},
		},
	}
}

func matchPatterns(patterns []toolPattern, text string) []string {
	if text == "" {
		return nil
	}
	var tools []string
	for _, p := range patterns {
		if p.pattern.MatchString(text) {
			tools = append(tools, p.tool)
		}
	}
	return tools
}

// countMentions returns tools whose keywords appear at least
// MinContentMentions times across all candidate contents.
func countMentions(candidates []types.Candidate) []string {
	if len(candidates) == 0 {
		return nil
	}
	var tools []string
	for _, tp := range queryPatterns {
		n := 0
		for i := range candidates {
			content := strings.ToLower(candidates[i].Content)
			for _, kw := range contentKeywords[tp.tool] {
				n += strings.Count(content, kw)
			}
		}
		if n >= MinContentMentions {
			tools = append(tools, tp.tool)
		}
	}
	return tools
}
