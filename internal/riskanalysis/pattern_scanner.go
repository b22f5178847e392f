package riskanalysis

import (
	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/apk-analysis/apk-risk/internal/rules"
)

// PatternResult 代码特征扫描结果
type PatternResult struct {
	Findings []domain.PatternFinding
	Score    int
	Skipped  int
}

// PatternScanner 可疑代码特征扫描器
type PatternScanner struct {
	rules *rules.RuleSet
}

// NewPatternScanner 创建特征扫描器
func NewPatternScanner(rs *rules.RuleSet) *PatternScanner {
	return &PatternScanner{rules: rs}
}

// Scan 对字符串池逐条匹配特征目录
// 每个字符串每命中一个特征记一条，不去重
func (s *PatternScanner) Scan(pool []string) PatternResult {
	result := PatternResult{Findings: []domain.PatternFinding{}}
	location := s.rules.PatternLocation()
	patterns := s.rules.Patterns()

	result.Skipped = foldStrings(pool, func(text string) {
		for _, p := range patterns {
			if !p.MatchString(text) {
				continue
			}
			result.Findings = append(result.Findings, domain.PatternFinding{
				Pattern:  p.ID,
				Score:    p.Score,
				Location: location,
			})
			result.Score += p.Score
		}
	})
	return result
}
