package riskanalysis

import (
	"strings"

	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/apk-analysis/apk-risk/internal/rules"
)

// 域名命中原因
const (
	ReasonKnownMalicious     = "Known malicious domain"
	ReasonSuspiciousExternal = "Suspicious external domain"
)

// DomainResult 域名信誉扫描结果
type DomainResult struct {
	Findings []domain.DomainFinding
	Score    int
	Skipped  int
}

// DomainScanner 域名信誉扫描器（纯本地规则，不发起网络请求）
type DomainScanner struct {
	rules *rules.RuleSet
}

// NewDomainScanner 创建域名扫描器
func NewDomainScanner(rs *rules.RuleSet) *DomainScanner {
	return &DomainScanner{rules: rs}
}

// Scan 提取字符串中的 URL 主机并分类
func (s *DomainScanner) Scan(pool []string) DomainResult {
	result := DomainResult{Findings: []domain.DomainFinding{}}

	result.Skipped = foldStrings(pool, func(text string) {
		for _, host := range s.rules.ExtractHosts(text) {
			if finding, ok := s.Classify(host); ok {
				result.Findings = append(result.Findings, finding)
				result.Score += finding.Score
			}
		}
	})
	return result
}

// Classify 对单个主机名分类，按顺序首个命中生效：
// 已知恶意 > 非白名单且含可疑关键词 > 不标记
// 主机名按原样比较（区分大小写），只有规则文件中的列表会被标准化
func (s *DomainScanner) Classify(host string) (domain.DomainFinding, bool) {
	if len(host) < s.rules.DomainMinLength() {
		return domain.DomainFinding{}, false
	}

	if s.rules.IsKnownBad(host) {
		return domain.DomainFinding{Domain: host, Reason: ReasonKnownMalicious, Score: s.rules.KnownBadScore()}, true
	}
	if s.rules.IsKnownGood(host) {
		return domain.DomainFinding{}, false
	}
	for _, kw := range s.rules.SuspiciousKeywords() {
		if strings.Contains(host, kw) {
			return domain.DomainFinding{Domain: host, Reason: ReasonSuspiciousExternal, Score: s.rules.SuspiciousScore()}, true
		}
	}
	return domain.DomainFinding{}, false
}
