package rules

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/apk-analysis/apk-risk/internal/domain"
	"gopkg.in/yaml.v3"
)

// defaultRules 编译期内置的默认规则
//
//go:embed default_rules.yaml
var defaultRules []byte

// File 规则文件结构（YAML）
type File struct {
	Permissions PermissionSection  `yaml:"permissions"`
	Patterns    PatternSection     `yaml:"patterns"`
	Domains     DomainSection      `yaml:"domains"`
	Certificate CertificateSection `yaml:"certificate"`
	Verdict     VerdictSection     `yaml:"verdict"`
}

type PermissionSection struct {
	HighRiskMinScore     int               `yaml:"high_risk_min_score"`
	MediumRiskMinScore   int               `yaml:"medium_risk_min_score"`
	AmplificationPercent int               `yaml:"amplification_percent"`
	Scores               []PermissionScore `yaml:"scores"`
}

type PermissionScore struct {
	Name  string `yaml:"name"`
	Score int    `yaml:"score"`
}

type PatternSection struct {
	Location string        `yaml:"location"`
	Catalog  []PatternRule `yaml:"catalog"`
}

type PatternRule struct {
	Pattern string `yaml:"pattern"`
	Score   int    `yaml:"score"`
}

type DomainSection struct {
	URLPattern         string   `yaml:"url_pattern"`
	MinLength          int      `yaml:"min_length"`
	KnownBadScore      int      `yaml:"known_bad_score"`
	SuspiciousScore    int      `yaml:"suspicious_score"`
	SuspiciousKeywords []string `yaml:"suspicious_keywords"`
	KnownGood          []string `yaml:"known_good"`
	KnownBad           []string `yaml:"known_bad"`
}

type CertificateSection struct {
	MissingScore int `yaml:"missing_score"`
	FailedScore  int `yaml:"failed_score"`
}

type VerdictSection struct {
	AllowlistDiscountPercent int              `yaml:"allowlist_discount_percent"`
	Tiers                    []TierRule       `yaml:"tiers"`
	DefaultLevel             domain.RiskLevel `yaml:"default_level"`
}

type TierRule struct {
	Level domain.RiskLevel `yaml:"level"`
	Above int              `yaml:"above"`
}

// CompiledPattern 预编译的特征
type CompiledPattern struct {
	ID    string
	Score int
	re    *regexp.Regexp
}

// MatchString 忽略大小写匹配
func (p CompiledPattern) MatchString(s string) bool {
	return p.re.MatchString(s)
}

// RuleSet 加载并校验后的只读规则集，可在多个分析间共享
type RuleSet struct {
	permissionScores     map[string]int
	highRiskMinScore     int
	mediumRiskMinScore   int
	amplificationPercent int

	patterns        []CompiledPattern
	patternLocation string

	urlPattern         *regexp.Regexp
	domainMinLength    int
	knownBadScore      int
	suspiciousScore    int
	suspiciousKeywords []string
	knownGood          map[string]bool
	knownBad           map[string]bool

	certMissingScore int
	certFailedScore  int

	discountPercent int
	tiers           []TierRule
	defaultLevel    domain.RiskLevel
}

// Default 加载内置规则
func Default() (*RuleSet, error) {
	return Parse(defaultRules)
}

// MustDefault 加载内置规则，失败直接 panic（内置规则损坏属于构建错误）
func MustDefault() *RuleSet {
	rs, err := Default()
	if err != nil {
		panic(fmt.Sprintf("embedded rules are invalid: %v", err))
	}
	return rs
}

// LoadFile 从外部 YAML 文件加载规则；path 为空时使用内置规则
func LoadFile(path string) (*RuleSet, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse 解析、校验并编译规则
func Parse(data []byte) (*RuleSet, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}
	return Compile(&f)
}

// Compile 校验规则文件并生成规则集
func Compile(f *File) (*RuleSet, error) {
	rs := &RuleSet{
		permissionScores:     make(map[string]int, len(f.Permissions.Scores)),
		highRiskMinScore:     f.Permissions.HighRiskMinScore,
		mediumRiskMinScore:   f.Permissions.MediumRiskMinScore,
		amplificationPercent: f.Permissions.AmplificationPercent,
		patternLocation:      f.Patterns.Location,
		domainMinLength:      f.Domains.MinLength,
		knownBadScore:        f.Domains.KnownBadScore,
		suspiciousScore:      f.Domains.SuspiciousScore,
		knownGood:            make(map[string]bool, len(f.Domains.KnownGood)),
		knownBad:             make(map[string]bool, len(f.Domains.KnownBad)),
		certMissingScore:     f.Certificate.MissingScore,
		certFailedScore:      f.Certificate.FailedScore,
		discountPercent:      f.Verdict.AllowlistDiscountPercent,
		defaultLevel:         f.Verdict.DefaultLevel,
	}

	if rs.highRiskMinScore <= 0 || rs.mediumRiskMinScore < 0 || rs.mediumRiskMinScore > rs.highRiskMinScore {
		return nil, fmt.Errorf("invalid permission tier bounds: medium=%d high=%d", rs.mediumRiskMinScore, rs.highRiskMinScore)
	}
	if rs.amplificationPercent < 0 {
		return nil, fmt.Errorf("amplification_percent must be non-negative")
	}
	for _, p := range f.Permissions.Scores {
		if p.Name == "" || p.Score < 0 {
			return nil, fmt.Errorf("invalid permission score entry %q: %d", p.Name, p.Score)
		}
		rs.permissionScores[p.Name] = p.Score
	}

	if rs.patternLocation == "" {
		rs.patternLocation = "APK strings"
	}
	for _, p := range f.Patterns.Catalog {
		if p.Score < 0 {
			return nil, fmt.Errorf("pattern %q has negative score", p.Pattern)
		}
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile pattern %q: %w", p.Pattern, err)
		}
		rs.patterns = append(rs.patterns, CompiledPattern{ID: p.Pattern, Score: p.Score, re: re})
	}

	urlRe, err := regexp.Compile(f.Domains.URLPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile url pattern: %w", err)
	}
	if urlRe.NumSubexp() < 1 {
		return nil, fmt.Errorf("url pattern must capture the host")
	}
	rs.urlPattern = urlRe
	if rs.knownBadScore < 0 || rs.suspiciousScore < 0 {
		return nil, fmt.Errorf("domain scores must be non-negative")
	}
	for _, kw := range f.Domains.SuspiciousKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			rs.suspiciousKeywords = append(rs.suspiciousKeywords, kw)
		}
	}
	for _, d := range f.Domains.KnownGood {
		rs.knownGood[normalizeDomain(d)] = true
	}
	for _, d := range f.Domains.KnownBad {
		d = normalizeDomain(d)
		if rs.knownGood[d] {
			return nil, fmt.Errorf("domain %q is both known good and known bad", d)
		}
		rs.knownBad[d] = true
	}

	if rs.certMissingScore < 0 || rs.certFailedScore < 0 {
		return nil, fmt.Errorf("certificate scores must be non-negative")
	}

	if rs.discountPercent < 0 || rs.discountPercent > 100 {
		return nil, fmt.Errorf("allowlist_discount_percent must be within [0,100], got %d", rs.discountPercent)
	}
	if rs.defaultLevel.Rank() < 0 {
		return nil, fmt.Errorf("unknown default level %q", rs.defaultLevel)
	}
	// 阈值必须严格递减且等级严格递减，保证等级映射单调
	for i, t := range f.Verdict.Tiers {
		if t.Level.Rank() < 0 {
			return nil, fmt.Errorf("unknown tier level %q", t.Level)
		}
		if i > 0 {
			prev := f.Verdict.Tiers[i-1]
			if t.Above >= prev.Above || t.Level.Rank() >= prev.Level.Rank() {
				return nil, fmt.Errorf("tiers must be ordered from highest to lowest: %q after %q", t.Level, prev.Level)
			}
		}
		if t.Level.Rank() <= rs.defaultLevel.Rank() {
			return nil, fmt.Errorf("tier %q must rank above default level %q", t.Level, rs.defaultLevel)
		}
	}
	rs.tiers = append([]TierRule(nil), f.Verdict.Tiers...)

	return rs, nil
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

// PermissionScore 单个权限分值，未知权限为 0
func (rs *RuleSet) PermissionScore(permission string) int {
	return rs.permissionScores[permission]
}

// HighRiskMinScore 高危权限最低分值
func (rs *RuleSet) HighRiskMinScore() int { return rs.highRiskMinScore }

// MediumRiskMinScore 中危权限最低分值
func (rs *RuleSet) MediumRiskMinScore() int { return rs.mediumRiskMinScore }

// AmplificationPercent 每个高危权限的放大百分比
func (rs *RuleSet) AmplificationPercent() int { return rs.amplificationPercent }

// Patterns 按声明顺序返回特征目录
func (rs *RuleSet) Patterns() []CompiledPattern { return rs.patterns }

// PatternLocation 特征命中位置标签
func (rs *RuleSet) PatternLocation() string { return rs.patternLocation }

// ExtractHosts 提取字符串中所有 URL 形式的主机名
func (rs *RuleSet) ExtractHosts(text string) []string {
	matches := rs.urlPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	hosts := make([]string, 0, len(matches))
	for _, m := range matches {
		hosts = append(hosts, m[1])
	}
	return hosts
}

// DomainMinLength 最短有效域名长度
func (rs *RuleSet) DomainMinLength() int { return rs.domainMinLength }

// KnownBadScore 恶意域名分值
func (rs *RuleSet) KnownBadScore() int { return rs.knownBadScore }

// SuspiciousScore 可疑域名分值
func (rs *RuleSet) SuspiciousScore() int { return rs.suspiciousScore }

// SuspiciousKeywords 可疑域名关键词
func (rs *RuleSet) SuspiciousKeywords() []string { return rs.suspiciousKeywords }

// IsKnownGood 是否已知正常域名（精确匹配）
func (rs *RuleSet) IsKnownGood(domain string) bool { return rs.knownGood[domain] }

// IsKnownBad 是否已知恶意域名（精确匹配）
func (rs *RuleSet) IsKnownBad(domain string) bool { return rs.knownBad[domain] }

// CertificateMissingScore 无证书分值
func (rs *RuleSet) CertificateMissingScore() int { return rs.certMissingScore }

// CertificateFailedScore 证书解析失败分值
func (rs *RuleSet) CertificateFailedScore() int { return rs.certFailedScore }

// DiscountPercent 白名单应用保留得分百分比
func (rs *RuleSet) DiscountPercent() int { return rs.discountPercent }

// Level 得分到风险等级的映射（单调）
func (rs *RuleSet) Level(score float64) domain.RiskLevel {
	for _, t := range rs.tiers {
		if score > float64(t.Above) {
			return t.Level
		}
	}
	return rs.defaultLevel
}

// Stats 规则数量统计
func (rs *RuleSet) Stats() map[string]int {
	return map[string]int{
		"permissions": len(rs.permissionScores),
		"patterns":    len(rs.patterns),
		"known_good":  len(rs.knownGood),
		"known_bad":   len(rs.knownBad),
		"tiers":       len(rs.tiers),
	}
}
