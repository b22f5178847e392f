package riskanalysis

import (
	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/apk-analysis/apk-risk/internal/rules"
)

// PermissionResult 权限维度评分结果
type PermissionResult struct {
	RawScore    int                           // 各权限分值之和
	Score       int                           // 放大后的得分（截断为整数）
	HighRisk    []string                      // 高危权限（保持输入顺序）
	Annotations []domain.PermissionAnnotation // 每个声明权限的风险标注
}

// PermissionModel 权限风险模型
type PermissionModel struct {
	rules *rules.RuleSet
}

// NewPermissionModel 创建权限风险模型
func NewPermissionModel(rs *rules.RuleSet) *PermissionModel {
	return &PermissionModel{rules: rs}
}

// Tier 单个权限的风险分级，未知权限为低风险
func (m *PermissionModel) Tier(permission string) domain.PermissionRisk {
	score := m.rules.PermissionScore(permission)
	switch {
	case score >= m.rules.HighRiskMinScore():
		return domain.PermissionHigh
	case score >= m.rules.MediumRiskMinScore():
		return domain.PermissionMedium
	default:
		return domain.PermissionLow
	}
}

// Score 计算权限得分
// 每多一个高危权限，总分额外放大 amplification_percent，组合权限比简单相加更危险
func (m *PermissionModel) Score(permissions []string) PermissionResult {
	result := PermissionResult{
		HighRisk:    []string{},
		Annotations: make([]domain.PermissionAnnotation, 0, len(permissions)),
	}

	for _, p := range permissions {
		s := m.rules.PermissionScore(p)
		result.RawScore += s
		if s >= m.rules.HighRiskMinScore() {
			result.HighRisk = append(result.HighRisk, p)
		}
		result.Annotations = append(result.Annotations, domain.PermissionAnnotation{Name: p, Risk: m.Tier(p)})
	}

	multiplier := 100 + m.rules.AmplificationPercent()*len(result.HighRisk)
	result.Score = result.RawScore * multiplier / 100
	return result
}
