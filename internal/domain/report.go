package domain

import "time"

// RiskLevel 综合风险等级
type RiskLevel string

const (
	RiskLikelySafe       RiskLevel = "Likely Safe"
	RiskModerate         RiskLevel = "Moderate Risk"
	RiskPotentiallyRisky RiskLevel = "Potentially Risky"
	RiskDangerous        RiskLevel = "Dangerous"
)

// Rank 等级序号，越大越危险（未知等级返回 -1）
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLikelySafe:
		return 0
	case RiskModerate:
		return 1
	case RiskPotentiallyRisky:
		return 2
	case RiskDangerous:
		return 3
	default:
		return -1
	}
}

// PermissionRisk 单个权限风险分级
type PermissionRisk string

const (
	PermissionLow    PermissionRisk = "Low Risk"
	PermissionMedium PermissionRisk = "Medium Risk"
	PermissionHigh   PermissionRisk = "High Risk"
)

// 风险说明
const (
	RiskNoteKnownSafe = "Known safe app (score reduced)"
	RiskNoteUnknown   = "Unknown app"
)

// PermissionAnnotation 权限风险标注
type PermissionAnnotation struct {
	Name string         `json:"name"`
	Risk PermissionRisk `json:"risk"`
}

// DomainFinding 可疑域名命中
type DomainFinding struct {
	Domain string `json:"url"`
	Reason string `json:"reason"`
	Score  int    `json:"score"`
}

// PatternFinding 可疑代码特征命中
type PatternFinding struct {
	Pattern  string `json:"pattern"`
	Score    int    `json:"score"`
	Location string `json:"location"`
}

// ScanReport APK 风险分析报告
// 创建后只允许一次修改：附加误报信息
type ScanReport struct {
	ID          string `json:"id"`
	AppName     string `json:"app_name"`
	PackageName string `json:"package"`
	Version     string `json:"version"`
	VersionName string `json:"version_name"`
	VersionCode string `json:"version_code"`
	APKHash     string `json:"apk_hash"`

	Permissions []PermissionAnnotation `json:"permissions"`

	// 各维度得分
	PermissionScore  int    `json:"permission_score"`
	DomainScore      int    `json:"url_score"`
	PatternScore     int    `json:"code_analysis_score"`
	CertificateScore int    `json:"certificate_score"`
	CertificateNotes string `json:"certificate_notes"`

	// 综合结论
	TotalScore  int       `json:"total_score"`
	OverallRisk RiskLevel `json:"overall_risk"`
	RiskNote    string    `json:"risk_note"`

	HighRiskPermissions []string         `json:"high_risk_permissions"`
	SuspiciousDomains   []DomainFinding  `json:"suspicious_urls"`
	SuspiciousPatterns  []PatternFinding `json:"suspicious_code_patterns"`

	IsKnownSafeApp    bool      `json:"is_known_safe_app"`
	AnalysisTimestamp time.Time `json:"analysis_timestamp"`

	// 误报信息
	FalsePositiveReported  bool       `json:"false_positive_reported"`
	FalsePositiveReason    string     `json:"false_positive_reason,omitempty"`
	FalsePositiveTimestamp *time.Time `json:"false_positive_timestamp,omitempty"`
}

// ScanSummary 扫描摘要（历史列表、事件推送使用）
type ScanSummary struct {
	ID             string    `json:"id"`
	PackageName    string    `json:"package"`
	AppName        string    `json:"app_name"`
	APKHash        string    `json:"apk_hash"`
	TotalScore     int       `json:"total_score"`
	OverallRisk    RiskLevel `json:"overall_risk"`
	IsKnownSafeApp bool      `json:"is_known_safe_app"`
	FalsePositive  bool      `json:"false_positive_reported"`
	AnalyzedAt     time.Time `json:"analysis_timestamp"`
}

// Summary 生成报告摘要
func (r *ScanReport) Summary() ScanSummary {
	return ScanSummary{
		ID:             r.ID,
		PackageName:    r.PackageName,
		AppName:        r.AppName,
		APKHash:        r.APKHash,
		TotalScore:     r.TotalScore,
		OverallRisk:    r.OverallRisk,
		IsKnownSafeApp: r.IsKnownSafeApp,
		FalsePositive:  r.FalsePositiveReported,
		AnalyzedAt:     r.AnalysisTimestamp,
	}
}
