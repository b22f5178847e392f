package domain

import "time"

// ScanRecord 扫描历史表
type ScanRecord struct {
	ID          string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PackageName string `gorm:"type:varchar(255);index:idx_package_name;not null" json:"package_name"`
	AppName     string `gorm:"type:varchar(255)" json:"app_name,omitempty"`
	APKName     string `gorm:"type:varchar(255)" json:"apk_name,omitempty"`
	APKHash     string `gorm:"type:varchar(64);index:idx_apk_hash" json:"apk_hash"`

	TotalScore     int       `gorm:"default:0" json:"total_score"`
	OverallRisk    RiskLevel `gorm:"type:varchar(30);index:idx_overall_risk" json:"overall_risk"`
	IsKnownSafeApp bool      `gorm:"default:false" json:"is_known_safe_app"`

	// 误报标记（冗余存储，方便查询）
	FalsePositiveReported bool `gorm:"default:false" json:"false_positive_reported"`

	// 完整报告 JSON
	ReportJSON string `gorm:"type:mediumtext" json:"report_json,omitempty"`

	AnalyzedAt time.Time `gorm:"index:idx_analyzed_at" json:"analyzed_at"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (ScanRecord) TableName() string {
	return "apk_scan_records"
}

// SafeApp 白名单应用表（数据库白名单来源）
type SafeApp struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	PackageName string    `gorm:"type:varchar(255);uniqueIndex:uk_package_name;not null" json:"package_name"`
	AppName     string    `gorm:"type:varchar(255)" json:"app_name,omitempty"`
	Category    string    `gorm:"type:varchar(100)" json:"category,omitempty"`
	Status      string    `gorm:"type:varchar(20);default:'active';index:idx_status" json:"status"` // active, disabled
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (SafeApp) TableName() string {
	return "safe_apps"
}
