package riskanalysis

import (
	"strings"
	"time"

	"github.com/apk-analysis/apk-risk/internal/domain"
)

// DefaultFalsePositiveReason 未填写原因时的默认值
const DefaultFalsePositiveReason = "No reason provided"

// MarkFalsePositive 为报告附加误报信息
// 包名不一致时不修改报告；报告只允许标记一次
func MarkFalsePositive(report *domain.ScanReport, packageName, reason string, at time.Time) error {
	if report == nil || report.PackageName != strings.TrimSpace(packageName) {
		return domain.ErrReportMismatch
	}
	if report.FalsePositiveReported {
		return domain.ErrFalsePositiveAlreadyReported
	}

	if strings.TrimSpace(reason) == "" {
		reason = DefaultFalsePositiveReason
	}
	ts := at
	report.FalsePositiveReported = true
	report.FalsePositiveReason = reason
	report.FalsePositiveTimestamp = &ts
	return nil
}
