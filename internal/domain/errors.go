package domain

import "errors"

var (
	// 输入错误：单次分析失败，不产生报告
	ErrPackageNotFound    = errors.New("apk file not found")
	ErrUnreadablePackage  = errors.New("unreadable package")
	ErrMissingPackageName = errors.New("could not extract package name from apk")

	// 误报上报
	ErrReportMismatch               = errors.New("no matching scan result found")
	ErrFalsePositiveAlreadyReported = errors.New("false positive already reported")

	// 历史记录
	ErrScanNotFound = errors.New("scan not found")
)
