package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/apk-analysis/apk-risk/internal/domain"
	"gorm.io/gorm"
)

// ScanRecordRepository 扫描历史 Repository
type ScanRecordRepository interface {
	Save(ctx context.Context, report *domain.ScanReport, apkName string) error
	Update(ctx context.Context, report *domain.ScanReport) error
	FindByID(ctx context.Context, id string) (*domain.ScanReport, error)
	FindLatestByPackage(ctx context.Context, packageName string) (*domain.ScanReport, error)
	ListRecent(ctx context.Context, limit int) ([]domain.ScanRecord, error)
	Count(ctx context.Context) (int64, error)
}

type scanRecordRepo struct {
	db *gorm.DB
}

// NewScanRecordRepository 创建扫描历史 Repository
func NewScanRecordRepository(db *gorm.DB) ScanRecordRepository {
	return &scanRecordRepo{db: db}
}

// toRecord 报告转存储记录，完整报告以 JSON 保存
func toRecord(report *domain.ScanReport, apkName string) (*domain.ScanRecord, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return &domain.ScanRecord{
		ID:                    report.ID,
		PackageName:           report.PackageName,
		AppName:               report.AppName,
		APKName:               apkName,
		APKHash:               report.APKHash,
		TotalScore:            report.TotalScore,
		OverallRisk:           report.OverallRisk,
		IsKnownSafeApp:        report.IsKnownSafeApp,
		FalsePositiveReported: report.FalsePositiveReported,
		ReportJSON:            string(data),
		AnalyzedAt:            report.AnalysisTimestamp,
	}, nil
}

// ReportFromRecord 解析记录中的完整报告
func ReportFromRecord(record *domain.ScanRecord) (*domain.ScanReport, error) {
	var report domain.ScanReport
	if err := json.Unmarshal([]byte(record.ReportJSON), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report %s: %w", record.ID, err)
	}
	return &report, nil
}

// Save 保存扫描报告
func (r *scanRecordRepo) Save(ctx context.Context, report *domain.ScanReport, apkName string) error {
	record, err := toRecord(report, apkName)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(record).Error
}

// Update 更新报告（误报标记）
// 只更新尚未标记误报的记录，并发上报时只有一次成功
func (r *scanRecordRepo) Update(ctx context.Context, report *domain.ScanReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	db := r.db.WithContext(ctx)
	result := db.Model(&domain.ScanRecord{}).
		Where("id = ? AND false_positive_reported = ?", report.ID, false).
		Updates(map[string]interface{}{
			"false_positive_reported": report.FalsePositiveReported,
			"report_json":             string(data),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := db.Model(&domain.ScanRecord{}).Where("id = ?", report.ID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrScanNotFound
	}
	return domain.ErrFalsePositiveAlreadyReported
}

// FindByID 根据 ID 查询报告
func (r *scanRecordRepo) FindByID(ctx context.Context, id string) (*domain.ScanReport, error) {
	var record domain.ScanRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrScanNotFound
	}
	if err != nil {
		return nil, err
	}
	return ReportFromRecord(&record)
}

// FindLatestByPackage 查询包名最近一次报告
func (r *scanRecordRepo) FindLatestByPackage(ctx context.Context, packageName string) (*domain.ScanReport, error) {
	var record domain.ScanRecord
	err := r.db.WithContext(ctx).
		Where("package_name = ?", packageName).
		Order("analyzed_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrScanNotFound
	}
	if err != nil {
		return nil, err
	}
	return ReportFromRecord(&record)
}

// ListRecent 最近的扫描记录（新的在前）
func (r *scanRecordRepo) ListRecent(ctx context.Context, limit int) ([]domain.ScanRecord, error) {
	var records []domain.ScanRecord
	err := r.db.WithContext(ctx).
		Order("analyzed_at DESC").
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// Count 扫描记录总数
func (r *scanRecordRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.ScanRecord{}).Count(&count).Error
	return count, err
}
