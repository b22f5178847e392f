package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apk-analysis/apk-risk/internal/apkfacts"
	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/apk-analysis/apk-risk/internal/repository"
	"github.com/apk-analysis/apk-risk/internal/riskanalysis"
	"github.com/sirupsen/logrus"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// 扫描事件类型
const (
	EventScanCompleted = "scan_completed"
	EventScanFailed    = "scan_failed"
	EventFalsePositive = "false_positive_reported"
)

// ScanEvent 推送给订阅者的扫描事件
type ScanEvent struct {
	Type      string              `json:"type"`
	APKName   string              `json:"apk_name,omitempty"`
	Summary   *domain.ScanSummary `json:"summary,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// EventPublisher 扫描事件发布
type EventPublisher interface {
	Publish(event ScanEvent)
}

// ScanMetrics 扫描指标
type ScanMetrics interface {
	RecordScan(report *domain.ScanReport, duration time.Duration)
	RecordScanFailure(reason string)
	RecordFalsePositive()
}

// Analyzer 风险聚合器
type Analyzer interface {
	Analyze(ctx context.Context, facts *domain.PackageFacts) (*domain.ScanReport, error)
}

// ScanService 扫描服务接口
type ScanService interface {
	// 扫描 APK（或事实文件）并保存历史
	ScanFile(ctx context.Context, path string, apkName string) (*domain.ScanReport, error)

	// 获取报告
	GetReport(ctx context.Context, id string) (*domain.ScanReport, error)

	// 最近的扫描历史
	ListHistory(ctx context.Context, limit int) ([]domain.ScanSummary, error)

	// 上报误报；scanID 为空时取该包名最近一次扫描
	ReportFalsePositive(ctx context.Context, scanID, packageName, reason string) (*domain.ScanReport, error)

	// 当前白名单
	SafeApps(ctx context.Context) []string
}

type scanService struct {
	provider  apkfacts.Provider
	analyzer  Analyzer
	repo      repository.ScanRecordRepository
	allowlist riskanalysis.AllowlistSource
	metrics   ScanMetrics
	events    EventPublisher
	logger    *logrus.Logger
	now       func() time.Time
}

// ScanServiceDeps 扫描服务依赖，metrics 和 events 可为 nil
type ScanServiceDeps struct {
	Provider  apkfacts.Provider
	Analyzer  Analyzer
	Repo      repository.ScanRecordRepository
	Allowlist riskanalysis.AllowlistSource
	Metrics   ScanMetrics
	Events    EventPublisher
	Logger    *logrus.Logger
}

// NewScanService 创建扫描服务实例
func NewScanService(deps ScanServiceDeps) ScanService {
	return &scanService{
		provider:  deps.Provider,
		analyzer:  deps.Analyzer,
		repo:      deps.Repo,
		allowlist: deps.Allowlist,
		metrics:   deps.Metrics,
		events:    deps.Events,
		logger:    deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// FailureReason 扫描失败原因（指标标签）
func FailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrPackageNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrMissingPackageName):
		return "missing_package"
	case errors.Is(err, domain.ErrUnreadablePackage):
		return "unreadable"
	default:
		return "internal"
	}
}

func (s *scanService) ScanFile(ctx context.Context, path string, apkName string) (*domain.ScanReport, error) {
	start := time.Now()
	log := s.logger.WithField("apk_name", apkName)

	report, err := s.analyze(ctx, path)
	if err != nil {
		reason := FailureReason(err)
		log.WithError(err).WithField("reason", reason).Warn("APK scan failed")
		if s.metrics != nil {
			s.metrics.RecordScanFailure(reason)
		}
		s.publish(ScanEvent{Type: EventScanFailed, APKName: apkName, Error: err.Error()})
		return nil, err
	}

	// 历史保存失败不影响本次结论
	if err := s.repo.Save(ctx, report, apkName); err != nil {
		log.WithError(err).WithField("scan_id", report.ID).Error("Failed to save scan result")
	}

	if s.metrics != nil {
		s.metrics.RecordScan(report, time.Since(start))
	}
	summary := report.Summary()
	s.publish(ScanEvent{Type: EventScanCompleted, APKName: apkName, Summary: &summary})

	log.WithFields(logrus.Fields{
		"scan_id":     report.ID,
		"package":     report.PackageName,
		"total_score": report.TotalScore,
		"risk":        report.OverallRisk,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("APK scan completed")

	return report, nil
}

func (s *scanService) analyze(ctx context.Context, path string) (*domain.ScanReport, error) {
	facts, err := s.provider.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.analyzer.Analyze(ctx, facts)
}

func (s *scanService) GetReport(ctx context.Context, id string) (*domain.ScanReport, error) {
	report, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrScanNotFound) {
			s.logger.WithError(err).WithField("scan_id", id).Error("Failed to get scan report")
		}
		return nil, fmt.Errorf("获取扫描报告失败: %w", err)
	}
	return report, nil
}

func (s *scanService) ListHistory(ctx context.Context, limit int) ([]domain.ScanSummary, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	records, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list scan history")
		return nil, fmt.Errorf("获取扫描历史失败: %w", err)
	}

	summaries := make([]domain.ScanSummary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, domain.ScanSummary{
			ID:             r.ID,
			PackageName:    r.PackageName,
			AppName:        r.AppName,
			APKHash:        r.APKHash,
			TotalScore:     r.TotalScore,
			OverallRisk:    r.OverallRisk,
			IsKnownSafeApp: r.IsKnownSafeApp,
			FalsePositive:  r.FalsePositiveReported,
			AnalyzedAt:     r.AnalyzedAt,
		})
	}
	return summaries, nil
}

func (s *scanService) ReportFalsePositive(ctx context.Context, scanID, packageName, reason string) (*domain.ScanReport, error) {
	var (
		report *domain.ScanReport
		err    error
	)
	packageName = strings.TrimSpace(packageName)
	if scanID != "" {
		report, err = s.repo.FindByID(ctx, scanID)
	} else {
		report, err = s.repo.FindLatestByPackage(ctx, packageName)
		if errors.Is(err, domain.ErrScanNotFound) {
			err = domain.ErrReportMismatch
		}
	}
	if err != nil {
		return nil, fmt.Errorf("上报误报失败: %w", err)
	}

	if err := riskanalysis.MarkFalsePositive(report, packageName, reason, s.now()); err != nil {
		return nil, fmt.Errorf("上报误报失败: %w", err)
	}
	if err := s.repo.Update(ctx, report); err != nil {
		s.logger.WithError(err).WithField("scan_id", report.ID).Error("Failed to save false positive report")
		return nil, fmt.Errorf("保存误报信息失败: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordFalsePositive()
	}
	summary := report.Summary()
	s.publish(ScanEvent{Type: EventFalsePositive, Summary: &summary})

	s.logger.WithFields(logrus.Fields{
		"scan_id": report.ID,
		"package": report.PackageName,
		"reason":  report.FalsePositiveReason,
	}).Info("False positive reported")

	return report, nil
}

func (s *scanService) SafeApps(ctx context.Context) []string {
	if s.allowlist == nil {
		return []string{}
	}
	return s.allowlist.Get(ctx).Sorted()
}

func (s *scanService) publish(event ScanEvent) {
	if s.events == nil {
		return
	}
	event.Timestamp = s.now()
	s.events.Publish(event)
}
