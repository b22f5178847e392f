package riskanalysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/apk-analysis/apk-risk/internal/allowlist"
	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/apk-analysis/apk-risk/internal/rules"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Stage 分析阶段
type Stage string

const (
	StageFacts    Stage = "facts"
	StageIdentity Stage = "identity"
	StageScored   Stage = "scored"
)

// AnalysisError 分析失败（不产生部分报告）
type AnalysisError struct {
	Stage Stage
	Err   error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis failed at %s stage: %v", e.Stage, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// AllowlistSource 白名单查询接口（由 allowlist.Cache 实现）
type AllowlistSource interface {
	Get(ctx context.Context) allowlist.Set
}

// Analyzer 多信号风险聚合器
type Analyzer struct {
	rules        *rules.RuleSet
	allowlist    AllowlistSource
	permissions  *PermissionModel
	patterns     *PatternScanner
	domains      *DomainScanner
	certificates *CertificateEvaluator
	logger       *logrus.Logger

	parallel bool
	now      func() time.Time
	newID    func() string
}

// AnalyzerOption 聚合器选项
type AnalyzerOption func(*Analyzer)

// WithParallelSignals 并行计算四个信号
func WithParallelSignals(enabled bool) AnalyzerOption {
	return func(a *Analyzer) {
		a.parallel = enabled
	}
}

// WithNow 替换时钟（测试使用）
func WithNow(now func() time.Time) AnalyzerOption {
	return func(a *Analyzer) {
		a.now = now
	}
}

// NewAnalyzer 创建聚合器
func NewAnalyzer(rs *rules.RuleSet, list AllowlistSource, logger *logrus.Logger, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		rules:        rs,
		allowlist:    list,
		permissions:  NewPermissionModel(rs),
		patterns:     NewPatternScanner(rs),
		domains:      NewDomainScanner(rs),
		certificates: NewCertificateEvaluator(rs),
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Permissions 权限模型（供标注使用）
func (a *Analyzer) Permissions() *PermissionModel {
	return a.permissions
}

// signals 四个信号的计算结果
type signals struct {
	permission PermissionResult
	pattern    PatternResult
	domain     DomainResult
	certScore  int
	certNote   string
}

func (s *signals) total() int {
	return s.permission.Score + s.domain.Score + s.pattern.Score + s.certScore
}

// Analyze 分析单个 APK 的事实数据，返回完整报告或单个结构化错误
func (a *Analyzer) Analyze(ctx context.Context, facts *domain.PackageFacts) (*domain.ScanReport, error) {
	// Facts: 包名缺失直接终止
	if facts == nil {
		return nil, &AnalysisError{Stage: StageFacts, Err: domain.ErrUnreadablePackage}
	}
	packageName := strings.TrimSpace(facts.PackageName)
	if packageName == "" || packageName == "Unknown" {
		return nil, &AnalysisError{Stage: StageFacts, Err: domain.ErrMissingPackageName}
	}

	apkHash, err := HashSource(facts.Content)
	if err != nil {
		cause := domain.ErrUnreadablePackage
		if errors.Is(err, os.ErrNotExist) {
			cause = domain.ErrPackageNotFound
		}
		return nil, &AnalysisError{Stage: StageIdentity, Err: fmt.Errorf("%w: %v", cause, err)}
	}

	safeApps := allowlist.Set{}
	if a.allowlist != nil {
		safeApps = a.allowlist.Get(ctx)
	}

	// Scored
	permissions := facts.UniquePermissions()
	sig, err := a.score(ctx, permissions, facts)
	if err != nil {
		return nil, &AnalysisError{Stage: StageScored, Err: err}
	}
	if skipped := sig.pattern.Skipped + sig.domain.Skipped; skipped > 0 {
		a.logger.WithFields(logrus.Fields{
			"package": packageName,
			"skipped": skipped,
		}).Debug("Skipped undecodable strings")
	}

	// Classified
	isKnownSafe := safeApps.Contains(packageName)
	total, riskNote := a.applyDiscount(float64(sig.total()), isKnownSafe)
	level := a.rules.Level(total)

	// Reported
	report := &domain.ScanReport{
		ID:                  a.newID(),
		AppName:             orUnknown(facts.AppName),
		PackageName:         packageName,
		Version:             fmt.Sprintf("%s (%s)", orUnknown(facts.VersionName), orUnknown(facts.VersionCode)),
		VersionName:         orUnknown(facts.VersionName),
		VersionCode:         orUnknown(facts.VersionCode),
		APKHash:             apkHash,
		Permissions:         sig.permission.Annotations,
		PermissionScore:     sig.permission.Score,
		DomainScore:         sig.domain.Score,
		PatternScore:        sig.pattern.Score,
		CertificateScore:    sig.certScore,
		CertificateNotes:    sig.certNote,
		TotalScore:          int(total),
		OverallRisk:         level,
		RiskNote:            riskNote,
		HighRiskPermissions: sig.permission.HighRisk,
		SuspiciousDomains:   sig.domain.Findings,
		SuspiciousPatterns:  sig.pattern.Findings,
		IsKnownSafeApp:      isKnownSafe,
		AnalysisTimestamp:   a.now(),
	}

	a.logger.WithFields(logrus.Fields{
		"package":     packageName,
		"total_score": report.TotalScore,
		"risk":        report.OverallRisk,
		"known_safe":  isKnownSafe,
	}).Info("APK risk analysis completed")

	return report, nil
}

// score 计算四个相互独立的信号
func (a *Analyzer) score(ctx context.Context, permissions []string, facts *domain.PackageFacts) (*signals, error) {
	sig := &signals{}
	evalCert := func() {
		sig.certScore, sig.certNote = a.certificates.Evaluate(facts.Certificate)
	}

	if !a.parallel {
		sig.permission = a.permissions.Score(permissions)
		sig.domain = a.domains.Scan(facts.Strings)
		sig.pattern = a.patterns.Scan(facts.Strings)
		evalCert()
		return sig, nil
	}

	// 各信号写入不同字段，无需加锁
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sig.permission = a.permissions.Score(permissions)
		return nil
	})
	g.Go(func() error {
		sig.domain = a.domains.Scan(facts.Strings)
		return gctx.Err()
	})
	g.Go(func() error {
		sig.pattern = a.patterns.Scan(facts.Strings)
		return gctx.Err()
	})
	g.Go(func() error {
		evalCert()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sig, nil
}

// applyDiscount 白名单应用按比例折减，结果不小于 0 且不大于原值
func (a *Analyzer) applyDiscount(total float64, isKnownSafe bool) (float64, string) {
	if !isKnownSafe {
		return total, domain.RiskNoteUnknown
	}
	discounted := total * float64(a.rules.DiscountPercent()) / 100
	if discounted < 0 {
		discounted = 0
	}
	if discounted > total {
		discounted = total
	}
	return discounted, domain.RiskNoteKnownSafe
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}

// IsInputError 判断是否为输入类错误（文件不存在、无法读取、包名缺失）
func IsInputError(err error) bool {
	return errors.Is(err, domain.ErrPackageNotFound) ||
		errors.Is(err, domain.ErrUnreadablePackage) ||
		errors.Is(err, domain.ErrMissingPackageName)
}
