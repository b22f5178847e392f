package allowlist

import (
	"context"
	"fmt"

	"github.com/apk-analysis/apk-risk/internal/domain"
)

// SafeAppLister 数据库白名单查询接口（由 repository 实现）
type SafeAppLister interface {
	ListActive(ctx context.Context) ([]domain.SafeApp, error)
}

// DBProvider 从 safe_apps 表读取白名单
type DBProvider struct {
	repo SafeAppLister
}

// NewDBProvider 创建数据库白名单来源
func NewDBProvider(repo SafeAppLister) *DBProvider {
	return &DBProvider{repo: repo}
}

func (p *DBProvider) Name() string {
	return "database"
}

func (p *DBProvider) Load(ctx context.Context) ([]Record, error) {
	apps, err := p.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list safe apps: %w", err)
	}
	records := make([]Record, 0, len(apps))
	for _, a := range apps {
		records = append(records, Record{PackageName: a.PackageName, AppName: a.AppName, Category: a.Category})
	}
	return records, nil
}
