package repository

import (
	"context"
	"strings"

	"github.com/apk-analysis/apk-risk/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SafeAppRepository 白名单应用 Repository
type SafeAppRepository interface {
	Upsert(ctx context.Context, app *domain.SafeApp) error
	ListActive(ctx context.Context) ([]domain.SafeApp, error)
	Disable(ctx context.Context, packageName string) error
}

type safeAppRepo struct {
	db *gorm.DB
}

// NewSafeAppRepository 创建白名单应用 Repository
func NewSafeAppRepository(db *gorm.DB) SafeAppRepository {
	return &safeAppRepo{db: db}
}

// Upsert 按包名插入或更新
func (r *safeAppRepo) Upsert(ctx context.Context, app *domain.SafeApp) error {
	app.PackageName = strings.ToLower(strings.TrimSpace(app.PackageName))
	if app.Status == "" {
		app.Status = "active"
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "package_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"app_name", "category", "status", "updated_at"}),
		}).
		Create(app).Error
}

// ListActive 所有启用的白名单应用
func (r *safeAppRepo) ListActive(ctx context.Context) ([]domain.SafeApp, error) {
	var apps []domain.SafeApp
	err := r.db.WithContext(ctx).
		Where("status = ?", "active").
		Order("package_name ASC").
		Find(&apps).Error
	return apps, err
}

// Disable 停用白名单应用
func (r *safeAppRepo) Disable(ctx context.Context, packageName string) error {
	return r.db.WithContext(ctx).Model(&domain.SafeApp{}).
		Where("package_name = ?", strings.ToLower(strings.TrimSpace(packageName))).
		Update("status", "disabled").Error
}
