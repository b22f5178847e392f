package main

import (
	"context"
	"fmt"

	"github.com/apk-analysis/apk-risk/internal/allowlist"
	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/apk-analysis/apk-risk/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newAllowlistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allowlist",
		Short: "管理数据库白名单（allowlist.source=database 时生效）",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <safe_apps.json>",
		Short: "将白名单 JSON 文件导入 safe_apps 表",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadCLIConfig()
			if err != nil {
				return err
			}
			db, err := repository.InitDB(&cfg.Database, logger)
			if err != nil {
				return fmt.Errorf("初始化数据库失败: %w", err)
			}

			n, err := importAllowlist(cmd.Context(), repository.NewSafeAppRepository(db), args[0])
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"file":     args[0],
				"imported": n,
			}).Info("Allowlist imported")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable <package>",
		Short: "停用白名单中的应用",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadCLIConfig()
			if err != nil {
				return err
			}
			db, err := repository.InitDB(&cfg.Database, logger)
			if err != nil {
				return fmt.Errorf("初始化数据库失败: %w", err)
			}

			if err := repository.NewSafeAppRepository(db).Disable(cmd.Context(), args[0]); err != nil {
				return err
			}
			logger.WithField("package", args[0]).Info("Safe app disabled")
			return nil
		},
	})

	return cmd
}

// importAllowlist 校验并导入白名单文件，返回导入条数；文件不合法时不写入任何记录
func importAllowlist(ctx context.Context, repo repository.SafeAppRepository, path string) (int, error) {
	records, err := allowlist.NewFileProvider(path).Load(ctx)
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, r := range records {
		if allowlist.Normalize(r.PackageName) == "" {
			continue
		}
		app := &domain.SafeApp{
			PackageName: r.PackageName,
			AppName:     r.AppName,
			Category:    r.Category,
		}
		if err := repo.Upsert(ctx, app); err != nil {
			return imported, fmt.Errorf("导入 %s 失败: %w", r.PackageName, err)
		}
		imported++
	}
	return imported, nil
}
