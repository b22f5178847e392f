package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/apk-analysis/apk-risk/internal/allowlist"
	"github.com/apk-analysis/apk-risk/internal/apkfacts"
	"github.com/apk-analysis/apk-risk/internal/config"
	"github.com/apk-analysis/apk-risk/internal/riskanalysis"
	"github.com/apk-analysis/apk-risk/internal/rules"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type scanOptions struct {
	rulesPath     string
	allowlistPath string
	aaptPath      string
	parallel      bool
	compact       bool
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan <apk|facts.json>",
		Short: "分析单个 APK（或事实 JSON 文件），输出 JSON 报告",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.rulesPath, "rules", "", "规则文件，覆盖配置")
	cmd.Flags().StringVar(&opts.allowlistPath, "allowlist", "", "白名单 JSON 文件，覆盖配置")
	cmd.Flags().StringVar(&opts.aaptPath, "aapt", "", "aapt2 路径，覆盖配置")
	cmd.Flags().BoolVar(&opts.parallel, "parallel", false, "并行计算各信号")
	cmd.Flags().BoolVar(&opts.compact, "compact", false, "输出单行 JSON")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions, path string) error {
	cfg, logger, err := loadCLIConfig()
	if err != nil {
		return err
	}
	if opts.rulesPath != "" {
		cfg.Rules.Path = opts.rulesPath
	}
	if opts.allowlistPath != "" {
		cfg.Allowlist.Path = opts.allowlistPath
	}
	if opts.aaptPath != "" {
		cfg.Analyzer.AaptPath = opts.aaptPath
	}

	ruleSet, err := loadRules(cfg.Rules.Path)
	if err != nil {
		return fmt.Errorf("加载规则失败: %w", err)
	}

	safeApps := allowlist.NewCache(allowlist.NewFileProvider(cfg.Allowlist.Path), logger,
		allowlist.WithTTL(time.Duration(cfg.Allowlist.TTLSeconds)*time.Second))
	analyzer := riskanalysis.NewAnalyzer(ruleSet, safeApps, logger,
		riskanalysis.WithParallelSignals(opts.parallel || cfg.Analyzer.ParallelSignals))
	provider := apkfacts.NewDispatcher(
		apkfacts.NewAPKProvider(cfg.Analyzer.AaptPath, logger),
		apkfacts.NewFactsFileProvider(),
	)

	facts, err := provider.Extract(cmd.Context(), path)
	if err != nil {
		return err
	}
	report, err := analyzer.Analyze(cmd.Context(), facts)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"package":     report.PackageName,
		"total_score": report.TotalScore,
		"risk":        report.OverallRisk,
	}).Info("Scan completed")

	return writeJSON(cmd.OutOrStdout(), report, !opts.compact)
}

func loadCLIConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, config.InitCLILogger(&cfg.Log), nil
}

func loadRules(path string) (*rules.RuleSet, error) {
	if path == "" {
		return rules.Default()
	}
	return rules.LoadFile(path)
}

func writeJSON(w io.Writer, v interface{}, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
