package main

import (
	"os"

	"github.com/spf13/cobra"
)

// 退出码
const (
	exitSuccess = 0
	exitError   = 1
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "apkrisk",
	Short:         "APK 多信号风险评估工具",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径（可选）")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别，覆盖配置文件")

	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newSignaturesCmd())
	rootCmd.AddCommand(newAllowlistCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}
