package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apk-analysis/apk-risk/internal/riskanalysis"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newSignaturesCmd() *cobra.Command {
	var dir, out string
	cmd := &cobra.Command{
		Use:   "signatures",
		Short: "计算目录下所有 APK 的 SHA-256，生成恶意样本签名文件",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadCLIConfig()
			if err != nil {
				return err
			}

			signatures, err := buildSignatures(dir, logger)
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			if err := writeJSON(&buf, signatures, true); err != nil {
				return err
			}
			if err := os.WriteFile(out, buf.Bytes(), 0644); err != nil {
				return fmt.Errorf("写入签名文件失败: %w", err)
			}

			logger.WithFields(logrus.Fields{
				"count": len(signatures),
				"out":   out,
			}).Info("Signature database created")
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "恶意 APK 样本目录")
	cmd.Flags().StringVar(&out, "out", "malware_signatures.json", "输出文件")
	cmd.MarkFlagRequired("dir")
	return cmd
}

// buildSignatures 目录下每个 .apk 的内容哈希 → 文件名；单个文件失败只记录日志
func buildSignatures(dir string, logger *logrus.Logger) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取样本目录失败: %w", err)
	}

	signatures := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".apk") {
			continue
		}

		hash, err := riskanalysis.HashFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.WithError(err).WithField("file", entry.Name()).Warn("Failed to hash sample")
			continue
		}
		signatures[hash] = entry.Name()
		logger.WithField("file", entry.Name()).Debug("Added signature")
	}
	return signatures, nil
}
