package riskanalysis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/apk-analysis/apk-risk/internal/domain"
)

// hashChunkSize 分块读取大小
const hashChunkSize = 4096

// HashReader 计算内容的 SHA-256 十六进制摘要（分块读取）
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("failed to read package content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashSource 计算内容来源的摘要
func HashSource(src domain.ContentSource) (string, error) {
	if src == nil {
		return "", fmt.Errorf("no package content to hash")
	}
	rc, err := src.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open package content: %w", err)
	}
	defer rc.Close()
	return HashReader(rc)
}

// HashFile 计算文件摘要
func HashFile(path string) (string, error) {
	return HashSource(domain.FileSource{Path: path})
}
