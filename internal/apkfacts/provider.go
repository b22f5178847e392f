package apkfacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/sirupsen/logrus"
)

// Provider APK 元数据提供者
type Provider interface {
	Extract(ctx context.Context, path string) (*domain.PackageFacts, error)
}

// APKProvider 直接解析 APK：manifest 走 aapt2，字符串池和签名读取压缩包
type APKProvider struct {
	manifest ManifestReader
	useAapt  bool
	logger   *logrus.Logger
}

// NewAPKProvider 创建 APK 解析器，aapt2 不可用时降级为仅读取压缩包
func NewAPKProvider(aaptPath string, logger *logrus.Logger) *APKProvider {
	reader := NewAaptManifestReader(aaptPath)
	p := &APKProvider{manifest: reader, useAapt: true, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reader.Available(ctx); err != nil {
		logger.WithError(err).Warn("aapt2 not available, manifest fields will be empty")
		p.useAapt = false
	}
	return p
}

// NewAPKProviderWithReader 使用指定 manifest 读取器（测试使用）
func NewAPKProviderWithReader(reader ManifestReader, logger *logrus.Logger) *APKProvider {
	return &APKProvider{manifest: reader, useAapt: reader != nil, logger: logger}
}

// Extract 提取 APK 事实数据
func (p *APKProvider) Extract(ctx context.Context, apkPath string) (*domain.PackageFacts, error) {
	startTime := time.Now()

	if _, err := os.Stat(apkPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPackageNotFound, apkPath)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreadablePackage, err)
	}

	archive, err := readArchive(apkPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreadablePackage, err)
	}
	if !archive.hasManifest {
		return nil, fmt.Errorf("%w: AndroidManifest.xml not found in APK", domain.ErrUnreadablePackage)
	}

	manifest := &Manifest{}
	if p.useAapt {
		manifest, err = p.manifest.ReadManifest(ctx, apkPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrUnreadablePackage, err)
		}
	} else {
		p.logger.Warn("Fallback mode: cannot parse binary AndroidManifest.xml")
	}

	facts := &domain.PackageFacts{
		PackageName: manifest.Package,
		AppName:     manifest.Label,
		VersionName: manifest.VersionName,
		VersionCode: manifest.VersionCode,
		Permissions: manifest.Permissions,
		Strings:     archive.strings,
		Certificate: archive.certificate,
		Content:     domain.FileSource{Path: apkPath},
	}

	p.logger.WithFields(logrus.Fields{
		"package_name": facts.PackageName,
		"permissions":  len(facts.Permissions),
		"strings":      len(facts.Strings),
		"certificates": len(facts.Certificate.Certificates),
		"skipped_dex":  archive.skippedDex,
		"duration_ms":  time.Since(startTime).Milliseconds(),
	}).Info("APK facts extracted")

	return facts, nil
}

// factsDocument 预先提取好的事实数据文件
type factsDocument struct {
	domain.PackageFacts
	APKPath string `json:"apk_path,omitempty"`
}

// FactsFileProvider 读取外部解析器输出的 JSON 事实数据
// apk_path 指向原始 APK 时用它计算哈希，否则以文件本身作为内容
type FactsFileProvider struct{}

// NewFactsFileProvider 创建事实文件读取器
func NewFactsFileProvider() *FactsFileProvider {
	return &FactsFileProvider{}
}

// Extract 读取事实数据文件
func (p *FactsFileProvider) Extract(ctx context.Context, path string) (*domain.PackageFacts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPackageNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreadablePackage, err)
	}

	var doc factsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid facts file: %v", domain.ErrUnreadablePackage, err)
	}

	facts := doc.PackageFacts
	if doc.APKPath != "" {
		apkPath := doc.APKPath
		if !filepath.IsAbs(apkPath) {
			apkPath = filepath.Join(filepath.Dir(path), apkPath)
		}
		facts.Content = domain.FileSource{Path: apkPath}
	} else {
		facts.Content = domain.BytesSource(data)
	}
	return &facts, nil
}

// Dispatcher 按扩展名选择提供者：.json 为事实文件，其他按 APK 解析
type Dispatcher struct {
	apk   Provider
	facts Provider
}

// NewDispatcher 创建分发器
func NewDispatcher(apk, facts Provider) *Dispatcher {
	return &Dispatcher{apk: apk, facts: facts}
}

func (d *Dispatcher) Extract(ctx context.Context, path string) (*domain.PackageFacts, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return d.facts.Extract(ctx, path)
	}
	return d.apk.Extract(ctx, path)
}
