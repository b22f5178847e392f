package apkfacts

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Manifest AndroidManifest 中评分需要的字段
type Manifest struct {
	Package     string
	VersionName string
	VersionCode string
	Label       string
	Permissions []string
}

var (
	pkgRe              = regexp.MustCompile(`A: package="([^"]+)"`)
	versionNameRe      = regexp.MustCompile(`A: android:versionName\([^)]*\)="([^"]+)"`)
	versionCodeHexRe   = regexp.MustCompile(`A: android:versionCode\([^)]*\)=\(type 0x10\)0x([0-9a-f]+)`)
	versionCodePlainRe = regexp.MustCompile(`A: android:versionCode\([^)]*\)="([^"]+)"`)
	appLabelRe         = regexp.MustCompile(`E: application[^E]*?A: android:label\([^)]*\)="([^"]+)"`)
	anyLabelRe         = regexp.MustCompile(`A: android:label\([^)]*\)="([^"]+)"`)
	permRe             = regexp.MustCompile(`E: uses-permission(?:-sdk-23)?[^E]*?A: android:name\([^)]*\)="([^"]+)"`)
)

// ManifestReader 读取 APK 的 manifest
type ManifestReader interface {
	ReadManifest(ctx context.Context, apkPath string) (*Manifest, error)
}

// AaptManifestReader 基于 aapt2 dump xmltree 的 manifest 读取器
type AaptManifestReader struct {
	aaptPath string
}

// NewAaptManifestReader 创建 aapt2 读取器，aaptPath 为空时从 PATH 查找
func NewAaptManifestReader(aaptPath string) *AaptManifestReader {
	if aaptPath == "" {
		aaptPath = "aapt2"
	}
	return &AaptManifestReader{aaptPath: aaptPath}
}

// Available 检查 aapt2 是否可用
func (r *AaptManifestReader) Available(ctx context.Context) error {
	if err := exec.CommandContext(ctx, r.aaptPath, "version").Run(); err != nil {
		return fmt.Errorf("aapt2 not found: %w", err)
	}
	return nil
}

// ReadManifest 执行 aapt2 并解析输出
func (r *AaptManifestReader) ReadManifest(ctx context.Context, apkPath string) (*Manifest, error) {
	cmd := exec.CommandContext(ctx, r.aaptPath, "dump", "xmltree", apkPath, "--file", "AndroidManifest.xml")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("aapt2 command failed: %w", err)
	}
	return ParseAaptXMLTree(string(output)), nil
}

// ParseAaptXMLTree 解析 aapt2 dump xmltree 输出
func ParseAaptXMLTree(output string) *Manifest {
	m := &Manifest{}

	if match := pkgRe.FindStringSubmatch(output); len(match) > 1 {
		m.Package = match[1]
	}
	if match := versionNameRe.FindStringSubmatch(output); len(match) > 1 {
		m.VersionName = match[1]
	}

	// 版本号：十六进制整数转十进制；字符串形式原样保留
	if match := versionCodeHexRe.FindStringSubmatch(output); len(match) > 1 {
		if v, err := strconv.ParseInt(match[1], 16, 64); err == nil {
			m.VersionCode = strconv.FormatInt(v, 10)
		}
	} else if match := versionCodePlainRe.FindStringSubmatch(output); len(match) > 1 {
		m.VersionCode = match[1]
	}

	if match := appLabelRe.FindStringSubmatch(output); len(match) > 1 {
		m.Label = match[1]
	} else if match := anyLabelRe.FindStringSubmatch(output); len(match) > 1 {
		m.Label = match[1]
	}

	seen := make(map[string]bool)
	for _, match := range permRe.FindAllStringSubmatch(output, -1) {
		name := strings.TrimSpace(match[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		m.Permissions = append(m.Permissions, name)
	}

	return m
}
