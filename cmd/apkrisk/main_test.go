package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/apk-analysis/apk-risk/internal/allowlist"
	"github.com/apk-analysis/apk-risk/internal/config"
	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/apk-analysis/apk-risk/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestBuildSignatures 测试签名库生成
func TestBuildSignatures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.apk"), []byte("abc"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "B.APK"), []byte("other"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("abc"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.apk"), 0755))

	signatures, err := buildSignatures(dir, quietLogger())
	require.NoError(t, err)

	assert.Len(t, signatures, 2)
	assert.Equal(t, "a.apk", signatures["ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"])
}

// TestBuildSignatures_MissingDir 测试目录不存在
func TestBuildSignatures_MissingDir(t *testing.T) {
	_, err := buildSignatures(filepath.Join(t.TempDir(), "missing"), quietLogger())
	assert.Error(t, err)
}

// TestScanCommand_FactsFile 测试 scan 命令读取事实文件
func TestScanCommand_FactsFile(t *testing.T) {
	dir := t.TempDir()
	factsPath := filepath.Join(dir, "facts.json")
	facts := `{
		"package_name": "com.example.sms",
		"app_name": "SMS Helper",
		"version_name": "1.0",
		"version_code": "7",
		"permissions": ["android.permission.READ_SMS", "android.permission.SEND_SMS"],
		"strings": [],
		"certificate": {"certificates": [{"source": "META-INF/CERT.RSA"}]}
	}`
	require.NoError(t, os.WriteFile(factsPath, []byte(facts), 0644))

	logLevel = "error"
	cmd := newScanCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--allowlist", filepath.Join(dir, "missing.json"), "--aapt", filepath.Join(dir, "no-aapt2"), factsPath})
	require.NoError(t, cmd.Execute())

	var report domain.ScanReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "com.example.sms", report.PackageName)
	assert.Equal(t, "1.0 (7)", report.Version)
	assert.Equal(t, 560, report.PermissionScore)
	assert.Equal(t, 0, report.CertificateScore)
	assert.Equal(t, 560, report.TotalScore)
	assert.Equal(t, domain.RiskDangerous, report.OverallRisk)
}

// TestImportAllowlist 测试白名单导入数据库
func TestImportAllowlist(t *testing.T) {
	db, err := repository.InitDB(&config.DatabaseConfig{Type: "sqlite", SQLitePath: ":memory:"}, quietLogger())
	require.NoError(t, err)
	repo := repository.NewSafeAppRepository(db)

	path := filepath.Join(t.TempDir(), "safe_apps.json")
	data := `[
		{"package_name": "com.WhatsApp", "app_name": "WhatsApp", "category": "social"},
		{"package": "org.telegram.messenger", "name": "Telegram"}
	]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	n, err := importAllowlist(context.Background(), repo, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 重复导入按包名更新
	n, err = importAllowlist(context.Background(), repo, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records, err := allowlist.NewDBProvider(repo).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "com.whatsapp", records[0].PackageName)
	assert.Equal(t, "org.telegram.messenger", records[1].PackageName)
}

// TestImportAllowlist_InvalidFile 测试非法白名单文件不写入
func TestImportAllowlist_InvalidFile(t *testing.T) {
	db, err := repository.InitDB(&config.DatabaseConfig{Type: "sqlite", SQLitePath: ":memory:"}, quietLogger())
	require.NoError(t, err)
	repo := repository.NewSafeAppRepository(db)

	path := filepath.Join(t.TempDir(), "safe_apps.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name": "no package"}]`), 0644))

	_, err = importAllowlist(context.Background(), repo, path)
	assert.Error(t, err)

	apps, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, apps)
}
