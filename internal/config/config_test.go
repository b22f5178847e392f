package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults 测试默认配置
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 300, cfg.Allowlist.TTLSeconds)
	assert.Equal(t, 500, cfg.Analyzer.MaxUploadMB)
	assert.Equal(t, "*.apk", cfg.Watcher.Pattern)
	assert.False(t, cfg.RabbitMQ.Enabled)
}

// TestLoad_FileAndEnv 测试配置文件与环境变量覆盖
func TestLoad_FileAndEnv(t *testing.T) {
	content := `
server:
  port: 9090
database:
  type: mysql
  host: db.local
allowlist:
  source: database
  ttl_seconds: 60
analyzer:
  parallel_signals: true
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("MYSQL_PASS", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Type)
	assert.Equal(t, "db.local", cfg.Database.Host)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, "database", cfg.Allowlist.Source)
	assert.Equal(t, 60, cfg.Allowlist.TTLSeconds)
	assert.True(t, cfg.Analyzer.ParallelSignals)
	assert.Equal(t, 500, cfg.Analyzer.MaxUploadMB)
}

// TestLoad_MissingFile 测试配置文件不存在
func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// TestInitLogger 测试日志级别解析
func TestInitLogger(t *testing.T) {
	logger := InitLogger(&LogConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger = InitCLILogger(&LogConfig{Level: "bogus"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}
