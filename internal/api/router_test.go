package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apk-analysis/apk-risk/internal/config"
	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/apk-analysis/apk-risk/internal/queue"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubScanService struct{}

func (stubScanService) ScanFile(ctx context.Context, path, apkName string) (*domain.ScanReport, error) {
	return nil, domain.ErrUnreadablePackage
}

func (stubScanService) GetReport(ctx context.Context, id string) (*domain.ScanReport, error) {
	return nil, domain.ErrScanNotFound
}

func (stubScanService) ListHistory(ctx context.Context, limit int) ([]domain.ScanSummary, error) {
	return []domain.ScanSummary{}, nil
}

func (stubScanService) ReportFalsePositive(ctx context.Context, scanID, packageName, reason string) (*domain.ScanReport, error) {
	return nil, domain.ErrReportMismatch
}

func (stubScanService) SafeApps(ctx context.Context) []string {
	return []string{"com.whatsapp"}
}

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Mode = "debug"
	cfg.Analyzer.UploadDir = t.TempDir()
	return cfg
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestSetupRouter 测试路由注册
func TestSetupRouter(t *testing.T) {
	cfg := testConfig(t)
	router := SetupRouter(cfg, quietLogger(), RouterDeps{ScanService: stubScanService{}})

	cases := []struct {
		method string
		path   string
		code   int
	}{
		{http.MethodGet, "/api/health", http.StatusOK},
		{http.MethodGet, "/api/scan-history", http.StatusOK},
		{http.MethodGet, "/api/scans/none", http.StatusNotFound},
		{http.MethodGet, "/api/debug/safe-apps", http.StatusOK},
		{http.MethodPost, "/api/scan/async", http.StatusServiceUnavailable},
		{http.MethodOptions, "/api/scan", http.StatusNoContent},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(c.method, c.path, nil))
		assert.Equal(t, c.code, w.Code, "%s %s", c.method, c.path)
	}
}

// TestSetupRouter_DebugToken 测试调试端点认证
func TestSetupRouter_DebugToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.APIToken = "debug-token-123"
	router := SetupRouter(cfg, quietLogger(), RouterDeps{ScanService: stubScanService{}})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/debug/safe-apps", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/debug/safe-apps", nil)
	req.Header.Set("Authorization", "Bearer debug-token-123")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "com.whatsapp")
}

type statusQueue struct{}

func (statusQueue) PublishScan(ctx context.Context, msg *queue.ScanMessage) error {
	return nil
}

func (statusQueue) Status() queue.Status {
	return queue.Status{Connected: true, Depth: 4, Consumers: 2}
}

// TestHealth_QueueStatus 测试健康检查包含队列状态
func TestHealth_QueueStatus(t *testing.T) {
	cfg := testConfig(t)
	router := SetupRouter(cfg, quietLogger(), RouterDeps{ScanService: stubScanService{}, Queue: statusQueue{}})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string       `json:"status"`
		Queue  queue.Status `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 4, resp.Queue.Depth)
	assert.True(t, resp.Queue.Connected)
}
