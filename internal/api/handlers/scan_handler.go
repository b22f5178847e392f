package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/apk-analysis/apk-risk/internal/queue"
	"github.com/apk-analysis/apk-risk/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// UploadField 上传表单字段名
const UploadField = "apk"

// ScanQueue 异步扫描队列
type ScanQueue interface {
	PublishScan(ctx context.Context, msg *queue.ScanMessage) error
}

// ScanHandler 扫描处理器
type ScanHandler struct {
	scanService    service.ScanService
	queue          ScanQueue
	logger         *logrus.Logger
	uploadDir      string
	maxUploadBytes int64
}

// NewScanHandler 创建扫描处理器；scanQueue 为 nil 时异步扫描不可用
func NewScanHandler(scanService service.ScanService, scanQueue ScanQueue, logger *logrus.Logger, uploadDir string, maxUploadMB int) *ScanHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 500
	}
	return &ScanHandler{
		scanService:    scanService,
		queue:          scanQueue,
		logger:         logger,
		uploadDir:      uploadDir,
		maxUploadBytes: int64(maxUploadMB) * 1024 * 1024,
	}
}

// ScanAPK 上传并同步扫描 APK
// POST /api/scan  (multipart, 字段 apk)
func (h *ScanHandler) ScanAPK(c *gin.Context) {
	path, apkName, ok := h.receiveUpload(c)
	if !ok {
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			h.logger.WithError(err).WithField("path", path).Warn("Failed to remove upload")
		}
	}()

	report, err := h.scanService.ScanFile(c.Request.Context(), path, apkName)
	if err != nil {
		c.JSON(scanErrorStatus(err), gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// ScanAPKAsync 上传 APK 并投递到扫描队列
// POST /api/scan/async
func (h *ScanHandler) ScanAPKAsync(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "异步扫描未启用",
		})
		return
	}

	path, apkName, ok := h.receiveUpload(c)
	if !ok {
		return
	}

	msg := &queue.ScanMessage{
		ID:      uuid.New().String(),
		APKName: apkName,
		APKPath: path,
	}
	if err := h.queue.PublishScan(c.Request.Context(), msg); err != nil {
		h.logger.WithError(err).WithField("apk_name", apkName).Error("Failed to enqueue scan")
		os.Remove(path)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "扫描任务入队失败",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"request_id": msg.ID,
		"apk_name":   apkName,
		"status":     "queued",
	})
}

// receiveUpload 校验并保存上传文件，失败时已写入响应
func (h *ScanHandler) receiveUpload(c *gin.Context) (string, string, bool) {
	file, err := c.FormFile(UploadField)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "No file uploaded",
		})
		return "", "", false
	}

	filename := filepath.Base(file.Filename)
	if file.Filename == "" || filename == "." || filename == string(filepath.Separator) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "No file selected",
		})
		return "", "", false
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".apk") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "File must be an APK",
		})
		return "", "", false
	}
	if file.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("文件大小超过限制 (最大 %dMB)", h.maxUploadBytes/(1024*1024)),
		})
		return "", "", false
	}

	if err := os.MkdirAll(h.uploadDir, 0755); err != nil {
		h.logger.WithError(err).Error("Failed to create upload directory")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "创建上传目录失败",
		})
		return "", "", false
	}

	// 同名并发上传互不覆盖
	destPath := filepath.Join(h.uploadDir, uuid.New().String()+"_"+filename)
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		h.logger.WithError(err).Error("Failed to save uploaded file")
		os.Remove(destPath)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "文件上传失败",
		})
		return "", "", false
	}

	h.logger.WithFields(logrus.Fields{
		"apk_name": filename,
		"size":     file.Size,
	}).Debug("APK uploaded")

	return destPath, filename, true
}

// GetScanHistory 获取扫描历史
// GET /api/scan-history?limit=10
func (h *ScanHandler) GetScanHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultHistoryLimit)))
	if err != nil || limit <= 0 {
		limit = service.DefaultHistoryLimit
	}

	summaries, err := h.scanService.ListHistory(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "获取扫描历史失败",
		})
		return
	}

	c.JSON(http.StatusOK, summaries)
}

// GetScan 获取扫描报告
// GET /api/scans/:id
func (h *ScanHandler) GetScan(c *gin.Context) {
	report, err := h.scanService.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrScanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "扫描记录不存在",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "获取扫描报告失败",
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// FalsePositiveRequest 误报上报请求
type FalsePositiveRequest struct {
	ScanID      string `json:"scan_id"`
	PackageName string `json:"package_name"`
	Reason      string `json:"reason"`
}

// ReportFalsePositive 上报误报
// POST /api/report-false-positive
func (h *ScanHandler) ReportFalsePositive(c *gin.Context) {
	var req FalsePositiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}
	if strings.TrimSpace(req.PackageName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Package name is required",
		})
		return
	}

	report, err := h.scanService.ReportFalsePositive(c.Request.Context(), req.ScanID, req.PackageName, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrScanNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Scan result not found"})
		case errors.Is(err, domain.ErrReportMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "No matching scan result found"})
		case errors.Is(err, domain.ErrFalsePositiveAlreadyReported):
			c.JSON(http.StatusConflict, gin.H{"error": "False positive already reported"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Error reporting false positive"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "False positive reported successfully",
		"report":  report,
	})
}

// GetSafeApps 当前白名单（调试）
// GET /api/debug/safe-apps
func (h *ScanHandler) GetSafeApps(c *gin.Context) {
	apps := h.scanService.SafeApps(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"count":     len(apps),
		"safe_apps": apps,
	})
}

// scanErrorStatus 扫描错误对应的 HTTP 状态码
func scanErrorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrPackageNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMissingPackageName), errors.Is(err, domain.ErrUnreadablePackage):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
