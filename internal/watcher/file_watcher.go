package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 投递文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Option 监控器选项
type Option func(*FileWatcher)

// WithDebounce 设置防抖时间
func WithDebounce(d time.Duration) Option {
	return func(fw *FileWatcher) {
		fw.debounce = d
	}
}

// WithReadyCheck 设置文件写入完成检查的间隔和次数
func WithReadyCheck(interval time.Duration, attempts int) Option {
	return func(fw *FileWatcher) {
		fw.readyInterval = interval
		fw.readyAttempts = attempts
	}
}

// WithScanExisting 启动时处理目录中已有的文件
func WithScanExisting() Option {
	return func(fw *FileWatcher) {
		fw.scanExisting = true
	}
}

// FileWatcher 投递目录监控器：新 APK 写入完成后交给 handler
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	pattern  string // 如 "*.apk"，大小写不敏感
	handler  FileHandler
	logger   *logrus.Logger

	debounce      time.Duration
	readyInterval time.Duration
	readyAttempts int
	scanExisting  bool

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewFileWatcher 创建文件监控器，目录不存在时自动创建
func NewFileWatcher(watchDir, pattern string, handler FileHandler, logger *logrus.Logger, opts ...Option) (*FileWatcher, error) {
	if pattern == "" {
		pattern = "*.apk"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid watch pattern %q: %w", pattern, err)
	}

	if err := os.MkdirAll(watchDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:       watcher,
		watchDir:      watchDir,
		pattern:       pattern,
		handler:       handler,
		logger:        logger,
		debounce:      2 * time.Second,
		readyInterval: 500 * time.Millisecond,
		readyAttempts: 10,
		timers:        make(map[string]*time.Timer),
		processing:    make(map[string]bool),
		stopChan:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   pattern,
	}).Info("File watcher created")

	return fw, nil
}

// Start 启动事件循环
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.scanExisting {
		if err := fw.scanExistingFiles(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	go fw.eventLoop(ctx)

	fw.logger.Info("File watcher started")
	return nil
}

func (fw *FileWatcher) scanExistingFiles(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !fw.Matches(entry.Name()) {
			continue
		}
		fw.logger.WithField("file", entry.Name()).Info("Found existing file")
		fw.schedule(ctx, filepath.Join(fw.watchDir, entry.Name()))
	}
	return nil
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			fw.stopTimers()
			return
		case <-fw.stopChan:
			fw.stopTimers()
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.logger.Warn("Watcher events channel closed")
				return
			}

			// 只处理创建和写入事件
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fw.Matches(filepath.Base(event.Name)) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("File event detected")

			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				fw.logger.Warn("Watcher errors channel closed")
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：同一文件在 debounce 内多次触发只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, filePath string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, exists := fw.timers[filePath]; exists {
		timer.Stop()
	}
	fw.timers[filePath] = time.AfterFunc(fw.debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, filePath)
		fw.mu.Unlock()
		fw.handleFile(ctx, filePath)
	})
}

func (fw *FileWatcher) stopTimers() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for path, timer := range fw.timers {
		timer.Stop()
		delete(fw.timers, path)
	}
}

func (fw *FileWatcher) handleFile(ctx context.Context, filePath string) {
	fw.mu.Lock()
	if fw.processing[filePath] {
		fw.mu.Unlock()
		fw.logger.WithField("file", filePath).Debug("File is already being processed")
		return
	}
	fw.processing[filePath] = true
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		delete(fw.processing, filePath)
		fw.mu.Unlock()
	}()

	if err := fw.waitForFileReady(filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("File not ready")
		return
	}

	if err := fw.handler(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("Failed to process file")
		return
	}

	fw.logger.WithField("file", filePath).Info("File processed")
}

// waitForFileReady 文件大小在两次检查间保持不变且非空视为写入完成
func (fw *FileWatcher) waitForFileReady(filePath string) error {
	for i := 0; i < fw.readyAttempts; i++ {
		info1, err := os.Stat(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			time.Sleep(fw.readyInterval)
			continue
		}

		time.Sleep(fw.readyInterval)

		info2, err := os.Stat(filePath)
		if err != nil {
			return err
		}
		if info1.Size() == info2.Size() && info1.Size() > 0 {
			return nil
		}
	}

	return fmt.Errorf("file not ready after %d attempts", fw.readyAttempts)
}

// Matches 文件名是否匹配监控模式
func (fw *FileWatcher) Matches(fileName string) bool {
	ok, _ := filepath.Match(strings.ToLower(fw.pattern), strings.ToLower(fileName))
	return ok
}

// Stop 停止文件监控
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)
		err = fw.watcher.Close()
	})
	return err
}

// GetWatchDir 获取监控目录
func (fw *FileWatcher) GetWatchDir() string {
	return fw.watchDir
}
