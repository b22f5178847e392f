package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu    sync.Mutex
	files []string
}

func (c *collector) handle(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, filepath.Base(path))
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.files...)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fastOptions() []Option {
	return []Option{WithDebounce(20 * time.Millisecond), WithReadyCheck(10*time.Millisecond, 5)}
}

// TestFileWatcher_Matches 测试模式匹配
func TestFileWatcher_Matches(t *testing.T) {
	fw, err := NewFileWatcher(t.TempDir(), "*.apk", (&collector{}).handle, quietLogger())
	require.NoError(t, err)
	defer fw.Stop()

	assert.True(t, fw.Matches("app.apk"))
	assert.True(t, fw.Matches("APP.APK"))
	assert.False(t, fw.Matches("app.apk.part"))
	assert.False(t, fw.Matches("notes.txt"))
}

// TestFileWatcher_InvalidPattern 测试非法模式
func TestFileWatcher_InvalidPattern(t *testing.T) {
	_, err := NewFileWatcher(t.TempDir(), "[", (&collector{}).handle, quietLogger())
	assert.Error(t, err)
}

// TestFileWatcher_NewFile 测试新文件触发处理
func TestFileWatcher_NewFile(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	fw, err := NewFileWatcher(dir, "*.apk", c.handle, quietLogger(), fastOptions()...)
	require.NoError(t, err)
	defer fw.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.apk"), []byte("PK\x03\x04"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0644))

	assert.Eventually(t, func() bool {
		return len(c.snapshot()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"sample.apk"}, c.snapshot())
}

// TestFileWatcher_ScanExisting 测试启动时处理已有文件
func TestFileWatcher_ScanExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.apk"), []byte("PK"), 0644))

	c := &collector{}
	opts := append(fastOptions(), WithScanExisting())
	fw, err := NewFileWatcher(dir, "*.apk", c.handle, quietLogger(), opts...)
	require.NoError(t, err)
	defer fw.Stop()

	require.NoError(t, fw.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return len(c.snapshot()) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

// TestFileWatcher_EmptyFileNotReady 测试空文件不处理
func TestFileWatcher_EmptyFileNotReady(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.apk")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	fw, err := NewFileWatcher(dir, "*.apk", (&collector{}).handle, quietLogger(), fastOptions()...)
	require.NoError(t, err)
	defer fw.Stop()

	assert.Error(t, fw.waitForFileReady(path))
	assert.Error(t, fw.waitForFileReady(filepath.Join(dir, "missing.apk")))
	assert.NoError(t, fw.Stop())
}
