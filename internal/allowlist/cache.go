package allowlist

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL 白名单缓存过期时间
	DefaultTTL = 300 * time.Second
	// RefreshTimeout 单次刷新的加载上限
	RefreshTimeout = 30 * time.Second
)

// Record 白名单来源记录
type Record struct {
	PackageName string
	AppName     string
	Category    string
}

// Provider 白名单数据来源
type Provider interface {
	Name() string
	Load(ctx context.Context) ([]Record, error)
}

// Observer 白名单刷新观测（指标上报）
type Observer interface {
	AllowlistRefreshed(source string, size int)
	AllowlistRefreshFailed(source string, err error)
}

// Set 不可变的包名集合，发布后不再修改
type Set map[string]struct{}

// Normalize 包名标准化：去除首尾空白并转小写
func Normalize(packageName string) string {
	return strings.ToLower(strings.TrimSpace(packageName))
}

// Contains 判断包名是否在白名单中（自动标准化）
func (s Set) Contains(packageName string) bool {
	_, ok := s[Normalize(packageName)]
	return ok
}

// Len 集合大小
func (s Set) Len() int {
	return len(s)
}

// Sorted 返回排序后的包名列表
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// snapshot 一次成功加载的结果
type snapshot struct {
	set      Set
	loadedAt time.Time
}

// Cache 白名单缓存
// 读取走原子指针，过期后由 singleflight 合并并发刷新；
// 刷新成功整体替换快照，失败保留上一次快照
type Cache struct {
	provider Provider
	ttl      time.Duration
	logger   *logrus.Logger
	observer Observer
	now      func() time.Time

	current atomic.Pointer[snapshot]
	flight  singleflight.Group
}

// Option 缓存选项
type Option func(*Cache)

// WithTTL 设置过期时间
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithObserver 设置刷新观测器
func WithObserver(o Observer) Option {
	return func(c *Cache) {
		c.observer = o
	}
}

// WithClock 替换时钟（测试使用）
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache 创建白名单缓存
func NewCache(provider Provider, logger *logrus.Logger, opts ...Option) *Cache {
	c := &Cache{
		provider: provider,
		ttl:      DefaultTTL,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get 获取当前白名单
// 未加载或已过期时同步刷新；刷新失败返回上一次的集合（可能为空），不向调用方返回错误
func (c *Cache) Get(ctx context.Context) Set {
	snap := c.current.Load()
	if snap != nil && c.now().Sub(snap.loadedAt) < c.ttl {
		return snap.set
	}

	v, _, _ := c.flight.Do("refresh", func() (interface{}, error) {
		// 等待期间可能已有其他调用方刷新完成
		if latest := c.current.Load(); latest != nil && c.now().Sub(latest.loadedAt) < c.ttl {
			return latest.set, nil
		}
		// 刷新结果由所有等待者共享，不随首个调用方取消
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RefreshTimeout)
		defer cancel()
		return c.refresh(refreshCtx), nil
	})
	return v.(Set)
}

// Contains 判断包名是否在白名单中
func (c *Cache) Contains(ctx context.Context, packageName string) bool {
	return c.Get(ctx).Contains(packageName)
}

// Invalidate 使缓存立即过期（保留旧集合作为失败兜底）
func (c *Cache) Invalidate() {
	if snap := c.current.Load(); snap != nil {
		c.current.Store(&snapshot{set: snap.set})
	}
}

// LoadedAt 最近一次成功加载时间
func (c *Cache) LoadedAt() time.Time {
	if snap := c.current.Load(); snap != nil {
		return snap.loadedAt
	}
	return time.Time{}
}

// refresh 从数据源重新加载
func (c *Cache) refresh(ctx context.Context) Set {
	previous := Set{}
	if snap := c.current.Load(); snap != nil {
		previous = snap.set
	}

	records, err := c.load(ctx)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"source":        c.provider.Name(),
			"previous_size": previous.Len(),
		}).Warn("Failed to refresh allowlist, keeping previous set")
		if c.observer != nil {
			c.observer.AllowlistRefreshFailed(c.provider.Name(), err)
		}
		return previous
	}

	set := make(Set, len(records))
	for _, r := range records {
		if p := Normalize(r.PackageName); p != "" {
			set[p] = struct{}{}
		}
	}

	c.current.Store(&snapshot{set: set, loadedAt: c.now()})

	c.logger.WithFields(logrus.Fields{
		"source": c.provider.Name(),
		"size":   set.Len(),
	}).Info("Allowlist refreshed")
	if c.observer != nil {
		c.observer.AllowlistRefreshed(c.provider.Name(), set.Len())
	}

	return set
}

// load 调用数据源，数据源 panic 也视为刷新失败
func (c *Cache) load(ctx context.Context) (records []Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("allowlist provider panicked: %v", r)
		}
	}()
	if c.provider == nil {
		return nil, fmt.Errorf("allowlist provider not configured")
	}
	return c.provider.Load(ctx)
}
