package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// DefaultScanTimeout 单条扫描消息的处理上限
const DefaultScanTimeout = 10 * time.Minute

// ScanHandler 扫描消息处理函数
type ScanHandler func(ctx context.Context, msg *ScanMessage) error

// ConsumerStats 消费计数
type ConsumerStats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Malformed int64 `json:"malformed"`
}

// Consumer 扫描队列消费者
// 每次（重新）连接对应一个 session：一组共享同一 delivery 通道的 worker
type Consumer struct {
	mq          *RabbitMQ
	logger      *logrus.Logger
	handler     ScanHandler
	workers     int
	scanTimeout time.Duration

	mu       sync.Mutex
	session  context.CancelFunc
	wg       sync.WaitGroup
	watching bool
	stopped  chan struct{}
	stopOnce sync.Once

	completed atomic.Int64
	failed    atomic.Int64
	malformed atomic.Int64
}

// NewConsumer 创建消费者，workers 应与 prefetch 数一致
func NewConsumer(mq *RabbitMQ, handler ScanHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		mq:          mq,
		logger:      logger,
		handler:     handler,
		workers:     workers,
		scanTimeout: DefaultScanTimeout,
		stopped:     make(chan struct{}),
	}
}

// Start 开始消费，并在连接断开后自动重连、重建 session
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startSession(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.watching {
		c.watching = true
		c.mq.StartConnectionWatcher()
		go c.reconnectLoop(ctx)
	}
	return nil
}

func (c *Consumer) startSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil
	}

	deliveries, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	c.session = cancel
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.work(sessionCtx, i, deliveries)
	}

	c.logger.WithField("workers", c.workers).Info("Scan consumer session started")
	return nil
}

// endSession 取消当前 session 并等待正在处理的消息结束
func (c *Consumer) endSession() {
	c.mu.Lock()
	cancel := c.session
	c.session = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for scan consumers to stop")
	}
}

func (c *Consumer) work(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.WithField("worker_id", id).Debug("Delivery channel closed")
				return
			}
			c.processMessage(ctx, id, d)
		}
	}
}

// processMessage 成功 Ack；格式错误或扫描失败 Nack 且不重新入队
func (c *Consumer) processMessage(ctx context.Context, workerID int, d amqp.Delivery) {
	started := time.Now()

	msg, err := DecodeScanMessage(d.Body)
	if err != nil {
		c.malformed.Add(1)
		c.logger.WithError(err).Error("Discarding malformed scan message")
		d.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id":       workerID,
		"scan_request_id": msg.ID,
		"apk_name":        msg.APKName,
	})

	scanCtx, cancel := context.WithTimeout(ctx, c.scanTimeout)
	defer cancel()

	// 扫描结果只取决于文件内容，重新入队不会改变结论
	if err := c.handler(scanCtx, msg); err != nil {
		c.failed.Add(1)
		log.WithError(err).Warn("Queued scan failed")
		d.Nack(false, false)
		return
	}

	c.completed.Add(1)
	if err := d.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge scan message")
	}
	log.WithField("duration_ms", time.Since(started).Milliseconds()).Info("Queued scan completed")
}

// DecodeScanMessage 解析并校验扫描消息
func DecodeScanMessage(body []byte) (*ScanMessage, error) {
	var msg ScanMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scan message: %w", err)
	}
	if msg.APKPath == "" {
		return nil, fmt.Errorf("scan message %q has no apk_path", msg.ID)
	}
	if msg.APKName == "" {
		msg.APKName = filepath.Base(msg.APKPath)
	}
	return &msg, nil
}

func (c *Consumer) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		case _, ok := <-c.mq.ReconnectSignals():
			if !ok {
				return
			}

			c.logger.Warn("Scan queue connection lost, reconnecting")
			c.endSession()

			if err := c.mq.Reconnect(); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, waiting for next signal")
				continue
			}
			if err := c.startSession(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart scan consumer")
			}
		}
	}
}

// Stop 停止消费（等待处理中的消息结束）
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		c.endSession()
		c.logger.WithFields(logrus.Fields{
			"completed": c.completed.Load(),
			"failed":    c.failed.Load(),
			"malformed": c.malformed.Load(),
		}).Info("Scan consumer stopped")
	})
}

// Stats 当前消费计数
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Malformed: c.malformed.Load(),
	}
}
