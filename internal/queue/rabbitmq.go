package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/apk-analysis/apk-risk/internal/config"
	"github.com/apk-analysis/apk-risk/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	defaultHeartbeat  = 10 * time.Second
	reconnectAttempts = 10
)

// ErrChannelClosed 通道不可用（未连接或重连中）
var ErrChannelClosed = errors.New("rabbitmq channel is not open")

// RabbitMQConfig RabbitMQ 连接参数
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration
}

// ConfigFrom 从服务配置构造连接参数
func ConfigFrom(cfg *config.RabbitMQConfig) *RabbitMQConfig {
	return &RabbitMQConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		VHost:    cfg.VHost,
	}
}

// URL amqp 连接地址，vhost 作为单个路径段转义（"/" 写作 %2F）
func (c *RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme:  "amqp",
		User:    url.UserPassword(c.User, c.Password),
		Host:    net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:    "/" + c.VHost,
		RawPath: "/" + url.PathEscape(c.VHost),
	}
	return u.String()
}

// RabbitMQ 扫描队列客户端
// 连接断开时通过 ReconnectSignals 通知 Consumer，由 Consumer 调用 Reconnect
type RabbitMQ struct {
	cfg       *RabbitMQConfig
	queueName string
	prefetch  int
	logger    *logrus.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
	// 每次连接成功后替换，用于监听本次连接的关闭事件
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error

	reconnect chan struct{}
}

// NewRabbitMQWithPrefetch 连接 broker 并声明持久化扫描队列
// prefetch 应与消费 worker 数一致
func NewRabbitMQWithPrefetch(cfg *RabbitMQConfig, queueName string, prefetch int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	mq := &RabbitMQ{
		cfg:       cfg,
		queueName: queueName,
		prefetch:  prefetch,
		logger:    logger,
		reconnect: make(chan struct{}, 1),
	}

	// 服务启动时 broker 可能尚未就绪
	err := retry.Do(context.Background(), retry.ConnectPolicy("rabbitmq connect", logger), func(ctx context.Context) error {
		return mq.connect()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

func (mq *RabbitMQ) connect() error {
	conn, err := amqp.DialConfig(mq.cfg.URL(), amqp.Config{
		Heartbeat: mq.cfg.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := mq.setupChannel(conn)
	if err != nil {
		conn.Close()
		return err
	}

	mq.mu.Lock()
	mq.conn = conn
	mq.channel = ch
	mq.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.chanClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	mq.mu.Unlock()

	mq.logger.WithFields(logrus.Fields{
		"host":     mq.cfg.Host,
		"port":     mq.cfg.Port,
		"queue":    mq.queueName,
		"prefetch": mq.prefetch,
	}).Info("Connected to scan queue")
	return nil
}

// setupChannel 打开通道、设置 QoS 并声明持久化队列
func (mq *RabbitMQ) setupChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(mq.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	if _, err := ch.QueueDeclare(mq.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	return ch, nil
}

// StartConnectionWatcher 监听当前连接的关闭事件，每次意外断开发出一次重连信号
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			closed, connClosed, chanClosed := mq.closed, mq.connClosed, mq.chanClosed
			mq.mu.RUnlock()
			if closed {
				return
			}

			var cause *amqp.Error
			scope := "connection"
			select {
			case cause = <-connClosed:
			case cause = <-chanClosed:
				scope = "channel"
			}

			if mq.isClosed() {
				mq.logger.Debug("Scan queue watcher stopped")
				return
			}
			entry := mq.logger.WithField("scope", scope)
			if cause != nil {
				entry = entry.WithError(cause)
			}
			entry.Error("Scan queue closed unexpectedly")

			select {
			case mq.reconnect <- struct{}{}:
			default:
			}
			mq.waitForNewConnection(connClosed)
		}
	}()
}

// waitForNewConnection 阻塞直到 Reconnect 替换了连接或客户端关闭
func (mq *RabbitMQ) waitForNewConnection(old chan *amqp.Error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		mq.mu.RLock()
		done := mq.closed || mq.connClosed != old
		mq.mu.RUnlock()
		if done {
			return
		}
	}
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// ReconnectSignals 连接断开信号
func (mq *RabbitMQ) ReconnectSignals() <-chan struct{} {
	return mq.reconnect
}

// Reconnect 丢弃旧连接并线性退避重连
func (mq *RabbitMQ) Reconnect() error {
	mq.dropConnection()

	policy := retry.Policy{
		Name:        "rabbitmq reconnect",
		MaxAttempts: reconnectAttempts,
		Interval:    time.Second,
		MaxInterval: 10 * time.Second,
		Backoff:     retry.BackoffLinear,
		Logger:      mq.logger,
	}
	if err := retry.Do(context.Background(), policy, func(ctx context.Context) error {
		if mq.isClosed() {
			return retry.Permanent(errors.New("rabbitmq client closed"))
		}
		return mq.connect()
	}); err != nil {
		return err
	}

	mq.logger.Info("Reconnected to scan queue")
	return nil
}

func (mq *RabbitMQ) dropConnection() {
	mq.mu.Lock()
	ch, conn := mq.channel, mq.conn
	mq.channel, mq.conn = nil, nil
	mq.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

func (mq *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil {
		return nil, ErrChannelClosed
	}
	return mq.channel, nil
}

// Publish 发布持久化 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, messageID string, body []byte) error {
	ch, err := mq.currentChannel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", mq.queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    messageID,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费扫描队列
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return nil, err
	}
	deliveries, err := ch.Consume(mq.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return deliveries, nil
}

// GetQueueStats 队列中的消息数和消费者数
func (mq *RabbitMQ) GetQueueStats() (messageCount, consumerCount int, err error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, 0, err
	}
	q, err := ch.QueueInspect(mq.queueName)
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

// IsConnected 连接是否可用
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// Close 关闭连接，之后不再重连
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.dropConnection()
	mq.logger.Info("Scan queue connection closed")
	return nil
}
