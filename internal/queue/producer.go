package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ScanMessage 异步扫描消息
type ScanMessage struct {
	ID          string    `json:"id"`
	APKName     string    `json:"apk_name"`
	APKPath     string    `json:"apk_path"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// publisher 底层消息发布
type publisher interface {
	Publish(ctx context.Context, messageID string, body []byte) error
	GetQueueStats() (messageCount, consumerCount int, err error)
	IsConnected() bool
}

// Status 扫描队列状态（健康检查用）
type Status struct {
	Connected bool   `json:"connected"`
	Depth     int    `json:"depth"`
	Consumers int    `json:"consumers"`
	Error     string `json:"error,omitempty"`
}

// Producer 扫描消息生产者
type Producer struct {
	mq     publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq *RabbitMQ, logger *logrus.Logger) *Producer {
	return &Producer{
		mq:     mq,
		logger: logger,
	}
}

// PublishScan 发布扫描消息
func (p *Producer) PublishScan(ctx context.Context, msg *ScanMessage) error {
	if msg.SubmittedAt.IsZero() {
		msg.SubmittedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.mq.Publish(ctx, msg.ID, body); err != nil {
		p.logger.WithError(err).WithField("scan_request_id", msg.ID).Error("Failed to publish scan")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"scan_request_id": msg.ID,
		"apk_name":        msg.APKName,
	}).Info("Scan published to queue")

	return nil
}

// Status 查询连接状态与队列深度；查询失败记录在 Error 中
func (p *Producer) Status() Status {
	st := Status{Connected: p.mq.IsConnected()}
	depth, consumers, err := p.mq.GetQueueStats()
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Depth = depth
	st.Consumers = consumers
	return st
}
