package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/apk-analysis/apk-risk/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakePublisher struct {
	id   string
	body []byte
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, messageID string, body []byte) error {
	p.id = messageID
	p.body = body
	return p.err
}

func (p *fakePublisher) GetQueueStats() (int, int, error) {
	if p.err != nil {
		return 0, 0, p.err
	}
	return 3, 1, nil
}

func (p *fakePublisher) IsConnected() bool {
	return p.err == nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func delivery(ack amqp.Acknowledger, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body)}
}

// TestRabbitMQConfig_URL 测试连接地址
func TestRabbitMQConfig_URL(t *testing.T) {
	cfg := ConfigFrom(&config.RabbitMQConfig{Host: "mq", Port: 5672, User: "guest", Password: "p@ss", VHost: "/"})
	assert.Equal(t, "amqp://guest:p%40ss@mq:5672/%2F", cfg.URL())

	cfg.VHost = "scans"
	assert.Equal(t, "amqp://guest:p%40ss@mq:5672/scans", cfg.URL())
}

// TestDecodeScanMessage 测试消息解析
func TestDecodeScanMessage(t *testing.T) {
	msg, err := DecodeScanMessage([]byte(`{"id":"r1","apk_path":"/data/inbound/app.apk"}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", msg.ID)
	assert.Equal(t, "app.apk", msg.APKName)

	_, err = DecodeScanMessage([]byte(`{"id":"r2"}`))
	assert.Error(t, err)

	_, err = DecodeScanMessage([]byte(`not json`))
	assert.Error(t, err)
}

// TestConsumer_ProcessMessage 测试确认策略
func TestConsumer_ProcessMessage(t *testing.T) {
	var handled []string
	var fail bool
	c := NewConsumer(nil, func(ctx context.Context, msg *ScanMessage) error {
		handled = append(handled, msg.APKName)
		if fail {
			return errors.New("unreadable package")
		}
		return nil
	}, 1, quietLogger())

	ack := &fakeAcknowledger{}
	c.processMessage(context.Background(), 0, delivery(ack, `{"id":"r1","apk_name":"a.apk","apk_path":"/tmp/a.apk"}`))
	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)

	fail = true
	ack = &fakeAcknowledger{}
	c.processMessage(context.Background(), 0, delivery(ack, `{"id":"r2","apk_name":"b.apk","apk_path":"/tmp/b.apk"}`))
	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeue)

	ack = &fakeAcknowledger{}
	c.processMessage(context.Background(), 0, delivery(ack, `{}`))
	assert.Equal(t, 1, ack.nacks)

	assert.Equal(t, []string{"a.apk", "b.apk"}, handled)
	assert.Equal(t, ConsumerStats{Completed: 1, Failed: 1, Malformed: 1}, c.Stats())
}

// TestProducer_PublishScan 测试发布消息
func TestProducer_PublishScan(t *testing.T) {
	pub := &fakePublisher{}
	p := &Producer{mq: pub, logger: quietLogger()}

	require.NoError(t, p.PublishScan(context.Background(), &ScanMessage{ID: "r1", APKName: "a.apk", APKPath: "/tmp/a.apk"}))
	assert.Equal(t, "r1", pub.id)

	var decoded ScanMessage
	require.NoError(t, json.Unmarshal(pub.body, &decoded))
	assert.Equal(t, "/tmp/a.apk", decoded.APKPath)
	assert.False(t, decoded.SubmittedAt.IsZero())

	assert.Equal(t, Status{Connected: true, Depth: 3, Consumers: 1}, p.Status())

	pub.err = ErrChannelClosed
	assert.ErrorIs(t, p.PublishScan(context.Background(), &ScanMessage{ID: "r2", APKPath: "/tmp/b.apk"}), ErrChannelClosed)

	st := p.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, ErrChannelClosed.Error(), st.Error)
}
