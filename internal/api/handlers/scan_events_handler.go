package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/apk-analysis/apk-risk/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const eventWriteTimeout = 5 * time.Second

// ScanEventHub 扫描事件 WebSocket 广播
type ScanEventHub struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]struct{}
	clientMutex sync.Mutex
	broadcast   chan service.ScanEvent
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewScanEventHub 创建事件广播器
func NewScanEventHub(logger *logrus.Logger) *ScanEventHub {
	return &ScanEventHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan service.ScanEvent, 100),
		stopChan:  make(chan struct{}),
	}
}

// Start 启动广播协程
func (h *ScanEventHub) Start() {
	go h.runBroadcaster()
}

// Stop 停止广播并断开所有客户端
func (h *ScanEventHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		h.clientMutex.Lock()
		for conn := range h.clients {
			conn.Close()
			delete(h.clients, conn)
		}
		h.clientMutex.Unlock()
	})
}

func (h *ScanEventHub) runBroadcaster() {
	for {
		select {
		case <-h.stopChan:
			return
		case event := <-h.broadcast:
			h.clientMutex.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
				if err := conn.WriteJSON(event); err != nil {
					h.logger.WithError(err).Debug("Dropping WebSocket client")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.clientMutex.Unlock()
		}
	}
}

// Publish 投递事件（非阻塞，缓冲区满时丢弃）
func (h *ScanEventHub) Publish(event service.ScanEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.WithField("type", event.Type).Warn("Scan event channel is full, dropping event")
	}
}

// ClientCount 当前连接数
func (h *ScanEventHub) ClientCount() int {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	return len(h.clients)
}

// HandleWebSocket 订阅扫描事件
// GET /ws/scans
func (h *ScanEventHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade to WebSocket")
		return
	}

	h.clientMutex.Lock()
	h.clients[conn] = struct{}{}
	h.clientMutex.Unlock()
	h.logger.WithField("remote", c.ClientIP()).Info("Scan event subscriber connected")

	// 只读取控制帧，直到客户端断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Debug("WebSocket read error")
			}
			break
		}
	}

	h.clientMutex.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.clientMutex.Unlock()

	h.logger.Info("Scan event subscriber disconnected")
}
