// internal/service/odf/interfaces/progress_ws.go
package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"odf/internal/pkg/logger"
	"odf/internal/service/odf/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 进度页面和 API 不同源
		return true
	},
}

// ProgressHub 维护按订单分组的 WebSocket 连接，并把结果信封推送给它们
type ProgressHub struct {
	clients    map[int64]map[*progressClient]struct{}
	register   chan *progressClient
	unregister chan *progressClient
	done       chan struct{}
	lock       sync.RWMutex
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		clients:    make(map[int64]map[*progressClient]struct{}),
		register:   make(chan *progressClient),
		unregister: make(chan *progressClient),
		done:       make(chan struct{}),
	}
}

// Run 处理注册和注销，直到 ctx 取消
func (h *ProgressHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.lock.Lock()
			for orderID, set := range h.clients {
				for c := range set {
					close(c.send)
				}
				delete(h.clients, orderID)
			}
			h.lock.Unlock()
			return
		case c := <-h.register:
			h.lock.Lock()
			if h.clients[c.orderID] == nil {
				h.clients[c.orderID] = make(map[*progressClient]struct{})
			}
			h.clients[c.orderID][c] = struct{}{}
			h.lock.Unlock()
			logger.Ctx(ctx).Debug().Int64("order_id", c.orderID).Msg("progress client registered")
		case c := <-h.unregister:
			h.lock.Lock()
			if set, ok := h.clients[c.orderID]; ok {
				if _, ok := set[c]; ok {
					delete(set, c)
					close(c.send)
				}
				if len(set) == 0 {
					delete(h.clients, c.orderID)
				}
			}
			h.lock.Unlock()
		}
	}
}

// Publish 推送结果，发送队列满的客户端会丢掉这条消息
func (h *ProgressHub) Publish(orderID int64, result *domain.PipelineResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		logger.Ctx(context.Background()).Error().Err(err).Int64("order_id", orderID).Msg("failed to encode progress")
		return
	}
	h.lock.RLock()
	defer h.lock.RUnlock()
	for c := range h.clients[orderID] {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// Subscribers 返回订单当前的连接数
func (h *ProgressHub) Subscribers(orderID int64) int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients[orderID])
}

// ServeWS 把请求升级为 WebSocket 并订阅该订单
func (h *ProgressHub) ServeWS(w http.ResponseWriter, r *http.Request, orderID int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Int64("order_id", orderID).Msg("websocket upgrade failed")
		return
	}

	c := &progressClient{hub: h, conn: conn, send: make(chan []byte, sendBuffer), orderID: orderID}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// progressClient 是一个 WebSocket 连接
type progressClient struct {
	hub     *ProgressHub
	conn    *websocket.Conn
	send    chan []byte
	orderID int64
}

// writePump 把 send 中的消息写入连接，并定时发送 ping
func (c *progressClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只处理 pong 和关闭，客户端不发送业务消息
func (c *progressClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
