package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"matchengine/internal/market"
	"matchengine/pkg/logger"
)

const wsWriteWait = 5 * time.Second

// DepthMessage 推送给客户端的盘口快照
type DepthMessage struct {
	Time   float64        `json:"time"`
	Depths []market.Depth `json:"depths"`
}

// DepthHub WebSocket 客户端管理，定时任务推送最新盘口
type DepthHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	latest  *DepthMessage
}

// NewDepthHub 创建盘口推送
func NewDepthHub() *DepthHub {
	return &DepthHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP 升级连接，连接后立即推送一次最近的盘口
func (h *DepthHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("WebSocket 升级失败: %v", err)
		return
	}
	h.mu.Lock()
	if h.latest != nil && !h.write(conn, h.latest) {
		h.mu.Unlock()
		return
	}
	h.clients[conn] = true
	h.mu.Unlock()

	go h.read(conn)
}

// read 丢弃客户端消息，连接断开时移除
func (h *DepthHub) read(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.mu.Lock()
			h.drop(conn)
			h.mu.Unlock()
			return
		}
	}
}

// write 需持有 h.mu
func (h *DepthHub) write(conn *websocket.Conn, msg *DepthMessage) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.drop(conn)
		return false
	}
	return true
}

func (h *DepthHub) drop(conn *websocket.Conn) {
	if h.clients[conn] {
		delete(h.clients, conn)
	}
	conn.Close()
}

// Broadcast 推送盘口到所有 WebSocket 客户端
func (h *DepthHub) Broadcast(depths []market.Depth) {
	msg := &DepthMessage{Time: market.Timestamp(time.Now()), Depths: depths}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = msg
	for conn := range h.clients {
		h.write(conn, msg)
	}
}

// Count 当前连接数
func (h *DepthHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close 断开全部连接
func (h *DepthHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		h.drop(conn)
	}
}
