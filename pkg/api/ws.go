package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"node-emissions/pkg/logger"
	"node-emissions/pkg/risk"
)

const wsWriteTimeout = 5 * time.Second

// WSMessage is the envelope pushed to alert subscribers.
type WSMessage struct {
	Type    string      `json:"type"` // alert_opened / alert_resolved / hello
	Payload interface{} `json:"payload,omitempty"`
}

// AlertHub pushes risk transitions to websocket subscribers. It implements
// risk.Notifier.
type AlertHub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	subs     map[*websocket.Conn]struct{}
}

func NewAlertHub() *AlertHub {
	return &AlertHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: map[*websocket.Conn]struct{}{},
	}
}

// HandleAlerts upgrades the request and keeps the connection subscribed
// until the client goes away.
func (h *AlertHub) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Named("api").Warn("ws upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	h.mu.Lock()
	h.subs[c] = struct{}{}
	_ = c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err = c.WriteJSON(WSMessage{Type: "hello"})
	h.mu.Unlock()
	if err != nil {
		h.closeSub(c)
		return
	}
	logger.Named("api").Debug("alert subscriber connected", zap.String("remote", r.RemoteAddr))
	go h.readLoop(c)
}

// Subscribers reports how many connections are listening.
func (h *AlertHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *AlertHub) Notify(_ context.Context, t risk.Transition) {
	h.broadcast(WSMessage{Type: "alert_" + t.Action, Payload: t.Alert})
}

func (h *AlertHub) broadcast(msg WSMessage) {
	h.mu.Lock()
	var dead []*websocket.Conn
	for c := range h.subs {
		_ = c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.WriteJSON(msg); err != nil {
			dead = append(dead, c)
		}
	}
	h.mu.Unlock()
	for _, c := range dead {
		h.closeSub(c)
	}
}

// readLoop drains client frames so close and ping are processed.
func (h *AlertHub) readLoop(c *websocket.Conn) {
	defer h.closeSub(c)
	for {
		if _, _, err := c.NextReader(); err != nil {
			return
		}
	}
}

func (h *AlertHub) closeSub(c *websocket.Conn) {
	_ = c.Close()
	h.mu.Lock()
	_, ok := h.subs[c]
	delete(h.subs, c)
	h.mu.Unlock()
	if ok {
		logger.Named("api").Debug("alert subscriber disconnected")
	}
}
