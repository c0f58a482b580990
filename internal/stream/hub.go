package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/metrics"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/publish"
)

const (
	writeWait           = 10 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = (pongWait * 9) / 10
	maxMessageSize      = 4 * 1024 // 客户端只会发订阅指令
	defaultSendBuf      = 64
	defaultPublishBuf   = 1024
	maxConsecutiveDrops = 50
)

type outbound struct {
	kind publish.Kind
	data []byte
}

type subscription struct {
	client *client
	kind   publish.Kind
	add    bool
}

// Hub 看板 WebSocket 广播中心，实现 publish.Sink。
// clients 与订阅关系只在 Run 协程内读写
type Hub struct {
	register   chan *client
	unregister chan *client
	subscribe  chan subscription
	publish    chan outbound
	done       chan struct{}

	clients  map[*client]struct{}
	count    atomic.Int64
	dropped  atomic.Uint64
	upgrader websocket.Upgrader
	log      *zap.Logger
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// filtered 为 false 时接收全部事件；为 true 时只接收 subscribed 中的类型，空集合表示什么都不收
	filtered   bool
	subscribed map[publish.Kind]struct{}
	drops      int
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		subscribe:  make(chan subscription),
		publish:    make(chan outbound, defaultPublishBuf),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 看板页面可能由其他端口提供，放开跨域
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.Named("stream"),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Clients 当前连接数
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Dropped 因客户端过慢被丢弃的消息数
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Publish 非阻塞：发布缓冲区满时丢弃并返回错误
func (h *Hub) Publish(_ context.Context, ev publish.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("stream: marshal %s: %w", ev.Kind, err)
	}
	select {
	case h.publish <- outbound{kind: ev.Kind, data: data}:
		return nil
	case <-h.done:
		return nil
	default:
		h.dropped.Add(1)
		metrics.WSDroppedTotal.Inc()
		return fmt.Errorf("stream: publish buffer full, dropping %s", ev.Kind)
	}
}

// Run 事件循环，ctx 取消后关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("ws hub started")
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
			metrics.WSClients.Inc()

		case c := <-h.unregister:
			h.remove(c)

		case sub := <-h.subscribe:
			if _, ok := h.clients[sub.client]; !ok {
				continue
			}
			sub.client.apply(sub)

		case msg := <-h.publish:
			for c := range h.clients {
				if !c.wants(msg.kind) {
					continue
				}
				select {
				case c.send <- msg.data:
					c.drops = 0
				default:
					h.dropped.Add(1)
					metrics.WSDroppedTotal.Inc()
					c.drops++
					if c.drops > maxConsecutiveDrops {
						h.log.Warn("evicting slow client", zap.Int("drops", c.drops))
						h.remove(c)
						_ = c.conn.Close()
					}
				}
			}

		case <-ctx.Done():
			h.log.Info("ws hub shutting down", zap.Int("clients", len(h.clients)))
			for c := range h.clients {
				h.remove(c)
				_ = c.conn.Close()
			}
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.count.Add(-1)
	metrics.WSClients.Dec()
}

func (c *client) wants(kind publish.Kind) bool {
	if !c.filtered {
		return true
	}
	_, ok := c.subscribed[kind]
	return ok
}

// apply 首条指令把未过滤的客户端切换为过滤模式：subscribe 只保留该类型，unsubscribe 保留其余全部
func (c *client) apply(sub subscription) {
	if !c.filtered {
		c.filtered = true
		c.subscribed = make(map[publish.Kind]struct{}, len(publish.Kinds))
		if !sub.add {
			for _, k := range publish.Kinds {
				c.subscribed[k] = struct{}{}
			}
		}
	}
	if sub.add {
		c.subscribed[sub.kind] = struct{}{}
	} else {
		delete(c.subscribed, sub.kind)
	}
}

// ServeHTTP 升级连接并注册客户端，可通过 ?topics=depth,price_history 预先订阅
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics, err := parseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, defaultSendBuf),
		filtered:   len(topics) > 0,
		subscribed: topics,
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func parseTopics(raw string) (map[publish.Kind]struct{}, error) {
	topics := make(map[publish.Kind]struct{})
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		k, ok := publish.ParseKind(s)
		if !ok {
			return nil, fmt.Errorf("unknown topic %q", s)
		}
		topics[k] = struct{}{}
	}
	return topics, nil
}

// command 客户端上行指令
type command struct {
	Type  string `json:"type"` // subscribe | unsubscribe
	Topic string `json:"topic"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("read error", zap.Error(err))
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.hub.log.Debug("invalid client message", zap.Error(err))
			continue
		}
		kind, ok := publish.ParseKind(cmd.Topic)
		if !ok {
			continue
		}

		var sub subscription
		switch cmd.Type {
		case "subscribe":
			sub = subscription{client: c, kind: kind, add: true}
		case "unsubscribe":
			sub = subscription{client: c, kind: kind}
		default:
			continue
		}
		select {
		case c.hub.subscribe <- sub:
		case <-c.hub.done:
			return
		}
	}
}

// writePump 串行化所有写操作，一条事件一帧
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
