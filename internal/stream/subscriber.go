package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/publish"
)

// Message 订阅端收到的事件，payload 保持原始 JSON 由调用方按 Kind 解码
type Message struct {
	ID      string          `json:"id"`
	Kind    publish.Kind    `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// Subscriber 带指数退避自动重连的看板订阅客户端
type Subscriber struct {
	URL        string
	Topics     []publish.Kind
	OnMessage  func(Message)
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Log        *zap.Logger

	dialer *websocket.Dialer
}

func NewSubscriber(rawURL string, topics []publish.Kind, onMessage func(Message), log *zap.Logger) *Subscriber {
	return &Subscriber{
		URL:        rawURL,
		Topics:     topics,
		OnMessage:  onMessage,
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
		Log:        log.Named("subscriber"),
		dialer:     websocket.DefaultDialer,
	}
}

// Endpoint 拼上 topics 查询参数后的完整地址
func (s *Subscriber) Endpoint() (string, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", err
	}
	if len(s.Topics) > 0 {
		names := make([]string, len(s.Topics))
		for i, k := range s.Topics {
			names[i] = string(k)
		}
		q := u.Query()
		q.Set("topics", strings.Join(names, ","))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Run 阻塞运行直到 ctx 取消，断线后按退避时间重连
func (s *Subscriber) Run(ctx context.Context) error {
	endpoint, err := s.Endpoint()
	if err != nil {
		return err
	}

	backoff := s.MinBackoff
	for {
		connected, err := s.connectAndRead(ctx, endpoint)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// 连接成功过，重置退避时间
			backoff = s.MinBackoff
		}
		s.Log.Warn("stream disconnected, reconnecting",
			zap.String("url", endpoint),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.MaxBackoff {
			backoff = s.MaxBackoff
		}
	}
}

func (s *Subscriber) connectAndRead(ctx context.Context, endpoint string) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	s.Log.Info("stream connected", zap.String("url", endpoint))

	// ctx 取消时主动发送关闭帧，让 ReadMessage 返回
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, errors.New("server closed the stream")
			}
			return true, err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.Log.Debug("invalid event", zap.Error(err), zap.ByteString("raw", data))
			continue
		}
		if s.OnMessage != nil {
			s.OnMessage(msg)
		}
	}
}
