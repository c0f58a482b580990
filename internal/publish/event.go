package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/metrics"
)

// Kind 事件类型，同时作为 WebSocket topic 与 Redis key 后缀
type Kind string

const (
	KindBestPrices   Kind = "best_prices"
	KindPriceHistory Kind = "price_history"
	KindDepth        Kind = "depth"
	KindTape         Kind = "tape"
	KindConnection   Kind = "connection"
	KindOrder        Kind = "order"
)

// Kinds 全部事件类型
var Kinds = []Kind{KindBestPrices, KindPriceHistory, KindDepth, KindTape, KindConnection, KindOrder}

// ParseKind 校验 topic 名称
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Event 推送给下游的一条数据
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

func NewEvent(kind Kind, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		At:      time.Now(),
		Payload: payload,
	}
}

// ConnectionPayload connection 事件的内容
type ConnectionPayload struct {
	Online bool   `json:"online"`
	Reason string `json:"reason,omitempty"`
}

// OrderPayload order 事件的内容
type OrderPayload struct {
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
	Side      string  `json:"side"`
	OrderType string  `json:"order_type"`
	Accepted  bool    `json:"accepted"`
	Message   string  `json:"message,omitempty"`
}

type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Name() string { return "nop" }
func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout 依次推送到所有下游，单个下游失败不影响其他下游
type Fanout struct {
	sinks []Sink
	log   *zap.Logger
}

func NewFanout(log *zap.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, log: log.Named("publish")}
}

// Add 在启动阶段追加下游，非并发安全
func (f *Fanout) Add(s Sink) { f.sinks = append(f.sinks, s) }

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			metrics.PublishErrorsTotal.WithLabelValues(s.Name()).Inc()
			f.log.Warn("publish failed",
				zap.String("sink", s.Name()),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
