package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/exchange"
)

// messageWriter *kafka.Writer 的子集
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaTopics struct {
	BestBid string
	BestAsk string
	Trades  string
}

// QuoteMessage best-bid-updates / best-ask-updates 的消息体
type QuoteMessage struct {
	OrderID   int64   `json:"order_id"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Timestamp int64   `json:"timestamp"`
}

// KafkaSink 只处理 best_prices 与 tape，最优价变化或出现新成交时才发消息。
// 去重状态只在写入成功后更新，写失败的消息会在下一次 Publish 时重发
type KafkaSink struct {
	w            messageWriter
	topics       KafkaTopics
	writeTimeout time.Duration

	mu       sync.Mutex
	lastBid  *exchange.BestQuote
	lastAsk  *exchange.BestQuote
	seenTape map[exchange.Trade]struct{}
}

// NewKafkaSink topic 由每条消息指定，writer 本身不绑定 topic
func NewKafkaSink(brokers []string, topics KafkaTopics) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newKafkaSink(w, topics)
}

func newKafkaSink(w messageWriter, topics KafkaTopics) *KafkaSink {
	return &KafkaSink{
		w:            w,
		topics:       topics,
		writeTimeout: 500 * time.Millisecond,
		seenTape:     map[exchange.Trade]struct{}{},
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Close() error { return s.w.Close() }

func (s *KafkaSink) Publish(ctx context.Context, ev Event) error {
	var msgs []kafka.Message
	var commit func()
	var err error

	switch payload := ev.Payload.(type) {
	case exchange.BestPrices:
		msgs, commit, err = s.quoteMessages(payload)
	case []exchange.Trade:
		msgs, commit, err = s.tradeMessages(payload)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		// 短超时：broker 卡住时不能拖慢轮询协程
		wCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
		if err := s.w.WriteMessages(wCtx, msgs...); err != nil {
			return fmt.Errorf("kafka: write %d messages: %w", len(msgs), err)
		}
	}
	commit()
	return nil
}

// quoteMessages 返回变化的最优价消息，commit 在写入成功后记录已发送的报价
func (s *KafkaSink) quoteMessages(bp exchange.BestPrices) ([]kafka.Message, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []kafka.Message
	if bp.BestBid != nil && !sameQuote(s.lastBid, bp.BestBid) {
		m, err := quoteMessage(s.topics.BestBid, "bid", bp.BestBid)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, m)
	}
	if bp.BestAsk != nil && !sameQuote(s.lastAsk, bp.BestAsk) {
		m, err := quoteMessage(s.topics.BestAsk, "ask", bp.BestAsk)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, m)
	}

	bid, ask := cloneQuote(bp.BestBid), cloneQuote(bp.BestAsk)
	commit := func() {
		s.mu.Lock()
		s.lastBid, s.lastAsk = bid, ask
		s.mu.Unlock()
	}
	return msgs, commit, nil
}

// tradeMessages 只发送上一次成功写入的快照中没有出现过的成交
func (s *KafkaSink) tradeMessages(tape []exchange.Trade) ([]kafka.Message, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[exchange.Trade]struct{}, len(tape))
	var msgs []kafka.Message
	for _, t := range tape {
		seen[t] = struct{}{}
		if _, ok := s.seenTape[t]; ok {
			continue
		}
		data, err := json.Marshal(t)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka: marshal trade: %w", err)
		}
		msgs = append(msgs, kafka.Message{Topic: s.topics.Trades, Key: []byte(t.SideText()), Value: data})
	}

	commit := func() {
		s.mu.Lock()
		s.seenTape = seen
		s.mu.Unlock()
	}
	return msgs, commit, nil
}

func quoteMessage(topic, key string, q *exchange.BestQuote) (kafka.Message, error) {
	data, err := json.Marshal(QuoteMessage{
		OrderID:   q.OrderID,
		Price:     q.Price,
		Quantity:  q.Quantity,
		Timestamp: q.Timestamp,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: marshal %s quote: %w", key, err)
	}
	return kafka.Message{Topic: topic, Key: []byte(key), Value: data}, nil
}

func sameQuote(a, b *exchange.BestQuote) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneQuote(q *exchange.BestQuote) *exchange.BestQuote {
	if q == nil {
		return nil
	}
	c := *q
	return &c
}
