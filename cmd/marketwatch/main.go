// cmd/marketwatch/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/logger"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/publish"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/stream"
)

func parseKinds(raw string) ([]publish.Kind, error) {
	var kinds []publish.Kind
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		k, ok := publish.ParseKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown topic %q", name)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// watchStream 订阅网关 WebSocket 并打印事件
func watchStream(ctx context.Context, lg *zap.Logger, url string, kinds []publish.Kind) error {
	sub := stream.NewSubscriber(url, kinds, func(m stream.Message) {
		lg.Info("event",
			zap.String("kind", string(m.Kind)),
			zap.String("id", m.ID),
			zap.Time("at", m.At),
			zap.ByteString("payload", m.Payload))
	}, lg)
	return sub.Run(ctx)
}

// watchKafka 直接消费最优价 topic
func watchKafka(ctx context.Context, lg *zap.Logger, brokers, topics []string, group string) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    1 << 20,
	})
	defer r.Close()

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			return err
		}
		var q publish.QuoteMessage
		if err := json.Unmarshal(msg.Value, &q); err != nil {
			lg.Warn("skip malformed message", zap.String("topic", msg.Topic), zap.Error(err))
			continue
		}
		lg.Info("quote",
			zap.String("topic", msg.Topic),
			zap.ByteString("key", msg.Key),
			zap.Int64("order_id", q.OrderID),
			zap.Float64("price", q.Price),
			zap.Float64("quantity", q.Quantity),
			zap.Int64("timestamp", q.Timestamp))
	}
}

func main() {
	source := flag.String("source", "ws", "event source: ws or kafka")
	url := flag.String("url", "ws://127.0.0.1:8090/ws", "gateway websocket url")
	topics := flag.String("topics", "", "comma separated event kinds for ws, empty means all")
	brokers := flag.String("brokers", "localhost:9092", "comma separated kafka brokers")
	kafkaTopics := flag.String("kafka-topics", "best-bid-updates,best-ask-updates", "comma separated kafka topics")
	group := flag.String("group", "marketwatch", "kafka consumer group")
	level := flag.String("level", "info", "log level")
	flag.Parse()

	lg, err := logger.New(*level, true)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *source {
	case "ws":
		kinds, perr := parseKinds(*topics)
		if perr != nil {
			lg.Fatal("invalid topics", zap.Error(perr))
		}
		lg.Info("watching gateway", zap.String("url", *url))
		err = watchStream(ctx, lg, *url, kinds)
	case "kafka":
		lg.Info("watching kafka", zap.String("brokers", *brokers), zap.String("topics", *kafkaTopics))
		err = watchKafka(ctx, lg, strings.Split(*brokers, ","), strings.Split(*kafkaTopics, ","), *group)
	default:
		lg.Fatal("unknown source", zap.String("source", *source))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("watch stopped", zap.Error(err))
		return
	}
	lg.Info("watch stopped")
}
