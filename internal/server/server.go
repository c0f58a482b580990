package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/aggregator"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/exchange"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/health"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/metrics"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/poller"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/publish"
)

// RefreshDelay 下单成功后延迟刷新，给撮合服务留出处理时间
const RefreshDelay = 100 * time.Millisecond

// OrderSubmitter 由 exchange.Client 实现
type OrderSubmitter interface {
	AddOrder(ctx context.Context, form exchange.OrderForm) (string, error)
}

// Refresher 由 poller.Scheduler 实现
type Refresher interface {
	TriggerAfter(d time.Duration, names ...string) *time.Timer
}

type Options struct {
	Aggregator *aggregator.Aggregator
	Orders     OrderSubmitter
	Refresher  Refresher    // 可为 nil
	Sink       publish.Sink // 可为 nil
	Monitor    *health.Monitor
	Stream     http.Handler // /ws，可为 nil
	Metrics    http.Handler // /metrics，可为 nil
	Log        *zap.Logger
}

// Server 看板 HTTP 接口
type Server struct {
	agg       *aggregator.Aggregator
	orders    OrderSubmitter
	refresher Refresher
	sink      publish.Sink
	monitor   *health.Monitor
	stream    http.Handler
	metrics   http.Handler
	log       *zap.Logger
}

func New(opts Options) *Server {
	s := &Server{
		agg:       opts.Aggregator,
		orders:    opts.Orders,
		refresher: opts.Refresher,
		sink:      opts.Sink,
		monitor:   opts.Monitor,
		stream:    opts.Stream,
		metrics:   opts.Metrics,
		log:       opts.Log,
	}
	if s.sink == nil {
		s.sink = publish.Nop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("server")
	return s
}

// Handler 注册全部路由并套上日志与 CORS 中间件
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.agg.Snapshot())
	})
	mux.HandleFunc("GET /api/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.agg.HistoryViews())
	})
	mux.HandleFunc("GET /api/depth", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.agg.Depth())
	})
	mux.HandleFunc("GET /api/tape", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.agg.Tape())
	})
	mux.HandleFunc("GET /api/best_prices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.agg.BestPrices())
	})
	mux.HandleFunc("POST /api/order", s.handleOrder)

	if s.stream != nil {
		mux.Handle("GET /ws", s.stream)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("GET /healthz", health.Healthz)
	if s.monitor != nil {
		mux.HandleFunc("GET /readyz", s.monitor.Readyz)
	}

	return cors(logging(s.log, mux))
}

type orderResp struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	form, err := parseOrderForm(r)
	if err != nil {
		metrics.OrdersRejectedTotal.WithLabelValues("invalid").Inc()
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	body, err := s.orders.AddOrder(r.Context(), form)
	s.publishOrder(r.Context(), form, err == nil, body, err)

	if err != nil {
		kind := exchange.Classify(err)
		metrics.OrdersRejectedTotal.WithLabelValues(string(kind)).Inc()
		s.log.Warn("order failed",
			zap.String("side", form.Side),
			zap.Float64("price", form.Price),
			zap.Int("quantity", form.Quantity),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))

		var se *exchange.StatusError
		if errors.As(err, &se) {
			// 上游的状态码与错误文本原样返回
			writeJSONError(w, se.Code, se.Body)
			return
		}
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	metrics.OrdersSubmittedTotal.Inc()
	s.log.Info("order accepted",
		zap.String("side", form.Side),
		zap.String("order_type", form.OrderType),
		zap.Float64("price", form.Price),
		zap.Int("quantity", form.Quantity),
		zap.Duration("elapsed", time.Since(start)))

	if s.refresher != nil {
		s.refresher.TriggerAfter(RefreshDelay, poller.AfterOrder...)
	}
	writeJSON(w, http.StatusOK, orderResp{Status: "accepted", Message: strings.TrimSpace(body)})
}

func (s *Server) publishOrder(ctx context.Context, form exchange.OrderForm, accepted bool, body string, err error) {
	p := publish.OrderPayload{
		Price:     form.Price,
		Quantity:  form.Quantity,
		Side:      form.Side,
		OrderType: form.OrderType,
		Accepted:  accepted,
		Message:   strings.TrimSpace(body),
	}
	if err != nil {
		p.Message = err.Error()
	}
	_ = s.sink.Publish(ctx, publish.NewEvent(publish.KindOrder, p))
}

// parseOrderForm 校验表单：side 为 buy/sell，order_type 默认 LIMIT，限价单必须有正价格
func parseOrderForm(r *http.Request) (exchange.OrderForm, error) {
	var form exchange.OrderForm
	if err := r.ParseForm(); err != nil {
		return form, fmt.Errorf("invalid form: %w", err)
	}

	form.Side = strings.ToLower(strings.TrimSpace(r.PostForm.Get("side")))
	if form.Side != exchange.SideBuy && form.Side != exchange.SideSell {
		return form, fmt.Errorf("side must be buy or sell, got %q", form.Side)
	}

	form.OrderType = strings.ToUpper(strings.TrimSpace(r.PostForm.Get("order_type")))
	if form.OrderType == "" {
		form.OrderType = exchange.OrderTypeLimit
	}
	if form.OrderType != exchange.OrderTypeLimit && form.OrderType != exchange.OrderTypeMarket {
		return form, fmt.Errorf("order_type must be LIMIT or MARKET, got %q", form.OrderType)
	}

	qty, err := strconv.Atoi(strings.TrimSpace(r.PostForm.Get("quantity")))
	if err != nil || qty <= 0 {
		return form, errors.New("quantity must be a positive integer")
	}
	form.Quantity = qty

	if raw := strings.TrimSpace(r.PostForm.Get("price")); raw != "" {
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil || price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			return form, errors.New("price must be a non-negative number")
		}
		form.Price = price
	}
	if form.OrderType == exchange.OrderTypeLimit && form.Price <= 0 {
		return form, errors.New("limit orders need a positive price")
	}
	return form, nil
}
