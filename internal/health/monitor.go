package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/exchange"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/metrics"
)

const (
	ReasonLost     = "connection lost"
	ReasonRestored = "connection restored"
)

// Prober 连通性探测，由 exchange.Client 实现
type Prober interface {
	Probe(ctx context.Context) error
}

// Monitor 维护上游在线状态，初始为在线
type Monitor struct {
	prober Prober
	log    *zap.Logger
	online atomic.Bool

	mu        sync.Mutex
	listeners []func(online bool, reason string)
}

func NewMonitor(p Prober, log *zap.Logger) *Monitor {
	m := &Monitor{prober: p, log: log.Named("health")}
	m.online.Store(true)
	metrics.UpstreamOnline.Set(1)
	return m
}

func (m *Monitor) Online() bool { return m.online.Load() }

// OnChange 注册状态切换回调，回调在 Check 所在协程中同步执行
func (m *Monitor) OnChange(fn func(online bool, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Check 探测一次并按结果切换状态：
// 在线时只有网络错误才判定为掉线，非 2xx 不改变状态；离线时只有 2xx 才恢复
func (m *Monitor) Check(ctx context.Context) error {
	err := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		// 关闭过程中的取消不算掉线
		return err
	}

	switch exchange.Classify(err) {
	case exchange.KindNone:
		if m.online.CompareAndSwap(false, true) {
			m.transition(true, ReasonRestored)
		}
	case exchange.KindStatus:
		m.log.Debug("probe returned non-2xx", zap.Error(err), zap.Bool("online", m.Online()))
	default:
		if m.online.CompareAndSwap(true, false) {
			m.transition(false, ReasonLost)
		}
	}
	return err
}

func (m *Monitor) transition(online bool, reason string) {
	if online {
		metrics.UpstreamOnline.Set(1)
		metrics.ConnectionChangesTotal.WithLabelValues("online").Inc()
		m.log.Info(reason)
	} else {
		metrics.UpstreamOnline.Set(0)
		metrics.ConnectionChangesTotal.WithLabelValues("offline").Inc()
		m.log.Warn(reason)
	}

	m.mu.Lock()
	listeners := append(([]func(bool, string))(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(online, reason)
	}
}

// Healthz 进程存活即返回 200
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz 上游在线时返回 200
func (m *Monitor) Readyz(w http.ResponseWriter, r *http.Request) {
	if m.Online() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	http.Error(w, "upstream offline", http.StatusServiceUnavailable)
}
