package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	EndpointBestPrices = "/best_prices_json"
	EndpointOrderBook  = "/orderbook"
	EndpointTrades     = "/trades"
	EndpointAddOrder   = "/add_order"

	// 错误响应体只保留前 4KB，够展示给用户
	maxErrorBody = 4 << 10
)

// Client 撮合服务 REST 接口客户端，所有方法都是无状态的，可并发调用
type Client struct {
	BaseURL      string
	HTTPClient   *http.Client
	ProbeTimeout time.Duration
}

// NewClient 初始化客户端
func NewClient(baseURL string, timeout, probeTimeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout, // 轮询请求必须有超时控制
		},
		ProbeTimeout: probeTimeout,
	}
}

// GetBestPrices 拉取当前买一卖一
func (c *Client) GetBestPrices(ctx context.Context) (BestPrices, error) {
	var out BestPrices
	if err := c.getJSON(ctx, EndpointBestPrices, &out); err != nil {
		return FallbackBestPrices(), err
	}
	return out, nil
}

// GetOrderBook 拉取全量盘口档位
func (c *Client) GetOrderBook(ctx context.Context) (OrderBook, error) {
	var out OrderBook
	if err := c.getJSON(ctx, EndpointOrderBook, &out); err != nil {
		return FallbackOrderBook(), err
	}
	if out.Bids == nil {
		out.Bids = []Level{}
	}
	if out.Asks == nil {
		out.Asks = []Level{}
	}
	return out, nil
}

// GetTrades 拉取成交记录
func (c *Client) GetTrades(ctx context.Context) ([]Trade, error) {
	var out []Trade
	if err := c.getJSON(ctx, EndpointTrades, &out); err != nil {
		return FallbackTrades(), err
	}
	if out == nil {
		out = []Trade{}
	}
	return out, nil
}

// AddOrder 以表单提交订单，任何 2xx 都视为成功，返回响应体文本
func (c *Client) AddOrder(ctx context.Context, form OrderForm) (string, error) {
	values := url.Values{}
	values.Set("price", strconv.FormatFloat(form.Price, 'f', -1, 64))
	values.Set("quantity", strconv.Itoa(form.Quantity))
	values.Set("side", form.Side)
	values.Set("order_type", form.OrderType)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+EndpointAddOrder, strings.NewReader(values.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", &TransportError{Endpoint: EndpointAddOrder, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Endpoint: EndpointAddOrder, Err: err}
	}
	if !isSuccess(resp.StatusCode) {
		return "", &StatusError{Endpoint: EndpointAddOrder, Code: resp.StatusCode, Body: truncate(body)}
	}
	return string(body), nil
}

// Probe 用 HEAD 请求探测连通性，忽略响应体
func (c *Client) Probe(ctx context.Context) error {
	if c.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ProbeTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.BaseURL+EndpointBestPrices, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransportError{Endpoint: EndpointBestPrices, Err: err}
	}
	resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return &StatusError{Endpoint: EndpointBestPrices, Code: resp.StatusCode}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}

	if !isSuccess(resp.StatusCode) {
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: truncate(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &DecodeError{Endpoint: endpoint, Err: err}
	}
	return nil
}

func isSuccess(code int) bool { return code >= 200 && code < 300 }

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}
