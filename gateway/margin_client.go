package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"margin-monitor-go/margin"
)

var ErrInvalidPosition = errors.New("invalid position request")

// Position 上游返回的持仓。
type Position struct {
	ID        int64     `json:"id"`
	ClientID  int64     `json:"client_id"`
	Symbol    string    `json:"symbol"`
	Quantity  int       `json:"quantity"`
	CostBasis float64   `json:"cost_basis"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PositionRequest 新增持仓请求体。
type PositionRequest struct {
	ClientID  int64   `json:"client_id"`
	Symbol    string  `json:"symbol"`
	Quantity  int     `json:"quantity"`
	CostBasis float64 `json:"cost_basis"`
}

// Validate 只做形态检查，业务规则由上游负责。
func (p PositionRequest) Validate() error {
	if p.ClientID <= 0 {
		return fmt.Errorf("%w: client_id must be > 0", ErrInvalidPosition)
	}
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidPosition)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", ErrInvalidPosition)
	}
	if p.CostBasis < 0 {
		return fmt.Errorf("%w: cost_basis must be >= 0", ErrInvalidPosition)
	}
	return nil
}

// MarginClient 访问保证金/持仓服务的 REST 客户端；HTTPClient 可注入 httptest。
type MarginClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    RateLimiter
	Breaker    *CircuitBreaker // 可为 nil
}

type errorBody struct {
	Error string `json:"error"`
}

// FetchMarginStatus GET /api/margin/status/{clientId}。
// 返回的错误均为 *margin.FetchError（network/upstream/decode）。
func (c *MarginClient) FetchMarginStatus(ctx context.Context, clientID int64) (margin.Snapshot, error) {
	var snap margin.Snapshot
	if err := c.doJSON(ctx, http.MethodGet, "/api/margin/status/"+strconv.FormatInt(clientID, 10), nil, &snap); err != nil {
		return margin.Snapshot{}, err
	}
	if snap.ClientID == 0 {
		snap.ClientID = clientID
	}
	if snap.PortfolioValue < 0 {
		return margin.Snapshot{}, margin.NewFetchError(margin.DecodeError,
			fmt.Sprintf("negative portfolio_value %.2f", snap.PortfolioValue), nil)
	}
	return snap, nil
}

// ListPositions GET /api/positions/{clientId}。
func (c *MarginClient) ListPositions(ctx context.Context, clientID int64) ([]Position, error) {
	var out []Position
	if err := c.doJSON(ctx, http.MethodGet, "/api/positions/"+strconv.FormatInt(clientID, 10), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Position{}
	}
	return out, nil
}

// CreatePosition POST /api/positions/。
func (c *MarginClient) CreatePosition(ctx context.Context, req PositionRequest) (Position, error) {
	if err := req.Validate(); err != nil {
		return Position{}, err
	}
	var out Position
	if err := c.doJSON(ctx, http.MethodPost, "/api/positions/", req, &out); err != nil {
		return Position{}, err
	}
	return out, nil
}

func (c *MarginClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	if c == nil || c.HTTPClient == nil {
		return margin.NewFetchError(margin.NetworkError, "http client not set", nil)
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return margin.NewFetchError(margin.DecodeError, "encode request", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, reader)
	if err != nil {
		return margin.NewFetchError(margin.NetworkError, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return margin.NewFetchError(margin.NetworkError, "rate limit wait", err)
		}
	}
	if c.Breaker == nil {
		return c.send(req, path, out)
	}
	if err := c.Breaker.Allow(); err != nil {
		return margin.NewFetchError(margin.UpstreamError, "", err)
	}
	err = c.send(req, path, out)
	c.Breaker.Done(err)
	return err
}

func (c *MarginClient) send(req *http.Request, path string, out interface{}) error {
	method := req.Method
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return margin.NewFetchError(margin.NetworkError, "", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return margin.NewFetchError(margin.NetworkError, "read body", err)
	}
	if resp.StatusCode >= 300 {
		reason := fmt.Sprintf("%s %s status %d", method, path, resp.StatusCode)
		var eb errorBody
		if json.Unmarshal(payload, &eb) == nil && eb.Error != "" {
			reason += ": " + eb.Error
		}
		return margin.NewFetchError(margin.UpstreamError, reason, &statusError{code: resp.StatusCode})
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return margin.NewFetchError(margin.DecodeError, fmt.Sprintf("decode %s: %v", path, err), err)
	}
	return nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
