package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"mailpickup/backend/internal/domain"
)

// HTTPAdapter 基于 REST 搜索端点的适配器。
//
// 出站请求经过令牌桶限流，避免多个邮箱同时监听时压垮上游。
type HTTPAdapter struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPOptions HTTP 搜索适配器配置。
type HTTPOptions struct {
	BaseURL        string
	APIToken       string
	RequestTimeout time.Duration
	RateLimit      float64 // 每秒请求数，0 表示不限流
	RateBurst      int
}

// NewHTTPAdapter 创建 HTTP 搜索适配器。
func NewHTTPAdapter(opts HTTPOptions) *HTTPAdapter {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &HTTPAdapter{
		baseURL: opts.BaseURL,
		token:   opts.APIToken,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

type wireMessage struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Date    time.Time `json:"date"`
}

type searchResponse struct {
	Messages []wireMessage `json:"messages"`
}

// Search 执行一次地址搜索。
//
// 认证类与资源类失败（401/403/404）视为致命错误；网络错误、
// 超时与 5xx 视为暂时性错误，由调度器在下一次检查时重试。
func (a *HTTPAdapter) Search(ctx context.Context, q Query) ([]domain.Message, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, &domain.TransientSearchError{Err: err}
		}
	}

	endpoint, err := url.Parse(a.baseURL + "/messages/search")
	if err != nil {
		return nil, &domain.FatalSearchError{Err: fmt.Errorf("invalid search endpoint: %w", err)}
	}

	params := endpoint.Query()
	params.Set("address", q.Address)
	params.Set("since", q.Since.UTC().Format(time.RFC3339))
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.AccountID != "" {
		params.Set("accountId", q.AccountID)
	}
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, &domain.FatalSearchError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &domain.TransientSearchError{Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, err
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &domain.TransientSearchError{Err: fmt.Errorf("failed to decode search response: %w", err)}
	}

	messages := make([]domain.Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		messages = append(messages, domain.Message{
			ID:      m.ID,
			From:    m.From,
			To:      m.To,
			Subject: m.Subject,
			Body:    m.Body,
			Date:    m.Date,
		})
	}
	return messages, nil
}

// classifyStatus 把 HTTP 状态码映射为致命/暂时性错误。
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
		return &domain.FatalSearchError{StatusCode: code, Err: errors.New(http.StatusText(code))}
	case code >= 500, code == http.StatusTooManyRequests:
		return &domain.TransientSearchError{Err: fmt.Errorf("upstream returned status %d", code)}
	default:
		return &domain.TransientSearchError{Err: fmt.Errorf("unexpected status %d", code)}
	}
}

var _ Adapter = (*HTTPAdapter)(nil)
