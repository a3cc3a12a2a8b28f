package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailpickup/backend/internal/pool"
)

// EventType webhook 事件类型。
type EventType string

const (
	EventMessageReceived  EventType = "pickup.message.received"
	EventValueExtracted   EventType = "pickup.value.extracted"
	EventListeningStarted EventType = "pickup.listening.started"
	EventListeningStopped EventType = "pickup.listening.stopped"
)

// Event 待投递的事件。
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	MailboxID string      `json:"mailboxId"`
	CreatedAt time.Time   `json:"createdAt"`
	Data      interface{} `json:"data,omitempty"`
}

// Endpoint 已注册的 webhook 端点。
type Endpoint struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Secret    string      `json:"-"`
	Events    []EventType `json:"events"` // 为空表示订阅全部事件
	CreatedAt time.Time   `json:"createdAt"`
}

// DeliveryStatus 投递记录状态。
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery 单个端点上一次事件的投递记录。
type Delivery struct {
	ID          string         `json:"id"`
	EndpointID  string         `json:"endpointId"`
	Event       Event          `json:"event"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"lastError,omitempty"`
	NextRetryAt time.Time      `json:"nextRetryAt,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

const maxAttempts = 5

var errEndpointGone = errors.New("endpoint no longer registered")

// Notifier webhook 通知器。
//
// 事件经协程池异步投递，请求体用端点密钥做 HMAC-SHA256 签名
// （X-Pickup-Signature 头）。失败投递进入重试队列，按指数退避
// 由 ProcessRetries 重新投递，超过最大尝试次数后标记为失败。
type Notifier struct {
	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	deliveries map[string]*Delivery

	workers *pool.WorkerPool
	client  *http.Client
	log     *zap.Logger

	nowFunc     func() time.Time
	backoffBase time.Duration
	observer    func(status DeliveryStatus)
}

// NewNotifier 创建通知器，workers 必须已启动。
func NewNotifier(workers *pool.WorkerPool, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		endpoints:   make(map[string]*Endpoint),
		deliveries:  make(map[string]*Delivery),
		workers:     workers,
		client:      &http.Client{Timeout: 10 * time.Second},
		log:         log,
		nowFunc:     time.Now,
		backoffBase: 30 * time.Second,
	}
}

// SetDeliveryObserver 设置投递结果回调（用于指标上报），
// 必须在第一次 Emit 之前调用。
func (n *Notifier) SetDeliveryObserver(fn func(status DeliveryStatus)) {
	n.observer = fn
}

func (n *Notifier) observe(status DeliveryStatus) {
	if n.observer != nil {
		n.observer(status)
	}
}

// Register 注册 webhook 端点。
func (n *Notifier) Register(url, secret string, events []EventType) *Endpoint {
	ep := &Endpoint{
		ID:        uuid.NewString(),
		URL:       url,
		Secret:    secret,
		Events:    append([]EventType(nil), events...),
		CreatedAt: n.nowFunc().UTC(),
	}

	n.mu.Lock()
	n.endpoints[ep.ID] = ep
	n.mu.Unlock()

	cp := *ep
	return &cp
}

// Unregister 删除端点，该端点的未完成投递不再重试。
func (n *Notifier) Unregister(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[id]; !ok {
		return false
	}
	delete(n.endpoints, id)
	return true
}

// Endpoints 返回已注册端点列表。
func (n *Notifier) Endpoints() []Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()

	result := make([]Endpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		result = append(result, *ep)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// Deliveries 返回投递记录，最近更新的在前。
func (n *Notifier) Deliveries() []Delivery {
	n.mu.RLock()
	defer n.mu.RUnlock()

	result := make([]Delivery, 0, len(n.deliveries))
	for _, d := range n.deliveries {
		result = append(result, *d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result
}

// Emit 向所有订阅了该事件类型的端点异步投递事件。
func (n *Notifier) Emit(eventType EventType, mailboxID string, data interface{}) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		MailboxID: mailboxID,
		CreatedAt: n.nowFunc().UTC(),
		Data:      data,
	}

	n.mu.Lock()
	var queued []*Delivery
	for _, ep := range n.endpoints {
		if !ep.subscribed(eventType) {
			continue
		}
		d := &Delivery{
			ID:         uuid.NewString(),
			EndpointID: ep.ID,
			Event:      event,
			Status:     DeliveryPending,
			UpdatedAt:  n.nowFunc().UTC(),
		}
		n.deliveries[d.ID] = d
		queued = append(queued, d)
	}
	n.mu.Unlock()

	for _, d := range queued {
		deliveryID := d.ID
		if !n.workers.TrySubmit(func() { n.attempt(deliveryID) }) {
			n.log.Warn("webhook queue full, delivery deferred to retry pass",
				zap.String("delivery_id", deliveryID))
			n.markRetry(deliveryID, errors.New("delivery queue full"))
		}
	}
}

// ProcessRetries 把到期的待重试投递重新入队，由外部定时器驱动。
func (n *Notifier) ProcessRetries() {
	now := n.nowFunc()

	n.mu.RLock()
	var due []string
	for id, d := range n.deliveries {
		if d.Status == DeliveryPending && !d.NextRetryAt.IsZero() && !d.NextRetryAt.After(now) {
			due = append(due, id)
		}
	}
	n.mu.RUnlock()

	for _, id := range due {
		deliveryID := id
		n.workers.TrySubmit(func() { n.attempt(deliveryID) })
	}
}

// attempt 执行一次投递尝试。
func (n *Notifier) attempt(deliveryID string) {
	n.mu.Lock()
	d, ok := n.deliveries[deliveryID]
	if !ok || d.Status != DeliveryPending {
		n.mu.Unlock()
		return
	}
	ep, ok := n.endpoints[d.EndpointID]
	if !ok {
		d.Status = DeliveryFailed
		d.LastError = errEndpointGone.Error()
		d.UpdatedAt = n.nowFunc().UTC()
		n.mu.Unlock()
		n.observe(DeliveryFailed)
		return
	}
	d.Attempts++
	event := d.Event
	url, secret := ep.URL, ep.Secret
	n.mu.Unlock()

	err := n.post(url, secret, event)
	if err == nil {
		n.mu.Lock()
		if d, ok := n.deliveries[deliveryID]; ok {
			d.Status = DeliverySucceeded
			d.LastError = ""
			d.UpdatedAt = n.nowFunc().UTC()
		}
		n.mu.Unlock()
		n.observe(DeliverySucceeded)
		return
	}

	n.log.Warn("webhook delivery failed",
		zap.String("delivery_id", deliveryID),
		zap.String("url", url),
		zap.Error(err))
	n.markRetry(deliveryID, err)
}

// markRetry 记录失败并安排下一次重试，尝试次数用尽后标记失败。
func (n *Notifier) markRetry(deliveryID string, cause error) {
	n.mu.Lock()
	d, ok := n.deliveries[deliveryID]
	if !ok {
		n.mu.Unlock()
		return
	}

	d.LastError = cause.Error()
	d.UpdatedAt = n.nowFunc().UTC()

	if d.Attempts >= maxAttempts {
		d.Status = DeliveryFailed
		n.mu.Unlock()
		n.observe(DeliveryFailed)
		return
	}

	// 入队失败（Attempts=0）30s；第 1..4 次尝试失败后 1m、2m、4m、8m
	backoff := n.backoffBase << uint(d.Attempts)
	d.NextRetryAt = n.nowFunc().Add(backoff)
	n.mu.Unlock()
	n.observe(DeliveryPending)
}

// post 签名并发送事件。
func (n *Notifier) post(url, secret string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pickup-Event", string(event.Type))
	req.Header.Set("X-Pickup-Delivery", event.ID)
	if secret != "" {
		req.Header.Set("X-Pickup-Signature", Sign(secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign 计算请求体的 HMAC-SHA256 签名（十六进制）。
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (e *Endpoint) subscribed(t EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, et := range e.Events {
		if et == t {
			return true
		}
	}
	return false
}
