package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpickup/backend/internal/pool"
)

func newTestNotifier(t *testing.T) *Notifier {
	t.Helper()

	workers := pool.NewWorkerPool(2, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	workers.Start(ctx)
	t.Cleanup(func() {
		cancel()
		workers.Stop()
	})

	return NewNotifier(workers, nil)
}

type capturedRequest struct {
	body      []byte
	signature string
	eventType string
}

func TestNotifier_Emit(t *testing.T) {
	t.Run("投递带签名的事件", func(t *testing.T) {
		notifier := newTestNotifier(t)

		var mu sync.Mutex
		var got []capturedRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			got = append(got, capturedRequest{
				body:      body,
				signature: r.Header.Get("X-Pickup-Signature"),
				eventType: r.Header.Get("X-Pickup-Event"),
			})
			mu.Unlock()
		}))
		defer srv.Close()

		notifier.Register(srv.URL, "s3cret", nil)
		notifier.Emit(EventMessageReceived, "mb-1", map[string]string{"subject": "hi"})

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		}, 2*time.Second, 10*time.Millisecond)

		mu.Lock()
		req := got[0]
		mu.Unlock()

		assert.Equal(t, string(EventMessageReceived), req.eventType)
		assert.Equal(t, Sign("s3cret", req.body), req.signature)

		var event Event
		require.NoError(t, json.Unmarshal(req.body, &event))
		assert.Equal(t, "mb-1", event.MailboxID)

		deliveries := notifier.Deliveries()
		require.Len(t, deliveries, 1)
		assert.Equal(t, DeliverySucceeded, deliveries[0].Status)
	})

	t.Run("只投递订阅的事件类型", func(t *testing.T) {
		notifier := newTestNotifier(t)

		var count int
		var mu sync.Mutex
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			count++
			mu.Unlock()
		}))
		defer srv.Close()

		notifier.Register(srv.URL, "", []EventType{EventValueExtracted})
		notifier.Emit(EventMessageReceived, "mb-1", nil)
		notifier.Emit(EventValueExtracted, "mb-1", map[string]string{"orderId": "42"})

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return count == 1
		}, 2*time.Second, 10*time.Millisecond)
		assert.Len(t, notifier.Deliveries(), 1)
	})
}

func TestNotifier_RetryBackoff(t *testing.T) {
	notifier := newTestNotifier(t)
	notifier.backoffBase = time.Millisecond

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	var nowMu sync.Mutex
	notifier.nowFunc = func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		nowMu.Lock()
		now = now.Add(d)
		nowMu.Unlock()
	}

	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		fail := attempts < 3
		mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	notifier.Register(srv.URL, "", nil)

	t.Run("失败后进入待重试状态", func(t *testing.T) {
		notifier.Emit(EventMessageReceived, "mb-1", nil)

		require.Eventually(t, func() bool {
			ds := notifier.Deliveries()
			return len(ds) == 1 && ds[0].Attempts == 1
		}, 2*time.Second, 10*time.Millisecond)

		d := notifier.Deliveries()[0]
		assert.Equal(t, DeliveryPending, d.Status)
		assert.Contains(t, d.LastError, "status 502")
		assert.True(t, d.NextRetryAt.After(now))
	})

	t.Run("到期重试直至成功", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			advance(time.Second)
			notifier.ProcessRetries()

			want := i + 2
			require.Eventually(t, func() bool {
				ds := notifier.Deliveries()
				return len(ds) == 1 && ds[0].Attempts == want
			}, 2*time.Second, 10*time.Millisecond)
		}

		assert.Equal(t, DeliverySucceeded, notifier.Deliveries()[0].Status)
	})

	t.Run("未到期的投递不会被重试", func(t *testing.T) {
		mu.Lock()
		attempts = 0
		mu.Unlock()

		notifier.Emit(EventMessageReceived, "mb-2", nil)
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return attempts == 1
		}, 2*time.Second, 10*time.Millisecond)

		notifier.ProcessRetries() // NextRetryAt 在未来

		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, 1, attempts)
		mu.Unlock()
	})
}

func TestNotifier_QueueFullDeferralIsRetried(t *testing.T) {
	notifier := newTestNotifier(t)
	notifier.backoffBase = time.Millisecond

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	var nowMu sync.Mutex
	notifier.nowFunc = func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}

	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	notifier.Register(srv.URL, "", nil)

	// 换成零容量的池，让 Emit 入队失败并把投递延期到重试扫描
	workers := notifier.workers
	notifier.workers = pool.NewWorkerPool(0, 0, nil)

	notifier.Emit(EventMessageReceived, "mb-1", nil)

	ds := notifier.Deliveries()
	require.Len(t, ds, 1)
	assert.Equal(t, DeliveryPending, ds[0].Status)
	assert.Zero(t, ds[0].Attempts, "入队失败不算一次尝试")
	assert.Contains(t, ds[0].LastError, "queue full")
	require.False(t, ds[0].NextRetryAt.IsZero())

	// 恢复可用的池，到期后重试扫描重新入队这条延期投递
	notifier.workers = workers
	nowMu.Lock()
	now = now.Add(time.Second)
	nowMu.Unlock()
	notifier.ProcessRetries()

	require.Eventually(t, func() bool {
		ds := notifier.Deliveries()
		return len(ds) == 1 && ds[0].Status == DeliverySucceeded
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, hits)
	mu.Unlock()
	assert.Equal(t, 1, notifier.Deliveries()[0].Attempts)
}

func TestNotifier_FailsAfterMaxAttempts(t *testing.T) {
	notifier := newTestNotifier(t)
	notifier.backoffBase = time.Nanosecond

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	notifier.Register(srv.URL, "", nil)
	notifier.Emit(EventMessageReceived, "mb-1", nil)

	for i := 0; i < maxAttempts; i++ {
		notifier.ProcessRetries()
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		ds := notifier.Deliveries()
		return len(ds) == 1 && ds[0].Status == DeliveryFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, maxAttempts, notifier.Deliveries()[0].Attempts)
}

func TestNotifier_EndpointManagement(t *testing.T) {
	notifier := newTestNotifier(t)

	ep := notifier.Register("http://example.com/hook", "secret", []EventType{EventMessageReceived})

	t.Run("列出已注册端点", func(t *testing.T) {
		eps := notifier.Endpoints()
		require.Len(t, eps, 1)
		assert.Equal(t, ep.ID, eps[0].ID)
	})

	t.Run("注销端点", func(t *testing.T) {
		assert.True(t, notifier.Unregister(ep.ID))
		assert.False(t, notifier.Unregister(ep.ID))
		assert.Empty(t, notifier.Endpoints())
	})
}
