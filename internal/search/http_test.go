package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpickup/backend/internal/domain"
)

func TestHTTPAdapter_Search(t *testing.T) {
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	t.Run("透传查询参数与认证头", func(t *testing.T) {
		var gotReq *http.Request
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotReq = r.Clone(context.Background())
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"messages":[{"id":"m1","from":"a@x.com","to":"pickup+shop@test.com","subject":"hi","body":"ORDER-42","date":"2026-08-23T12:01:00Z"}]}`))
		}))
		defer srv.Close()

		adapter := NewHTTPAdapter(HTTPOptions{BaseURL: srv.URL, APIToken: "secret"})

		msgs, err := adapter.Search(context.Background(), Query{
			Address:   "pickup+shop@test.com",
			AccountID: "acct-1",
			Since:     base,
			Limit:     50,
		})

		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "m1", msgs[0].ID)

		q := gotReq.URL.Query()
		assert.Equal(t, "pickup+shop@test.com", q.Get("address"), "搜索使用字面地址，不剥离子地址标签")
		assert.Equal(t, "2026-08-23T12:00:00Z", q.Get("since"))
		assert.Equal(t, "50", q.Get("limit"))
		assert.Equal(t, "acct-1", q.Get("accountId"))
		assert.Equal(t, "Bearer secret", gotReq.Header.Get("Authorization"))
	})

	t.Run("认证失败是致命错误", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		adapter := NewHTTPAdapter(HTTPOptions{BaseURL: srv.URL})
		_, err := adapter.Search(context.Background(), Query{Address: "a@test.com", Since: base})

		var fatal *domain.FatalSearchError
		require.ErrorAs(t, err, &fatal)
		assert.Equal(t, http.StatusUnauthorized, fatal.StatusCode)
	})

	t.Run("上游 5xx 是暂时性错误", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		adapter := NewHTTPAdapter(HTTPOptions{BaseURL: srv.URL})
		_, err := adapter.Search(context.Background(), Query{Address: "a@test.com", Since: base})

		var transient *domain.TransientSearchError
		assert.ErrorAs(t, err, &transient)
	})

	t.Run("连接失败是暂时性错误", func(t *testing.T) {
		adapter := NewHTTPAdapter(HTTPOptions{BaseURL: "http://127.0.0.1:1", RequestTimeout: time.Second})
		_, err := adapter.Search(context.Background(), Query{Address: "a@test.com", Since: base})

		var transient *domain.TransientSearchError
		assert.ErrorAs(t, err, &transient)
	})

	t.Run("响应不是合法 JSON 时按暂时性错误处理", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer srv.Close()

		adapter := NewHTTPAdapter(HTTPOptions{BaseURL: srv.URL})
		_, err := adapter.Search(context.Background(), Query{Address: "a@test.com", Since: base})

		var transient *domain.TransientSearchError
		assert.ErrorAs(t, err, &transient)
	})
}
