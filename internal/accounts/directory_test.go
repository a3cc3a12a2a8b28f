package accounts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpickup/backend/internal/domain"
)

func TestDirectory_FindAccountByAddress(t *testing.T) {
	dir := NewDirectory()
	dir.Register(domain.AccountRef{ID: "acct-1", Address: "User@Test.com"})

	t.Run("精确匹配规范化地址", func(t *testing.T) {
		ref, err := dir.FindAccountByAddress("  USER@test.com ")

		require.NoError(t, err)
		assert.Equal(t, "acct-1", ref.ID)
	})

	t.Run("子地址回退到基础地址", func(t *testing.T) {
		ref, err := dir.FindAccountByAddress("user+shop@test.com")

		require.NoError(t, err)
		assert.Equal(t, "acct-1", ref.ID)
	})

	t.Run("子地址精确登记优先于回退", func(t *testing.T) {
		dir.Register(domain.AccountRef{ID: "acct-2", Address: "user+vip@test.com"})

		ref, err := dir.FindAccountByAddress("user+vip@test.com")

		require.NoError(t, err)
		assert.Equal(t, "acct-2", ref.ID)
	})

	t.Run("未登记地址返回未找到", func(t *testing.T) {
		_, err := dir.FindAccountByAddress("nobody@test.com")

		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})
}

func TestSyncConfigStore(t *testing.T) {
	store := NewSyncConfigStore(50 * time.Millisecond)
	defer store.Close()

	t.Run("持久配置不过期", func(t *testing.T) {
		store.Put(domain.SyncConfig{AccountID: "acct-1", Protocol: "imap"})

		cfg, ok := store.Get("acct-1")

		require.True(t, ok)
		assert.Equal(t, "imap", cfg.Protocol)
		assert.False(t, cfg.Temporary)
	})

	t.Run("临时配置过期后视同缺失", func(t *testing.T) {
		store.Put(domain.SyncConfig{AccountID: "acct-2", Protocol: "api", Temporary: true})

		_, ok := store.Get("acct-2")
		require.True(t, ok)

		time.Sleep(80 * time.Millisecond)

		_, ok = store.Get("acct-2")
		assert.False(t, ok)
	})

	t.Run("删除后不可见", func(t *testing.T) {
		store.Put(domain.SyncConfig{AccountID: "acct-3", Protocol: "pop3"})
		store.Remove("acct-3")

		_, ok := store.Get("acct-3")
		assert.False(t, ok)
	})
}
