package cache

import (
	"sync"
	"time"
)

// LocalCache 进程内 TTL 缓存。
//
// 取件引擎用它承载带过期时间的临时数据（临时同步配置、
// 账号查找结果），读多写少，用 sync.Map 避免读锁竞争。
type LocalCache struct {
	data sync.Map
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewLocalCache 创建缓存并启动后台清理循环。
//
// 参数:
//   - ttl: 默认过期时间
func NewLocalCache(ttl time.Duration) *LocalCache {
	cache := &LocalCache{
		ttl:  ttl,
		stop: make(chan struct{}),
	}

	go cache.cleanupLoop()

	return cache
}

// Get 获取缓存值，过期条目视同不存在并顺手删除。
func (c *LocalCache) Get(key string) (interface{}, bool) {
	val, ok := c.data.Load(key)
	if !ok {
		return nil, false
	}

	entry := val.(*cacheEntry)

	if time.Now().After(entry.expiresAt) {
		c.data.Delete(key)
		return nil, false
	}

	return entry.value, true
}

// Set 写入缓存值，ttl 为 0 时使用默认过期时间。
func (c *LocalCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.data.Store(key, &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
}

// Delete 删除缓存值。
func (c *LocalCache) Delete(key string) {
	c.data.Delete(key)
}

// Clear 清空所有缓存。
func (c *LocalCache) Clear() {
	c.data = sync.Map{}
}

// Stop 停止后台清理循环。
func (c *LocalCache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// cleanupLoop 定期清理过期条目。
func (c *LocalCache) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.data.Range(func(key, value interface{}) bool {
				if now.After(value.(*cacheEntry).expiresAt) {
					c.data.Delete(key)
				}
				return true
			})
		}
	}
}
