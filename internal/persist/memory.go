package persist

import (
	"encoding/json"
	"sync"
	"time"

	"mailpickup/backend/internal/domain"
)

// MemoryBridge 进程内持久化桥，主要用于开发验证与测试。
//
// 快照经过 JSON 序列化往返，保证与外部存储实现相同的
// 值语义（不会与注册表共享底层切片）。
type MemoryBridge struct {
	mu      sync.Mutex
	state   []byte
	written time.Time
	window  time.Duration

	// nowFunc 便于测试注入时间
	nowFunc func() time.Time
}

// NewMemoryBridge 创建内存持久化桥。
func NewMemoryBridge(window time.Duration) *MemoryBridge {
	return &MemoryBridge{
		window:  window,
		nowFunc: time.Now,
	}
}

// Save 写入快照。
func (b *MemoryBridge) Save(snapshot domain.RegistrySnapshot) error {
	data, err := json.Marshal(domain.PersistedState{
		Snapshot:  snapshot,
		WrittenAt: b.nowFunc().UTC(),
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = data
	b.written = b.nowFunc().UTC()
	return nil
}

// Load 读取快照，过期快照被丢弃。
func (b *MemoryBridge) Load() (*domain.RegistrySnapshot, error) {
	b.mu.Lock()
	data := b.state
	b.mu.Unlock()

	if data == nil {
		return nil, domain.ErrStateNotFound
	}

	var state domain.PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}

	if expired(state.WrittenAt, b.nowFunc(), b.window) {
		return nil, domain.ErrStateExpired
	}
	return &state.Snapshot, nil
}

// Close 无资源可释放。
func (b *MemoryBridge) Close() error { return nil }

var _ Bridge = (*MemoryBridge)(nil)
