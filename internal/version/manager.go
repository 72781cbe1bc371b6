package version

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	jiterrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/ir"
	"github.com/tangzhangming/tierjit/internal/logging"
)

const (
	// DefaultMaxVersions 每个地址最多保留的版本数
	DefaultMaxVersions = 10
	// DefaultLockTimeout 写锁获取超时
	DefaultLockTimeout = 50 * time.Millisecond
)

// Options Manager 选项
type Options struct {
	MaxVersions int
	LockTimeout time.Duration // <= 0 表示无限等待
	Logger      *zap.Logger
	Clock       func() time.Time
	// OnEvict 版本被淘汰后调用（持有写锁），用于归还代码区
	OnEvict func(*CompiledCodeBlock)
}

func (o *Options) normalize() {
	if o.MaxVersions <= 0 {
		o.MaxVersions = DefaultMaxVersions
	}
	o.Logger = logging.OrNop(o.Logger)
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Manager 单个地址的版本管理器
//
// 一把读写锁保护整个存储；变更对并发读者是原子的。
// 写锁在 LockTimeout 内拿不到时返回 ErrConcurrency，状态不变。
type Manager struct {
	mu sync.RWMutex

	addr    ir.GuestAddr
	counter *Counter
	opts    Options

	versions map[CodeVersion]*CompiledCodeBlock
	byHash   map[ir.Hash]CodeVersion
	current  CodeVersion
	history  []HistoryEntry
}

// NewManager 创建版本管理器，counter 为 nil 时使用独立计数器
func NewManager(addr ir.GuestAddr, counter *Counter, opts Options) *Manager {
	opts.normalize()
	if counter == nil {
		counter = NewCounter(0)
	}
	return &Manager{
		addr:     addr,
		counter:  counter,
		opts:     opts,
		versions: make(map[CodeVersion]*CompiledCodeBlock),
		byHash:   make(map[ir.Hash]CodeVersion),
	}
}

// Addr 管理的地址
func (m *Manager) Addr() ir.GuestAddr {
	return m.addr
}

// NextVersion 分配一个新版本号
func (m *Manager) NextVersion() CodeVersion {
	return m.counter.Next()
}

// ============================================================================
// 锁
// ============================================================================

// lock 获取写锁，超时返回并发错误
//
// 等待中的 Lock 会阻止新的读者进入，写者不会被持续的读流量饿死。
// 超时后由后台 goroutine 接手并立即释放迟到的锁。
func (m *Manager) lock(op string) error {
	if m.opts.LockTimeout <= 0 {
		m.mu.Lock()
		return nil
	}
	if m.mu.TryLock() {
		return nil
	}

	acquired := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(acquired)
	}()

	timer := time.NewTimer(m.opts.LockTimeout)
	defer timer.Stop()
	select {
	case <-acquired:
		return nil
	case <-timer.C:
	}

	go func() {
		<-acquired
		m.mu.Unlock()
	}()

	err := jiterrors.Concurrencyf("%s %#x: version store lock not acquired within %s",
		op, uint64(m.addr), m.opts.LockTimeout)
	m.opts.Logger.Warn("version store lock timeout",
		zap.String("op", op),
		zap.Uint64("addr", uint64(m.addr)),
		zap.Error(err))
	return err
}

func (m *Manager) appendHistory(v CodeVersion, kind ChangeKind, from CodeVersion, desc string) {
	m.history = append(m.history, HistoryEntry{
		Version:     v,
		Timestamp:   m.opts.Clock(),
		Kind:        kind,
		From:        from,
		Description: desc,
	})
}

// ============================================================================
// 变更操作
// ============================================================================

// Register 注册新版本并设为当前版本
//
// code.Version 为 0 时自动分配版本号。版本号已存在时返回 ErrDuplicateVersion。
// 内容哈希已存在时复用旧版本，不再保存一份相同的产物。
// 超出容量时淘汰编号最小的非当前版本。
func (m *Manager) Register(code *CompiledCodeBlock) (CodeVersion, error) {
	if err := m.lock("register"); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	if code.Version != 0 {
		if _, exists := m.versions[code.Version]; exists {
			return 0, jiterrors.DuplicateVersion(uint64(code.Version))
		}
	}

	if v, ok := m.byHash[code.IRHash]; ok {
		if _, present := m.versions[v]; present {
			if v != m.current {
				prev := m.current
				m.current = v
				m.appendHistory(v, ChangeUpdate, prev, "reuse identical code")
			}
			return v, nil
		}
	}

	stored := *code
	if stored.Version == 0 {
		stored.Version = m.counter.Next()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = m.opts.Clock()
	}
	v := stored.Version

	m.versions[v] = &stored
	m.byHash[stored.IRHash] = v
	prev := m.current
	m.current = v
	if len(m.history) == 0 {
		m.appendHistory(v, ChangeInitial, 0, "initial compilation")
	} else {
		m.appendHistory(v, ChangeUpdate, prev, "recompiled")
	}

	m.evict()
	return v, nil
}

// evict 超出容量时淘汰编号最小的非当前版本
func (m *Manager) evict() {
	for len(m.versions) > m.opts.MaxVersions {
		var victim CodeVersion
		found := false
		for v := range m.versions {
			if v == m.current {
				continue
			}
			if !found || v < victim {
				victim = v
				found = true
			}
		}
		if !found {
			return
		}
		block := m.versions[victim]
		delete(m.versions, victim)
		if m.byHash[block.IRHash] == victim {
			delete(m.byHash, block.IRHash)
		}
		m.opts.Logger.Debug("evicted code version",
			zap.Uint64("addr", uint64(m.addr)),
			zap.Uint64("version", uint64(victim)))
		if m.opts.OnEvict != nil {
			m.opts.OnEvict(block)
		}
	}
}

// Switch 切换当前版本
func (m *Manager) Switch(v CodeVersion) error {
	if err := m.lock("switch"); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, ok := m.versions[v]; !ok {
		return jiterrors.VersionNotFound(uint64(v))
	}
	if v == m.current {
		return nil
	}
	prev := m.current
	m.current = v
	m.appendHistory(v, ChangeUpdate, prev, "switch")
	return nil
}

// Rollback 回滚到历史中上一个不同的版本
//
// 历史少于两个不同版本或目标已被淘汰时返回 ErrVersionNotFound，状态不变。
func (m *Manager) Rollback() (CodeVersion, error) {
	if err := m.lock("rollback"); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	target, ok := m.rollbackTarget()
	if !ok {
		return 0, jiterrors.VersionNotFound(0)
	}
	if _, present := m.versions[target]; !present {
		return 0, jiterrors.VersionNotFound(uint64(target))
	}

	from := m.current
	m.current = target
	m.appendHistory(target, ChangeRollback, from, "rollback")
	return target, nil
}

// rollbackTarget 从历史末尾向前找第一个不同于当前版本的记录
func (m *Manager) rollbackTarget() (CodeVersion, bool) {
	if len(m.history) < 2 {
		return 0, false
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if v := m.history[i].Version; v != m.current {
			return v, true
		}
	}
	return 0, false
}

// Disable 禁用版本，该地址回到解释执行
func (m *Manager) Disable(v CodeVersion) error {
	return m.setEnabled(v, false)
}

// Enable 重新启用版本
func (m *Manager) Enable(v CodeVersion) error {
	return m.setEnabled(v, true)
}

func (m *Manager) setEnabled(v CodeVersion, enabled bool) error {
	op, kind := "disable", ChangeDisable
	if enabled {
		op, kind = "enable", ChangeEnable
	}
	if err := m.lock(op); err != nil {
		return err
	}
	defer m.mu.Unlock()

	block, ok := m.versions[v]
	if !ok {
		return jiterrors.VersionNotFound(uint64(v))
	}
	m.versions[v] = block.withEnabled(enabled)
	m.appendHistory(v, kind, 0, op)
	return nil
}

// ============================================================================
// 查询
// ============================================================================

// Current 当前版本的产物（可能处于禁用状态）
func (m *Manager) Current() (*CompiledCodeBlock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.versions[m.current]
	return b, ok
}

// CurrentVersion 当前版本号，0 表示没有
func (m *Manager) CurrentVersion() CodeVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Get 按版本号查找
func (m *Manager) Get(v CodeVersion) (*CompiledCodeBlock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.versions[v]
	return b, ok
}

// FindByHash 按内容哈希查找
func (m *Manager) FindByHash(h ir.Hash) (*CompiledCodeBlock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.byHash[h]
	if !ok {
		return nil, false
	}
	b, ok := m.versions[v]
	return b, ok
}

// AllVersions 全部版本，最新的在前
func (m *Manager) AllVersions() []*CompiledCodeBlock {
	m.mu.RLock()
	out := make([]*CompiledCodeBlock, 0, len(m.versions))
	for _, b := range m.versions {
		out = append(out, b)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out
}

// History 历史记录的副本
func (m *Manager) History() []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]HistoryEntry(nil), m.history...)
}

// Len 当前保存的版本数
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.versions)
}
