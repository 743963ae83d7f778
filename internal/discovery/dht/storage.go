package dht

import (
	"time"

	"github.com/google/uuid"

	opendhtlog "github.com/zorun/opendht/pkg/lib/log"
	"github.com/zorun/opendht/pkg/types"
)

var storageLog = opendhtlog.Logger("storage")

// storedValue 一条存储记录及其插入时间
type storedValue struct {
	value      Value
	insertTime time.Time
}

// remoteListener 对某个 key 订阅更新的远端节点
type remoteListener struct {
	addr     types.Addr
	ackID    uint64
	lastTime time.Time
}

// localListener 本地订阅者：过滤器 + 回调
type localListener struct {
	filter func(*Value) bool
	cb     func(*Value)
}

// keyStorage 单个 key 下的所有状态
type keyStorage struct {
	key             types.NodeID
	values          map[uint64]*storedValue
	remoteListeners map[types.NodeID]*remoteListener
	localListeners  map[uuid.UUID]*localListener
	nextMaintenance time.Time
	totalSize       int64
}

func newKeyStorage(key types.NodeID, now time.Time, maintenanceInterval time.Duration) *keyStorage {
	return &keyStorage{
		key:             key,
		values:          make(map[uint64]*storedValue),
		remoteListeners: make(map[types.NodeID]*remoteListener),
		localListeners:  make(map[uuid.UUID]*localListener),
		nextMaintenance: now.Add(maintenanceInterval),
	}
}

func (ks *keyStorage) empty() bool {
	return len(ks.values) == 0
}

// NotifyFunc 把一次值变更作为未经请求的 get_values 回复推送给远端监听者
//
// ackID 复用远端 listen 请求的 tid，使对方能把这条推送和自己挂起的
// listen 关联起来（§4.4.1）。
type NotifyFunc func(addr types.Addr, ackID uint64, key types.NodeID, v Value)

// Storage 存储引擎：每个 key 的值向量、远端/本地监听器、全局内存预算
type Storage struct {
	cfg       *Config
	types     *TypeRegistry
	clock     Clock
	notify    NotifyFunc
	keys      map[types.NodeID]*keyStorage
	totalSize int64
}

// NewStorage 创建存储引擎
func NewStorage(cfg *Config, typeRegistry *TypeRegistry, clock Clock, notify NotifyFunc) *Storage {
	return &Storage{
		cfg:    cfg,
		types:  typeRegistry,
		clock:  clock,
		notify: notify,
		keys:   make(map[types.NodeID]*keyStorage),
	}
}

// StoreResult 一次 Store 调用的结果
type StoreResult struct {
	Changed    bool
	DeltaSize  int64
	DeltaCount int
}

// Store 在 key 下存入/替换一个值，返回是否发生了变更以及预算增量
func (s *Storage) Store(key types.NodeID, v Value, createdAt time.Time) (StoreResult, error) {
	ks, ok := s.keys[key]
	if !ok {
		ks = newKeyStorage(key, createdAt, s.cfg.StorageMaintenanceInterval)
		s.keys[key] = ks
	}

	vt := s.types.Get(v.TypeID)
	newSize := v.size()

	if existing, found := ks.values[v.ID]; found {
		if existing.value.sameContent(&v) {
			return StoreResult{}, nil
		}
		if !vt.Edit(&existing.value, &v) {
			return StoreResult{}, NewDHTError("store", ErrValueRejected, "edit_policy rejected replacement")
		}
		delta := newSize - existing.value.size()
		if delta > 0 && s.totalSize+delta > s.cfg.MaxStoreSize {
			return StoreResult{}, NewDHTError("store", ErrStorageFull, "would exceed global budget")
		}
		ks.totalSize += delta
		s.totalSize += delta
		existing.value = v
		existing.insertTime = createdAt
		s.notifyListeners(key, v)
		return StoreResult{Changed: true, DeltaSize: delta, DeltaCount: 0}, nil
	}

	if !vt.Store(&v) {
		return StoreResult{}, NewDHTError("store", ErrValueRejected, "store_policy rejected value")
	}
	if len(ks.values) >= s.cfg.MaxValuesPerKey {
		return StoreResult{}, NewDHTError("store", ErrStorageFull, "max values per key reached")
	}
	if s.totalSize+newSize > s.cfg.MaxStoreSize {
		storageLog.Debug("rejecting store: budget exceeded")
		return StoreResult{}, NewDHTError("store", ErrStorageFull, "would exceed global budget")
	}

	ks.values[v.ID] = &storedValue{value: v, insertTime: createdAt}
	ks.totalSize += newSize
	s.totalSize += newSize
	s.notifyListeners(key, v)
	return StoreResult{Changed: true, DeltaSize: newSize, DeltaCount: 1}, nil
}

// notifyListeners 推送一次变更给远端与本地监听者
func (s *Storage) notifyListeners(key types.NodeID, v Value) {
	if ks, ok := s.keys[key]; ok {
		for _, rl := range ks.remoteListeners {
			if s.notify != nil {
				s.notify(rl.addr, rl.ackID, key, v)
			}
		}
		for _, ll := range ks.localListeners {
			if ll.filter == nil || ll.filter(&v) {
				ll.cb(&v)
			}
		}
	}
}

// Get 返回 key 下满足 filter 的值；filter 为 nil 表示不过滤
func (s *Storage) Get(key types.NodeID, filter func(*Value) bool) []Value {
	ks, ok := s.keys[key]
	if !ok {
		return nil
	}
	out := make([]Value, 0, len(ks.values))
	for _, sv := range ks.values {
		if filter == nil || filter(&sv.value) {
			out = append(out, sv.value)
		}
	}
	return out
}

// GetByID 返回 key 下指定 value id 的值
func (s *Storage) GetByID(key types.NodeID, id uint64) (Value, bool) {
	ks, ok := s.keys[key]
	if !ok {
		return Value{}, false
	}
	sv, ok := ks.values[id]
	if !ok {
		return Value{}, false
	}
	return sv.value, true
}

// AddRemoteListener 注册/刷新一个远端监听订阅
func (s *Storage) AddRemoteListener(key types.NodeID, nodeID types.NodeID, addr types.Addr, ackID uint64, now time.Time) {
	ks, ok := s.keys[key]
	if !ok {
		ks = newKeyStorage(key, now, s.cfg.StorageMaintenanceInterval)
		s.keys[key] = ks
	}
	ks.remoteListeners[nodeID] = &remoteListener{addr: addr, ackID: ackID, lastTime: now}
}

// AddLocalListener 注册一个本地监听，返回用于取消的 token
func (s *Storage) AddLocalListener(key types.NodeID, filter func(*Value) bool, cb func(*Value)) uuid.UUID {
	ks, ok := s.keys[key]
	if !ok {
		ks = newKeyStorage(key, s.clock.Now(), s.cfg.StorageMaintenanceInterval)
		s.keys[key] = ks
	}
	token := uuid.New()
	ks.localListeners[token] = &localListener{filter: filter, cb: cb}
	return token
}

// RemoveLocalListener 取消一个本地监听
func (s *Storage) RemoveLocalListener(key types.NodeID, token uuid.UUID) bool {
	ks, ok := s.keys[key]
	if !ok {
		return false
	}
	if _, ok := ks.localListeners[token]; !ok {
		return false
	}
	delete(ks.localListeners, token)
	s.evictIfEmpty(key, ks)
	return true
}

// Expire 丢弃过期的值与陈旧的远端监听者，返回预算增量
func (s *Storage) Expire(now time.Time) (deltaSize int64, deltaCount int) {
	for key, ks := range s.keys {
		for id, sv := range ks.values {
			vt := s.types.Get(sv.value.TypeID)
			if sv.insertTime.Add(vt.Expiration).Before(now) || sv.insertTime.Add(vt.Expiration).Equal(now) {
				size := sv.value.size()
				delete(ks.values, id)
				ks.totalSize -= size
				s.totalSize -= size
				deltaSize -= size
				deltaCount--
			}
		}
		for nodeID, rl := range ks.remoteListeners {
			if now.Sub(rl.lastTime) >= s.cfg.RemoteListenerExpire {
				delete(ks.remoteListeners, nodeID)
			}
		}
		s.evictIfEmpty(key, ks)
	}
	return deltaSize, deltaCount
}

func (s *Storage) evictIfEmpty(key types.NodeID, ks *keyStorage) {
	if ks.empty() && len(ks.remoteListeners) == 0 && len(ks.localListeners) == 0 {
		delete(s.keys, key)
	}
}

// TotalSize 返回当前全局占用的字节数
func (s *Storage) TotalSize() int64 {
	return s.totalSize
}

// ValueCount 返回当前存储的值总数
func (s *Storage) ValueCount() int {
	n := 0
	for _, ks := range s.keys {
		n += len(ks.values)
	}
	return n
}

// Keys 返回当前持有数据或监听器的所有 key，用于维护扫描与导出
func (s *Storage) Keys() []types.NodeID {
	out := make([]types.NodeID, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	return out
}
