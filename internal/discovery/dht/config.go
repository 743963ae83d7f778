package dht

import (
	"time"

	"github.com/zorun/opendht/pkg/types"
)

// Config DHT 核心配置
//
// 与参考实现一致：大部分常量来自 Kademlia 的经验取值，在字段上暴露出来
// 是为了测试时能够用更小的值加速收敛。
type Config struct {
	// NodeID 本地节点标识
	NodeID types.NodeID

	// IsBootstrap 为 true 时本节点只路由，不存储值也不响应 listen
	IsBootstrap bool

	// BucketSize 每个 K-桶的容量上限
	BucketSize int

	// HomeBucketMaxDepth 允许沿 home 链分裂的最大深度
	HomeBucketMaxDepth int

	// SearchNodes 搜索前沿（frontier）的容量上限
	SearchNodes int

	// SyncedFrontier 判定"已同步"所需的最近节点数
	SyncedFrontier int

	// SearchGetStep 两次 get_values 搜索步之间的最小间隔
	SearchGetStep time.Duration

	// SearchExpireTime 搜索完成后仍保留在内存中的时长
	SearchExpireTime time.Duration

	// ListenExpireTime listen 订阅的刷新周期
	ListenExpireTime time.Duration

	// ReannounceMargin re-announce 截止时间相对于值过期时间的提前量
	ReannounceMargin time.Duration

	// MaxResponseTime 认为一次请求仍"在途"的最长等待
	MaxResponseTime time.Duration

	// RequestTimeoutBase 请求超时的基准时长，实际超时为 base * 2^attempt
	RequestTimeoutBase time.Duration

	// MaxRequestAttempts 单个请求的最大重试次数
	MaxRequestAttempts int

	// BucketExpireTime 桶在无活动后触发维护的时长
	BucketExpireTime time.Duration

	// MaxStoreSize 全局存储字节预算
	MaxStoreSize int64

	// MaxValuesPerKey 单个 key 下允许的最大值数量
	MaxValuesPerKey int

	// MaxHashes 允许跟踪的最大 key 数量
	MaxHashes int

	// MaxSearches 允许同时保留的最大搜索数量
	MaxSearches int

	// RemoteListenerExpire 远端监听器在无刷新后过期的时长
	RemoteListenerExpire time.Duration

	// StorageMaintenanceInterval 存储维护（drift-away 检测）的周期
	StorageMaintenanceInterval time.Duration

	// TokenRotateInterval 写令牌轮转密钥的周期
	TokenRotateInterval time.Duration

	// BlacklistMax 黑名单容量上限
	BlacklistMax int

	// AddressTallyThreshold 公网地址推断所需的独立上报节点数
	AddressTallyThreshold int

	// AddressTallyBuckets 地址计票表的桶数量（murmur3 分片）
	AddressTallyBuckets int

	// BlacklistPredicate 可选的外部黑名单判定；为 nil 时使用内置有界黑名单
	BlacklistPredicate func(types.Addr) bool

	// Sender 出站数据报的外部实现
	Sender Sender

	// Codec 消息编解码的外部实现
	Codec Codec

	// Clock 时间源，测试中可替换为 clock.Mock
	Clock Clock
}

// DefaultConfig 返回默认配置；NodeID 必须由调用方填充
func DefaultConfig() *Config {
	return &Config{
		BucketSize:                 8,
		HomeBucketMaxDepth:         6,
		SearchNodes:                14,
		SyncedFrontier:             8,
		SearchGetStep:              3 * time.Second,
		SearchExpireTime:           62 * time.Minute,
		ListenExpireTime:           30 * time.Second,
		ReannounceMargin:           5 * time.Second,
		MaxResponseTime:            1 * time.Second,
		RequestTimeoutBase:         1 * time.Second,
		MaxRequestAttempts:         3,
		BucketExpireTime:           10 * time.Minute,
		MaxStoreSize:               64 * 1024 * 1024,
		MaxValuesPerKey:            2048,
		MaxHashes:                  16384,
		MaxSearches:                128,
		RemoteListenerExpire:       30 * time.Second,
		StorageMaintenanceInterval: 10 * time.Minute,
		TokenRotateInterval:        15 * time.Minute,
		BlacklistMax:               10,
		AddressTallyThreshold:      4,
		AddressTallyBuckets:        64,
	}
}

// Validate 校验配置是否完整、合理
func (c *Config) Validate() error {
	if c.NodeID.IsEmpty() {
		return NewDHTError("config", ErrInvalidConfig, "node id must not be empty")
	}
	if c.BucketSize <= 0 {
		return NewDHTError("config", ErrInvalidConfig, "bucket size must be positive")
	}
	if c.SearchNodes <= 0 || c.SyncedFrontier <= 0 || c.SyncedFrontier > c.SearchNodes {
		return NewDHTError("config", ErrInvalidConfig, "search_nodes/synced_frontier out of range")
	}
	if c.MaxStoreSize <= 0 {
		return NewDHTError("config", ErrInvalidConfig, "max store size must be positive")
	}
	if c.Sender == nil {
		return NewDHTError("config", ErrInvalidConfig, "sender must be provided")
	}
	if c.Codec == nil {
		return NewDHTError("config", ErrInvalidConfig, "codec must be provided")
	}
	return nil
}

// Option 函数式配置选项
type Option func(*Config)

// WithBucketSize 设置 K-桶容量
func WithBucketSize(size int) Option {
	return func(c *Config) { c.BucketSize = size }
}

// WithBootstrap 将节点标记为纯路由的引导节点
func WithBootstrap(isBootstrap bool) Option {
	return func(c *Config) { c.IsBootstrap = isBootstrap }
}

// WithMaxStoreSize 设置全局存储字节预算
func WithMaxStoreSize(bytes int64) Option {
	return func(c *Config) { c.MaxStoreSize = bytes }
}

// WithSearchGetStep 设置搜索步之间的最小间隔
func WithSearchGetStep(d time.Duration) Option {
	return func(c *Config) { c.SearchGetStep = d }
}

// WithTokenRotateInterval 设置写令牌轮转周期
func WithTokenRotateInterval(d time.Duration) Option {
	return func(c *Config) { c.TokenRotateInterval = d }
}

// WithSender 注入出站数据报发送器
func WithSender(s Sender) Option {
	return func(c *Config) { c.Sender = s }
}

// WithCodec 注入消息编解码器
func WithCodec(codec Codec) Option {
	return func(c *Config) { c.Codec = codec }
}

// WithClock 注入时间源，便于测试
func WithClock(clk Clock) Option {
	return func(c *Config) { c.Clock = clk }
}

// WithBlacklistPredicate 注入外部黑名单判定
func WithBlacklistPredicate(pred func(types.Addr) bool) Option {
	return func(c *Config) { c.BlacklistPredicate = pred }
}
