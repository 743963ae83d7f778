package dht

import (
	opendhtlog "github.com/zorun/opendht/pkg/lib/log"
	"github.com/zorun/opendht/pkg/types"
)

var handlerLog = opendhtlog.Logger("handler")

// Handler 构建对一次入站请求的应答，是网络引擎与路由表/存储之间的唯一桥接点
//
// 只产出 RequestAnswer；实际编码与发送仍由 NetworkEngine 完成。
type Handler struct {
	cfg       *Config
	clock     Clock
	cache     *NodeCache
	tables    map[types.Family]*RoutingTable
	storage   *Storage
	tokens    *TokenMinter
	blacklist *Blacklist
	tally     *AddressTally
}

// NewHandler 创建服务端请求处理器
func NewHandler(cfg *Config, clock Clock, cache *NodeCache, tables map[types.Family]*RoutingTable, storage *Storage, tokens *TokenMinter, blacklist *Blacklist, tally *AddressTally) *Handler {
	return &Handler{
		cfg:       cfg,
		clock:     clock,
		cache:     cache,
		tables:    tables,
		storage:   storage,
		tokens:    tokens,
		blacklist: blacklist,
		tally:     tally,
	}
}

// isBlocked 判断来源地址是否应该被丢弃：外部注入的黑名单优先，否则用内置表
func (h *Handler) isBlocked(addr types.Addr) bool {
	if h.cfg.BlacklistPredicate != nil {
		return h.cfg.BlacklistPredicate(addr)
	}
	return h.blacklist.Contains(addr)
}

// Handle 分发一个入站请求并返回要回写的应答；调用方已经确认这不是一个响应
func (h *Handler) Handle(msg *Message, from types.Addr) RequestAnswer {
	if h.isBlocked(from) {
		return RequestAnswer{OK: false, ErrReason: ErrMartianAddress}
	}

	if !msg.SenderID.IsEmpty() {
		h.cache.GetOrCreate(msg.SenderID, from)
		if h.tally != nil {
			h.tally.Report(from, msg.SenderID)
		}
	}

	switch msg.Kind {
	case KindPing:
		return h.handlePing()
	case KindFindNode:
		return h.handleFindNode(msg, from)
	case KindGetValues:
		return h.handleGetValues(msg, from)
	case KindListen:
		return h.handleListen(msg, from)
	case KindAnnounceValue:
		return h.handleAnnounce(msg, from)
	default:
		handlerLog.Warn("unhandled request kind")
		return RequestAnswer{OK: false, ErrReason: ErrMalformedMessage}
	}
}

func (h *Handler) handlePing() RequestAnswer {
	return RequestAnswer{OK: true}
}

func (h *Handler) closestNodes(target types.NodeID, family types.Family) []NodeInfo {
	rt := h.tables[family]
	if rt == nil {
		return nil
	}
	now := h.clock.Now()
	nodes := rt.FindClosest(target, h.cfg.SearchNodes, now)
	out := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NodeInfo{ID: n.ID, Addr: n.Addr})
	}
	return out
}

func (h *Handler) handleFindNode(msg *Message, from types.Addr) RequestAnswer {
	return RequestAnswer{OK: true, Nodes: h.closestNodes(msg.Target, from.Family())}
}

func (h *Handler) handleGetValues(msg *Message, from types.Addr) RequestAnswer {
	ans := RequestAnswer{
		OK:    true,
		Nodes: h.closestNodes(msg.Target, from.Family()),
		Token: h.tokens.Mint(from),
	}
	if !h.cfg.IsBootstrap {
		ans.Values = h.storage.Get(msg.Target, nil)
	}
	return ans
}

func (h *Handler) handleListen(msg *Message, from types.Addr) RequestAnswer {
	if h.cfg.IsBootstrap {
		return RequestAnswer{OK: false, ErrReason: ErrValueRejected}
	}
	if !h.tokens.Verify(msg.Token, from) {
		return RequestAnswer{OK: false, ErrReason: ErrTokenMismatch}
	}
	if msg.Want {
		h.storage.AddRemoteListener(msg.Target, msg.SenderID, from, uint64(msg.Tid), h.clock.Now())
	}
	return RequestAnswer{
		OK:     true,
		Nodes:  h.closestNodes(msg.Target, from.Family()),
		Token:  msg.Token,
		Values: h.storage.Get(msg.Target, nil),
		AckID:  uint64(msg.Tid),
	}
}

func (h *Handler) handleAnnounce(msg *Message, from types.Addr) RequestAnswer {
	if h.cfg.IsBootstrap {
		return RequestAnswer{OK: false, ErrReason: ErrValueRejected}
	}
	if !h.tokens.Verify(msg.Token, from) {
		return RequestAnswer{OK: false, ErrReason: ErrTokenMismatch}
	}
	now := h.clock.Now()
	for _, v := range msg.Values {
		if _, err := h.storage.Store(msg.Target, v, now); err != nil {
			return RequestAnswer{OK: false, ErrReason: err}
		}
	}
	return RequestAnswer{OK: true, AckID: uint64(msg.Tid)}
}
