package dht

import (
	"time"

	opendhtlog "github.com/zorun/opendht/pkg/lib/log"
	"github.com/zorun/opendht/pkg/types"
)

var networkLog = opendhtlog.Logger("network")

// Request 一个在途请求的完整状态
type Request struct {
	Tid      types.TransactionID
	Target   *Node
	Kind     MessageKind
	SentTime time.Time
	LastTry  time.Time
	Attempt  int
	Deadline time.Time

	// Persistent 标记这个 tid 在收到第一次回复之后仍然保留在 requests
	// 表里，而不是照常删除——用于 listen：对方会在同一个 tid 上反复推送
	// 未经请求的值更新（见 Storage.NotifyFunc/PushNotify），每一次都要能
	// 在这里重新找到这个 Request 并再次调用 onReply。显式 Cancel 是唯一
	// 能摘掉这种条目的方式。
	Persistent bool

	onReply  func(*RequestAnswer)
	onExpire func()

	msg   *Message
	timer Handle
}

// RequestHandler 服务端侧的请求分发契约，由 handler.go 实现
type RequestHandler interface {
	Handle(msg *Message, from types.Addr) RequestAnswer
}

// NetworkEngine 维护 tid -> Request 映射，负责超时重试与请求/响应的分发
type NetworkEngine struct {
	cfg     *Config
	clock   Clock
	sched   *Scheduler
	sender  Sender
	codec   Codec
	localID types.NodeID

	requests map[types.TransactionID]*Request
	nextTid  uint16
	handler  RequestHandler
}

// NewNetworkEngine 创建网络引擎
func NewNetworkEngine(cfg *Config, clock Clock, sched *Scheduler, localID types.NodeID) *NetworkEngine {
	return &NetworkEngine{
		cfg:      cfg,
		clock:    clock,
		sched:    sched,
		sender:   cfg.Sender,
		codec:    cfg.Codec,
		localID:  localID,
		requests: make(map[types.TransactionID]*Request),
	}
}

// SetHandler 注册服务端请求处理器
func (ne *NetworkEngine) SetHandler(h RequestHandler) {
	ne.handler = h
}

func (ne *NetworkEngine) allocTid() types.TransactionID {
	ne.nextTid++
	return types.TransactionID(ne.nextTid)
}

// SendRequest 分配一个新 tid，编码并发送一个请求，安排超时重试
//
// build 用于填充请求特有的字段（Target、Token、Values、Want……）；
// onReply 在收到匹配响应时被调用一次，onExpire 在重试耗尽后被调用一次，
// 二者互斥——同一个 Request 不会两者都触发。
func (ne *NetworkEngine) SendRequest(node *Node, kind MessageKind, build func(*Message), onReply func(*RequestAnswer), onExpire func()) (*Request, error) {
	msg := &Message{Kind: kind, Tid: ne.allocTid(), SenderID: ne.localID}
	if build != nil {
		build(msg)
	}
	buf, err := ne.codec.Encode(msg)
	if err != nil {
		return nil, NewDHTError("send_request", err, "encode failed")
	}
	if err := ne.sender.Send(node.Addr, buf); err != nil {
		return nil, NewDHTError("send_request", err, "send failed")
	}

	now := ne.clock.Now()
	req := &Request{
		Tid: msg.Tid, Target: node, Kind: kind,
		SentTime: now, LastTry: now,
		onReply: onReply, onExpire: onExpire,
		msg: msg,
	}
	req.Deadline = now.Add(ne.cfg.RequestTimeoutBase)
	req.timer = ne.sched.Schedule(req.Deadline, func(now time.Time) { ne.onTimeout(req) })
	ne.requests[msg.Tid] = req
	return req, nil
}

// onTimeout 处理一次请求超时：重试，或者在耗尽次数后判定过期
func (ne *NetworkEngine) onTimeout(req *Request) {
	if _, ok := ne.requests[req.Tid]; !ok {
		return
	}
	req.Attempt++
	req.Target.OnTimeout()

	if req.Attempt >= ne.cfg.MaxRequestAttempts {
		delete(ne.requests, req.Tid)
		networkLog.Debug("request expired after max attempts")
		if req.onExpire != nil {
			req.onExpire()
		}
		return
	}

	now := ne.clock.Now()
	req.LastTry = now
	backoff := ne.cfg.RequestTimeoutBase * time.Duration(int64(1)<<uint(req.Attempt))
	req.Deadline = now.Add(backoff)

	if buf, err := ne.codec.Encode(req.msg); err == nil {
		_ = ne.sender.Send(req.Target.Addr, buf)
	}
	req.timer = ne.sched.Schedule(req.Deadline, func(now time.Time) { ne.onTimeout(req) })
}

// Cancel 丢弃一个在途请求；不会触发 onReply 或 onExpire
func (ne *NetworkEngine) Cancel(req *Request) {
	if _, ok := ne.requests[req.Tid]; !ok {
		return
	}
	ne.sched.Cancel(req.timer)
	delete(ne.requests, req.Tid)
}

// OnDatagram 解析一个入站数据报并分发：响应匹配在途请求，否则走服务端处理
func (ne *NetworkEngine) OnDatagram(buf []byte, from types.Addr) error {
	msg, err := ne.codec.Decode(buf)
	if err != nil {
		return NewDHTError("on_datagram", ErrMalformedMessage, err.Error())
	}

	if msg.IsReply {
		req, ok := ne.requests[msg.Tid]
		if !ok || !req.Target.Addr.Equal(from) {
			return NewDHTError("on_datagram", ErrUnexpectedTid, "")
		}
		ne.sched.Cancel(req.timer)
		if !req.Persistent {
			delete(ne.requests, msg.Tid)
		}
		req.Target.OnReply(ne.clock.Now())
		if req.onReply != nil {
			req.onReply(&msg.Answer)
		}
		return nil
	}

	if ne.handler == nil {
		return nil
	}
	answer := ne.handler.Handle(msg, from)
	reply := &Message{Kind: msg.Kind, Tid: msg.Tid, IsReply: true, SenderID: ne.localID, Answer: answer}
	if buf2, err := ne.codec.Encode(reply); err == nil {
		_ = ne.sender.Send(from, buf2)
	}
	return nil
}

// PendingCount 返回当前在途请求数量
func (ne *NetworkEngine) PendingCount() int {
	return len(ne.requests)
}

// PushNotify 向远端监听者推送一次未经请求的值更新
//
// 复用对方 listen 请求的 tid 作为本消息的 tid 并标记 IsReply，
// 使对方能把这条推送和自己挂起的 listen 关联起来（见存储引擎的 NotifyFunc）。
func (ne *NetworkEngine) PushNotify(addr types.Addr, ackID uint64, key types.NodeID, v Value) {
	msg := &Message{
		Kind: KindGetValues, Tid: types.TransactionID(ackID), IsReply: true,
		SenderID: ne.localID, Target: key, Answer: RequestAnswer{OK: true, Values: []Value{v}},
	}
	buf, err := ne.codec.Encode(msg)
	if err != nil {
		networkLog.Debug("push notify encode failed")
		return
	}
	_ = ne.sender.Send(addr, buf)
}
