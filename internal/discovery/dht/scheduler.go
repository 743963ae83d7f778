package dht

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// job 调度器堆里的一个条目
//
// heapIndex 由堆的 Swap 维护，使 Edit/Cancel 能直接 heap.Fix/heap.Remove
// 而不必线性扫描——这是参考实现里 connmgr 拨号调度器用的同一个技巧，
// 这里去掉了它的 goroutine 与 channel，变成纯同步调用。
type job struct {
	id        uuid.UUID
	deadline  time.Time
	seq       uint64
	fn        func(now time.Time)
	heapIndex int
}

type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.heapIndex = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.heapIndex = -1
	*h = old[:n-1]
	return j
}

// Handle 标识一个已调度的任务，用于 Edit/Cancel
type Handle = uuid.UUID

// Scheduler 单线程协作式调度器：按截止时间排序的任务小顶堆
//
// 调度器从不 sleep；嵌入方要么在 RunUntil 返回的时间点再次调用，
// 要么在收到数据报时随时调用，二者谁先到都行。
type Scheduler struct {
	clock Clock
	heap  jobHeap
	jobs  map[uuid.UUID]*job
	seq   uint64
}

// NewScheduler 创建一个空调度器
func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		jobs:  make(map[uuid.UUID]*job),
	}
}

// Schedule 在 deadline 时刻安排运行 fn，返回可用于 Edit/Cancel 的 handle
func (s *Scheduler) Schedule(deadline time.Time, fn func(now time.Time)) Handle {
	s.seq++
	j := &job{id: uuid.New(), deadline: deadline, seq: s.seq, fn: fn}
	s.jobs[j.id] = j
	heap.Push(&s.heap, j)
	return j.id
}

// Edit 修改一个仍未运行的任务的截止时间；任务不存在时返回 false
func (s *Scheduler) Edit(h Handle, newDeadline time.Time) bool {
	j, ok := s.jobs[h]
	if !ok {
		return false
	}
	j.deadline = newDeadline
	heap.Fix(&s.heap, j.heapIndex)
	return true
}

// Cancel 取消一个任务；已经运行过的任务取消是无操作
func (s *Scheduler) Cancel(h Handle) bool {
	j, ok := s.jobs[h]
	if !ok {
		return false
	}
	if j.heapIndex >= 0 {
		heap.Remove(&s.heap, j.heapIndex)
	}
	delete(s.jobs, h)
	return true
}

// RunUntil 运行所有截止时间 <= now 的任务（按截止时间、插入顺序稳定排序），
// 返回剩余任务里最早的截止时间；没有剩余任务时返回零值 time.Time。
//
// 任务在运行前从堆和映射中摘除，这样任务体内部对自身的重新调度
// （再次 Schedule 得到新 handle）或者对自身旧 handle 的 Cancel 都是无害的。
func (s *Scheduler) RunUntil(now time.Time) time.Time {
	for s.heap.Len() > 0 {
		next := s.heap[0]
		if next.deadline.After(now) {
			break
		}
		heap.Pop(&s.heap)
		delete(s.jobs, next.id)
		next.fn(now)
	}
	if s.heap.Len() == 0 {
		return time.Time{}
	}
	return s.heap[0].deadline
}

// Len 返回尚未运行的任务数量
func (s *Scheduler) Len() int {
	return s.heap.Len()
}
