package session

import (
	"sync"

	"netsift/pkg/model"
)

// Queue 是无界的多生产者单消费者 FIFO：Push 从不阻塞，消费方轮询 Drain。
type Queue struct {
	mu    sync.Mutex
	items []model.ClassifiedPacket
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(p model.ClassifiedPacket) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
}

// Drain 取走当前全部元素，按入队顺序返回；队列为空时返回 nil。
func (q *Queue) Drain() []model.ClassifiedPacket {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
