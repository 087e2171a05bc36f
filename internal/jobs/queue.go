package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrQueueClosed はキューが閉じられたことを表します。
	ErrQueueClosed = errors.New("jobs: queue closed")
	// ErrAlreadyQueued は同じIDが既にキューに入っていることを表します。
	ErrAlreadyQueued = errors.New("jobs: already queued")
)

// Queue は上限の無い FIFO のジョブIDキューです。
// Enqueue はブロックせず、Dequeue は要素が来るまで待ちます。
// 各IDには投入順の連番を割り当て、先頭の連番との差で待ち順位を O(1) で求めます。
type Queue struct {
	mu      sync.Mutex
	items   []string
	seq     map[string]uint64
	headSeq uint64
	nextSeq uint64
	wake    chan struct{}
	closed  bool
}

// NewQueue は空のキューを作成します。
func NewQueue() *Queue {
	return &Queue{
		seq:  make(map[string]uint64),
		wake: make(chan struct{}),
	}
}

// Enqueue はIDを末尾に追加します。
func (q *Queue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.seq[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, id)
	}
	q.items = append(q.items, id)
	q.seq[id] = q.nextSeq
	q.nextSeq++
	q.broadcast()
	return nil
}

// Dequeue は先頭のIDを取り出します。空なら投入されるか ctx が終わるまで待ちます。
// 取り出しは排他的で、同じIDを2つの呼び出し元が受け取ることはありません。
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			delete(q.seq, id)
			q.headSeq++
			if len(q.items) == 0 {
				// 先頭を切り詰め続けた配列を解放する
				q.items = nil
			}
			q.mu.Unlock()
			return id, nil
		}
		if q.closed {
			q.mu.Unlock()
			return "", ErrQueueClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wake:
		}
	}
}

// PositionOf はキュー待ちのIDの0始まりの順位を返します。取り出し済み・未投入なら false です。
func (q *Queue) PositionOf(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.seq[id]
	if !ok {
		return 0, false
	}
	return int(s - q.headSeq), true
}

// Len は待ち件数を返します。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close はキューを閉じ、待機中の Dequeue を起こします。残っている要素は取り出し可能なままです。
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// Drain は残っている要素をすべて取り出して返します。
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.items
	q.items = nil
	for _, id := range ids {
		delete(q.seq, id)
	}
	q.headSeq += uint64(len(ids))
	return ids
}

func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
