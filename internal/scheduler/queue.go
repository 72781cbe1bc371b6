package scheduler

import (
	"sort"
	"sync"
)

// ============================================================================
// 本地队列
// ============================================================================

// localQueue 每个工作线程私有的队列
//
// 任务按优先级升序保存，从尾部弹出：优先级高的先出，同优先级后进先出。
// 窃取从头部取走一个任务，与所有者竞争同一把小锁。
type localQueue struct {
	mu    sync.Mutex
	tasks []*Task
}

// push 二分查找插入位置，插在同优先级任务之后
func (q *localQueue) push(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := sort.Search(len(q.tasks), func(i int) bool {
		return q.tasks[i].Priority > t.Priority
	})
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[idx+1:], q.tasks[idx:])
	q.tasks[idx] = t
}

// pop 所有者弹出优先级最高、最新的任务
func (q *localQueue) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.tasks)
	if n == 0 {
		return nil
	}
	t := q.tasks[n-1]
	q.tasks[n-1] = nil
	q.tasks = q.tasks[:n-1]
	return t
}

// steal 窃取者取走优先级最低、最旧的任务
func (q *localQueue) steal() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return t
}

// drain 取出全部任务
func (q *localQueue) drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

func (q *localQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// ============================================================================
// 全局队列
// ============================================================================

// globalQueue 所有工作线程共享的先进先出队列
type globalQueue struct {
	mu    sync.Mutex
	tasks []*Task
	head  int
}

func (q *globalQueue) push(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
}

// popBatch 取出最多 n 个任务
func (q *globalQueue) popBatch(n int) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	avail := len(q.tasks) - q.head
	if avail == 0 {
		return nil
	}
	if n > avail {
		n = avail
	}
	out := make([]*Task, n)
	copy(out, q.tasks[q.head:q.head+n])
	for i := q.head; i < q.head+n; i++ {
		q.tasks[i] = nil
	}
	q.head += n

	// 队列空了或者头部浪费过半时压缩
	if q.head == len(q.tasks) {
		q.tasks = q.tasks[:0]
		q.head = 0
	} else if q.head > len(q.tasks)/2 {
		q.tasks = append(q.tasks[:0], q.tasks[q.head:]...)
		q.head = 0
	}
	return out
}

func (q *globalQueue) drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]*Task(nil), q.tasks[q.head:]...)
	q.tasks = nil
	q.head = 0
	return out
}

func (q *globalQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) - q.head
}
