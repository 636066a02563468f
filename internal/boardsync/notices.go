package boardsync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultNoticeCapacity = 20

type NoticeKind string

const (
	NoticeMutation NoticeKind = "mutation"
	NoticeLoad     NoticeKind = "load"
	NoticeData     NoticeKind = "data"
)

// Notice is a transient, dismissible message for the user.
type Notice struct {
	ID        string     `json:"id"`
	Kind      NoticeKind `json:"kind"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// NoticeQueue keeps the most recent notices. Pushing onto a full queue
// evicts the oldest entry.
type NoticeQueue struct {
	mu       sync.Mutex
	items    []Notice
	capacity int
	now      func() time.Time
	onPush   func(Notice)
}

func NewNoticeQueue(capacity int, now func() time.Time) *NoticeQueue {
	if capacity <= 0 {
		capacity = defaultNoticeCapacity
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &NoticeQueue{capacity: capacity, now: now}
}

func (q *NoticeQueue) Push(kind NoticeKind, message string) Notice {
	notice := Notice{
		ID:        uuid.NewString(),
		Kind:      kind,
		Message:   message,
		CreatedAt: q.now(),
	}
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.items = append(q.items[:0], q.items[len(q.items)-q.capacity+1:]...)
	}
	q.items = append(q.items, notice)
	onPush := q.onPush
	q.mu.Unlock()
	if onPush != nil {
		onPush(notice)
	}
	return notice
}

// List returns notices oldest first.
func (q *NoticeQueue) List() []Notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Notice(nil), q.items...)
}

func (q *NoticeQueue) Dismiss(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, notice := range q.items {
		if notice.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *NoticeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *NoticeQueue) setOnPush(fn func(Notice)) {
	q.mu.Lock()
	q.onPush = fn
	q.mu.Unlock()
}
