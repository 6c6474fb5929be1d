package core

import (
	"errors"
	"sync"
	"time"
)

// Keepalive is the sentinel returned to a long-poll reader when its wait
// times out or the gateway is stopping. It is never enqueued.
var Keepalive = []byte(`{"janus":"keepalive"}`)

var ErrQueueBusy = errors.New("another long poll is already draining this session")

// EventQueue is the per-session FIFO of pending notifications. Writers are
// plugin push_event calls and gateway-originated notifications; the single
// reader is the session's long poll.
type EventQueue struct {
	mu     sync.Mutex
	events [][]byte
	notify chan struct{}

	// pollMu serializes long-poll readers: at most one drains the head.
	pollMu sync.Mutex
}

func NewEventQueue() *EventQueue {
	return &EventQueue{
		notify: make(chan struct{}, 1),
	}
}

// Push appends a completed JSON payload to the tail and wakes the reader.
func (q *EventQueue) Push(payload []byte) {
	q.mu.Lock()
	q.events = append(q.events, payload)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *EventQueue) pop() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	head := q.events[0]
	q.events = q.events[1:]
	return head
}

// Len reports the number of pending events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Poll blocks until an event is available, the timeout elapses, or stop is
// closed, and returns the head of the queue or the keepalive sentinel.
// Concurrent polls on the same queue fail with ErrQueueBusy rather than
// racing for the head.
func (q *EventQueue) Poll(timeout time.Duration, stop <-chan struct{}) ([]byte, error) {
	if !q.pollMu.TryLock() {
		return nil, ErrQueueBusy
	}
	defer q.pollMu.Unlock()

	if payload := q.pop(); payload != nil {
		return payload, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.notify:
			if payload := q.pop(); payload != nil {
				return payload, nil
			}
			// Raced with a previous poll that drained the notification.
		case <-timer.C:
			return Keepalive, nil
		case <-stop:
			return Keepalive, nil
		}
	}
}
