package dispatch

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/Tutortoise/landmark-tracking-service/protocol"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultInitTimeout    = 30 * time.Second
	DefaultMaxRestarts    = 3
)

var (
	errRequestTimeout = errors.New("timeout waiting for worker response")
	errWorkerLost     = errors.New("worker connection lost")
)

// pendingTable maps in-flight request uids to their one-shot reply channel.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[float64]chan protocol.Message
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[float64]chan protocol.Message)}
}

func (p *pendingTable) add(uid float64) <-chan protocol.Message {
	ch := make(chan protocol.Message, 1)
	p.mu.Lock()
	p.waiters[uid] = ch
	p.mu.Unlock()
	return ch
}

// resolve hands m to the waiter for uid. It reports false when no request
// with that uid is pending.
func (p *pendingTable) resolve(uid float64, m protocol.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiters[uid]
	if !ok {
		return false
	}
	delete(p.waiters, uid)
	ch <- m
	return true
}

func (p *pendingTable) forget(uid float64) {
	p.mu.Lock()
	delete(p.waiters, uid)
	p.mu.Unlock()
}

// failAll wakes every waiter with a closed channel.
func (p *pendingTable) failAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for uid, ch := range p.waiters {
		close(ch)
		delete(p.waiters, uid)
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

func await(ctx context.Context, ch <-chan protocol.Message, timeout time.Duration) (protocol.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m, ok := <-ch:
		if !ok {
			return nil, errWorkerLost
		}
		return m, nil
	case <-timer.C:
		return nil, errRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// uidSource issues strictly increasing millisecond timestamps.
type uidSource struct {
	mu   sync.Mutex
	last float64
	now  func() time.Time
}

func (u *uidSource) next() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	v := float64(u.now().UnixNano()) / float64(time.Millisecond)
	if v <= u.last {
		v = math.Nextafter(u.last, math.Inf(1))
	}
	u.last = v
	return v
}
