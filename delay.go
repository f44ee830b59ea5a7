package o2gate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DelayRequest describes an outbound message held before relay
type DelayRequest struct {
	ConnID     int
	Delay      time.Duration
	Recipients int
	From       string
	Since      time.Time
}

// Delayer holds a message until its delay elapses or someone cancels it.
// Wait returns true when the send was cancelled.
type Delayer interface {
	Wait(ctx context.Context, req DelayRequest) (cancelled bool, err error)
}

// SendDelay is the Delayer exposed to the shell. Notify, when set, is called
// whenever a message starts waiting so the shell can present it; Cancel and
// CancelAll abort held messages.
type SendDelay struct {
	Notify func(req DelayRequest)

	mu      sync.Mutex
	pending map[int]*heldSend
}

type heldSend struct {
	req    DelayRequest
	cancel chan struct{}
	once   sync.Once
}

// NewSendDelay returns a SendDelay reporting held messages to notify, which
// may be nil.
func NewSendDelay(notify func(req DelayRequest)) *SendDelay {
	return &SendDelay{Notify: notify, pending: make(map[int]*heldSend)}
}

// Wait holds the caller for req.Delay. It returns cancelled=true if Cancel
// or CancelAll fired first, and ctx.Err() if the session is torn down.
func (d *SendDelay) Wait(ctx context.Context, req DelayRequest) (bool, error) {
	if req.Delay <= 0 {
		return false, nil
	}
	if req.Since.IsZero() {
		req.Since = time.Now()
	}
	h := &heldSend{req: req, cancel: make(chan struct{})}

	d.mu.Lock()
	if d.pending == nil {
		d.pending = make(map[int]*heldSend)
	}
	d.pending[req.ConnID] = h
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.pending[req.ConnID] == h {
			delete(d.pending, req.ConnID)
		}
		d.mu.Unlock()
	}()

	if d.Notify != nil {
		d.Notify(req)
	}

	timer := time.NewTimer(req.Delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return false, nil
	case <-h.cancel:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Cancel aborts the message held by connID. It reports whether one was
// waiting.
func (d *SendDelay) Cancel(connID int) bool {
	d.mu.Lock()
	h, ok := d.pending[connID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	h.once.Do(func() { close(h.cancel) })
	return true
}

// CancelAll aborts every held message and returns how many there were
func (d *SendDelay) CancelAll() int {
	d.mu.Lock()
	held := make([]*heldSend, 0, len(d.pending))
	for _, h := range d.pending {
		held = append(held, h)
	}
	d.mu.Unlock()

	for _, h := range held {
		h.once.Do(func() { close(h.cancel) })
	}
	return len(held)
}

// Pending lists the messages currently held, oldest first
func (d *SendDelay) Pending() []DelayRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DelayRequest, 0, len(d.pending))
	for _, h := range d.pending {
		out = append(out, h.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}
