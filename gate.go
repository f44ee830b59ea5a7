package o2gate

import (
	"context"
	"errors"
	"sync"
)

// NoHolder is the Gate holder value when nobody owns it
const NoHolder = -1

// ErrGateNotHeld is returned by Release when the caller does not own the gate
var ErrGateNotHeld = errors.New("o2gate: gate not held by this connection")

// Gate serializes the authentication critical section (token lookup, remote
// dial, AUTH command, AUTH result) across every connection of every
// protocol. Payload relay never runs under the gate.
type Gate struct {
	slot   chan struct{}
	mu     sync.Mutex
	holder int
}

// NewGate returns an unheld gate.
func NewGate() *Gate {
	return &Gate{
		slot:   make(chan struct{}, 1),
		holder: NoHolder,
	}
}

// Acquire blocks until the gate is free or ctx is done, then records connID
// as the holder.
func (g *Gate) Acquire(ctx context.Context, connID int) error {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	g.holder = connID
	g.mu.Unlock()
	debugLog(connID, protoNone, "gate acquired")
	return nil
}

// Release frees the gate if connID holds it. A connection can never clear
// another connection's claim.
func (g *Gate) Release(connID int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != connID || connID == NoHolder {
		return ErrGateNotHeld
	}
	g.holder = NoHolder
	<-g.slot
	debugLog(connID, protoNone, "gate released")
	return nil
}

// Holder returns the id of the connection holding the gate, or NoHolder.
func (g *Gate) Holder() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}
