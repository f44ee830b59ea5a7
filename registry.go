package o2gate

import (
	"errors"
	"sync"
)

// Protocol identifies which mail protocol a connection speaks
type Protocol int

const (
	protoNone Protocol = iota
	ProtoPOP3
	ProtoIMAP
	ProtoSMTP
)

func (p Protocol) String() string {
	switch p {
	case ProtoPOP3:
		return "pop3"
	case ProtoIMAP:
		return "imap"
	case ProtoSMTP:
		return "smtp"
	default:
		return "none"
	}
}

// MaxConnections bounds the registry id range to [0, MaxConnections)
const MaxConnections = 100

// ErrRegistryFull is returned when every connection id is in use
var ErrRegistryFull = errors.New("o2gate: too many concurrent connections")

// Registry hands out small connection ids, reusing released ids cyclically.
// The zero value is ready to use.
type Registry struct {
	mu    sync.Mutex
	next  int
	inUse [MaxConnections]bool
	count int
}

// Acquire reserves the next free id at or after the cursor.
func (r *Registry) Acquire() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < MaxConnections; i++ {
		id := (r.next + i) % MaxConnections
		if !r.inUse[id] {
			r.inUse[id] = true
			r.count++
			r.next = (id + 1) % MaxConnections
			return id, nil
		}
	}
	return -1, ErrRegistryFull
}

// Release returns id to the pool. Releasing a free or out of range id is a
// no-op.
func (r *Registry) Release(id int) {
	if id < 0 || id >= MaxConnections {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse[id] {
		r.inUse[id] = false
		r.count--
	}
}

// Active returns the number of ids currently reserved
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
