package gate

import (
	"context"
	"sync"

	"github.com/evergreen-ci/quince/driver"
)

type leaseKey struct {
	gate *Gate
}

// Lease is a caller's hold on the live connection.
type Lease struct {
	ctx  context.Context
	conn driver.Connection
	once sync.Once
	done chan struct{}
}

func newLease(ctx context.Context, g *Gate, conn driver.Connection) *Lease {
	l := &Lease{conn: conn, done: make(chan struct{})}
	l.ctx = context.WithValue(ctx, leaseKey{gate: g}, l)
	return l
}

// Conn returns the leased connection.
func (l *Lease) Conn() driver.Connection { return l.conn }

// Context returns a context that carries the lease. Operations issued
// with it while the lease is held do not wait in the gate's queue.
func (l *Lease) Context() context.Context { return l.ctx }

// Release gives up the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { close(l.done) })
}

func (l *Lease) released() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
